// Package sessions tracks user login sessions bound to devices. Sessions are
// created by the web application; this package only needs to find and
// revoke them.
package sessions

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"trustgate/internal/db"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

type Session struct {
	ID           string     `json:"session_id"`
	UserID       int64      `json:"user_id"`
	DeviceID     int64      `json:"device_id"`
	IPAddress    string     `json:"ip_address,omitempty"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LogoutAt     *time.Time `json:"logout_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// Create opens a session for userID on deviceID.
func Create(ctx context.Context, q db.Querier, userID, deviceID int64, ip string) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		DeviceID:  deviceID,
		IPAddress: ip,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, device_id, ip_address, is_active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
	`, s.ID, s.UserID, s.DeviceID, s.IPAddress, db.TimeString(s.CreatedAt))
	if err != nil {
		return nil, errors.Wrap(err, "insert session")
	}
	return s, nil
}

// Get retrieves a session by id.
func Get(ctx context.Context, q db.Querier, id string) (*Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT session_id, user_id, device_id, ip_address, is_active, created_at, logout_at, revoke_reason
		FROM sessions WHERE session_id = ?
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListByDevice returns every session bound to deviceID, oldest first.
func ListByDevice(ctx context.Context, q db.Querier, deviceID int64) ([]Session, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT session_id, user_id, device_id, ip_address, is_active, created_at, logout_at, revoke_reason
		FROM sessions WHERE device_id = ? ORDER BY created_at
	`, deviceID)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// RevokeByDevice marks every active session of deviceID inactive, stamping
// the logout time and reason, and returns how many were revoked.
func RevokeByDevice(ctx context.Context, q db.Querier, deviceID int64, reason string, at time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET is_active = 0, logout_at = ?, revoke_reason = ?
		WHERE device_id = ? AND is_active = 1
	`, db.TimeString(at), reason, deviceID)
	if err != nil {
		return 0, errors.Wrapf(err, "revoke sessions for device %d", deviceID)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*Session, error) {
	var (
		sess     Session
		active   int
		created  string
		logoutAt sql.NullString
	)
	if err := s.Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.IPAddress, &active, &created, &logoutAt, &sess.RevokeReason); err != nil {
		return nil, err
	}
	sess.IsActive = active == 1
	sess.CreatedAt = db.ParseTime(created)
	if t := db.ParseNullTime(logoutAt); !t.IsZero() {
		sess.LogoutAt = &t
	}
	return &sess, nil
}
