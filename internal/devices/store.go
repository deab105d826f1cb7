// Package devices owns device records: persistence, per-device locking and
// administrative state changes.
package devices

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"trustgate/internal/db"
	"trustgate/internal/trust"
)

var (
	ErrNotFound        = errors.New("device not found")
	ErrExists          = errors.New("device already registered")
	ErrVersionConflict = errors.New("device was modified concurrently")
)

const deviceColumns = `
	id, device_uuid, hostname, os_version, state, trust_score, is_active, is_approved,
	approved_at, last_seen_at, credential_hash, credential_created_at, credential_rotated_at,
	requires_rotation, last_nonce, version, created_at, updated_at`

// ─── Device Records ──────────────────────────────────────────────────────────

// Create inserts d and sets its ID and initial version.
func Create(ctx context.Context, q db.Querier, d *Device) error {
	if d.CredentialHash == "" {
		return errors.New("device has no credential")
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO devices (
			device_uuid, hostname, os_version, state, trust_score, is_active, is_approved,
			approved_at, last_seen_at, credential_hash, credential_created_at, credential_rotated_at,
			requires_rotation, last_nonce, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, d.UUID, d.Hostname, d.OSVersion, string(d.State), trust.Clamp(d.TrustScore),
		db.BoolToInt(d.IsActive), db.BoolToInt(d.IsApproved),
		db.NullTimeString(d.ApprovedAt), db.NullTimeString(d.LastSeenAt), d.CredentialHash,
		db.NullTimeString(d.CredentialCreatedAt), db.NullTimeString(d.CredentialRotatedAt),
		db.BoolToInt(d.RequiresRotation), d.LastNonce,
		db.TimeString(d.CreatedAt), db.TimeString(d.UpdatedAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrExists
		}
		return errors.Wrap(err, "insert device")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "device id")
	}
	d.ID = id
	d.Version = 1
	return nil
}

// GetByUUID retrieves a device by its agent-supplied identifier.
func GetByUUID(ctx context.Context, q db.Querier, uuid string) (*Device, error) {
	row := q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_uuid = ?`, uuid)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// Update writes every mutable field of d if the stored version still matches
// d.Version, then advances d.Version. A mismatch means another writer got
// there first and nothing is written.
func Update(ctx context.Context, q db.Querier, d *Device) error {
	res, err := q.ExecContext(ctx, `
		UPDATE devices SET
			hostname = ?, os_version = ?, state = ?, trust_score = ?, is_active = ?, is_approved = ?,
			approved_at = ?, last_seen_at = ?, credential_hash = ?, credential_created_at = ?,
			credential_rotated_at = ?, requires_rotation = ?, last_nonce = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, d.Hostname, d.OSVersion, string(d.State), trust.Clamp(d.TrustScore),
		db.BoolToInt(d.IsActive), db.BoolToInt(d.IsApproved),
		db.NullTimeString(d.ApprovedAt), db.NullTimeString(d.LastSeenAt), d.CredentialHash,
		db.NullTimeString(d.CredentialCreatedAt), db.NullTimeString(d.CredentialRotatedAt),
		db.BoolToInt(d.RequiresRotation), d.LastNonce, db.TimeString(d.UpdatedAt),
		d.ID, d.Version)
	if err != nil {
		return errors.Wrapf(err, "update device %s", d.UUID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

// ListMonitored returns approved, active devices, the ones expected to send
// heartbeats.
func ListMonitored(ctx context.Context, q db.Querier) ([]Device, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE is_active = 1 AND state IN (?, ?) ORDER BY device_uuid
	`, string(trust.StateActive), string(trust.StateDegraded))
	if err != nil {
		return nil, errors.Wrap(err, "list monitored devices")
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var (
		d                          Device
		state                      string
		active, approved, rotation int
		approvedAt, lastSeen       sql.NullString
		credCreated, credRotated   sql.NullString
		created, updated           string
	)
	err := s.Scan(&d.ID, &d.UUID, &d.Hostname, &d.OSVersion, &state, &d.TrustScore, &active, &approved,
		&approvedAt, &lastSeen, &d.CredentialHash, &credCreated, &credRotated,
		&rotation, &d.LastNonce, &d.Version, &created, &updated)
	if err != nil {
		return nil, err
	}

	if d.State, err = trust.ParseState(state); err != nil {
		return nil, errors.Wrapf(err, "device %s", d.UUID)
	}
	d.IsActive = active == 1
	d.IsApproved = approved == 1
	d.RequiresRotation = rotation == 1
	d.ApprovedAt = db.ParseNullTime(approvedAt)
	d.LastSeenAt = db.ParseNullTime(lastSeen)
	d.CredentialCreatedAt = db.ParseNullTime(credCreated)
	d.CredentialRotatedAt = db.ParseNullTime(credRotated)
	d.CreatedAt = db.ParseTime(created)
	d.UpdatedAt = db.ParseTime(updated)
	return &d, nil
}

// ─── Telemetry ───────────────────────────────────────────────────────────────

// InsertTelemetry stores one metrics snapshot.
func InsertTelemetry(ctx context.Context, q db.Querier, t *Telemetry) error {
	if t.SampleCount == 0 {
		t.SampleCount = 1
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO telemetry (device_id, collected_at, received_at, metrics, sample_count)
		VALUES (?, ?, ?, ?, ?)
	`, t.DeviceID, db.TimeString(t.CollectedAt), db.TimeString(t.ReceivedAt), string(t.Metrics), t.SampleCount)
	if err != nil {
		return errors.Wrap(err, "insert telemetry")
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// ListTelemetry returns the newest snapshots for a device, newest first.
func ListTelemetry(ctx context.Context, q db.Querier, deviceID int64, limit int) ([]Telemetry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, device_id, collected_at, received_at, metrics, sample_count
		FROM telemetry WHERE device_id = ? ORDER BY id DESC LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list telemetry")
	}
	defer rows.Close()

	var out []Telemetry
	for rows.Next() {
		var (
			t                  Telemetry
			collected, receive string
			metrics            string
		)
		if err := rows.Scan(&t.ID, &t.DeviceID, &collected, &receive, &metrics, &t.SampleCount); err != nil {
			return nil, errors.Wrap(err, "scan telemetry")
		}
		t.CollectedAt = db.ParseTime(collected)
		t.ReceivedAt = db.ParseTime(receive)
		t.Metrics = json.RawMessage(metrics)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTelemetry returns how many snapshots a device has.
func CountTelemetry(ctx context.Context, q db.Querier, deviceID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry WHERE device_id = ?`, deviceID).Scan(&n)
	return n, errors.Wrap(err, "count telemetry")
}
