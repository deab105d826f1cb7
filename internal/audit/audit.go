// Package audit persists the security trail of device activity. Every
// heartbeat outcome, including soft "pending" replies, produces one entry.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"trustgate/internal/db"
)

// Risk is the coarse classification attached to every entry.
type Risk string

const (
	RiskNormal     Risk = "normal"
	RiskSuspicious Risk = "suspicious"
	RiskCritical   Risk = "critical"
)

// Action names an audited operation.
type Action string

const (
	DeviceRegistered   Action = "device.registered"
	DeviceReregistered Action = "device.reregistered"
	DeviceApproved     Action = "device.approved"
	DeviceRejected     Action = "device.rejected"
	DeviceDisabled     Action = "device.disabled"

	HeartbeatAccepted Action = "heartbeat.accepted"
	HeartbeatPending  Action = "heartbeat.pending"
	HeartbeatRejected Action = "heartbeat.rejected"
	HeartbeatReplay   Action = "heartbeat.replay"

	TrustDropped    Action = "trust.dropped"
	SessionsRevoked Action = "sessions.revoked"

	CredentialRotated Action = "credential.rotated"
	RotationFailed    Action = "credential.rotation_failed"
)

// Change is one field-level difference recorded for admin decisions.
type Change struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

// Event is a single audit_log row.
type Event struct {
	ID         string    `json:"id"`
	Action     Action    `json:"action"`
	DeviceUUID string    `json:"device_uuid,omitempty"`
	DeviceID   int64     `json:"device_id,omitempty"`
	IP         string    `json:"ip_address,omitempty"`
	Risk       Risk      `json:"risk"`
	RiskScore  float64   `json:"risk_score"`
	Details    string    `json:"details,omitempty"`
	Changes    []Change  `json:"changes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TrustRisk classifies an entry by the device's resulting trust score.
func TrustRisk(score float64) (Risk, float64) {
	rs := 1 - score/100
	if score < 60 {
		return RiskSuspicious, rs
	}
	return RiskNormal, rs
}

// Write inserts e using q, which may be a transaction. ID and CreatedAt are
// filled in when empty.
func Write(ctx context.Context, q db.Querier, e *Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = ulid.MustNew(ulid.Timestamp(e.CreatedAt), ulid.DefaultEntropy()).String()
	}
	if e.Risk == "" {
		e.Risk = RiskNormal
	}

	changes := ""
	if len(e.Changes) > 0 {
		b, err := json.Marshal(e.Changes)
		if err != nil {
			return errors.Wrap(err, "encode audit changes")
		}
		changes = string(b)
	}

	var deviceID any
	if e.DeviceID != 0 {
		deviceID = e.DeviceID
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, device_uuid, device_id, ip_address, risk, risk_score, details, changes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Action), e.DeviceUUID, deviceID, e.IP, string(e.Risk), e.RiskScore, e.Details, changes, db.TimeString(e.CreatedAt))
	if err != nil {
		return errors.Wrapf(err, "insert audit event %s", e.Action)
	}
	return nil
}

// List returns the newest entries for a device, newest first.
func List(ctx context.Context, q db.Querier, deviceUUID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, action, device_uuid, device_id, ip_address, risk, risk_score, details, changes, created_at
		FROM audit_log WHERE device_uuid = ? ORDER BY id DESC LIMIT ?
	`, deviceUUID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list audit events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e        Event
			action   string
			risk     string
			deviceID sql.NullInt64
			changes  string
			created  string
		)
		if err := rows.Scan(&e.ID, &action, &e.DeviceUUID, &deviceID, &e.IP, &risk, &e.RiskScore, &e.Details, &changes, &created); err != nil {
			return nil, errors.Wrap(err, "scan audit event")
		}
		e.Action = Action(action)
		e.Risk = Risk(risk)
		e.DeviceID = deviceID.Int64
		e.CreatedAt = db.ParseTime(created)
		if changes != "" {
			if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
				return nil, errors.Wrap(err, "decode audit changes")
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Recorder writes entries outside of any transaction. Failures are logged,
// never returned: a broken audit sink must not turn a rejection into a 500.
type Recorder struct {
	db  *sql.DB
	log *zap.Logger
}

func NewRecorder(conn *sql.DB, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: conn, log: logger}
}

// Record persists e and mirrors it to the log at a level matching its risk.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if err := Write(ctx, r.db, &e); err != nil {
		r.log.Error("audit write failed", zap.String("action", string(e.Action)), zap.Error(err))
	}
	r.Log(e)
}

// Log mirrors an already written entry to the application log.
func (r *Recorder) Log(e Event) {
	fields := []zap.Field{
		zap.String("action", string(e.Action)),
		zap.String("device_uuid", e.DeviceUUID),
		zap.String("ip", e.IP),
		zap.String("risk", string(e.Risk)),
		zap.Float64("risk_score", e.RiskScore),
		zap.String("details", e.Details),
	}
	switch e.Risk {
	case RiskCritical:
		r.log.Warn("audit", fields...)
	default:
		r.log.Info("audit", fields...)
	}
}
