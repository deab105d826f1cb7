// Package heartbeat runs the ordered verification and trust update pipeline
// for agent heartbeats.
package heartbeat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"trustgate/internal/apperr"
	"trustgate/internal/audit"
	"trustgate/internal/credential"
	"trustgate/internal/db"
	"trustgate/internal/devices"
	"trustgate/internal/events"
	"trustgate/internal/ratelimit"
	"trustgate/internal/replay"
	"trustgate/internal/rotation"
	"trustgate/internal/sessions"
	"trustgate/internal/trust"
)

const (
	StatusSuccess = "success"
	StatusPending = "pending"

	// MaxNonceLength bounds the hex nonce an agent may send.
	MaxNonceLength = 128

	DefaultTimeout = 5 * time.Second
)

// Config tunes the pipeline.
type Config struct {
	Timeout          time.Duration
	RotationMaxAge   time.Duration
	NoncePolicy      replay.Policy
	RequireSignature bool
}

// Payload is the JSON body of a heartbeat.
type Payload struct {
	DeviceUUID string          `json:"device_uuid"`
	Metrics    json.RawMessage `json:"metrics"`
	Timestamp  string          `json:"timestamp"`
	Nonce      string          `json:"nonce"`
}

// Request is one heartbeat as received on the wire.
type Request struct {
	Credential string
	Signature  string
	Body       []byte
	IP         string
}

type Response struct {
	Status           string    `json:"status"`
	DeviceID         int64     `json:"device_id"`
	NewTrustScore    float64   `json:"new_trust_score"`
	IsApproved       bool      `json:"is_approved"`
	RequiresRotation bool      `json:"requires_rotation"`
	ReceivedAt       time.Time `json:"received_at"`
}

// Pipeline verifies heartbeats and applies their trust consequences.
type Pipeline struct {
	db      *sql.DB
	guard   *replay.Guard
	limiter ratelimit.Limiter
	locks   *devices.Locks
	audit   *audit.Recorder
	bus     *events.Bus
	log     *zap.Logger
	cfg     Config
	now     func() time.Time
}

func NewPipeline(conn *sql.DB, guard *replay.Guard, limiter ratelimit.Limiter, locks *devices.Locks, rec *audit.Recorder, bus *events.Bus, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RotationMaxAge <= 0 {
		cfg.RotationMaxAge = rotation.DefaultMaxAge
	}
	return &Pipeline{
		db:      conn,
		guard:   guard,
		limiter: limiter,
		locks:   locks,
		audit:   rec,
		bus:     bus,
		log:     logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// rejection describes the audit row written for a failed heartbeat.
type rejection struct {
	action  audit.Action
	risk    audit.Risk
	score   float64
	details string
}

func (p *Pipeline) reject(ctx context.Context, req Request, uuid string, deviceID int64, r rejection, err error) error {
	if r.action == "" {
		r.action = audit.HeartbeatRejected
	}
	p.audit.Record(ctx, audit.Event{
		Action:     r.action,
		DeviceUUID: uuid,
		DeviceID:   deviceID,
		IP:         req.IP,
		Risk:       r.risk,
		RiskScore:  r.score,
		Details:    r.details,
	})
	return err
}

// Process runs a heartbeat through every check in order and stops at the
// first failure. Nothing but audit rows is written before the final
// transaction, except the nonce under replay.RecordOnCheck.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var payload Payload
	decodeErr := json.Unmarshal(req.Body, &payload)
	payload.DeviceUUID = strings.TrimSpace(payload.DeviceUUID)
	subject := payload.DeviceUUID
	if len(subject) > devices.MaxFieldLength {
		subject = subject[:devices.MaxFieldLength]
	}

	if req.Credential == "" || !credential.WellFormed(req.Credential) {
		return nil, p.reject(ctx, req, subject, 0,
			rejection{risk: audit.RiskSuspicious, score: 0.5, details: "missing or malformed credential"},
			apperr.Authentication("missing or malformed credential"))
	}

	ts, metrics, raw, err := validate(payload, decodeErr)
	if err != nil {
		return nil, p.reject(ctx, req, subject, 0,
			rejection{risk: audit.RiskSuspicious, score: 0.5, details: err.Error()}, err)
	}

	unlock := p.locks.Lock(payload.DeviceUUID)
	defer unlock()

	d, err := devices.GetByUUID(ctx, p.db, payload.DeviceUUID)
	if errors.Is(err, devices.ErrNotFound) {
		return nil, p.reject(ctx, req, payload.DeviceUUID, 0,
			rejection{risk: audit.RiskSuspicious, score: 0.7, details: "unknown device"},
			apperr.NotFound("device not found"))
	}
	if err != nil {
		return nil, apperr.Internal(err, "device lookup failed")
	}

	if !credential.Verify(req.Credential, d.CredentialHash) {
		return nil, p.reject(ctx, req, d.UUID, d.ID,
			rejection{risk: audit.RiskCritical, score: 0.8, details: "credential mismatch"},
			apperr.Authentication("invalid credential"))
	}
	if req.Signature != "" || p.cfg.RequireSignature {
		if !credential.VerifySignature(req.Credential, req.Body, req.Signature) {
			return nil, p.reject(ctx, req, d.UUID, d.ID,
				rejection{risk: audit.RiskCritical, score: 0.8, details: "body signature mismatch"},
				apperr.Authentication("invalid request signature"))
		}
	}

	if dec := p.limiter.Allow("cred:" + d.CredentialHash); !dec.Allowed {
		return nil, p.reject(ctx, req, d.UUID, d.ID,
			rejection{risk: audit.RiskSuspicious, score: 0.6, details: "credential rate limited"},
			apperr.RateLimited("too many heartbeats", dec.RetryAfter))
	}

	if err := p.guard.CheckNonce(d.UUID, d.LastNonce, payload.Nonce); err != nil {
		p.bus.Publish(events.Event{
			Type:       events.ReplayDetected,
			Severity:   events.SeverityCritical,
			DeviceUUID: d.UUID,
			Hostname:   d.Hostname,
			Message:    "heartbeat nonce reused",
			Metadata:   map[string]string{"ip": req.IP},
		})
		return nil, p.reject(ctx, req, d.UUID, d.ID,
			rejection{action: audit.HeartbeatReplay, risk: audit.RiskCritical, score: 0.9, details: "nonce replayed"},
			apperr.Authorization("replay detected").Wrap(err))
	}
	now := p.now()
	if p.cfg.NoncePolicy == replay.RecordOnCheck {
		d.LastNonce = payload.Nonce
		d.UpdatedAt = now
		if err := devices.Update(ctx, p.db, d); err != nil {
			return nil, storeError(err)
		}
		p.guard.Remember(d.UUID, payload.Nonce)
	}

	if err := p.guard.CheckFreshness(ts, now); err != nil {
		return nil, p.reject(ctx, req, d.UUID, d.ID,
			rejection{risk: audit.RiskSuspicious, score: 0.5, details: fmt.Sprintf("stale timestamp %s", ts.Format(time.RFC3339))},
			apperr.Validation("heartbeat timestamp outside freshness window").Wrap(err))
	}

	if d.State == trust.StateUnapproved {
		return p.pending(ctx, req, d, payload.Nonce, now)
	}

	if !d.IsActive {
		return nil, p.reject(ctx, req, d.UUID, d.ID,
			rejection{risk: audit.RiskSuspicious, score: 0.6, details: "heartbeat from disabled device"},
			apperr.Authorization("device is disabled"))
	}

	return p.accept(ctx, req, d, payload.Nonce, ts, metrics, raw, now)
}

func validate(payload Payload, decodeErr error) (time.Time, Metrics, json.RawMessage, error) {
	if decodeErr != nil {
		return time.Time{}, Metrics{}, nil, apperr.Validation("malformed heartbeat body").Wrap(decodeErr)
	}
	if payload.DeviceUUID == "" {
		return time.Time{}, Metrics{}, nil, apperr.Validation("device_uuid is required")
	}
	if len(payload.DeviceUUID) > devices.MaxFieldLength {
		return time.Time{}, Metrics{}, nil, apperr.Validation("device_uuid is too long")
	}
	if payload.Nonce == "" || len(payload.Nonce) > MaxNonceLength || !govalidator.IsHexadecimal(payload.Nonce) {
		return time.Time{}, Metrics{}, nil, apperr.Validation("nonce must be a hex string of at most 128 characters")
	}
	if payload.Timestamp == "" {
		return time.Time{}, Metrics{}, nil, apperr.Validation("timestamp is required")
	}
	ts, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
	if err != nil {
		return time.Time{}, Metrics{}, nil, apperr.Validation("timestamp must be RFC3339").Wrap(err)
	}
	m, raw, err := ParseMetrics(payload.Metrics)
	if err != nil {
		return time.Time{}, Metrics{}, nil, apperr.Validation("malformed metrics").Wrap(err)
	}
	return ts.UTC(), m, raw, nil
}

func storeError(err error) error {
	if errors.Is(err, devices.ErrVersionConflict) {
		return apperr.Conflict("device was modified concurrently, retry").Wrap(err)
	}
	return apperr.Internal(err, "heartbeat commit failed")
}

// pending answers an unapproved device without touching trust or
// telemetry. The nonce is still consumed.
func (p *Pipeline) pending(ctx context.Context, req Request, d *devices.Device, nonce string, now time.Time) (*Response, error) {
	entry := audit.Event{
		Action: audit.HeartbeatPending, DeviceUUID: d.UUID, DeviceID: d.ID, IP: req.IP,
		Risk: audit.RiskNormal, RiskScore: 0.3, CreatedAt: now,
		Details: "device awaiting approval",
	}
	err := db.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		if d.LastNonce != nonce {
			d.LastNonce = nonce
			d.UpdatedAt = now
			if err := devices.Update(ctx, tx, d); err != nil {
				return err
			}
		}
		return audit.Write(ctx, tx, &entry)
	})
	if err != nil {
		return nil, storeError(err)
	}
	p.audit.Log(entry)
	p.guard.Remember(d.UUID, nonce)

	return &Response{
		Status:           StatusPending,
		DeviceID:         d.ID,
		NewTrustScore:    d.TrustScore,
		IsApproved:       false,
		RequiresRotation: rotation.Due(d.CredentialRotatedAt, now, p.cfg.RotationMaxAge),
		ReceivedAt:       now,
	}, nil
}

func (p *Pipeline) accept(ctx context.Context, req Request, d *devices.Device, nonce string, ts time.Time, m Metrics, raw json.RawMessage, now time.Time) (*Response, error) {
	old := d.TrustScore
	suspicious := trust.Suspicious(m.CPUPercent, m.MemoryPercent)
	score := trust.Recompute(old, d.LastAlive(), now, suspicious)
	next, eff := trust.Evaluate(d.State, old, score)

	d.TrustScore = score
	d.LastSeenAt = now
	d.LastNonce = nonce
	d.UpdatedAt = now
	d.Apply(next, eff, now)
	d.RequiresRotation = rotation.Due(d.CredentialRotatedAt, now, p.cfg.RotationMaxAge)

	sample := &devices.Telemetry{
		DeviceID:    d.ID,
		CollectedAt: ts,
		ReceivedAt:  now,
		Metrics:     raw,
		SampleCount: 1,
	}

	var entries []audit.Event
	var revoked int64
	err := db.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := devices.InsertTelemetry(ctx, tx, sample); err != nil {
			return err
		}
		if err := devices.Update(ctx, tx, d); err != nil {
			return err
		}
		if eff.Has(trust.EffectRevokeSessions) {
			n, err := sessions.RevokeByDevice(ctx, tx, d.ID, fmt.Sprintf("trust dropped to %.0f", score), now)
			if err != nil {
				return err
			}
			revoked = n
		}
		entries = p.trustEntries(req, d, old, score, suspicious, eff, revoked, now)
		for i := range entries {
			if err := audit.Write(ctx, tx, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError(err)
	}
	for _, e := range entries {
		p.audit.Log(e)
	}
	p.guard.Remember(d.UUID, nonce)
	p.publish(d, old, score, eff, revoked)

	return &Response{
		Status:           StatusSuccess,
		DeviceID:         d.ID,
		NewTrustScore:    score,
		IsApproved:       d.IsApproved,
		RequiresRotation: d.RequiresRotation,
		ReceivedAt:       now,
	}, nil
}

func (p *Pipeline) trustEntries(req Request, d *devices.Device, old, score float64, suspicious bool, eff trust.Effect, revoked int64, now time.Time) []audit.Event {
	base := audit.Event{DeviceUUID: d.UUID, DeviceID: d.ID, IP: req.IP, CreatedAt: now}
	var out []audit.Event

	if score < old {
		e := base
		e.Action = audit.TrustDropped
		e.Risk, e.RiskScore = audit.TrustRisk(score)
		e.Details = fmt.Sprintf("trust %.0f -> %.0f (suspicious=%t)", old, score, suspicious)
		out = append(out, e)
	}
	if eff.Has(trust.EffectRevokeSessions) {
		e := base
		e.Action = audit.SessionsRevoked
		e.Risk, e.RiskScore = audit.RiskCritical, 0.8
		e.Details = fmt.Sprintf("revoked %d sessions, trust below %.0f", revoked, trust.DegradeThreshold)
		out = append(out, e)
	}
	if eff.Has(trust.EffectDeactivate) {
		e := base
		e.Action = audit.DeviceDisabled
		e.Risk, e.RiskScore = audit.RiskCritical, 1.0
		e.Details = fmt.Sprintf("device disabled, trust below %.0f", trust.DisableThreshold)
		out = append(out, e)
	}

	e := base
	e.Action = audit.HeartbeatAccepted
	e.Risk, e.RiskScore = audit.TrustRisk(score)
	e.Details = fmt.Sprintf("trust %.0f", score)
	return append(out, e)
}

func (p *Pipeline) publish(d *devices.Device, old, score float64, eff trust.Effect, revoked int64) {
	if score < old {
		sev := events.SeverityInfo
		if score < 60 {
			sev = events.SeverityWarning
		}
		p.bus.Publish(events.Event{
			Type:       events.TrustDropped,
			Severity:   sev,
			DeviceUUID: d.UUID,
			Hostname:   d.Hostname,
			Message:    fmt.Sprintf("trust dropped from %.0f to %.0f", old, score),
			Metadata:   map[string]string{"old": fmt.Sprintf("%.0f", old), "new": fmt.Sprintf("%.0f", score)},
		})
	}
	if eff.Has(trust.EffectRevokeSessions) {
		p.bus.Publish(events.Event{
			Type:       events.SessionsRevoked,
			Severity:   events.SeverityWarning,
			DeviceUUID: d.UUID,
			Hostname:   d.Hostname,
			Message:    fmt.Sprintf("%d sessions revoked, trust %.0f", revoked, score),
			Metadata:   map[string]string{"revoked": fmt.Sprintf("%d", revoked)},
		})
	}
	if eff.Has(trust.EffectDeactivate) {
		p.log.Warn("device disabled by trust collapse",
			zap.String("device_uuid", d.UUID),
			zap.Float64("trust_score", score))
		p.bus.Publish(events.Event{
			Type:       events.DeviceDisabled,
			Severity:   events.SeverityCritical,
			DeviceUUID: d.UUID,
			Hostname:   d.Hostname,
			Message:    fmt.Sprintf("device disabled, trust %.0f", score),
		})
	}
}
