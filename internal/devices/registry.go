package devices

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/r3labs/diff"
	"go.uber.org/zap"

	"trustgate/internal/apperr"
	"trustgate/internal/audit"
	"trustgate/internal/db"
	"trustgate/internal/events"
	"trustgate/internal/sessions"
	"trustgate/internal/trust"
)

// Admin decision actions.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// Decision is an administrative approval or rejection.
type Decision struct {
	Action string
	Reason string
	Actor  string
	IP     string
}

// Registry applies administrative lifecycle changes to devices.
type Registry struct {
	db    *sql.DB
	locks *Locks
	audit *audit.Recorder
	bus   *events.Bus
	log   *zap.Logger
	now   func() time.Time
}

func NewRegistry(conn *sql.DB, locks *Locks, rec *audit.Recorder, bus *events.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		db:    conn,
		locks: locks,
		audit: rec,
		bus:   bus,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Get returns a device or a NotFound error.
func (r *Registry) Get(ctx context.Context, uuid string) (*Device, error) {
	d, err := GetByUUID(ctx, r.db, uuid)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("device not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "device lookup failed")
	}
	return d, nil
}

// Telemetry returns the newest telemetry snapshots of a device.
func (r *Registry) Telemetry(ctx context.Context, d *Device, limit int) ([]Telemetry, error) {
	t, err := ListTelemetry(ctx, r.db, d.ID, limit)
	if err != nil {
		return nil, apperr.Internal(err, "telemetry lookup failed")
	}
	return t, nil
}

// decisionView is the slice of a device an admin decision can change.
type decisionView struct {
	State      string `diff:"state"`
	IsApproved bool   `diff:"is_approved"`
	IsActive   bool   `diff:"is_active"`
	ApprovedAt string `diff:"approved_at"`
}

func viewOf(d *Device) decisionView {
	v := decisionView{State: string(d.State), IsApproved: d.IsApproved, IsActive: d.IsActive}
	if !d.ApprovedAt.IsZero() {
		v.ApprovedAt = d.ApprovedAt.Format(time.RFC3339)
	}
	return v
}

// Decide approves or rejects a device. Approving an already active device is
// a no-op; rejecting revokes every session bound to it.
func (r *Registry) Decide(ctx context.Context, uuid string, dec Decision) (*Device, error) {
	var trigger trust.Trigger
	switch dec.Action {
	case ActionApprove:
		trigger = trust.TriggerApprove
	case ActionReject:
		trigger = trust.TriggerReject
	default:
		return nil, apperr.Validation("action must be approve or reject")
	}

	unlock := r.locks.Lock(uuid)
	defer unlock()

	d, err := r.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}

	next, eff, err := trust.Fire(d.State, trigger)
	if err != nil {
		if trigger == trust.TriggerApprove && d.State == trust.StateActive {
			return d, nil
		}
		return nil, apperr.Conflict(fmt.Sprintf("cannot %s a %s device", dec.Action, d.State)).Wrap(err)
	}

	before := viewOf(d)
	now := r.now()
	d.Apply(next, eff, now)
	d.UpdatedAt = now

	changelog, err := diff.Diff(before, viewOf(d))
	if err != nil {
		return nil, apperr.Internal(err, "diff device")
	}
	changes := make([]audit.Change, 0, len(changelog))
	for _, c := range changelog {
		field := ""
		if len(c.Path) > 0 {
			field = c.Path[len(c.Path)-1]
		}
		changes = append(changes, audit.Change{Field: field, From: c.From, To: c.To})
	}

	action, evType, risk := audit.DeviceApproved, events.DeviceApproved, audit.RiskNormal
	if trigger == trust.TriggerReject {
		action, evType, risk = audit.DeviceRejected, events.DeviceRejected, audit.RiskSuspicious
	}
	details := fmt.Sprintf("%s by %s", dec.Action, orUnknown(dec.Actor))
	if dec.Reason != "" {
		details += ": " + dec.Reason
	}

	var revoked int64
	var entries []audit.Event
	err = db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := Update(ctx, tx, d); err != nil {
			return err
		}
		if eff.Has(trust.EffectRevokeSessions) {
			n, err := sessions.RevokeByDevice(ctx, tx, d.ID, details, now)
			if err != nil {
				return err
			}
			revoked = n
		}
		entries = []audit.Event{{
			Action: action, DeviceUUID: d.UUID, DeviceID: d.ID, IP: dec.IP,
			Risk: risk, Details: details, Changes: changes, CreatedAt: now,
		}}
		if revoked > 0 {
			entries = append(entries, audit.Event{
				Action: audit.SessionsRevoked, DeviceUUID: d.UUID, DeviceID: d.ID, IP: dec.IP,
				Risk: audit.RiskCritical, RiskScore: 0.8, CreatedAt: now,
				Details: fmt.Sprintf("revoked %d sessions on rejection", revoked),
			})
		}
		for i := range entries {
			if err := audit.Write(ctx, tx, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrVersionConflict) {
		return nil, apperr.Conflict("device was modified concurrently").Wrap(err)
	}
	if err != nil {
		return nil, apperr.Internal(err, "decision failed")
	}
	for _, e := range entries {
		r.audit.Log(e)
	}

	r.bus.Publish(events.Event{
		Type:       evType,
		Severity:   events.SeverityInfo,
		DeviceUUID: d.UUID,
		Hostname:   d.Hostname,
		Message:    details,
	})
	if revoked > 0 {
		r.bus.Publish(events.Event{
			Type:       events.SessionsRevoked,
			Severity:   events.SeverityWarning,
			DeviceUUID: d.UUID,
			Hostname:   d.Hostname,
			Message:    fmt.Sprintf("%d sessions revoked after rejection", revoked),
			Metadata:   map[string]string{"revoked": fmt.Sprintf("%d", revoked)},
		})
	}
	return d, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
