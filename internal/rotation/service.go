// Package rotation enforces the credential age policy and rotates device
// credentials.
package rotation

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"trustgate/internal/apperr"
	"trustgate/internal/audit"
	"trustgate/internal/credential"
	"trustgate/internal/db"
	"trustgate/internal/devices"
	"trustgate/internal/events"
)

// DefaultMaxAge is how long a credential stays valid before rotation is
// requested.
const DefaultMaxAge = 90 * 24 * time.Hour

// Due reports whether a credential last rotated at lastRotated should be
// rotated. A credential that was never rotated is always due.
func Due(lastRotated, now time.Time, maxAge time.Duration) bool {
	if lastRotated.IsZero() {
		return true
	}
	return now.Sub(lastRotated) > maxAge
}

type Request struct {
	DeviceUUID string
	// CurrentCredential proves possession on the agent channel.
	CurrentCredential string
	IP                string
	// Admin marks requests that arrived over the authenticated admin
	// channel; they need no credential proof.
	Admin bool
	Actor string
}

type Result struct {
	Credential string
	RevokedAt  time.Time
	Device     *devices.Device
}

type Service struct {
	db    *sql.DB
	vault *credential.Vault
	locks *devices.Locks
	audit *audit.Recorder
	bus   *events.Bus
	log   *zap.Logger
	now   func() time.Time
}

func NewService(conn *sql.DB, vault *credential.Vault, locks *devices.Locks, rec *audit.Recorder, bus *events.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:    conn,
		vault: vault,
		locks: locks,
		audit: rec,
		bus:   bus,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Rotate replaces a device credential. Agent requests must present the
// current credential; admin requests are trusted.
func (s *Service) Rotate(ctx context.Context, req Request) (*Result, error) {
	req.DeviceUUID = strings.TrimSpace(req.DeviceUUID)
	if req.DeviceUUID == "" {
		return nil, apperr.Validation("device_uuid is required")
	}
	if !req.Admin && req.CurrentCredential == "" {
		return nil, apperr.Authentication("current credential required")
	}

	unlock := s.locks.Lock(req.DeviceUUID)
	defer unlock()

	d, err := devices.GetByUUID(ctx, s.db, req.DeviceUUID)
	if errors.Is(err, devices.ErrNotFound) {
		return nil, apperr.NotFound("device not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, "device lookup failed")
	}

	if !req.Admin {
		if !credential.WellFormed(req.CurrentCredential) || !credential.Verify(req.CurrentCredential, d.CredentialHash) {
			s.audit.Record(ctx, audit.Event{
				Action: audit.RotationFailed, DeviceUUID: d.UUID, DeviceID: d.ID, IP: req.IP,
				Risk: audit.RiskSuspicious, RiskScore: 0.7,
				Details: "current credential did not verify",
			})
			return nil, apperr.Authentication("current credential invalid")
		}
		if !d.IsActive {
			return nil, apperr.Authorization("device is disabled")
		}
	}

	now := s.now()
	secret, err := s.vault.Rotate(d)
	if err != nil {
		return nil, apperr.Internal(err, "credential generation failed")
	}
	d.UpdatedAt = now

	details := "credential rotated by agent"
	if req.Admin {
		details = "credential rotated by admin " + req.Actor
	}
	entry := audit.Event{
		Action: audit.CredentialRotated, DeviceUUID: d.UUID, DeviceID: d.ID, IP: req.IP,
		Risk: audit.RiskNormal, CreatedAt: now, Details: details,
	}
	err = db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := devices.Update(ctx, tx, d); err != nil {
			return err
		}
		return audit.Write(ctx, tx, &entry)
	})
	if errors.Is(err, devices.ErrVersionConflict) {
		return nil, apperr.Conflict("device was modified concurrently, retry").Wrap(err)
	}
	if err != nil {
		return nil, apperr.Internal(err, "rotation failed")
	}
	s.audit.Log(entry)

	s.bus.Publish(events.Event{
		Type:       events.CredentialRotated,
		Severity:   events.SeverityInfo,
		DeviceUUID: d.UUID,
		Hostname:   d.Hostname,
		Message:    details,
	})
	return &Result{Credential: secret, RevokedAt: now, Device: d}, nil
}
