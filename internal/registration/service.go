// Package registration onboards devices and re-issues credentials to
// devices that register again.
package registration

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

// MaxFieldLength bounds free-form identity fields.
const MaxFieldLength = devices.MaxFieldLength

type Request struct {
	DeviceUUID string
	Hostname   string
	OSVersion  string
	IP         string
}

type Result struct {
	// Credential is the plaintext secret; it is never retrievable again.
	Credential string
	Device     *devices.Device
	Created    bool
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

func (r Request) validate() error {
	if r.DeviceUUID == "" {
		return apperr.Validation("device_uuid is required")
	}
	if len(r.DeviceUUID) > MaxFieldLength || len(r.Hostname) > MaxFieldLength || len(r.OSVersion) > MaxFieldLength {
		return apperr.Validation("identity fields must be at most 255 characters")
	}
	return nil
}

// Register creates the device on first contact or issues it a new
// credential on every later contact. Knowing the UUID is all it takes to
// re-register; the previous credential stops working immediately.
func (s *Service) Register(ctx context.Context, req Request) (*Result, error) {
	req.DeviceUUID = strings.TrimSpace(req.DeviceUUID)
	req.Hostname = strings.TrimSpace(req.Hostname)
	req.OSVersion = strings.TrimSpace(req.OSVersion)
	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.DeviceUUID)
	defer unlock()

	now := s.now()
	existing, err := devices.GetByUUID(ctx, s.db, req.DeviceUUID)
	switch {
	case errors.Is(err, devices.ErrNotFound):
		return s.create(ctx, req, now)
	case err != nil:
		return nil, apperr.Internal(err, "device lookup failed")
	}
	return s.reregister(ctx, existing, req, now)
}

func (s *Service) create(ctx context.Context, req Request, now time.Time) (*Result, error) {
	d := devices.New(req.DeviceUUID, req.Hostname, req.OSVersion, now)
	secret, err := s.vault.Rotate(d)
	if err != nil {
		return nil, apperr.Internal(err, "credential generation failed")
	}

	entry := audit.Event{
		Action: audit.DeviceRegistered, DeviceUUID: d.UUID, IP: req.IP,
		Risk: audit.RiskNormal, CreatedAt: now,
		Details: "registered " + d.Hostname + " (" + d.OSVersion + ")",
	}
	err = db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := devices.Create(ctx, tx, d); err != nil {
			return err
		}
		entry.DeviceID = d.ID
		return audit.Write(ctx, tx, &entry)
	})
	if errors.Is(err, devices.ErrExists) {
		return nil, apperr.Conflict("device registered concurrently, retry").Wrap(err)
	}
	if err != nil {
		return nil, apperr.Internal(err, "registration failed")
	}
	s.audit.Log(entry)

	s.bus.Publish(events.Event{
		Type:       events.DeviceRegistered,
		Severity:   events.SeverityInfo,
		DeviceUUID: d.UUID,
		Hostname:   d.Hostname,
		Message:    "new device awaiting approval",
	})
	return &Result{Credential: secret, Device: d, Created: true}, nil
}

func (s *Service) reregister(ctx context.Context, d *devices.Device, req Request, now time.Time) (*Result, error) {
	secret, err := s.vault.Rotate(d)
	if err != nil {
		return nil, apperr.Internal(err, "credential generation failed")
	}
	if req.Hostname != "" {
		d.Hostname = req.Hostname
	}
	if req.OSVersion != "" {
		d.OSVersion = req.OSVersion
	}
	d.LastSeenAt = now
	d.UpdatedAt = now

	entry := audit.Event{
		Action: audit.DeviceReregistered, DeviceUUID: d.UUID, DeviceID: d.ID, IP: req.IP,
		Risk: audit.RiskSuspicious, RiskScore: 0.4, CreatedAt: now,
		Details: "credential re-issued; previous credential invalidated",
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
		return nil, apperr.Internal(err, "re-registration failed")
	}
	s.audit.Log(entry)

	s.bus.Publish(events.Event{
		Type:       events.DeviceReregistered,
		Severity:   events.SeverityWarning,
		DeviceUUID: d.UUID,
		Hostname:   d.Hostname,
		Message:    "device re-registered and received a new credential",
	})
	return &Result{Credential: secret, Device: d}, nil
}
