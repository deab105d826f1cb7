package devices

import (
	"encoding/json"
	"time"

	"trustgate/internal/trust"
)

// MaxFieldLength bounds free-form identity fields such as device_uuid.
const MaxFieldLength = 255

// Device is the server-side record of a monitored endpoint.
type Device struct {
	ID                  int64       `json:"id"`
	UUID                string      `json:"device_uuid"`
	Hostname            string      `json:"hostname"`
	OSVersion           string      `json:"os_version"`
	State               trust.State `json:"state"`
	TrustScore          float64     `json:"trust_score"`
	IsActive            bool        `json:"is_active"`
	IsApproved          bool        `json:"is_approved"`
	ApprovedAt          time.Time   `json:"approved_at,omitzero"`
	LastSeenAt          time.Time   `json:"last_seen_at,omitzero"`
	CredentialHash      string      `json:"-"`
	CredentialCreatedAt time.Time   `json:"credential_created_at,omitzero"`
	CredentialRotatedAt time.Time   `json:"credential_rotated_at,omitzero"`
	RequiresRotation    bool        `json:"requires_rotation"`
	LastNonce           string      `json:"-"`
	Version             int64       `json:"version"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// New returns an unapproved device with full trust.
func New(uuid, hostname, osVersion string, now time.Time) *Device {
	return &Device{
		UUID:       uuid,
		Hostname:   hostname,
		OSVersion:  osVersion,
		State:      trust.StateUnapproved,
		TrustScore: trust.MaxScore,
		IsActive:   true,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// SetCredential stores a freshly issued credential digest. Both credential
// timestamps restart and any pending rotation request is cleared.
func (d *Device) SetCredential(hash string, issuedAt time.Time) {
	d.CredentialHash = hash
	d.CredentialCreatedAt = issuedAt
	d.CredentialRotatedAt = issuedAt
	d.RequiresRotation = false
}

// Apply moves the device to next and performs the flag effects of the
// transition. Session revocation is the caller's job.
func (d *Device) Apply(next trust.State, eff trust.Effect, now time.Time) {
	d.State = next
	if eff.Has(trust.EffectApprove) {
		d.IsApproved = true
		d.ApprovedAt = now
	}
	if eff.Has(trust.EffectUnapprove) {
		d.IsApproved = false
		d.ApprovedAt = time.Time{}
	}
	if eff.Has(trust.EffectActivate) {
		d.IsActive = true
	}
	if eff.Has(trust.EffectDeactivate) {
		d.IsActive = false
	}
}

// LastAlive is the later of the last accepted heartbeat and the approval
// time. Polls made while unapproved do not move LastSeenAt, so approval
// restarts the silence clock.
func (d *Device) LastAlive() time.Time {
	if d.ApprovedAt.After(d.LastSeenAt) {
		return d.ApprovedAt
	}
	return d.LastSeenAt
}

// Telemetry is one stored heartbeat metrics snapshot.
type Telemetry struct {
	ID          int64           `json:"id"`
	DeviceID    int64           `json:"device_id"`
	CollectedAt time.Time       `json:"collected_at"`
	ReceivedAt  time.Time       `json:"received_at"`
	Metrics     json.RawMessage `json:"metrics"`
	SampleCount int             `json:"sample_count"`
}
