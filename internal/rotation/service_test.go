package rotation

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/internal/apperr"
	"trustgate/internal/audit"
	"trustgate/internal/credential"
	"trustgate/internal/db"
	"trustgate/internal/devices"
	"trustgate/internal/events"
	"trustgate/internal/trust"
)

var t0 = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

func TestDue(t *testing.T) {
	now := t0
	tests := []struct {
		name        string
		lastRotated time.Time
		want        bool
	}{
		{"never rotated", time.Time{}, true},
		{"fresh", now.Add(-24 * time.Hour), false},
		{"exactly max age", now.Add(-DefaultMaxAge), false},
		{"older than max age", now.Add(-DefaultMaxAge - time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Due(tt.lastRotated, now, DefaultMaxAge))
		})
	}
}

func setup(t *testing.T) (*Service, *sql.DB, string) {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	vault := credential.NewVault(credential.WithClock(func() time.Time { return t0.Add(time.Hour) }))
	d := devices.New("dev-1", "HOST-A", "Win11", t0)
	secret, err := credential.NewVault(credential.WithClock(func() time.Time { return t0 })).Rotate(d)
	require.NoError(t, err)
	d.RequiresRotation = true
	require.NoError(t, devices.Create(context.Background(), conn, d))

	s := NewService(conn, vault, devices.NewLocks(), audit.NewRecorder(conn, nil), events.NewBus(nil), nil)
	s.SetClock(func() time.Time { return t0.Add(time.Hour) })
	return s, conn, secret
}

func TestRotateWithProof(t *testing.T) {
	s, conn, secret := setup(t)
	ctx := context.Background()

	res, err := s.Rotate(ctx, Request{DeviceUUID: "dev-1", CurrentCredential: secret})
	require.NoError(t, err)
	assert.NotEqual(t, secret, res.Credential)
	assert.Equal(t, t0.Add(time.Hour), res.RevokedAt)

	d, err := devices.GetByUUID(ctx, conn, "dev-1")
	require.NoError(t, err)
	assert.True(t, credential.Verify(res.Credential, d.CredentialHash))
	assert.False(t, credential.Verify(secret, d.CredentialHash), "old credential revoked")
	assert.False(t, d.RequiresRotation)
	assert.True(t, d.CredentialRotatedAt.Equal(t0.Add(time.Hour)))

	entries, err := audit.List(ctx, conn, "dev-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, audit.CredentialRotated, entries[0].Action)
}

func TestRotateRequiresProof(t *testing.T) {
	s, conn, _ := setup(t)
	ctx := context.Background()

	_, err := s.Rotate(ctx, Request{DeviceUUID: "dev-1"})
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))

	_, err = s.Rotate(ctx, Request{DeviceUUID: "dev-1", CurrentCredential: strings.Repeat("ab", credential.SecretBytes)})
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))

	entries, err := audit.List(ctx, conn, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.RotationFailed, entries[0].Action)
	assert.Equal(t, audit.RiskSuspicious, entries[0].Risk)
}

func TestRotateUnknownDevice(t *testing.T) {
	s, _, secret := setup(t)
	_, err := s.Rotate(context.Background(), Request{DeviceUUID: "ghost", CurrentCredential: secret})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestAdminRotationNeedsNoProof(t *testing.T) {
	s, conn, secret := setup(t)
	ctx := context.Background()

	d, err := devices.GetByUUID(ctx, conn, "dev-1")
	require.NoError(t, err)
	d.Apply(trust.StateDisabled, trust.EffectDeactivate, t0)
	require.NoError(t, devices.Update(ctx, conn, d))

	_, err = s.Rotate(ctx, Request{DeviceUUID: "dev-1", CurrentCredential: secret})
	assert.True(t, apperr.Is(err, apperr.KindAuthorization), "disabled devices cannot self-rotate")

	res, err := s.Rotate(ctx, Request{DeviceUUID: "dev-1", Admin: true, Actor: "root"})
	require.NoError(t, err)
	assert.True(t, credential.WellFormed(res.Credential))
}
