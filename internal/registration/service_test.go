package registration

import (
	"context"
	"database/sql"
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

func newService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	s := NewService(conn, credential.NewVault(), devices.NewLocks(), audit.NewRecorder(conn, nil), events.NewBus(nil), nil)
	s.SetClock(func() time.Time { return t0 })
	return s, conn
}

func TestRegisterNewDevice(t *testing.T) {
	s, conn := newService(t)
	ctx := context.Background()

	res, err := s.Register(ctx, Request{DeviceUUID: "dev-1", Hostname: "HOST-A", OSVersion: "Win11", IP: "10.0.0.5"})
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Len(t, res.Credential, credential.SecretLength)
	assert.True(t, credential.WellFormed(res.Credential))
	assert.False(t, res.Device.IsApproved)

	d, err := devices.GetByUUID(ctx, conn, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, d.TrustScore)
	assert.True(t, d.IsActive)
	assert.Equal(t, trust.StateUnapproved, d.State)
	assert.True(t, credential.Verify(res.Credential, d.CredentialHash))
	assert.NotEqual(t, res.Credential, d.CredentialHash, "plaintext never stored")
	assert.Equal(t, t0, d.CredentialRotatedAt)

	entries, err := audit.List(ctx, conn, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.DeviceRegistered, entries[0].Action)
	assert.Equal(t, d.ID, entries[0].DeviceID)
}

func TestReregisterPreservesApproval(t *testing.T) {
	s, conn := newService(t)
	ctx := context.Background()

	first, err := s.Register(ctx, Request{DeviceUUID: "dev-1", Hostname: "HOST-A", OSVersion: "Win11"})
	require.NoError(t, err)

	d, err := devices.GetByUUID(ctx, conn, "dev-1")
	require.NoError(t, err)
	d.Apply(trust.StateActive, trust.EffectApprove|trust.EffectActivate, t0)
	d.TrustScore = 70
	require.NoError(t, devices.Update(ctx, conn, d))

	second, err := s.Register(ctx, Request{DeviceUUID: "dev-1", Hostname: "HOST-A2"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.NotEqual(t, first.Credential, second.Credential)
	assert.True(t, second.Device.IsApproved)

	got, err := devices.GetByUUID(ctx, conn, "dev-1")
	require.NoError(t, err)
	assert.True(t, got.IsApproved)
	assert.Equal(t, trust.StateActive, got.State)
	assert.Equal(t, 70.0, got.TrustScore)
	assert.Equal(t, "HOST-A2", got.Hostname)
	assert.Equal(t, "Win11", got.OSVersion, "empty fields keep the old value")
	assert.True(t, credential.Verify(second.Credential, got.CredentialHash))
	assert.False(t, credential.Verify(first.Credential, got.CredentialHash))

	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM devices WHERE device_uuid = 'dev-1'").Scan(&n))
	assert.Equal(t, 1, n, "no duplicate record")

	entries, err := audit.List(ctx, conn, "dev-1", 10)
	require.NoError(t, err)
	assert.Equal(t, audit.DeviceReregistered, entries[0].Action)
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	_, err := s.Register(ctx, Request{DeviceUUID: "   "})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	long := make([]byte, MaxFieldLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = s.Register(ctx, Request{DeviceUUID: "dev-1", Hostname: string(long)})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestConcurrentFirstRegistrationCreatesOneDevice(t *testing.T) {
	s, conn := newService(t)
	ctx := context.Background()

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := s.Register(ctx, Request{DeviceUUID: "dev-race"})
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
	}

	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM devices").Scan(&n))
	assert.Equal(t, 1, n)
}
