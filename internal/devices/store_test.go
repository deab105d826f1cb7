package devices

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/internal/credential"
	"trustgate/internal/db"
	"trustgate/internal/trust"
)

var t0 = time.Date(2026, 8, 10, 14, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func createDevice(t *testing.T, conn *sql.DB, uuid string) *Device {
	t.Helper()
	d := New(uuid, "HOST-"+uuid, "Win11", t0)
	d.SetCredential(credential.Hash("secret-"+uuid), t0)
	require.NoError(t, Create(context.Background(), conn, d))
	return d
}

func TestCreateAndGet(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	d := createDevice(t, conn, "dev-1")

	assert.NotZero(t, d.ID)
	assert.Equal(t, int64(1), d.Version)

	got, err := GetByUUID(ctx, conn, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, trust.StateUnapproved, got.State)
	assert.Equal(t, 100.0, got.TrustScore)
	assert.True(t, got.IsActive)
	assert.False(t, got.IsApproved)
	assert.True(t, got.ApprovedAt.IsZero())
	assert.Equal(t, t0, got.LastSeenAt)
	assert.Equal(t, t0, got.CredentialRotatedAt)
	assert.Equal(t, d.CredentialHash, got.CredentialHash)
	assert.Equal(t, "HOST-dev-1", got.Hostname)
}

func TestCreateDuplicate(t *testing.T) {
	conn := openTestDB(t)
	createDevice(t, conn, "dev-1")

	d := New("dev-1", "other", "", t0)
	d.SetCredential("h", t0)
	assert.ErrorIs(t, Create(context.Background(), conn, d), ErrExists)
}

func TestGetUnknown(t *testing.T) {
	conn := openTestDB(t)
	_, err := GetByUUID(context.Background(), conn, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateCompareAndSet(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	createDevice(t, conn, "dev-1")

	a, err := GetByUUID(ctx, conn, "dev-1")
	require.NoError(t, err)
	b, err := GetByUUID(ctx, conn, "dev-1")
	require.NoError(t, err)

	a.TrustScore = 70
	a.LastNonce = "aa"
	require.NoError(t, Update(ctx, conn, a))
	assert.Equal(t, int64(2), a.Version)

	b.TrustScore = 50
	assert.ErrorIs(t, Update(ctx, conn, b), ErrVersionConflict)

	got, err := GetByUUID(ctx, conn, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 70.0, got.TrustScore, "losing writer must not overwrite")
	assert.Equal(t, "aa", got.LastNonce)
}

func TestUpdateClampsScore(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	d := createDevice(t, conn, "dev-1")

	d.TrustScore = -12
	require.NoError(t, Update(ctx, conn, d))

	got, err := GetByUUID(ctx, conn, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.TrustScore)
}

func TestLastAlive(t *testing.T) {
	d := New("dev-1", "HOST-A", "Win11", t0)
	assert.Equal(t, t0, d.LastAlive())

	d.Apply(trust.StateActive, trust.EffectApprove|trust.EffectActivate, t0.Add(10*time.Minute))
	assert.Equal(t, t0.Add(10*time.Minute), d.LastAlive())

	d.LastSeenAt = t0.Add(11 * time.Minute)
	assert.Equal(t, d.LastSeenAt, d.LastAlive())
}

func TestListMonitored(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	createDevice(t, conn, "pending")
	active := createDevice(t, conn, "active")
	active.Apply(trust.StateActive, trust.EffectApprove|trust.EffectActivate, t0)
	require.NoError(t, Update(ctx, conn, active))
	disabled := createDevice(t, conn, "disabled")
	disabled.Apply(trust.StateDisabled, trust.EffectDeactivate, t0)
	require.NoError(t, Update(ctx, conn, disabled))

	list, err := ListMonitored(ctx, conn)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "active", list[0].UUID)
}

func TestTelemetry(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	d := createDevice(t, conn, "dev-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, InsertTelemetry(ctx, conn, &Telemetry{
			DeviceID:    d.ID,
			CollectedAt: t0.Add(time.Duration(i) * time.Second),
			ReceivedAt:  t0.Add(time.Duration(i) * time.Second),
			Metrics:     json.RawMessage(`{"cpu":{"percent":12}}`),
		}))
	}

	n, err := CountTelemetry(ctx, conn, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := ListTelemetry(ctx, conn, d.ID, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, t0.Add(2*time.Second), list[0].CollectedAt)
	assert.JSONEq(t, `{"cpu":{"percent":12}}`, string(list[0].Metrics))
	assert.Equal(t, 1, list[0].SampleCount)
}

func TestLocksSerializePerKey(t *testing.T) {
	locks := NewLocks()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("dev-1")
			defer unlock()

			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Zero(t, locks.Len(), "released keys are dropped")
}

func TestLocksIndependentKeys(t *testing.T) {
	locks := NewLocks()
	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}
