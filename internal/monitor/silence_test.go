package monitor

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/internal/db"
	"trustgate/internal/devices"
	"trustgate/internal/events"
	"trustgate/internal/trust"
)

var t0 = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

func activeDevice(t *testing.T, conn *sql.DB, uuid string, lastSeen time.Time) *devices.Device {
	t.Helper()
	d := devices.New(uuid, "HOST-"+uuid, "Win11", lastSeen)
	d.Apply(trust.StateActive, trust.EffectApprove|trust.EffectActivate, lastSeen)
	require.NoError(t, devices.Create(context.Background(), conn, d))
	return d
}

func TestSilenceMonitor(t *testing.T) {
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	bus := events.NewBus(nil)
	var received []events.Event
	bus.Subscribe(events.Filter{}, func(e events.Event) { received = append(received, e) })

	quiet := activeDevice(t, conn, "dev-quiet", t0.Add(-10*time.Minute))
	activeDevice(t, conn, "dev-chatty", t0.Add(-10*time.Second))
	pending := devices.New("dev-pending", "HOST-P", "Win11", t0.Add(-time.Hour))
	require.NoError(t, devices.Create(ctx, conn, pending))

	m := NewSilenceMonitor(conn, bus, 30*time.Second, 3, nil)
	now := t0
	m.now = func() time.Time { return now }

	m.Check(ctx)
	require.Len(t, received, 1)
	assert.Equal(t, events.DeviceSilent, received[0].Type)
	assert.Equal(t, "dev-quiet", received[0].DeviceUUID)

	m.Check(ctx)
	assert.Len(t, received, 1, "silence is reported once")

	stored, err := devices.GetByUUID(ctx, conn, "dev-quiet")
	require.NoError(t, err)
	assert.Equal(t, trust.MaxScore, stored.TrustScore, "monitor never touches trust")

	stored.LastSeenAt = now
	require.NoError(t, devices.Update(ctx, conn, stored))
	m.Check(ctx)
	require.Len(t, received, 2)
	assert.Equal(t, events.DeviceResumed, received[1].Type)
	assert.Equal(t, quiet.UUID, received[1].DeviceUUID)
}

func TestLateApprovalIsNotSilent(t *testing.T) {
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	d := devices.New("dev-late", "HOST-L", "Win11", t0.Add(-time.Hour))
	d.Apply(trust.StateActive, trust.EffectApprove|trust.EffectActivate, t0.Add(-5*time.Second))
	require.NoError(t, devices.Create(ctx, conn, d))

	bus := events.NewBus(nil)
	var received []events.Event
	bus.Subscribe(events.Filter{}, func(e events.Event) { received = append(received, e) })

	m := NewSilenceMonitor(conn, bus, 30*time.Second, 3, nil)
	m.now = func() time.Time { return t0 }
	m.Check(ctx)
	assert.Empty(t, received)
}

func TestSilenceMonitorStartStop(t *testing.T) {
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	defer conn.Close()

	m := NewSilenceMonitor(conn, events.NewBus(nil), 10*time.Millisecond, 3, nil)
	m.Start()
	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop()
}
