package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	drop := Event{Type: TrustDropped, Severity: SeverityWarning, DeviceUUID: "dev-1"}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero filter", Filter{}, true},
		{"type listed", Filter{Types: []EventType{DeviceDisabled, TrustDropped}}, true},
		{"type not listed", Filter{Types: []EventType{DeviceDisabled}}, false},
		{"severity met", Filter{MinSeverity: SeverityWarning}, true},
		{"severity too low", Filter{MinSeverity: SeverityCritical}, false},
		{"same device", Filter{DeviceUUID: "dev-1"}, true},
		{"other device", Filter{DeviceUUID: "dev-2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(drop))
		})
	}
}

func TestPublishRoutesByFilter(t *testing.T) {
	bus := NewBus(nil)
	var critical, all []EventType

	bus.Subscribe(Filter{MinSeverity: SeverityCritical}, func(e Event) { critical = append(critical, e.Type) })
	bus.Subscribe(Filter{}, func(e Event) { all = append(all, e.Type) })

	bus.Publish(Event{Type: DeviceRegistered, Severity: SeverityInfo})
	bus.Publish(Event{Type: DeviceDisabled, Severity: SeverityCritical})

	assert.Equal(t, []EventType{DeviceDisabled}, critical)
	assert.Equal(t, []EventType{DeviceRegistered, DeviceDisabled}, all)
}

func TestCancelRemovesSubscription(t *testing.T) {
	bus := NewBus(nil)
	var count atomic.Int32

	cancel := bus.Subscribe(Filter{}, func(e Event) { count.Add(1) })
	keep := bus.Subscribe(Filter{}, func(e Event) {})
	defer keep()

	bus.Publish(Event{Type: DeviceSilent})
	cancel()
	cancel()
	bus.Publish(Event{Type: DeviceSilent})

	assert.Equal(t, int32(1), count.Load())
	assert.Equal(t, 1, bus.Subscribers())
}

func TestPublishStampsSequenceAndTime(t *testing.T) {
	bus := NewBus(nil)
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	bus.SetClock(func() time.Time { return now })

	var got []Event
	bus.Subscribe(Filter{}, func(e Event) { got = append(got, e) })

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: DeviceSilent})
	bus.Publish(Event{Type: DeviceResumed, Timestamp: fixed})

	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.Equal(t, now, got[0].Timestamp)
	assert.Equal(t, fixed, got[1].Timestamp)
}

func TestPanickingSubscriberDoesNotBreakOthers(t *testing.T) {
	bus := NewBus(nil)
	var called atomic.Bool

	bus.Subscribe(Filter{}, func(e Event) { panic("boom") })
	bus.Subscribe(Filter{}, func(e Event) { called.Store(true) })

	require.NotPanics(t, func() { bus.Publish(Event{Type: ReplayDetected}) })
	assert.True(t, called.Load())
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus(nil)
	var count atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(Filter{Types: []EventType{TrustDropped}}, func(e Event) { count.Add(1) })
		}()
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: TrustDropped})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(500), count.Load())
}

func TestSeverityJSON(t *testing.T) {
	b, err := json.Marshal(Event{Type: DeviceDisabled, Severity: SeverityCritical})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"severity":"critical"`)

	assert.Equal(t, SeverityInfo, ParseSeverity("INFO"))
	assert.Equal(t, SeverityWarning, ParseSeverity("bogus"))
}
