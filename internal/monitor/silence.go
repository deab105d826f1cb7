// Package monitor watches device liveness.
package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trustgate/internal/devices"
	"trustgate/internal/events"
)

// SilenceMonitor reports active devices that stop sending heartbeats. It
// only publishes events; trust is penalized by the next heartbeat itself.
type SilenceMonitor struct {
	db       *sql.DB
	bus      *events.Bus
	log      *zap.Logger
	interval time.Duration
	missed   int // consecutive misses before a device is silent
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	silent  map[string]bool
}

// NewSilenceMonitor creates a silence monitor.
// interval is the expected heartbeat period; missed is how many consecutive
// intervals without a heartbeat mark a device silent (typically 3).
func NewSilenceMonitor(conn *sql.DB, bus *events.Bus, interval time.Duration, missed int, logger *zap.Logger) *SilenceMonitor {
	if missed <= 0 {
		missed = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SilenceMonitor{
		db:       conn,
		bus:      bus,
		log:      logger,
		interval: interval,
		missed:   missed,
		now:      func() time.Time { return time.Now().UTC() },
		silent:   make(map[string]bool),
	}
}

// Start begins the periodic check loop.
func (m *SilenceMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.loop(m.stop, m.done)
	m.log.Info("silence monitor started",
		zap.Duration("interval", m.interval),
		zap.Int("missed", m.missed))
}

// Stop halts the monitor and waits for an in-flight check.
func (m *SilenceMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	m.log.Info("silence monitor stopped")
}

func (m *SilenceMonitor) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.Check(ctx)
			cancel()
		}
	}
}

// Check inspects every monitored device once.
func (m *SilenceMonitor) Check(ctx context.Context) {
	list, err := devices.ListMonitored(ctx, m.db)
	if err != nil {
		m.log.Error("list monitored devices", zap.Error(err))
		return
	}

	deadline := m.now().Add(-m.interval * time.Duration(m.missed))
	seen := make(map[string]bool, len(list))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range list {
		seen[d.UUID] = true
		alive := d.LastAlive()
		quiet := alive.Before(deadline)

		switch {
		case quiet && !m.silent[d.UUID]:
			m.silent[d.UUID] = true
			m.log.Warn("device silent",
				zap.String("device_uuid", d.UUID),
				zap.Time("last_seen_at", alive))
			m.bus.Publish(events.Event{
				Type:       events.DeviceSilent,
				Severity:   events.SeverityWarning,
				DeviceUUID: d.UUID,
				Hostname:   d.Hostname,
				Message:    fmt.Sprintf("missed %d heartbeats", m.missed),
				Metadata:   map[string]string{"last_seen_at": alive.Format(time.RFC3339)},
			})

		case !quiet && m.silent[d.UUID]:
			delete(m.silent, d.UUID)
			m.log.Info("device resumed", zap.String("device_uuid", d.UUID))
			m.bus.Publish(events.Event{
				Type:       events.DeviceResumed,
				Severity:   events.SeverityInfo,
				DeviceUUID: d.UUID,
				Hostname:   d.Hostname,
				Message:    "heartbeats resumed",
			})
		}
	}

	// forget devices that left monitoring (disabled, rejected)
	for uuid := range m.silent {
		if !seen[uuid] {
			delete(m.silent, uuid)
		}
	}
}
