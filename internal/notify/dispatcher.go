// Package notify forwards trust events from the bus to Shoutrrr
// destinations.
package notify

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"go.uber.org/zap"

	"trustgate/internal/events"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Config selects destinations and throttling.
type Config struct {
	URLs        []string
	MinSeverity events.Severity
	// Cooldown suppresses repeats of the same event type for the same
	// device on the same destination.
	Cooldown time.Duration
}

// Dispatcher subscribes to the event bus, enforces severity and cooldowns,
// and dispatches via Shoutrrr.
type Dispatcher struct {
	bus    *events.Bus
	sender Sender
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	// cooldowns tracks the last dispatch time per (url, event_type, device).
	mu        sync.Mutex
	cooldowns map[string]time.Time
	pruned    time.Time

	cancel   func()
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher wired to the given bus.
func NewDispatcher(bus *events.Bus, sender Sender, cfg Config, logger *zap.Logger) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bus:       bus,
		sender:    sender,
		cfg:       cfg,
		log:       logger,
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to all events and begins dispatching.
func (d *Dispatcher) Start() {
	if len(d.cfg.URLs) == 0 {
		d.log.Info("notifications disabled, no destinations configured")
		return
	}
	ch := make(chan events.Event, 256)

	d.cancel = d.bus.Subscribe(events.Filter{MinSeverity: d.cfg.MinSeverity}, func(e events.Event) {
		select {
		case ch <- e:
		default:
			d.log.Warn("notify: event queue full, dropping event", zap.String("event", string(e.Type)))
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-ch:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatcher goroutine to finish and waits for it.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		close(d.stopCh)
	})
	d.wg.Wait()
}

// handle sends a single event to every destination not cooling down.
func (d *Dispatcher) handle(e events.Event) {
	msg := formatMessage(e)
	for _, url := range d.cfg.URLs {
		if !d.take(url, e) {
			continue
		}
		if err := d.sender.Send(url, msg); err != nil {
			d.log.Warn("notify: send failed",
				zap.String("service", serviceName(url)),
				zap.String("event", string(e.Type)),
				zap.Error(err))
			continue
		}
		d.log.Debug("notify: sent",
			zap.String("service", serviceName(url)),
			zap.String("event", string(e.Type)),
			zap.String("device_uuid", e.DeviceUUID))
	}
}

// take reports whether e may be sent to url now and starts its cooldown.
// Critical events bypass the cooldown.
func (d *Dispatcher) take(url string, e events.Event) bool {
	if d.cfg.Cooldown <= 0 || e.Severity == events.SeverityCritical {
		return true
	}
	key := url + "|" + string(e.Type) + "|" + e.DeviceUUID
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if now.Sub(d.pruned) >= d.cfg.Cooldown {
		for k, last := range d.cooldowns {
			if now.Sub(last) >= d.cfg.Cooldown {
				delete(d.cooldowns, k)
			}
		}
		d.pruned = now
	}
	if last, ok := d.cooldowns[key]; ok && now.Sub(last) < d.cfg.Cooldown {
		return false
	}
	d.cooldowns[key] = now
	return true
}

// serviceName returns the scheme of a Shoutrrr URL so secrets in the rest
// of the URL never reach the logs.
func serviceName(url string) string {
	if i := strings.Index(url, "://"); i > 0 {
		return url[:i]
	}
	return "unknown"
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Severity)
	if e.Hostname != "" {
		fmt.Fprintf(&b, " [%s]", e.Hostname)
	}
	if e.DeviceUUID != "" {
		fmt.Fprintf(&b, " (%s)", e.DeviceUUID)
	}
	fmt.Fprintf(&b, " %s", e.Message)

	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Metadata[k])
		}
	}
	return b.String()
}
