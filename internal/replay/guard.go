// Package replay rejects reused heartbeat nonces and stale timestamps.
package replay

import (
	"context"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/pkg/errors"
)

var (
	// ErrReplay means the nonce was already accepted for this device.
	ErrReplay = errors.New("nonce already used")
	// ErrStale means the request timestamp is outside the accepted skew.
	ErrStale = errors.New("timestamp outside freshness window")
)

// Policy decides when an accepted nonce becomes the device's last nonce.
type Policy int

const (
	// RecordOnCommit records the nonce only when the request commits.
	RecordOnCommit Policy = iota
	// RecordOnCheck records the nonce as soon as the replay check passes,
	// even if a later step rejects the request.
	RecordOnCheck
)

// ParsePolicy maps a config value to a Policy. Unknown values fall back to
// RecordOnCommit.
func ParsePolicy(s string) Policy {
	if s == "check" {
		return RecordOnCheck
	}
	return RecordOnCommit
}

func (p Policy) String() string {
	if p == RecordOnCheck {
		return "check"
	}
	return "commit"
}

const (
	DefaultMaxSkew = 60 * time.Second
	DefaultWindow  = 10 * time.Minute
)

// Guard holds the per-device recent nonce window. The authoritative
// single-slot last nonce lives on the device record and is passed in.
type Guard struct {
	maxSkew time.Duration
	recent  *bigcache.BigCache
}

// Option configures a Guard.
type Option func(*options)

type options struct {
	maxSkew  time.Duration
	window   time.Duration
	maxBytes int
}

// WithMaxSkew sets the freshness tolerance in both directions.
func WithMaxSkew(d time.Duration) Option {
	return func(o *options) { o.maxSkew = d }
}

// WithWindow sets how long accepted nonces are remembered beyond the last
// one. Zero disables the window.
func WithWindow(d time.Duration) Option {
	return func(o *options) { o.window = d }
}

// WithMaxMemory caps the nonce window size in megabytes.
func WithMaxMemory(mb int) Option {
	return func(o *options) { o.maxBytes = mb }
}

func NewGuard(ctx context.Context, opts ...Option) (*Guard, error) {
	o := options{maxSkew: DefaultMaxSkew, window: DefaultWindow, maxBytes: 64}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Guard{maxSkew: o.maxSkew}
	if o.window > 0 {
		cfg := bigcache.DefaultConfig(o.window)
		cfg.Shards = 64
		cfg.MaxEntriesInWindow = 10000
		cfg.MaxEntrySize = 128
		cfg.CleanWindow = o.window / 2
		cfg.HardMaxCacheSize = o.maxBytes
		cfg.Verbose = false
		cache, err := bigcache.New(ctx, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "create nonce window")
		}
		g.recent = cache
	}
	return g, nil
}

func windowKey(deviceUUID, nonce string) string {
	return deviceUUID + "\x00" + nonce
}

// CheckNonce rejects nonce if it equals lastNonce or was accepted recently.
func (g *Guard) CheckNonce(deviceUUID, lastNonce, nonce string) error {
	if lastNonce != "" && nonce == lastNonce {
		return ErrReplay
	}
	if g.recent != nil {
		if _, err := g.recent.Get(windowKey(deviceUUID, nonce)); err == nil {
			return ErrReplay
		}
	}
	return nil
}

// Remember adds nonce to the device's recent window.
func (g *Guard) Remember(deviceUUID, nonce string) {
	if g.recent == nil {
		return
	}
	// a full window only weakens detection back to the single slot
	_ = g.recent.Set(windowKey(deviceUUID, nonce), []byte{1})
}

// CheckFreshness rejects timestamps further than the max skew from now.
func (g *Guard) CheckFreshness(ts, now time.Time) error {
	age := now.Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > g.maxSkew {
		return ErrStale
	}
	return nil
}

// Close releases the nonce window.
func (g *Guard) Close() error {
	if g.recent == nil {
		return nil
	}
	return g.recent.Close()
}
