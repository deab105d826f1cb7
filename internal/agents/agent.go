package agents

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPendingInterval   = 60 * time.Second
)

// Config describes one agent instance.
type Config struct {
	DataDir           string
	DeviceUUID        string
	Hostname          string
	OSVersion         string
	HeartbeatInterval time.Duration
	PendingInterval   time.Duration
}

// Agent enrolls the device and delivers queued heartbeats to the server.
type Agent struct {
	cfg     Config
	client  *Client
	queue   *Queue
	metrics MetricsSource
	backoff *Backoff
	log     *zap.Logger

	state *State
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	nonce func() (string, error)
}

// New restores any saved enrollment for the device.
func New(cfg Config, client *Client, queue *Queue, metrics MetricsSource, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeviceUUID == "" {
		return nil, errors.New("device uuid is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PendingInterval <= 0 {
		cfg.PendingInterval = DefaultPendingInterval
	}

	st, err := LoadState(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if st == nil || st.DeviceUUID != cfg.DeviceUUID || st.ServerURL != client.BaseURL() {
		st = &State{DeviceUUID: cfg.DeviceUUID, ServerURL: client.BaseURL()}
	}

	return &Agent{
		cfg:     cfg,
		client:  client,
		queue:   queue,
		metrics: metrics,
		backoff: NewBackoff(),
		log:     logger.With(zap.String("device_uuid", cfg.DeviceUUID)),
		state:   st,
		now:     time.Now,
		sleep:   sleepContext,
		nonce:   newNonce,
	}, nil
}

// State returns a copy of the current enrollment.
func (a *Agent) State() State {
	return *a.state
}

// Run loops until ctx is cancelled: register when needed, queue a
// heartbeat, flush the queue, then wait one interval. Approved devices
// report every HeartbeatInterval; pending ones poll every PendingInterval.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := a.Step(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("cycle failed", zap.Error(err))
		}
		if err := a.sleep(ctx, a.Interval()); err != nil {
			a.log.Info("agent stopped")
			return nil
		}
	}
}

// Interval is the wait before the next cycle.
func (a *Agent) Interval() time.Duration {
	if a.state.IsApproved {
		return a.cfg.HeartbeatInterval
	}
	return a.cfg.PendingInterval
}

// Step runs one cycle without the trailing wait.
func (a *Agent) Step(ctx context.Context) error {
	if err := a.ensureRegistered(ctx); err != nil {
		return err
	}
	if err := a.collect(ctx); err != nil {
		return err
	}
	return a.Flush(ctx)
}

func (a *Agent) ensureRegistered(ctx context.Context) error {
	if a.state.Registered() {
		return nil
	}

	enr, err := a.client.Register(ctx, a.cfg.DeviceUUID, a.cfg.Hostname, a.cfg.OSVersion)
	if err != nil {
		delay := a.retryDelay(err)
		a.log.Error("registration failed", zap.Error(err), zap.Duration("retry_in", delay))
		if serr := a.sleep(ctx, delay); serr != nil {
			return serr
		}
		return err
	}

	a.backoff.Reset()
	a.state.Credential = enr.Credential
	a.state.DeviceID = enr.DeviceID
	a.state.IsApproved = enr.IsApproved
	if enr.HeartbeatInterval > 0 {
		a.cfg.HeartbeatInterval = time.Duration(enr.HeartbeatInterval) * time.Second
	}
	if err := a.save(); err != nil {
		return err
	}
	a.log.Info("registered", zap.Int64("device_id", enr.DeviceID), zap.Bool("approved", enr.IsApproved))
	return nil
}

// collect queues one heartbeat. Pending devices send an empty metrics
// document; they only poll for approval.
func (a *Agent) collect(ctx context.Context) error {
	metrics := json.RawMessage("{}")
	if a.state.IsApproved && a.metrics != nil {
		m, err := a.metrics.Sample()
		if err != nil {
			a.log.Warn("metrics sample failed", zap.Error(err))
		} else {
			metrics = m
		}
	}
	_, err := a.queue.Enqueue(ctx, a.now(), metrics)
	return err
}

// Flush delivers queued heartbeats oldest first until the queue is empty or
// a delivery fails.
func (a *Agent) Flush(ctx context.Context) error {
	for {
		if !a.state.Registered() {
			return nil
		}
		it, err := a.queue.Peek(ctx)
		if err != nil || it == nil {
			return err
		}
		if err := a.deliver(ctx, it); err != nil {
			return err
		}
	}
}

func (a *Agent) deliver(ctx context.Context, it *Item) error {
	nonce, err := a.nonce()
	if err != nil {
		return err
	}
	body, err := json.Marshal(heartbeatPayload{
		DeviceUUID: a.cfg.DeviceUUID,
		Metrics:    it.Metrics,
		Timestamp:  it.CollectedAt.UTC().Format(timeFormat),
		Nonce:      nonce,
	})
	if err != nil {
		return err
	}

	ack, err := a.client.Heartbeat(ctx, a.state.Credential, body)
	if err != nil {
		return a.deliveryFailed(ctx, it, err)
	}

	if err := a.queue.Ack(ctx, it.ID); err != nil {
		return err
	}
	a.backoff.Reset()

	if ack.IsApproved != a.state.IsApproved {
		a.log.Info("approval changed", zap.Bool("approved", ack.IsApproved))
		a.state.IsApproved = ack.IsApproved
		if err := a.save(); err != nil {
			return err
		}
	}
	a.log.Debug("heartbeat delivered",
		zap.String("status", ack.Status),
		zap.Float64("trust_score", ack.NewTrustScore))

	if ack.RequiresRotation {
		a.rotate(ctx)
	}
	return nil
}

func (a *Agent) deliveryFailed(ctx context.Context, it *Item, err error) error {
	if merr := a.queue.MarkAttempt(ctx, it.ID); merr != nil {
		a.log.Warn("could not record attempt", zap.Error(merr))
	}

	switch code := StatusCode(err); {
	case IsRetryable(err):
		delay := a.retryDelay(err)
		a.log.Warn("heartbeat delivery failed",
			zap.Error(err),
			zap.Int("attempts", it.Attempts+1),
			zap.Duration("retry_in", delay))
		if serr := a.sleep(ctx, delay); serr != nil {
			return serr
		}
	case code == http.StatusUnauthorized || code == http.StatusNotFound:
		a.log.Warn("credential rejected, re-registering", zap.Int("status", code))
		a.forget()
	case code == http.StatusBadRequest:
		// the server will never accept this item, e.g. it aged past the clock skew
		a.log.Warn("dropping undeliverable heartbeat", zap.Int64("item", it.ID), zap.Error(err))
		if aerr := a.queue.Ack(ctx, it.ID); aerr != nil {
			return aerr
		}
		return nil
	default:
		a.log.Error("heartbeat refused", zap.Int("status", code), zap.Error(err))
	}
	return err
}

func (a *Agent) rotate(ctx context.Context) {
	cred, err := a.client.Rotate(ctx, a.cfg.DeviceUUID, a.state.Credential)
	if err != nil {
		a.log.Warn("rotation failed, falling back to re-registration", zap.Error(err))
		a.forget()
		return
	}
	a.state.Credential = cred
	if err := a.save(); err != nil {
		a.log.Error("could not persist rotated credential", zap.Error(err))
		return
	}
	a.log.Info("credential rotated")
}

// forget discards the credential so the next cycle registers again.
func (a *Agent) forget() {
	a.state.Credential = ""
	if err := a.save(); err != nil {
		a.log.Error("could not persist state", zap.Error(err))
	}
}

func (a *Agent) save() error {
	a.state.UpdatedAt = a.now().UTC()
	return SaveState(a.cfg.DataDir, a.state)
}

// retryDelay honours a server Retry-After hint when it is longer than the
// backoff step.
func (a *Agent) retryDelay(err error) time.Duration {
	d := a.backoff.Next()
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > d {
		return se.RetryAfter
	}
	return d
}

// newNonce returns 16 random bytes as 32 hex characters.
func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}
	return hex.EncodeToString(b), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
