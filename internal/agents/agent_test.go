package agents

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/internal/credential"
)

const testDevice = "9f0c4f4e-8d4b-4a57-9b59-2f6f3c1d7e10"

// fakeServer scripts the agent endpoints. Heartbeat statuses are consumed
// in order; once exhausted every heartbeat succeeds.
type fakeServer struct {
	t *testing.T

	mu              sync.Mutex
	approved        bool
	registrations   int
	rotations       int
	rotateFails     bool
	requireRotation bool
	credSeq         int
	heartbeatCodes  []int
	heartbeats      []heartbeatPayload
	nonces          map[string]bool
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agent/register", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req registerRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(f.t, testDevice, req.DeviceUUID)
		f.registrations++
		f.credSeq++
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Enrollment{
			Credential:        f.cred(),
			DeviceID:          1,
			IsApproved:        f.approved,
			HeartbeatInterval: 30,
		})
	})
	mux.HandleFunc("/api/v1/agent/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		assert.True(f.t, credential.VerifySignature(token, body, r.Header.Get(credential.SignatureHeader)), "body signature")
		assert.Equal(f.t, credential.SignatureAlg, r.Header.Get(credential.SignatureAlgHeader))

		var p heartbeatPayload
		require.NoError(f.t, json.Unmarshal(body, &p))
		assert.Regexp(f.t, regexp.MustCompile(`^[0-9a-f]{32}$`), p.Nonce)
		assert.False(f.t, f.nonces[p.Nonce], "nonce reused")
		f.nonces[p.Nonce] = true
		f.heartbeats = append(f.heartbeats, p)

		if len(f.heartbeatCodes) > 0 {
			code := f.heartbeatCodes[0]
			f.heartbeatCodes = f.heartbeatCodes[1:]
			if code != http.StatusOK {
				if code == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "5")
				}
				w.WriteHeader(code)
				json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(code)})
				return
			}
		}
		if token != f.cred() {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid credential"})
			return
		}
		status := "success"
		if !f.approved {
			status = "pending"
		}
		json.NewEncoder(w).Encode(Ack{
			Status:           status,
			DeviceID:         1,
			NewTrustScore:    100,
			IsApproved:       f.approved,
			RequiresRotation: f.requireRotation,
		})
	})
	mux.HandleFunc("/api/v1/agent/rotate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.rotations++
		var req rotateRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		if f.rotateFails || req.CurrentCredential != f.cred() {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid credential"})
			return
		}
		f.credSeq++
		f.requireRotation = false
		json.NewEncoder(w).Encode(rotateResponse{NewCredential: f.cred(), DeviceID: 1})
	})
	return mux
}

func (f *fakeServer) cred() string {
	return strings.Repeat("ab", 63) + string(rune('a'+f.credSeq%26)) + "0"
}

type harness struct {
	srv    *fakeServer
	agent  *Agent
	queue  *Queue
	dir    string
	sleeps []time.Duration
	now    time.Time
}

type staticMetrics string

func (s staticMetrics) Sample() (json.RawMessage, error) {
	return json.RawMessage(s), nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs := &fakeServer{t: t, nonces: map[string]bool{}}
	ts := httptest.NewServer(fs.handler())
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	h := &harness{srv: fs, dir: dir, now: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	h.queue = openTestQueue(t, filepath.Join(dir, QueueFile), 0)
	h.agent = h.newAgent(t, ts.URL)
	return h
}

func (h *harness) newAgent(t *testing.T, url string) *Agent {
	t.Helper()
	client, err := NewClient(url, nil)
	require.NoError(t, err)
	a, err := New(Config{
		DataDir:    h.dir,
		DeviceUUID: testDevice,
		Hostname:   "laptop-7",
		OSVersion:  "linux 6.8",
	}, client, h.queue, staticMetrics(`{"cpu":{"percent":12.5},"memory":{"virtual":{"percent":40}}}`), nil)
	require.NoError(t, err)
	a.now = func() time.Time { return h.now }
	a.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	a.backoff.rand = fixedRand(0.5)
	return a
}

func (h *harness) queued(t *testing.T) int {
	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestAgentPendingThenApproved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.agent.Step(ctx))
	assert.Equal(t, 1, h.srv.registrations)
	assert.False(t, h.agent.State().IsApproved)
	assert.Equal(t, DefaultPendingInterval, h.agent.Interval())
	require.Len(t, h.srv.heartbeats, 1)
	assert.JSONEq(t, `{}`, string(h.srv.heartbeats[0].Metrics), "pending polls carry no metrics")
	assert.Equal(t, 0, h.queued(t))

	h.srv.approved = true
	h.now = h.now.Add(time.Minute)
	require.NoError(t, h.agent.Step(ctx))
	assert.True(t, h.agent.State().IsApproved)
	assert.Equal(t, DefaultHeartbeatInterval, h.agent.Interval())

	h.now = h.now.Add(30 * time.Second)
	require.NoError(t, h.agent.Step(ctx))
	require.Len(t, h.srv.heartbeats, 3)
	last := h.srv.heartbeats[2]
	assert.JSONEq(t, `{"cpu":{"percent":12.5},"memory":{"virtual":{"percent":40}}}`, string(last.Metrics))
	assert.Equal(t, h.now.Format(time.RFC3339Nano), last.Timestamp)
	assert.Equal(t, 1, h.srv.registrations, "credential reused across cycles")

	saved, err := LoadState(h.dir)
	require.NoError(t, err)
	assert.True(t, saved.IsApproved)
	assert.Equal(t, h.srv.cred(), saved.Credential)
}

func TestAgentRestoresSavedCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.srv.approved = true
	require.NoError(t, h.agent.Step(ctx))

	restarted := h.newAgent(t, h.agent.client.BaseURL())
	require.NoError(t, restarted.Step(ctx))
	assert.Equal(t, 1, h.srv.registrations)
	assert.Len(t, h.srv.heartbeats, 2)
}

func TestAgentRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.srv.approved = true
	h.srv.heartbeatCodes = []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}

	err := h.agent.Step(ctx)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Equal(t, []time.Duration{time.Second}, h.sleeps)
	assert.Equal(t, 1, h.queued(t), "item kept for redelivery")

	// a second failure doubles the delay, unless the server asks for longer
	err = h.agent.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, h.sleeps)

	require.NoError(t, h.agent.Flush(ctx))
	assert.Equal(t, 0, h.queued(t))
	assert.Equal(t, 0, h.agent.backoff.Attempts(), "reset on success")
	require.Len(t, h.srv.heartbeats, 3)
	assert.Equal(t, h.srv.heartbeats[0].Timestamp, h.srv.heartbeats[2].Timestamp, "same queued item")
	assert.NotEqual(t, h.srv.heartbeats[0].Nonce, h.srv.heartbeats[2].Nonce, "fresh nonce per attempt")
}

func TestAgentReRegistersOnUnauthorized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.srv.approved = true
	h.srv.heartbeatCodes = []int{http.StatusUnauthorized}

	err := h.agent.Step(ctx)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.False(t, h.agent.State().Registered())
	assert.Empty(t, h.sleeps, "no backoff for a rejected credential")
	assert.Equal(t, 1, h.queued(t))

	saved, err := LoadState(h.dir)
	require.NoError(t, err)
	assert.Empty(t, saved.Credential)

	require.NoError(t, h.agent.Step(ctx))
	assert.Equal(t, 2, h.srv.registrations)
	assert.Equal(t, 0, h.queued(t), "backlog flushed after re-registration")
}

func TestAgentDropsRejectedItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.srv.approved = true
	h.srv.heartbeatCodes = []int{http.StatusBadRequest}

	require.NoError(t, h.agent.Step(ctx))
	assert.Equal(t, 0, h.queued(t))
	assert.Len(t, h.srv.heartbeats, 1)
}

func TestAgentRotatesWhenAsked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.srv.approved = true
	h.srv.requireRotation = true

	require.NoError(t, h.agent.Step(ctx))
	assert.Equal(t, 1, h.srv.rotations)
	assert.Equal(t, h.srv.cred(), h.agent.State().Credential)
	assert.Equal(t, 1, h.srv.registrations)

	require.NoError(t, h.agent.Step(ctx))
	assert.Equal(t, 1, h.srv.rotations)
}

func TestAgentFailedRotationFallsBackToRegistration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.srv.approved = true
	h.srv.requireRotation = true
	h.srv.rotateFails = true

	require.NoError(t, h.agent.Step(ctx))
	assert.Equal(t, 1, h.srv.rotations)
	assert.False(t, h.agent.State().Registered())

	h.srv.requireRotation = false
	require.NoError(t, h.agent.Step(ctx))
	assert.Equal(t, 2, h.srv.registrations)
}

func TestAgentRegistrationBacksOff(t *testing.T) {
	ctx := context.Background()
	h := &harness{now: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC), dir: t.TempDir()}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)
	h.queue = openTestQueue(t, filepath.Join(h.dir, QueueFile), 0)
	a := h.newAgent(t, ts.URL)

	for i := 0; i < 3; i++ {
		err := a.Step(ctx)
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeps)
	assert.Equal(t, 0, h.queued(t), "nothing queued before enrollment")
}

func TestAgentRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.srv.approved = true
	ctx, cancel := context.WithCancel(context.Background())
	h.agent.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		cancel()
		return ctx.Err()
	}

	require.NoError(t, h.agent.Run(ctx))
	assert.Equal(t, []time.Duration{DefaultHeartbeatInterval}, h.sleeps)
	assert.Len(t, h.srv.heartbeats, 1)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("not a url", nil)
	assert.Error(t, err)

	c, err := NewClient("http://127.0.0.1:9080/", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9080", c.BaseURL())
	assert.True(t, govalidator.IsRequestURL(c.BaseURL()))
}

func TestNewNonce(t *testing.T) {
	a, err := newNonce()
	require.NoError(t, err)
	b, err := newNonce()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.True(t, govalidator.IsHexadecimal(a))
	assert.NotEqual(t, a, b)
}
