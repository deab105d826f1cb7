package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"trustgate/internal/devices"
	"trustgate/internal/heartbeat"
	"trustgate/internal/middleware"
	"trustgate/internal/ratelimit"
	"trustgate/internal/registration"
	"trustgate/internal/rotation"
)

// Deps are the services behind the HTTP API.
type Deps struct {
	DB                *sql.DB
	Registration      *registration.Service
	Heartbeat         *heartbeat.Pipeline
	Rotation          *rotation.Service
	Registry          *devices.Registry
	Stream            http.Handler
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

// API holds the HTTP handlers.
type API struct {
	db                *sql.DB
	registration      *registration.Service
	heartbeat         *heartbeat.Pipeline
	rotation          *rotation.Service
	registry          *devices.Registry
	stream            http.Handler
	log               *zap.Logger
	heartbeatInterval time.Duration
}

func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = 30 * time.Second
	}
	return &API{
		db:                d.DB,
		registration:      d.Registration,
		heartbeat:         d.Heartbeat,
		rotation:          d.Rotation,
		registry:          d.Registry,
		stream:            d.Stream,
		log:               d.Logger,
		heartbeatInterval: d.HeartbeatInterval,
	}
}

// RouterConfig carries the request guards.
type RouterConfig struct {
	// AgentLimiter throttles agent routes per client IP.
	AgentLimiter ratelimit.Limiter
	AdminKeyHash []byte
	TrustProxy   bool
}

// Routes builds the router.
func (a *API) Routes(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RealIP(cfg.TrustProxy))
	r.Use(middleware.Logging(a.log))
	r.Use(middleware.CORS)

	r.Get("/health", a.Health)

	r.Route("/api/v1/agent", func(r chi.Router) {
		if cfg.AgentLimiter != nil {
			r.Use(middleware.IPLimit(cfg.AgentLimiter, a.log))
		}
		r.Post("/register", a.Register)
		r.Post("/heartbeat", a.Heartbeat)
		r.Post("/rotate", a.Rotate)
	})

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminKeyHash, a.log))
		r.Route("/devices/{uuid}", func(r chi.Router) {
			r.Get("/", a.GetDevice)
			r.Post("/approval", a.Approval)
			r.Post("/rotate", a.AdminRotate)
			r.Get("/audit", a.DeviceAudit)
		})
		if a.stream != nil {
			r.Get("/events", a.stream.ServeHTTP)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Health reports whether the store is reachable.
// GET /health
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		a.log.Error("health check failed", zap.Error(err))
		JSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	JSONResponse(w, map[string]string{"status": "ok"})
}
