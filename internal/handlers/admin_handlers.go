package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"trustgate/internal/apperr"
	"trustgate/internal/audit"
	"trustgate/internal/devices"
	"trustgate/internal/middleware"
	"trustgate/internal/rotation"
)

const (
	defaultTelemetryLimit = 20
	defaultAuditLimit     = 100
)

type approvalRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

type approvalResponse struct {
	DeviceID   int64      `json:"device_id"`
	IsApproved bool       `json:"is_approved"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	State      string     `json:"state"`
}

// Approval approves or rejects a device.
// POST /api/v1/admin/devices/{uuid}/approval
func (a *API) Approval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, a.log, err)
		return
	}

	d, err := a.registry.Decide(r.Context(), chi.URLParam(r, "uuid"), devices.Decision{
		Action: req.Action,
		Reason: req.Reason,
		Actor:  middleware.Actor(r.Context()),
		IP:     middleware.ClientIP(r.Context()),
	})
	if err != nil {
		WriteError(w, r, a.log, err)
		return
	}

	resp := approvalResponse{DeviceID: d.ID, IsApproved: d.IsApproved, State: string(d.State)}
	if !d.ApprovedAt.IsZero() {
		resp.ApprovedAt = &d.ApprovedAt
	}
	JSONResponse(w, resp)
}

type deviceResponse struct {
	Device    *devices.Device     `json:"device"`
	Telemetry []devices.Telemetry `json:"telemetry"`
}

// GetDevice returns a device with its most recent telemetry.
// GET /api/v1/admin/devices/{uuid}
func (a *API) GetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := a.registry.Get(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		WriteError(w, r, a.log, err)
		return
	}
	limit, err := queryLimit(r, defaultTelemetryLimit)
	if err != nil {
		WriteError(w, r, a.log, err)
		return
	}
	telemetry, err := a.registry.Telemetry(r.Context(), d, limit)
	if err != nil {
		WriteError(w, r, a.log, err)
		return
	}
	if telemetry == nil {
		telemetry = []devices.Telemetry{}
	}
	JSONResponse(w, deviceResponse{Device: d, Telemetry: telemetry})
}

// AdminRotate issues a new credential without proof of the old one.
// POST /api/v1/admin/devices/{uuid}/rotate
func (a *API) AdminRotate(w http.ResponseWriter, r *http.Request) {
	res, err := a.rotation.Rotate(r.Context(), rotation.Request{
		DeviceUUID: chi.URLParam(r, "uuid"),
		IP:         middleware.ClientIP(r.Context()),
		Admin:      true,
		Actor:      middleware.Actor(r.Context()),
	})
	if err != nil {
		WriteError(w, r, a.log, err)
		return
	}
	JSONResponse(w, rotateResponse{
		NewCredential:          res.Credential,
		OldCredentialRevokedAt: res.RevokedAt,
		DeviceID:               res.Device.ID,
	})
}

// DeviceAudit lists the audit trail of one device, newest first.
// GET /api/v1/admin/devices/{uuid}/audit?limit=
func (a *API) DeviceAudit(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if _, err := a.registry.Get(r.Context(), uuid); err != nil {
		WriteError(w, r, a.log, err)
		return
	}
	limit, err := queryLimit(r, defaultAuditLimit)
	if err != nil {
		WriteError(w, r, a.log, err)
		return
	}
	entries, err := audit.List(r.Context(), a.db, uuid, limit)
	if err != nil {
		WriteError(w, r, a.log, apperr.Internal(err, "audit lookup failed"))
		return
	}
	if entries == nil {
		entries = []audit.Event{}
	}
	JSONResponse(w, map[string]any{"events": entries})
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 500 {
		return 0, apperr.Validation("limit must be between 1 and 500")
	}
	return n, nil
}
