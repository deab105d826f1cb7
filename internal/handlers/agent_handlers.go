package handlers

import (
	"net/http"
	"time"

	"trustgate/internal/credential"
	"trustgate/internal/heartbeat"
	"trustgate/internal/middleware"
	"trustgate/internal/registration"
	"trustgate/internal/rotation"
)

// ─── Agent: registration ─────────────────────────────────────────────────────

type registerRequest struct {
	DeviceUUID string `json:"device_uuid"`
	Hostname   string `json:"hostname"`
	OSVersion  string `json:"os_version"`
}

type registerResponse struct {
	AgentCredential          string `json:"agent_credential"`
	DeviceID                 int64  `json:"device_id"`
	IsApproved               bool   `json:"is_approved"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// Register enrolls a device or re-issues the credential of a known one.
// POST /api/v1/agent/register
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, a.log, err)
		return
	}

	res, err := a.registration.Register(r.Context(), registration.Request{
		DeviceUUID: req.DeviceUUID,
		Hostname:   req.Hostname,
		OSVersion:  req.OSVersion,
		IP:         middleware.ClientIP(r.Context()),
	})
	if err != nil {
		WriteError(w, r, a.log, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	JSONStatus(w, status, registerResponse{
		AgentCredential:          res.Credential,
		DeviceID:                 res.Device.ID,
		IsApproved:               res.Device.IsApproved,
		HeartbeatIntervalSeconds: int(a.heartbeatInterval / time.Second),
	})
}

// ─── Agent: heartbeat ────────────────────────────────────────────────────────

// Heartbeat runs one heartbeat through the verification pipeline.
// POST /api/v1/agent/heartbeat
func (a *API) Heartbeat(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteError(w, r, a.log, err)
		return
	}

	res, err := a.heartbeat.Process(r.Context(), heartbeat.Request{
		Credential: middleware.BearerToken(r),
		Signature:  r.Header.Get(credential.SignatureHeader),
		Body:       body,
		IP:         middleware.ClientIP(r.Context()),
	})
	if err != nil {
		WriteError(w, r, a.log, err)
		return
	}
	JSONResponse(w, res)
}

// ─── Agent: credential rotation ──────────────────────────────────────────────

type rotateRequest struct {
	DeviceUUID        string `json:"device_uuid"`
	CurrentCredential string `json:"current_credential"`
}

type rotateResponse struct {
	NewCredential          string    `json:"new_credential"`
	OldCredentialRevokedAt time.Time `json:"old_credential_revoked_at"`
	DeviceID               int64     `json:"device_id"`
}

// Rotate replaces the caller's credential. Proof is the current credential
// in the body or as a bearer token.
// POST /api/v1/agent/rotate
func (a *API) Rotate(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, a.log, err)
		return
	}
	current := req.CurrentCredential
	if current == "" {
		current = middleware.BearerToken(r)
	}

	res, err := a.rotation.Rotate(r.Context(), rotation.Request{
		DeviceUUID:        req.DeviceUUID,
		CurrentCredential: current,
		IP:                middleware.ClientIP(r.Context()),
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
