package agents

import (
	"encoding/json"
	"time"
)

// State is the enrollment an agent persists between runs.
type State struct {
	DeviceUUID string    `json:"device_uuid"`
	ServerURL  string    `json:"server_url"`
	Credential string    `json:"agent_credential,omitempty"`
	DeviceID   int64     `json:"device_id,omitempty"`
	IsApproved bool      `json:"is_approved"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Registered reports whether the state holds a usable credential.
func (s *State) Registered() bool {
	return s != nil && s.Credential != ""
}

// Item is one queued heartbeat awaiting delivery.
type Item struct {
	ID          int64
	CollectedAt time.Time
	Metrics     json.RawMessage
	Attempts    int
}

type registerRequest struct {
	DeviceUUID string `json:"device_uuid"`
	Hostname   string `json:"hostname"`
	OSVersion  string `json:"os_version"`
}

// Enrollment is the server's answer to a registration.
type Enrollment struct {
	Credential        string `json:"agent_credential"`
	DeviceID          int64  `json:"device_id"`
	IsApproved        bool   `json:"is_approved"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds"`
}

type heartbeatPayload struct {
	DeviceUUID string          `json:"device_uuid"`
	Metrics    json.RawMessage `json:"metrics"`
	Timestamp  string          `json:"timestamp"`
	Nonce      string          `json:"nonce"`
}

// Ack is the server's answer to a heartbeat.
type Ack struct {
	Status           string  `json:"status"`
	DeviceID         int64   `json:"device_id"`
	NewTrustScore    float64 `json:"new_trust_score"`
	IsApproved       bool    `json:"is_approved"`
	RequiresRotation bool    `json:"requires_rotation"`
}

type rotateRequest struct {
	DeviceUUID        string `json:"device_uuid"`
	CurrentCredential string `json:"current_credential"`
}

type rotateResponse struct {
	NewCredential string `json:"new_credential"`
	DeviceID      int64  `json:"device_id"`
}

const timeFormat = time.RFC3339Nano
