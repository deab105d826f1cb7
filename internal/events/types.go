package events

import (
	"strings"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Lifecycle events
	DeviceRegistered   EventType = "device_registered"
	DeviceReregistered EventType = "device_reregistered"
	DeviceApproved     EventType = "device_approved"
	DeviceRejected     EventType = "device_rejected"
	CredentialRotated  EventType = "credential_rotated"

	// Trust events
	TrustDropped    EventType = "trust_dropped"
	SessionsRevoked EventType = "sessions_revoked"
	DeviceDisabled  EventType = "device_disabled"
	ReplayDetected  EventType = "replay_detected"

	// Liveness events
	DeviceSilent  EventType = "device_silent"
	DeviceResumed EventType = "device_resumed"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a config value to a Severity, defaulting to warning.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo
	case "critical":
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event is the payload published through the bus.
type Event struct {
	Seq        uint64            `json:"seq"`
	Type       EventType         `json:"type"`
	Severity   Severity          `json:"severity"`
	DeviceUUID string            `json:"device_uuid,omitempty"`
	Hostname   string            `json:"hostname,omitempty"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
