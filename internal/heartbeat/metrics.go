package heartbeat

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Metrics are the telemetry values the trust scorer looks at. Everything
// else in the agent's metrics document is stored untouched.
type Metrics struct {
	CPUPercent    float64
	MemoryPercent float64
}

type metricsDoc struct {
	CPU struct {
		Percent float64 `json:"percent"`
	} `json:"cpu"`
	Memory struct {
		Virtual struct {
			Percent float64 `json:"percent"`
		} `json:"virtual"`
	} `json:"memory"`
}

// ParseMetrics extracts cpu.percent and memory.virtual.percent. Missing
// values read as zero. An absent document is normalized to an empty object.
func ParseMetrics(raw json.RawMessage) (Metrics, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Metrics{}, json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' {
		return Metrics{}, nil, errors.New("metrics must be an object")
	}
	var doc metricsDoc
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return Metrics{}, nil, errors.Wrap(err, "decode metrics")
	}
	return Metrics{
		CPUPercent:    doc.CPU.Percent,
		MemoryPercent: doc.Memory.Virtual.Percent,
	}, json.RawMessage(trimmed), nil
}
