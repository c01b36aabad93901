// Package gateway adapts the agent execution runtime. Writes fail closed when
// the runtime is unreachable; reads may fall back to the last known status.
package gateway

import "context"

// Chunk is one piece of streamed agent output. A chunk with Err set ends the stream.
type Chunk struct {
	Text string
	Err  error
}

type Status string

const (
	StatusOK          Status = "ok"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

type Availability struct {
	Status    Status `json:"status" enum:"ok,degraded,unavailable"`
	Available bool   `json:"available"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
	CheckedAt string `json:"checked_at" format:"date-time"`
	// Stale is set when a failed check fell back to the last known good status.
	Stale bool `json:"stale,omitempty"`
}

// Runtime is the execution runtime port.
type Runtime interface {
	SendToAgent(ctx context.Context, agentID, message string) (<-chan Chunk, error)
	RestartAgent(ctx context.Context, agentID string) error
	CheckAvailability(ctx context.Context) Availability
}
