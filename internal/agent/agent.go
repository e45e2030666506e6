// Package agent wraps streaming invocations of AI coding agents.
package agent

import (
	"context"
	"encoding/json"
)

// EventType discriminates stream events.
type EventType string

const (
	// EventSystem is the stream's init record; consumers may ignore it.
	EventSystem EventType = "system"

	// EventAssistant carries assistant content blocks (text and tool uses,
	// interleaved in any order).
	EventAssistant EventType = "assistant"

	// EventResult is the terminal record of a successful stream.
	EventResult EventType = "result"

	// EventError is a stream failure; consumers must treat it as a thrown
	// error.
	EventError EventType = "error"
)

// ContentBlock is a single block inside an assistant event.
type ContentBlock struct {
	Type  string          `json:"type"` // "text" or "tool_use"
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Metrics is token and cost usage reported by the terminal result record.
type Metrics struct {
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// Event is one record of the agent's output stream.
type Event struct {
	Type    EventType
	Content []ContentBlock // assistant
	Subtype string         // result: "success" or other
	Result  string         // result: final text
	Metrics Metrics        // result
	Error   string         // error
}

// Request configures a streaming agent run.
type Request struct {
	// Prompt is the full task prompt.
	Prompt string

	// Model selects the model; empty uses the agent's default.
	Model string

	// Dir is the working directory for the run (worktree or project root).
	Dir string

	// AllowedTools restricts the agent's tool set. Nil allows everything.
	AllowedTools []string
}

// Agent is a streaming AI coding agent. The stream runs until natural
// completion or context cancellation; there is no internal timeout.
type Agent interface {
	// Name returns the agent's display name.
	Name() string

	// Available checks if the agent's CLI is installed and accessible.
	Available() bool

	// Stream starts a run and returns its event channel. The channel is
	// closed when the run ends for any reason. Cancelling the context
	// terminates the underlying process promptly.
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}
