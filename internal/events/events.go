// Package events is the process-wide lifecycle event channel the engine uses
// to notify observers. Delivery is at-most-once, best-effort, no replay; a
// consumer that misses an event reconciles by re-reading the feature store.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"kanloop/internal/feature"
)

// Topic is the single topic all lifecycle events publish to.
const Topic = "kanloop.lifecycle"

// Type discriminates event payloads.
type Type string

const (
	TypeFeatureStart    Type = "feature_start"
	TypeFeatureComplete Type = "feature_complete"
	TypeProgress        Type = "progress"
	TypeTool            Type = "tool"
	TypeError           Type = "error"
	TypeAllComplete     Type = "all_complete"
)

// ErrorType classifies error events for observers.
type ErrorType string

const (
	ErrorAuthentication ErrorType = "authentication"
	ErrorExecution      ErrorType = "execution"
)

// Event is the discriminated lifecycle payload. Every variant carries the
// feature id and owning project path.
type Event struct {
	Type        Type   `json:"type"`
	ProjectPath string `json:"projectPath"`
	FeatureID   string `json:"featureId,omitempty"`

	// feature_start
	Feature *feature.Feature `json:"feature,omitempty"`

	// feature_complete / all_complete
	Passes  bool   `json:"passes,omitempty"`
	Message string `json:"message,omitempty"`

	// progress
	Content string `json:"content,omitempty"`

	// tool
	Tool      string          `json:"tool,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`

	// error
	Error     string    `json:"error,omitempty"`
	ErrorType ErrorType `json:"errorType,omitempty"`
}

// Emitter publishes lifecycle events over an in-process pub/sub channel.
// Publishing never blocks the engine on slow observers.
type Emitter struct {
	channel *gochannel.GoChannel
	log     *slog.Logger
}

// NewEmitter creates an emitter. The output buffer absorbs bursts; beyond it
// deliveries queue asynchronously per subscriber, so a slow observer never
// applies backpressure to the engine.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NewSlogLogger(logger))
	return &Emitter{channel: ch, log: logger}
}

// Emit publishes an event. Failures are logged and swallowed: emission is
// fire-and-forget by contract.
func (e *Emitter) Emit(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.log.Warn("encoding event failed", "type", ev.Type, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := e.channel.Publish(Topic, msg); err != nil {
		e.log.Warn("publishing event failed", "type", ev.Type, "error", err)
	}
}

// Subscribe returns a channel of decoded events. The channel closes when ctx
// is cancelled or the emitter is closed.
func (e *Emitter) Subscribe(ctx context.Context) (<-chan Event, error) {
	msgs, err := e.channel.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				e.log.Warn("decoding event failed", "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts down the pub/sub channel and all subscriber channels.
func (e *Emitter) Close() error {
	return e.channel.Close()
}
