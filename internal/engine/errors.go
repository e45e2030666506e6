package engine

import (
	"errors"
	"strings"

	"kanloop/internal/events"
)

// ErrAlreadyRunning is returned when a run is requested for a feature id that
// is already held by the execution registry. Rejected before any side effect.
var ErrAlreadyRunning = errors.New("feature is already running")

// ErrNoResult is returned when the agent stream ends without a terminal
// result record. The feature is left in_progress so the bounded resume-retry
// policy can pick it up.
var ErrNoResult = errors.New("agent stream ended without a result")

// authMarkers are substrings that identify credential failures in agent
// error text. Authentication errors are surfaced distinctly and never
// retried automatically.
var authMarkers = []string{
	"invalid api key",
	"credit balance",
	"oauth token",
	"authentication",
	"unauthorized",
	"please run /login",
	"401",
}

// classifyError sorts a run failure into the authentication or execution
// bucket for error events.
func classifyError(err error) events.ErrorType {
	msg := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return events.ErrorAuthentication
		}
	}
	return events.ErrorExecution
}
