// Package budget tracks cumulative usage across unattended-loop runs and
// decides when the loop must stop.
package budget

import (
	"fmt"
	"sync"
	"time"
)

// Limits bounds a loop invocation. Zero values mean unlimited.
type Limits struct {
	MaxRuns     int
	MaxTokens   int
	MaxCost     float64
	MaxDuration time.Duration
}

// Usage is cumulative consumption since the tracker was created.
type Usage struct {
	Runs      int
	TokensIn  int
	TokensOut int
	Cost      float64
	StartTime time.Time
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int {
	return u.TokensIn + u.TokensOut
}

// Tracker accumulates usage. Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	limits Limits
	usage  Usage
}

// NewTracker creates a tracker with the given limits.
func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		limits: limits,
		usage:  Usage{StartTime: time.Now()},
	}
}

// Add records one completed run's token and cost usage.
func (t *Tracker) Add(tokensIn, tokensOut int, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.Runs++
	t.usage.TokensIn += tokensIn
	t.usage.TokensOut += tokensOut
	t.usage.Cost += cost
}

// Usage returns a copy of current usage.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Limits returns the configured limits.
func (t *Tracker) Limits() Limits {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits
}

// ShouldStop reports whether any limit has been reached, with a reason.
func (t *Tracker) ShouldStop() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limits.MaxRuns > 0 && t.usage.Runs >= t.limits.MaxRuns {
		return true, fmt.Sprintf("run limit reached (%d)", t.limits.MaxRuns)
	}
	if t.limits.MaxTokens > 0 && t.usage.TotalTokens() >= t.limits.MaxTokens {
		return true, fmt.Sprintf("token limit reached (%d)", t.limits.MaxTokens)
	}
	if t.limits.MaxCost > 0 && t.usage.Cost >= t.limits.MaxCost {
		return true, fmt.Sprintf("cost limit reached ($%.2f)", t.limits.MaxCost)
	}
	if t.limits.MaxDuration > 0 && time.Since(t.usage.StartTime) >= t.limits.MaxDuration {
		return true, fmt.Sprintf("duration limit reached (%v)", t.limits.MaxDuration)
	}
	return false, ""
}
