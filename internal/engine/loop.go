package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"kanloop/internal/budget"
	"kanloop/internal/events"
	"kanloop/internal/feature"
)

// Loop drives unattended execution: it picks backlog features in creation
// order, runs each to completion, and retries interrupted runs a bounded
// number of times. It trusts the feature store, not in-memory state; after
// every run the feature is re-read before the next decision.
type Loop struct {
	Engine       *Engine
	Budget       *budget.Tracker
	ProjectPath  string
	UseWorktrees bool
	MaxRetries   int
	Log          *slog.Logger
}

// NewLoop creates a loop. A nil tracker means no budget limits.
func NewLoop(e *Engine, tracker *budget.Tracker, projectPath string, useWorktrees bool, maxRetries int, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Loop{
		Engine:       e,
		Budget:       tracker,
		ProjectPath:  projectPath,
		UseWorktrees: useWorktrees,
		MaxRetries:   maxRetries,
		Log:          logger,
	}
}

// Run executes backlog features until the backlog is exhausted, a budget
// limit is reached, or the context is cancelled. Each feature is attempted at
// most once per invocation; failures are recorded on the feature and the loop
// moves on.
func (l *Loop) Run(ctx context.Context) error {
	attempted := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Budget != nil {
			if stop, reason := l.Budget.ShouldStop(); stop {
				l.finish(reason)
				return nil
			}
		}

		next, err := l.nextFeature(attempted)
		if err != nil {
			return err
		}
		if next == nil {
			l.finish("backlog complete")
			return nil
		}
		attempted[next.ID] = true

		if err := l.Engine.ExecuteFeature(ctx, l.ProjectPath, next.ID, l.UseWorktrees, true); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			l.Log.Warn("feature run failed", "feature", next.ID, "error", err)
		}

		// Reconciliation read: the store decides what happened, not the
		// return path.
		feat, err := l.Engine.features.Load(l.ProjectPath, next.ID)
		if err != nil {
			l.Log.Warn("re-reading feature failed", "feature", next.ID, "error", err)
			continue
		}
		if feat.Status == feature.StatusInProgress {
			if err := l.retryResume(ctx, next.ID); err != nil {
				return err
			}
		}
	}
}

// nextFeature returns the oldest backlog feature not yet attempted this
// invocation, or nil when none remain.
func (l *Loop) nextFeature(attempted map[string]bool) (*feature.Feature, error) {
	all, err := l.Engine.features.List(l.ProjectPath)
	if err != nil {
		return nil, err
	}
	for _, f := range all {
		if f.Status == feature.StatusBacklog && !attempted[f.ID] {
			return f, nil
		}
	}
	return nil, nil
}

// retryResume resumes a run that ended without a terminal result, up to
// MaxRetries times. Each attempt is marked in the transcript. Exhausted
// retries leave the feature in_progress for manual resume.
func (l *Loop) retryResume(ctx context.Context, featureID string) error {
	for attempt := 1; attempt <= l.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		marker := fmt.Sprintf("---- resume attempt %d of %d ----", attempt, l.MaxRetries)
		if err := l.Engine.transcripts.Append(l.ProjectPath, featureID, marker); err != nil {
			l.Log.Warn("appending retry marker failed", "feature", featureID, "error", err)
		}

		err := l.Engine.resumeRun(ctx, l.ProjectPath, featureID, l.UseWorktrees, true)
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			l.Log.Warn("resume failed", "feature", featureID, "attempt", attempt, "error", err)
		}

		feat, err := l.Engine.features.Load(l.ProjectPath, featureID)
		if err != nil {
			return err
		}
		if feat.Status != feature.StatusInProgress {
			return nil
		}
	}
	l.Log.Warn("resume retries exhausted", "feature", featureID, "retries", l.MaxRetries)
	return nil
}

func (l *Loop) finish(reason string) {
	l.Engine.emitter.Emit(events.Event{
		Type:        events.TypeAllComplete,
		ProjectPath: l.ProjectPath,
		Message:     reason,
	})
}
