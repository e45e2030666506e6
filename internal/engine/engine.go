// Package engine orchestrates autonomous feature implementation: it drives a
// streaming coding agent through implement, verify and commit, one feature at
// a time per feature id, with durable state in the feature and transcript
// stores.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"kanloop/internal/agent"
	"kanloop/internal/config"
	"kanloop/internal/events"
	"kanloop/internal/feature"
	"kanloop/internal/transcript"
	"kanloop/internal/worktree"
)

// execution is one live entry in the run registry.
type execution struct {
	FeatureID    string
	ProjectPath  string
	WorktreePath string
	Branch       string
	Auto         bool
	StartedAt    time.Time
	cancel       context.CancelFunc
}

// AgentStatus is a read-only snapshot of a running execution.
type AgentStatus struct {
	FeatureID    string
	ProjectPath  string
	WorktreePath string
	Branch       string
	Auto         bool
	StartedAt    time.Time
}

// Engine coordinates agent runs. At most one execution per feature id; the
// registry check and insert happen in a single critical section, so concurrent
// requests for the same feature cannot both start.
type Engine struct {
	features    *feature.Store
	transcripts *transcript.Store
	agent       agent.Agent
	emitter     *events.Emitter
	cfg         config.Config
	log         *slog.Logger

	// OnResult, when set, receives usage metrics after each terminal agent
	// result. Used to feed the loop's budget tracker.
	OnResult func(featureID string, m agent.Metrics)

	mu      sync.Mutex
	running map[string]*execution
}

// New creates an engine.
func New(features *feature.Store, transcripts *transcript.Store, ag agent.Agent, emitter *events.Emitter, cfg config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		features:    features,
		transcripts: transcripts,
		agent:       ag,
		emitter:     emitter,
		cfg:         cfg,
		log:         logger,
		running:     make(map[string]*execution),
	}
}

// runRequest parameterizes one agent run.
type runRequest struct {
	projectPath  string
	featureID    string
	useWorktrees bool
	auto         bool

	// resumed keeps the feature in_progress on failure instead of reverting
	// it to backlog.
	resumed bool

	// lookupOnly resolves an existing worktree binding but never creates one.
	lookupOnly bool

	// previous seeds the transcript writer with prior content.
	previous string

	// prompt overrides the generated task prompt when non-empty.
	prompt string
}

// ExecuteFeature runs the agent against a feature. If a transcript already
// exists from earlier work, the run resumes with that context instead of
// starting over. Returns ErrAlreadyRunning if the feature has a live run.
func (e *Engine) ExecuteFeature(ctx context.Context, projectPath, featureID string, useWorktrees, auto bool) error {
	if e.transcripts.Exists(projectPath, featureID) {
		return e.resumeRun(ctx, projectPath, featureID, useWorktrees, auto)
	}
	return e.run(ctx, runRequest{
		projectPath:  projectPath,
		featureID:    featureID,
		useWorktrees: useWorktrees,
		auto:         auto,
	})
}

// ResumeFeature continues a previously interrupted run, feeding the saved
// transcript back to the agent.
func (e *Engine) ResumeFeature(ctx context.Context, projectPath, featureID string, useWorktrees bool) error {
	return e.resumeRun(ctx, projectPath, featureID, useWorktrees, false)
}

func (e *Engine) resumeRun(ctx context.Context, projectPath, featureID string, useWorktrees, auto bool) error {
	previous, err := e.transcripts.Load(projectPath, featureID)
	if err != nil {
		e.log.Warn("loading transcript failed, starting fresh", "feature", featureID, "error", err)
		previous = ""
	}
	return e.run(ctx, runRequest{
		projectPath:  projectPath,
		featureID:    featureID,
		useWorktrees: useWorktrees,
		auto:         auto,
		resumed:      previous != "",
		previous:     previous,
	})
}

// FollowUpFeature runs the agent with additional instructions on a feature
// that already has work, reusing its existing worktree binding. The registry
// slot is reserved before anything is persisted: a concurrent run is rejected
// with no durable trace. Image attachments are then copied into the feature's
// image directory and persisted before the run starts so the agent can read
// them.
func (e *Engine) FollowUpFeature(ctx context.Context, projectPath, featureID, instructions string, imagePaths []string, useWorktrees bool) error {
	runCtx, cancel := context.WithCancel(ctx)

	ex := &execution{
		FeatureID:   featureID,
		ProjectPath: projectPath,
		StartedAt:   time.Now(),
		cancel:      cancel,
	}
	if err := e.register(ex); err != nil {
		cancel()
		return err
	}

	// runRegistered owns the slot and cancel func once reached; until then
	// early returns release both.
	handedOff := false
	defer func() {
		if !handedOff {
			cancel()
			e.unregister(featureID)
		}
	}()

	feat, err := e.features.Load(projectPath, featureID)
	if err != nil {
		return err
	}

	if len(imagePaths) > 0 {
		images, err := e.features.CopyImages(projectPath, featureID, imagePaths)
		if err != nil {
			return fmt.Errorf("copying images: %w", err)
		}
		feat.Images = append(feat.Images, images...)
		if err := e.features.Save(projectPath, feat); err != nil {
			return err
		}
	}

	previous, err := e.transcripts.Load(projectPath, featureID)
	if err != nil {
		e.log.Warn("loading transcript failed", "feature", featureID, "error", err)
		previous = ""
	}

	handedOff = true
	return e.runRegistered(runCtx, cancel, runRequest{
		projectPath:  projectPath,
		featureID:    featureID,
		useWorktrees: useWorktrees,
		resumed:      previous != "",
		lookupOnly:   true,
		previous:     previous,
		prompt:       buildFollowUpPrompt(feat, previous, instructions),
	}, ex)
}

// StopFeature cancels a running execution. Returns false if the feature has
// no live run. Stopping is neutral: the feature keeps whatever status it had.
func (e *Engine) StopFeature(featureID string) bool {
	e.mu.Lock()
	ex, ok := e.running[featureID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	ex.cancel()
	return true
}

// IsRunning reports whether the feature has a live execution.
func (e *Engine) IsRunning(featureID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[featureID]
	return ok
}

// RunningAgents returns snapshots of all live executions, oldest first.
func (e *Engine) RunningAgents() []AgentStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]AgentStatus, 0, len(e.running))
	for _, ex := range e.running {
		out = append(out, AgentStatus{
			FeatureID:    ex.FeatureID,
			ProjectPath:  ex.ProjectPath,
			WorktreePath: ex.WorktreePath,
			Branch:       ex.Branch,
			Auto:         ex.Auto,
			StartedAt:    ex.StartedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// register inserts an execution for the feature id, or returns
// ErrAlreadyRunning. Check and insert are one critical section.
func (e *Engine) register(ex *execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[ex.FeatureID]; ok {
		return ErrAlreadyRunning
	}
	e.running[ex.FeatureID] = ex
	return nil
}

func (e *Engine) unregister(featureID string) {
	e.mu.Lock()
	delete(e.running, featureID)
	e.mu.Unlock()
}

// run reserves a registry slot for the feature and executes the request.
func (e *Engine) run(ctx context.Context, req runRequest) error {
	runCtx, cancel := context.WithCancel(ctx)

	ex := &execution{
		FeatureID:   req.featureID,
		ProjectPath: req.projectPath,
		Auto:        req.auto,
		StartedAt:   time.Now(),
		cancel:      cancel,
	}
	if err := e.register(ex); err != nil {
		cancel()
		return err
	}
	return e.runRegistered(runCtx, cancel, req, ex)
}

// runRegistered is the shared execution path for initial runs, resumes and
// follow-ups. The caller has already registered ex; ownership of the slot and
// the cancel func transfers here.
func (e *Engine) runRegistered(runCtx context.Context, cancel context.CancelFunc, req runRequest, ex *execution) error {
	defer cancel()
	defer e.unregister(req.featureID)

	feat, err := e.features.Load(req.projectPath, req.featureID)
	if err != nil {
		return err
	}

	workDir := req.projectPath
	if req.useWorktrees && feat.BranchName != "" {
		workDir = e.resolveWorkDir(ex, feat, req.lookupOnly)
	}

	feat.Status = feature.StatusInProgress
	feat.JustFinishedAt = nil
	if err := e.features.Save(req.projectPath, feat); err != nil {
		err = fmt.Errorf("saving feature: %w", err)
		e.emitError(req.projectPath, req.featureID, err)
		return err
	}
	e.emitter.Emit(events.Event{
		Type:        events.TypeFeatureStart,
		ProjectPath: req.projectPath,
		FeatureID:   feat.ID,
		Feature:     feat,
	})

	prompt := req.prompt
	switch {
	case prompt != "":
	case req.previous != "":
		prompt = buildResumePrompt(feat, req.previous)
	default:
		prompt = buildTaskPrompt(feat)
	}
	model := feat.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}

	writer := transcript.NewWriter(e.transcripts, req.projectPath, req.featureID, req.previous, e.log)
	flushed := false
	defer func() {
		// Closes the durability window on panic or early-return paths.
		if !flushed {
			if ferr := writer.Flush(); ferr != nil {
				e.log.Warn("transcript flush failed", "feature", req.featureID, "error", ferr)
			}
		}
	}()

	stream, err := e.agent.Stream(runCtx, agent.Request{
		Prompt: prompt,
		Model:  model,
		Dir:    workDir,
	})
	if err != nil {
		return e.failRun(req, feat, fmt.Errorf("starting agent: %w", err))
	}

	result, runErr := e.consume(runCtx, req, stream, writer)

	if ferr := writer.Flush(); ferr != nil {
		e.log.Warn("transcript flush failed", "feature", req.featureID, "error", ferr)
	}
	flushed = true

	switch {
	case runCtx.Err() != nil || errors.Is(runErr, context.Canceled):
		// Cancellation is neutral: no status change, no error recorded.
		e.emitter.Emit(events.Event{
			Type:        events.TypeFeatureComplete,
			ProjectPath: req.projectPath,
			FeatureID:   req.featureID,
			Passes:      false,
			Message:     "stopped by user",
		})
		return nil
	case runErr != nil:
		return e.failRun(req, feat, runErr)
	case result == nil:
		// The stream ended without a terminal record, usually a dropped
		// connection. Leave the feature in_progress so resume can retry.
		e.emitter.Emit(events.Event{
			Type:        events.TypeFeatureComplete,
			ProjectPath: req.projectPath,
			FeatureID:   req.featureID,
			Passes:      false,
			Message:     ErrNoResult.Error(),
		})
		return ErrNoResult
	}

	if e.OnResult != nil {
		e.OnResult(req.featureID, result.Metrics)
	}

	now := time.Now().UTC()
	feat.Status = feature.StatusWaitingApproval
	feat.JustFinishedAt = &now
	feat.Error = ""
	if err := e.features.Save(req.projectPath, feat); err != nil {
		err = fmt.Errorf("saving feature: %w", err)
		e.emitError(req.projectPath, req.featureID, err)
		return err
	}

	e.emitter.Emit(events.Event{
		Type:        events.TypeFeatureComplete,
		ProjectPath: req.projectPath,
		FeatureID:   req.featureID,
		Passes:      true,
		Message:     fmt.Sprintf("Completed in %s", time.Since(ex.StartedAt).Round(time.Second)),
	})
	return nil
}

// resolveWorkDir binds the run to the feature's branch worktree. Any failure
// degrades to the project root; isolation is best-effort.
func (e *Engine) resolveWorkDir(ex *execution, feat *feature.Feature, lookupOnly bool) string {
	mgr, err := worktree.NewManager(ex.ProjectPath)
	if err != nil {
		e.log.Warn("worktrees unavailable", "project", ex.ProjectPath, "error", err)
		return ex.ProjectPath
	}

	var path string
	if lookupOnly {
		path, err = mgr.FindForBranch(feat.BranchName)
	} else {
		path, err = mgr.Setup(feat.ID, feat.BranchName)
	}
	if err != nil || path == "" || path == ex.ProjectPath {
		return ex.ProjectPath
	}

	e.mu.Lock()
	ex.WorktreePath = path
	ex.Branch = feat.BranchName
	e.mu.Unlock()
	return path
}

// failRun records the failure on the feature and emits a classified error
// event. Fresh runs revert to backlog; resumed runs stay in_progress so the
// accumulated transcript is not orphaned.
func (e *Engine) failRun(req runRequest, feat *feature.Feature, runErr error) error {
	feat.Error = runErr.Error()
	feat.JustFinishedAt = nil
	if !req.resumed {
		feat.Status = feature.StatusBacklog
	}
	if saveErr := e.features.Save(req.projectPath, feat); saveErr != nil {
		e.log.Error("saving failed feature", "feature", feat.ID, "error", saveErr)
	}

	e.emitError(req.projectPath, req.featureID, runErr)
	return runErr
}

// emitError mirrors an operation failure as a classified error event.
func (e *Engine) emitError(projectPath, featureID string, err error) {
	e.emitter.Emit(events.Event{
		Type:        events.TypeError,
		ProjectPath: projectPath,
		FeatureID:   featureID,
		Error:       err.Error(),
		ErrorType:   classifyError(err),
	})
}

// runResult is the terminal record of a successful stream.
type runResult struct {
	Text    string
	Subtype string
	Metrics agent.Metrics
}

// consume drains the agent stream into the transcript writer and event
// emitter. Returns (nil, nil) when the stream closes without a result. A nil
// writer skips transcript accumulation.
func (e *Engine) consume(ctx context.Context, req runRequest, stream <-chan agent.Event, writer *transcript.Writer) (*runResult, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return nil, nil
			}
			switch ev.Type {
			case agent.EventAssistant:
				for _, block := range ev.Content {
					switch block.Type {
					case "text":
						if block.Text == "" {
							continue
						}
						if writer != nil {
							writer.AppendText(block.Text)
						}
						e.emitter.Emit(events.Event{
							Type:        events.TypeProgress,
							ProjectPath: req.projectPath,
							FeatureID:   req.featureID,
							Content:     block.Text,
						})
					case "tool_use":
						if writer != nil {
							writer.AppendToolUse(block.Name, block.Input)
						}
						e.emitter.Emit(events.Event{
							Type:        events.TypeTool,
							ProjectPath: req.projectPath,
							FeatureID:   req.featureID,
							Tool:        block.Name,
							ToolInput:   block.Input,
						})
					}
				}
			case agent.EventError:
				return nil, fmt.Errorf("agent: %s", ev.Error)
			case agent.EventResult:
				return &runResult{Text: ev.Result, Subtype: ev.Subtype, Metrics: ev.Metrics}, nil
			}
		}
	}
}
