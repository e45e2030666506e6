package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"kanloop/internal/agent"
	"kanloop/internal/events"
	"kanloop/internal/feature"
	"kanloop/internal/verify"
	"kanloop/internal/worktree"
)

// VerifyFeature runs the verification steps against the feature's working
// tree. On success the feature transitions to verified and its transcript is
// deleted; the record is the sole survivor of a verified feature. On failure
// the feature is left untouched for another round.
func (e *Engine) VerifyFeature(ctx context.Context, projectPath, featureID string) (*verify.Result, error) {
	feat, err := e.features.Load(projectPath, featureID)
	if err != nil {
		return nil, err
	}

	dir := projectPath
	if feat.BranchName != "" {
		if mgr, merr := worktree.NewManager(projectPath); merr == nil {
			if path, ferr := mgr.FindForBranch(feat.BranchName); ferr == nil && path != "" {
				dir = path
			}
		}
	}

	steps := e.cfg.VerifySteps()
	if feat.SkipTests {
		steps = verify.WithoutStep(steps, "Test")
	}
	runner := verify.NewRunner(steps, time.Duration(e.cfg.StepTimeout))
	res := runner.Run(ctx, dir)

	if res.Passed {
		feat.Status = feature.StatusVerified
		feat.JustFinishedAt = nil
		feat.Error = ""
		if err := e.features.Save(projectPath, feat); err != nil {
			return res, err
		}
		if err := e.transcripts.Delete(projectPath, featureID); err != nil {
			e.log.Warn("deleting transcript failed", "feature", featureID, "error", err)
		}
	}

	e.emitter.Emit(events.Event{
		Type:        events.TypeFeatureComplete,
		ProjectPath: projectPath,
		FeatureID:   featureID,
		Passes:      res.Passed,
		Message:     res.Message,
	})
	return res, nil
}

// CommitFeature stages and commits all changes in the feature's working tree,
// using the feature's title as the commit message. A clean tree is a no-op
// returning an empty hash. Directory precedence: explicit worktreePath, then
// the conventional worktree location if it exists, then the project root.
func (e *Engine) CommitFeature(ctx context.Context, projectPath, featureID, worktreePath string) (string, error) {
	feat, err := e.features.Load(projectPath, featureID)
	if err != nil {
		return "", err
	}

	dir := projectPath
	switch {
	case worktreePath != "":
		dir = worktreePath
	default:
		conventional := filepath.Join(projectPath, worktree.DefaultWorktreeDir, featureID)
		if info, serr := os.Stat(conventional); serr == nil && info.IsDir() {
			dir = conventional
		}
	}

	status, err := gitOutput(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("checking status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return "", nil
	}

	if _, err := gitOutput(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	if _, err := gitOutput(ctx, dir, "commit", "-m", feat.Title()); err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}

	hash, err := gitOutput(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving commit: %w", err)
	}
	hash = strings.TrimSpace(hash)

	short := hash
	if len(short) > 7 {
		short = short[:7]
	}
	e.emitter.Emit(events.Event{
		Type:        events.TypeFeatureComplete,
		ProjectPath: projectPath,
		FeatureID:   featureID,
		Passes:      true,
		Message:     fmt.Sprintf("Committed %s: %s", short, feat.Title()),
	})
	return hash, nil
}

// AnalyzeProject runs the agent read-only over the project and saves the
// resulting report to the analysis artifact. The run occupies a synthetic id
// in the registry so status surfaces show it like any other execution.
func (e *Engine) AnalyzeProject(ctx context.Context, projectPath string) (string, error) {
	id := "analysis-" + uuid.NewString()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ex := &execution{
		FeatureID:   id,
		ProjectPath: projectPath,
		StartedAt:   time.Now(),
		cancel:      cancel,
	}
	if err := e.register(ex); err != nil {
		return "", err
	}
	defer e.unregister(id)

	stream, err := e.agent.Stream(runCtx, agent.Request{
		Prompt:       analysisPrompt,
		Model:        e.cfg.DefaultModel,
		Dir:          projectPath,
		AllowedTools: []string{"Read", "Glob", "Grep", "LS"},
	})
	if err != nil {
		return "", fmt.Errorf("starting agent: %w", err)
	}

	result, runErr := e.consume(runCtx, runRequest{projectPath: projectPath, featureID: id}, stream, nil)
	if runErr != nil {
		return "", runErr
	}
	if result == nil {
		return "", ErrNoResult
	}

	if err := e.features.SaveAnalysis(projectPath, result.Text); err != nil {
		return "", fmt.Errorf("saving analysis: %w", err)
	}

	e.emitter.Emit(events.Event{
		Type:        events.TypeFeatureComplete,
		ProjectPath: projectPath,
		FeatureID:   id,
		Passes:      true,
		Message:     "Project analysis complete",
	})
	return result.Text, nil
}

// gitOutput runs a git command in dir and returns its combined output, with
// that output folded into the error on failure.
func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
