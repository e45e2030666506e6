package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kanloop/internal/agent"
	"kanloop/internal/config"
	"kanloop/internal/feature"
)

func stepConfig(steps ...config.StepConfig) config.Config {
	cfg := config.Default()
	cfg.Verify = steps
	cfg.StepTimeout = config.Duration(time.Minute)
	return cfg
}

func TestVerifyFeaturePassesAndDeletesTranscript(t *testing.T) {
	cfg := stepConfig(config.StepConfig{Name: "Check", Command: "true"})
	eng, features, transcripts := newTestEngine(t, &fakeAgent{}, cfg)

	project := t.TempDir()
	f, err := features.Create(project, "Add dark mode", "")
	require.NoError(t, err)
	f.Status = feature.StatusWaitingApproval
	require.NoError(t, features.Save(project, f))
	require.NoError(t, transcripts.Save(project, f.ID, "work log\n"))

	res, err := eng.VerifyFeature(context.Background(), project, f.ID)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	reloaded, err := features.Load(project, f.ID)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusVerified, reloaded.Status)
	assert.Nil(t, reloaded.JustFinishedAt)

	// Only the record survives verification.
	assert.False(t, transcripts.Exists(project, f.ID))
}

func TestVerifyFeatureFailureLeavesEverything(t *testing.T) {
	cfg := stepConfig(
		config.StepConfig{Name: "Lint", Command: "true"},
		config.StepConfig{Name: "Type check", Command: "false"},
	)
	eng, features, transcripts := newTestEngine(t, &fakeAgent{}, cfg)

	project := t.TempDir()
	f, err := features.Create(project, "Add dark mode", "")
	require.NoError(t, err)
	f.Status = feature.StatusWaitingApproval
	require.NoError(t, features.Save(project, f))
	require.NoError(t, transcripts.Save(project, f.ID, "work log\n"))

	res, err := eng.VerifyFeature(context.Background(), project, f.ID)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "Type check", res.FailedStep)
	assert.Equal(t, "Type check failed", res.Message)

	reloaded, err := features.Load(project, f.ID)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusWaitingApproval, reloaded.Status)
	assert.True(t, transcripts.Exists(project, f.ID), "transcript survives failed verification")
}

func TestVerifyFeatureSkipTests(t *testing.T) {
	cfg := stepConfig(
		config.StepConfig{Name: "Lint", Command: "true"},
		config.StepConfig{Name: "Test", Command: "false"},
	)
	eng, features, _ := newTestEngine(t, &fakeAgent{}, cfg)

	project := t.TempDir()
	f, err := features.Create(project, "Add dark mode", "")
	require.NoError(t, err)
	f.SkipTests = true
	require.NoError(t, features.Save(project, f))

	res, err := eng.VerifyFeature(context.Background(), project, f.ID)
	require.NoError(t, err)
	assert.True(t, res.Passed, "the failing Test step must be skipped")
}

func TestCommitFeature(t *testing.T) {
	eng, features, _ := newTestEngine(t, &fakeAgent{}, config.Default())

	project := createGitRepo(t)
	long := strings.Repeat("x", 80)
	f, err := features.Create(project, long, "")
	require.NoError(t, err)

	t.Run("clean tree is a no-op", func(t *testing.T) {
		hash, err := eng.CommitFeature(context.Background(), project, f.ID, "")
		require.NoError(t, err)
		assert.Empty(t, hash)
	})

	t.Run("commits with truncated title", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(project, "new.txt"), []byte("change"), 0644))

		hash, err := eng.CommitFeature(context.Background(), project, f.ID, "")
		require.NoError(t, err)
		assert.NotEmpty(t, hash)

		out, err := exec.Command("git", "-C", project, "log", "-1", "--format=%s").Output()
		require.NoError(t, err)
		subject := strings.TrimSpace(string(out))
		assert.Equal(t, strings.Repeat("x", 57)+"...", subject)
		assert.LessOrEqual(t, len(subject), 60)
	})
}

func TestCommitFeatureExplicitWorktree(t *testing.T) {
	eng, features, _ := newTestEngine(t, &fakeAgent{}, config.Default())

	project := createGitRepo(t)
	other := createGitRepo(t)
	f, err := features.Create(project, "Add dark mode", "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(other, "new.txt"), []byte("change"), 0644))

	hash, err := eng.CommitFeature(context.Background(), project, f.ID, other)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	// The commit landed in the explicit directory, not the project root.
	out, err := exec.Command("git", "-C", other, "log", "-1", "--format=%s").Output()
	require.NoError(t, err)
	assert.Equal(t, "Add dark mode", strings.TrimSpace(string(out)))
}

func TestAnalyzeProject(t *testing.T) {
	fa := &fakeAgent{script: []fakeRun{{events: []agent.Event{
		textEvent("reading files"),
		resultEvent("# Project Report\n\nA web app."),
	}}}}
	fs := afero.NewMemMapFs()
	eng, features, _ := newTestEngineFs(t, fa, config.Default(), fs)

	report, err := eng.AnalyzeProject(context.Background(), testProject)
	require.NoError(t, err)
	assert.Contains(t, report, "Project Report")

	req := fa.request(0)
	assert.Equal(t, []string{"Read", "Glob", "Grep", "LS"}, req.AllowedTools)
	assert.NotEmpty(t, req.Prompt)

	// The report is persisted as the analysis artifact.
	saved, err := afero.ReadFile(fs, features.AnalysisPath(testProject))
	require.NoError(t, err)
	assert.Equal(t, report, string(saved))

	assert.Empty(t, eng.RunningAgents())
}

func TestAnalyzeProjectNoResult(t *testing.T) {
	fa := &fakeAgent{script: []fakeRun{{events: []agent.Event{textEvent("hm")}}}}
	eng, _, _ := newTestEngine(t, fa, config.Default())

	_, err := eng.AnalyzeProject(context.Background(), testProject)
	assert.ErrorIs(t, err, ErrNoResult)
}

func createGitRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test User"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("initial"), 0644))
	for _, args := range [][]string{
		{"add", "initial.txt"},
		{"commit", "-m", "Initial commit"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	return dir
}
