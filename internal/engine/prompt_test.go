package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kanloop/internal/feature"
)

func TestBuildTaskPrompt(t *testing.T) {
	f := &feature.Feature{
		ID:          "feat1",
		Description: "Add dark mode",
		Spec:        "Toggle lives in the settings page.",
		Images: []feature.Image{
			{Path: "/project/.kanloop/images/feat1/mockup.png", Filename: "mockup.png"},
		},
	}

	prompt := buildTaskPrompt(f)

	assert.Contains(t, prompt, "# Feature: feat1")
	assert.Contains(t, prompt, "Add dark mode")
	assert.Contains(t, prompt, "Toggle lives in the settings page.")
	assert.Contains(t, prompt, "mockup.png")
	assert.Contains(t, prompt, "Work autonomously")
}

func TestBuildTaskPromptMinimal(t *testing.T) {
	f := &feature.Feature{ID: "feat1", Description: "Add dark mode"}

	prompt := buildTaskPrompt(f)

	assert.Contains(t, prompt, "Add dark mode")
	assert.NotContains(t, prompt, "## Specification")
	assert.NotContains(t, prompt, "## Attached Images")
}

func TestBuildResumePrompt(t *testing.T) {
	f := &feature.Feature{ID: "feat1", Description: "Add dark mode"}

	prompt := buildResumePrompt(f, "implemented the toggle component")

	assert.Contains(t, prompt, "## Previous Work")
	assert.Contains(t, prompt, "implemented the toggle component")
	assert.Contains(t, prompt, "Continue from where the previous session left off")
}

func TestBuildFollowUpPrompt(t *testing.T) {
	f := &feature.Feature{ID: "feat1", Description: "Add dark mode"}

	prompt := buildFollowUpPrompt(f, "implemented the toggle", "Also honor the system preference")

	assert.Contains(t, prompt, "## Previous Work")
	assert.Contains(t, prompt, "implemented the toggle")
	assert.Contains(t, prompt, "## Follow-up Instructions")
	assert.Contains(t, prompt, "Also honor the system preference")
}

func TestBuildFollowUpPromptWithoutHistory(t *testing.T) {
	f := &feature.Feature{ID: "feat1", Description: "Add dark mode"}

	prompt := buildFollowUpPrompt(f, "", "Tweak the colors")

	assert.NotContains(t, prompt, "## Previous Work")
	assert.Contains(t, prompt, "Tweak the colors")
}
