// Package verify runs the fixed sequence of external verification commands
// for a feature's working tree.
package verify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultStepTimeout bounds each verification command.
const DefaultStepTimeout = 5 * time.Minute

// Step is one named verification command, run through the shell so projects
// can configure arbitrary commands.
type Step struct {
	Name    string
	Command string
}

// DefaultSteps is the verification sequence for npm-style projects. Projects
// override it via configuration.
func DefaultSteps() []Step {
	return []Step{
		{Name: "Lint", Command: "npm run lint"},
		{Name: "Type check", Command: "npx tsc --noEmit"},
		{Name: "Test", Command: "npm test"},
		{Name: "Build", Command: "npm run build"},
	}
}

// Result is the aggregate outcome of a verification run.
type Result struct {
	// Passed is true when every step succeeded.
	Passed bool

	// FailedStep names the first failing step, if any.
	FailedStep string

	// Message is a human-readable summary naming the failing step.
	Message string

	// Output is the combined output of the failing step.
	Output string

	// Duration is the total wall-clock time.
	Duration time.Duration
}

// Runner executes verification steps fail-fast with a per-step timeout.
type Runner struct {
	Steps       []Step
	StepTimeout time.Duration
}

// NewRunner creates a runner with the given steps; nil steps use the default
// sequence.
func NewRunner(steps []Step, stepTimeout time.Duration) *Runner {
	if steps == nil {
		steps = DefaultSteps()
	}
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Runner{Steps: steps, StepTimeout: stepTimeout}
}

// Run executes the steps in order inside dir, stopping at the first failure.
// Step failures are reported in the result, never as an error.
func (r *Runner) Run(ctx context.Context, dir string) *Result {
	start := time.Now()

	for _, step := range r.Steps {
		stepCtx, cancel := context.WithTimeout(ctx, r.StepTimeout)
		cmd := exec.CommandContext(stepCtx, "sh", "-c", step.Command)
		cmd.Dir = dir
		output, err := cmd.CombinedOutput()
		cancel()

		if err != nil {
			msg := fmt.Sprintf("%s failed", step.Name)
			if stepCtx.Err() == context.DeadlineExceeded {
				msg = fmt.Sprintf("%s timed out after %v", step.Name, r.StepTimeout)
			}
			return &Result{
				Passed:     false,
				FailedStep: step.Name,
				Message:    msg,
				Output:     strings.TrimSpace(string(output)),
				Duration:   time.Since(start),
			}
		}
	}

	return &Result{
		Passed:   true,
		Message:  fmt.Sprintf("All %d verification steps passed", len(r.Steps)),
		Duration: time.Since(start),
	}
}

// WithoutStep returns a copy of steps with the named step removed. Used for
// the manual-verification path that skips tests.
func WithoutStep(steps []Step, name string) []Step {
	var out []Step
	for _, s := range steps {
		if s.Name != name {
			out = append(out, s)
		}
	}
	return out
}
