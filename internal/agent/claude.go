package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// ClaudeAgent implements the Agent interface for the Claude Code CLI.
type ClaudeAgent struct {
	// Command is the path to the claude binary. Defaults to "claude".
	Command string
}

// NewClaudeAgent creates a new Claude Code agent with default settings.
func NewClaudeAgent() *ClaudeAgent {
	return &ClaudeAgent{Command: "claude"}
}

// Name returns "claude".
func (a *ClaudeAgent) Name() string {
	return "claude"
}

// Available checks if the claude CLI is installed and accessible.
func (a *ClaudeAgent) Available() bool {
	_, err := exec.LookPath(a.command())
	return err == nil
}

// Stream executes claude with the given request.
// Uses --dangerously-skip-permissions for autonomous operation and
// --output-format stream-json to get line-delimited typed events.
func (a *ClaudeAgent) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	args := []string{
		"--dangerously-skip-permissions",
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, a.command(), args...)
	cmd.Dir = req.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)

		sawResult := decodeStream(ctx, stdout, ch)

		err := cmd.Wait()
		if ctx.Err() != nil {
			// Cancelled: the consumer observes cancellation through its
			// own context, not through an error event.
			return
		}
		if err != nil && !sawResult {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			select {
			case ch <- Event{Type: EventError, Error: fmt.Sprintf("claude exited with error: %s", msg)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// command returns the claude binary path.
func (a *ClaudeAgent) command() string {
	if a.Command != "" {
		return a.Command
	}
	return "claude"
}

// streamLine is the wire shape of one stream-json line.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []ContentBlock `json:"content"`
	} `json:"message"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error string `json:"error"`
}

// decodeStream reads line-delimited JSON events from r and forwards typed
// events on ch until EOF or cancellation. Reports whether a result record was
// seen.
func decodeStream(ctx context.Context, r io.Reader, ch chan<- Event) bool {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024) // tool inputs can be large

	sawResult := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, ok := decodeLine(line)
		if !ok {
			continue
		}
		if ev.Type == EventResult {
			sawResult = true
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return sawResult
		}
	}
	return sawResult
}

// decodeLine converts one raw stream-json line into an Event. Unknown record
// types are skipped.
func decodeLine(line []byte) (Event, bool) {
	var raw streamLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, false
	}

	switch raw.Type {
	case "system":
		return Event{Type: EventSystem}, true
	case "assistant":
		return Event{Type: EventAssistant, Content: raw.Message.Content}, true
	case "result":
		return Event{
			Type:    EventResult,
			Subtype: raw.Subtype,
			Result:  raw.Result,
			Metrics: Metrics{
				TokensIn:  raw.Usage.InputTokens,
				TokensOut: raw.Usage.OutputTokens,
				CostUSD:   raw.TotalCostUSD,
			},
		}, true
	case "error":
		msg := raw.Error
		if msg == "" {
			msg = string(line)
		}
		return Event{Type: EventError, Error: msg}, true
	default:
		return Event{}, false
	}
}
