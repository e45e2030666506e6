package agent

import (
	"context"
	"strings"
	"testing"
)

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantType EventType
		wantOK   bool
	}{
		{
			name:     "system init record",
			line:     `{"type":"system","subtype":"init"}`,
			wantType: EventSystem,
			wantOK:   true,
		},
		{
			name:     "assistant text",
			line:     `{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}`,
			wantType: EventAssistant,
			wantOK:   true,
		},
		{
			name:     "result record",
			line:     `{"type":"result","subtype":"success","result":"done","total_cost_usd":0.42,"usage":{"input_tokens":100,"output_tokens":50}}`,
			wantType: EventResult,
			wantOK:   true,
		},
		{
			name:     "error record",
			line:     `{"type":"error","error":"boom"}`,
			wantType: EventError,
			wantOK:   true,
		},
		{
			name:   "unknown type skipped",
			line:   `{"type":"user"}`,
			wantOK: false,
		},
		{
			name:   "malformed json skipped",
			line:   `{nope`,
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := decodeLine([]byte(tt.line))
			if ok != tt.wantOK {
				t.Fatalf("decodeLine() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && ev.Type != tt.wantType {
				t.Errorf("decodeLine() type = %q, want %q", ev.Type, tt.wantType)
			}
		})
	}
}

func TestDecodeLineResultMetrics(t *testing.T) {
	line := `{"type":"result","subtype":"success","result":"all done","total_cost_usd":1.25,"usage":{"input_tokens":2000,"output_tokens":750}}`
	ev, ok := decodeLine([]byte(line))
	if !ok {
		t.Fatal("decodeLine() failed on result record")
	}
	if ev.Result != "all done" {
		t.Errorf("Result = %q, want %q", ev.Result, "all done")
	}
	if ev.Subtype != "success" {
		t.Errorf("Subtype = %q, want %q", ev.Subtype, "success")
	}
	if ev.Metrics.TokensIn != 2000 || ev.Metrics.TokensOut != 750 {
		t.Errorf("Metrics tokens = %d/%d, want 2000/750", ev.Metrics.TokensIn, ev.Metrics.TokensOut)
	}
	if ev.Metrics.CostUSD != 1.25 {
		t.Errorf("Metrics.CostUSD = %v, want 1.25", ev.Metrics.CostUSD)
	}
}

func TestDecodeLineToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"path":"main.go"}}]}}`
	ev, ok := decodeLine([]byte(line))
	if !ok {
		t.Fatal("decodeLine() failed on tool_use record")
	}
	if len(ev.Content) != 1 {
		t.Fatalf("Content length = %d, want 1", len(ev.Content))
	}
	block := ev.Content[0]
	if block.Type != "tool_use" || block.Name != "Edit" {
		t.Errorf("block = %+v, want tool_use Edit", block)
	}
	if !strings.Contains(string(block.Input), "main.go") {
		t.Errorf("block.Input = %s, want raw input preserved", block.Input)
	}
}

func TestDecodeStream(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		``,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"step one"}]}}`,
		`{"type":"result","subtype":"success","result":"done"}`,
	}, "\n")

	ch := make(chan Event, 16)
	sawResult := decodeStream(context.Background(), strings.NewReader(input), ch)
	close(ch)

	if !sawResult {
		t.Error("decodeStream() sawResult = false, want true")
	}

	var types []EventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	want := []EventType{EventSystem, EventAssistant, EventResult}
	if len(types) != len(want) {
		t.Fatalf("got %d events, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestDecodeStreamWithoutResult(t *testing.T) {
	input := `{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}`

	ch := make(chan Event, 16)
	sawResult := decodeStream(context.Background(), strings.NewReader(input), ch)

	if sawResult {
		t.Error("decodeStream() sawResult = true for a truncated stream")
	}
}

func TestClaudeAgentName(t *testing.T) {
	a := NewClaudeAgent()
	if a.Name() != "claude" {
		t.Errorf("Name() = %q, want %q", a.Name(), "claude")
	}
	if a.command() != "claude" {
		t.Errorf("command() = %q, want default %q", a.command(), "claude")
	}
}
