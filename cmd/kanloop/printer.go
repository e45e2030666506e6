package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"kanloop/internal/events"
)

var (
	startStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headingStyle = lipgloss.NewStyle().Bold(true).Underline(true)

	statusStyles = map[string]lipgloss.Style{
		"backlog":          dimStyle,
		"in_progress":      toolStyle,
		"waiting_approval": startStyle,
		"verified":         passStyle,
	}
)

// Printer renders lifecycle events to a writer, either human-readable or as
// JSON Lines for machine consumption.
type Printer struct {
	jsonl  bool
	writer io.Writer
}

// NewPrinter creates a printer. If jsonl is true, each event is written as one
// JSON object per line.
func NewPrinter(w io.Writer, jsonl bool) *Printer {
	return &Printer{jsonl: jsonl, writer: w}
}

// Follow subscribes to the emitter and prints events until ctx is cancelled or
// the emitter closes. Returns a wait function for draining.
func (p *Printer) Follow(ctx context.Context, emitter *events.Emitter) (func(), error) {
	ch, err := emitter.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			p.Print(ev)
		}
	}()
	return wg.Wait, nil
}

// Print renders one event.
func (p *Printer) Print(ev events.Event) {
	if p.jsonl {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintln(p.writer, string(data))
		return
	}

	switch ev.Type {
	case events.TypeFeatureStart:
		title := ev.FeatureID
		if ev.Feature != nil {
			title = fmt.Sprintf("%s - %s", ev.FeatureID, ev.Feature.Title())
		}
		fmt.Fprintln(p.writer, startStyle.Render("▶ "+title))
	case events.TypeProgress:
		fmt.Fprintln(p.writer, strings.TrimRight(ev.Content, "\n"))
	case events.TypeTool:
		fmt.Fprintln(p.writer, toolStyle.Render("⚙ "+ev.Tool))
	case events.TypeFeatureComplete:
		if ev.Passes {
			fmt.Fprintln(p.writer, passStyle.Render("✓ "+ev.Message))
		} else {
			fmt.Fprintln(p.writer, failStyle.Render("✗ "+ev.Message))
		}
	case events.TypeError:
		label := "error"
		if ev.ErrorType == events.ErrorAuthentication {
			label = "authentication error"
		}
		fmt.Fprintln(p.writer, failStyle.Render(fmt.Sprintf("✗ %s: %s", label, ev.Error)))
	case events.TypeAllComplete:
		fmt.Fprintln(p.writer, passStyle.Render("● All done: "+ev.Message))
	}
}
