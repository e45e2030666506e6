package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultFlushInterval is the debounce window for background persistence.
// Streaming appends within one window coalesce into a single write.
const DefaultFlushInterval = 500 * time.Millisecond

// Writer accumulates streamed agent output in memory and persists it to the
// store. Persistence during the stream is debounced; Flush must be called on
// every exit path to close the durability window.
type Writer struct {
	store       *Store
	projectPath string
	featureID   string
	interval    time.Duration
	log         *slog.Logger

	mu    sync.Mutex
	buf   strings.Builder
	timer *time.Timer
}

// NewWriter creates a writer seeded with any previous transcript content, so
// resumed runs append after a separator instead of overwriting history.
func NewWriter(store *Store, projectPath, featureID, previous string, logger *slog.Logger) *Writer {
	w := &Writer{
		store:       store,
		projectPath: projectPath,
		featureID:   featureID,
		interval:    DefaultFlushInterval,
		log:         logger,
	}
	if logger == nil {
		w.log = slog.Default()
	}
	w.buf.WriteString(previous)
	return w
}

// AppendText adds assistant text to the transcript.
func (w *Writer) AppendText(text string) {
	if text == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	writeSeparated(&w.buf, text)
	w.schedule()
}

// AppendToolUse renders a tool invocation as a labeled block with its input
// payload pretty-printed.
func (w *Writer) AppendToolUse(name string, input json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, input, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(input)
	}

	block := fmt.Sprintf("### Tool: %s\n```json\n%s\n```\n", name, pretty.String())

	w.mu.Lock()
	defer w.mu.Unlock()
	writeSeparated(&w.buf, block)
	w.schedule()
}

// Contents returns the accumulated transcript.
func (w *Writer) Contents() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Flush cancels any pending debounced write and persists synchronously.
func (w *Writer) Flush() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	content := w.buf.String()
	w.mu.Unlock()
	return w.store.Save(w.projectPath, w.featureID, content)
}

// schedule arms the debounce timer if one is not already pending. Caller must
// hold w.mu.
func (w *Writer) schedule() {
	if w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.interval, w.persist)
}

// persist is the debounced background write. Write failures are logged, never
// propagated: losing incremental persistence must not kill a running agent.
func (w *Writer) persist() {
	w.mu.Lock()
	w.timer = nil
	content := w.buf.String()
	w.mu.Unlock()

	if err := w.store.Save(w.projectPath, w.featureID, content); err != nil {
		w.log.Warn("transcript write failed", "feature", w.featureID, "error", err)
	}
}
