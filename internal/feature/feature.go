// Package feature holds the durable per-feature record and its file-backed store.
package feature

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a feature.
type Status string

const (
	// StatusBacklog means the feature is eligible for pickup.
	StatusBacklog Status = "backlog"

	// StatusInProgress means an agent is actively running or mid-retry.
	StatusInProgress Status = "in_progress"

	// StatusWaitingApproval means the agent finished and a human review is pending.
	StatusWaitingApproval Status = "waiting_approval"

	// StatusVerified means a human or auto-verification confirmed the feature.
	StatusVerified Status = "verified"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusInProgress, StatusWaitingApproval, StatusVerified:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown status values at the store boundary.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v := Status(raw)
	if !v.Valid() {
		return fmt.Errorf("unknown feature status %q", raw)
	}
	*s = v
	return nil
}

// JustFinishedWindow is how long a feature counts as "just completed" after
// entering waiting_approval.
const JustFinishedWindow = 2 * time.Minute

// Image is a copied attachment belonging to a feature.
type Image struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
}

// Feature is a unit of backlog work tracked through the implementation lifecycle.
type Feature struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Spec        string  `json:"spec,omitempty"`
	Status      Status  `json:"status"`
	BranchName  string  `json:"branchName,omitempty"`
	Model       string  `json:"model,omitempty"`
	SkipTests   bool    `json:"skipTests,omitempty"`
	Images      []Image `json:"imagePaths,omitempty"`

	// Error is the last failure message; cleared on success.
	Error string `json:"error,omitempty"`

	// JustFinishedAt is set only on the transition into waiting_approval.
	JustFinishedAt *time.Time `json:"justFinishedAt,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// JustFinished reports whether the feature entered waiting_approval within the
// validity window as of now.
func (f *Feature) JustFinished(now time.Time) bool {
	if f.Status != StatusWaitingApproval || f.JustFinishedAt == nil {
		return false
	}
	return now.Sub(*f.JustFinishedAt) < JustFinishedWindow
}

// Title returns the first line of the description, truncated for use as a
// commit title. Descriptions longer than 60 characters keep the first 57
// followed by an ellipsis.
func (f *Feature) Title() string {
	line := f.Description
	for i := 0; i < len(line); i++ {
		if line[i] == '\n' {
			line = line[:i]
			break
		}
	}
	runes := []rune(line)
	if len(runes) > 60 {
		return string(runes[:57]) + "..."
	}
	return line
}
