// Package transcript persists the durable, append-oriented record of agent
// output per feature, across initial runs, resumes and follow-ups.
package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Store keeps one markdown transcript file per feature under
// <project>/.kanloop/context/.
type Store struct {
	fs afero.Fs
}

// NewStore creates a store backed by the real filesystem.
func NewStore() *Store {
	return NewStoreWithFs(afero.NewOsFs())
}

// NewStoreWithFs creates a store on the given filesystem.
func NewStoreWithFs(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// Path returns the transcript file path for a feature id.
func (s *Store) Path(projectPath, id string) string {
	return filepath.Join(projectPath, ".kanloop", "context", id+".md")
}

// Save atomically writes the full transcript content.
func (s *Store) Save(projectPath, id, content string) error {
	if id == "" {
		return errors.New("feature id is required")
	}
	target := s.Path(projectPath, id)
	if err := s.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating context directory: %w", err)
	}
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing transcript %s: %w", id, err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replacing transcript %s: %w", id, err)
	}
	return nil
}

// Load returns the transcript content, or "" if no transcript exists.
func (s *Store) Load(projectPath, id string) (string, error) {
	if id == "" {
		return "", errors.New("feature id is required")
	}
	data, err := afero.ReadFile(s.fs, s.Path(projectPath, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reading transcript %s: %w", id, err)
	}
	return string(data), nil
}

// Exists reports whether a transcript exists for the feature.
func (s *Store) Exists(projectPath, id string) bool {
	if id == "" {
		return false
	}
	ok, err := afero.Exists(s.fs, s.Path(projectPath, id))
	return err == nil && ok
}

// Delete removes the transcript. Deleting a missing transcript is not an error.
func (s *Store) Delete(projectPath, id string) error {
	if id == "" {
		return errors.New("feature id is required")
	}
	err := s.fs.Remove(s.Path(projectPath, id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting transcript %s: %w", id, err)
	}
	return nil
}

// Append adds text to the end of the transcript, separated by a blank line
// when the existing content does not already end in one.
func (s *Store) Append(projectPath, id, text string) error {
	existing, err := s.Load(projectPath, id)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(existing)
	writeSeparated(&b, text)
	return s.Save(projectPath, id, b.String())
}

// writeSeparated writes text after a blank-line separator unless the builder
// is empty or already ends in one.
func writeSeparated(b *strings.Builder, text string) {
	if b.Len() > 0 {
		current := b.String()
		switch {
		case strings.HasSuffix(current, "\n\n"):
		case strings.HasSuffix(current, "\n"):
			b.WriteString("\n")
		default:
			b.WriteString("\n\n")
		}
	}
	b.WriteString(text)
}
