package transcript

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore() *Store {
	return NewStoreWithFs(afero.NewMemMapFs())
}

func TestStoreSaveAndLoad(t *testing.T) {
	s := newTestStore()

	if err := s.Save("/project", "feat1", "hello\n"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load("/project", "feat1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != "hello\n" {
		t.Errorf("Load() = %q, want %q", got, "hello\n")
	}
}

func TestStoreLoadMissing(t *testing.T) {
	s := newTestStore()

	got, err := s.Load("/project", "feat1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != "" {
		t.Errorf("Load() = %q, want empty", got)
	}
}

func TestStoreExists(t *testing.T) {
	s := newTestStore()

	if s.Exists("/project", "feat1") {
		t.Error("Exists() = true before save")
	}
	if err := s.Save("/project", "feat1", "x"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !s.Exists("/project", "feat1") {
		t.Error("Exists() = false after save")
	}
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore()

	if err := s.Save("/project", "feat1", "x"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Delete("/project", "feat1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Exists("/project", "feat1") {
		t.Error("transcript should be gone after Delete()")
	}

	// Deleting again is not an error.
	if err := s.Delete("/project", "feat1"); err != nil {
		t.Errorf("Delete() on missing transcript error = %v", err)
	}
}

func TestStoreAppend(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		text     string
		want     string
	}{
		{
			name:     "empty transcript gets no separator",
			existing: "",
			text:     "first",
			want:     "first",
		},
		{
			name:     "no trailing newline gets blank line",
			existing: "first",
			text:     "second",
			want:     "first\n\nsecond",
		},
		{
			name:     "single trailing newline completed to blank line",
			existing: "first\n",
			text:     "second",
			want:     "first\n\nsecond",
		},
		{
			name:     "existing blank line not doubled",
			existing: "first\n\n",
			text:     "second",
			want:     "first\n\nsecond",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore()
			if tt.existing != "" {
				if err := s.Save("/project", "feat1", tt.existing); err != nil {
					t.Fatalf("Save() error = %v", err)
				}
			}
			if err := s.Append("/project", "feat1", tt.text); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			got, err := s.Load("/project", "feat1")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Append() result = %q, want %q", got, tt.want)
			}
			if !strings.HasPrefix(got, strings.TrimRight(tt.existing, "\n")) && tt.existing != "" {
				t.Errorf("Append() lost existing content: %q", got)
			}
		})
	}
}
