package feature

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusValid(t *testing.T) {
	valid := []Status{StatusBacklog, StatusInProgress, StatusWaitingApproval, StatusVerified}
	for _, s := range valid {
		assert.True(t, s.Valid(), "status %q should be valid", s)
	}
	assert.False(t, Status("done").Valid())
	assert.False(t, Status("").Valid())
}

func TestStatusUnmarshalRejectsUnknown(t *testing.T) {
	var f Feature
	err := json.Unmarshal([]byte(`{"id":"a","description":"d","status":"done"}`), &f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown feature status")

	err = json.Unmarshal([]byte(`{"id":"a","description":"d","status":"backlog"}`), &f)
	require.NoError(t, err)
	assert.Equal(t, StatusBacklog, f.Status)
}

func TestJustFinished(t *testing.T) {
	now := time.Now()

	t.Run("within window", func(t *testing.T) {
		finished := now.Add(-time.Minute)
		f := &Feature{Status: StatusWaitingApproval, JustFinishedAt: &finished}
		assert.True(t, f.JustFinished(now))
	})

	t.Run("window expired", func(t *testing.T) {
		finished := now.Add(-JustFinishedWindow)
		f := &Feature{Status: StatusWaitingApproval, JustFinishedAt: &finished}
		assert.False(t, f.JustFinished(now))
	})

	t.Run("wrong status", func(t *testing.T) {
		finished := now.Add(-time.Minute)
		f := &Feature{Status: StatusVerified, JustFinishedAt: &finished}
		assert.False(t, f.JustFinished(now))
	})

	t.Run("no timestamp", func(t *testing.T) {
		f := &Feature{Status: StatusWaitingApproval}
		assert.False(t, f.JustFinished(now))
	})
}

func TestTitle(t *testing.T) {
	tests := []struct {
		name        string
		description string
		want        string
	}{
		{
			name:        "short single line",
			description: "Add dark mode",
			want:        "Add dark mode",
		},
		{
			name:        "multiline keeps first line",
			description: "Add dark mode\n\nWith a toggle in settings.",
			want:        "Add dark mode",
		},
		{
			name:        "exactly sixty characters untouched",
			description: strings.Repeat("a", 60),
			want:        strings.Repeat("a", 60),
		},
		{
			name:        "over sixty truncates to sixty with ellipsis",
			description: strings.Repeat("a", 61),
			want:        strings.Repeat("a", 57) + "...",
		},
		{
			name:        "multibyte runes truncate on rune boundaries",
			description: strings.Repeat("é", 80),
			want:        strings.Repeat("é", 57) + "...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Feature{Description: tt.description}
			got := f.Title()
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, utf8.RuneCountInString(got), 60)
		})
	}
}
