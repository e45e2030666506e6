// Package worktree manages isolated, branch-bound git working directories for
// feature runs.
package worktree

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultWorktreeDir is the project-relative directory for storing worktrees.
const DefaultWorktreeDir = ".worktrees"

// ErrNotGitRepo is returned when the directory is not a git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// ErrWorktreeNotFound is returned when no worktree is bound to a branch.
var ErrWorktreeNotFound = errors.New("worktree not found")

// Binding is a branch-to-directory association known to git.
type Binding struct {
	Path   string // absolute path to the working directory
	Branch string // branch name
}

// Manager handles the worktree lifecycle for one project.
type Manager struct {
	repoRoot    string
	worktreeDir string
}

// NewManager creates a worktree manager for the given repository.
// Returns ErrNotGitRepo if the directory is not a git repository.
func NewManager(repoRoot string) (*Manager, error) {
	gitDir := filepath.Join(repoRoot, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return nil, ErrNotGitRepo
	}
	// .git can be a directory (normal repo) or a file (worktree itself)
	if !info.IsDir() && !info.Mode().IsRegular() {
		return nil, ErrNotGitRepo
	}

	return &Manager{
		repoRoot:    repoRoot,
		worktreeDir: filepath.Join(repoRoot, DefaultWorktreeDir),
	}, nil
}

// Root returns the main repository path.
func (m *Manager) Root() string {
	return m.repoRoot
}

// Path returns the conventional worktree path for a feature id.
func (m *Manager) Path(featureID string) string {
	return filepath.Join(m.worktreeDir, featureID)
}

// FindForBranch returns the absolute path of the worktree bound to the branch,
// or "" if none exists. The binding lives in git state, so it survives
// restarts.
func (m *Manager) FindForBranch(branch string) (string, error) {
	bindings, err := m.List()
	if err != nil {
		return "", err
	}
	for _, b := range bindings {
		if b.Branch == branch {
			return b.Path, nil
		}
	}
	return "", nil
}

// Setup resolves or creates the worktree for a feature bound to the branch.
// Re-checks for an existing binding first, so repeated runs against the same
// branch reuse one directory. On worktree-creation failure it degrades to the
// main project path: isolation is best-effort, not required for the run.
func (m *Manager) Setup(featureID, branch string) (string, error) {
	if existing, err := m.FindForBranch(branch); err == nil && existing != "" {
		return existing, nil
	}

	if err := m.ensureGitignore(); err != nil {
		return m.repoRoot, nil
	}
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return m.repoRoot, nil
	}

	// Create the branch if absent; "already exists" is fine.
	cmd := exec.Command("git", "branch", branch)
	cmd.Dir = m.repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		if !strings.Contains(string(out), "already exists") {
			return m.repoRoot, nil
		}
	}

	wtPath := m.Path(featureID)
	cmd = exec.Command("git", "worktree", "add", wtPath, branch)
	cmd.Dir = m.repoRoot
	if _, err := cmd.CombinedOutput(); err != nil {
		return m.repoRoot, nil
	}

	abs, err := filepath.Abs(wtPath)
	if err != nil {
		return wtPath, nil
	}
	return abs, nil
}

// Remove deletes the worktree bound to the branch and the branch itself.
// Force removes even with uncommitted changes. Removal is always explicit;
// nothing in the run lifecycle tears worktrees down implicitly.
func (m *Manager) Remove(branch string) error {
	path, err := m.FindForBranch(branch)
	if err != nil {
		return err
	}
	if path == "" {
		return ErrWorktreeNotFound
	}

	cmd := exec.Command("git", "worktree", "remove", path, "--force")
	cmd.Dir = m.repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("removing worktree: %s: %w", strings.TrimSpace(string(out)), err)
	}

	cmd = exec.Command("git", "branch", "-D", branch)
	cmd.Dir = m.repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("deleting branch: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// MergeAndRemove merges the branch into the currently checked-out branch of
// the main repository, then removes the worktree and branch.
func (m *Manager) MergeAndRemove(branch string) error {
	cmd := exec.Command("git", "merge", "--no-edit", branch)
	cmd.Dir = m.repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("merging %s: %s: %w", branch, strings.TrimSpace(string(out)), err)
	}
	return m.Remove(branch)
}

// List returns all branch-bound worktrees known to git, excluding the main
// working directory.
func (m *Manager) List() ([]Binding, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoRoot

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	return m.parseWorktreeList(output)
}

// ensureGitignore makes sure the worktrees directory is ignored before any
// worktree is created inside the repository.
func (m *Manager) ensureGitignore() error {
	path := filepath.Join(m.repoRoot, ".gitignore")
	entry := DefaultWorktreeDir + "/"

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry || strings.TrimSpace(line) == DefaultWorktreeDir {
			return nil
		}
	}

	var b strings.Builder
	b.Write(data)
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		b.WriteString("\n")
	}
	b.WriteString(entry + "\n")
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// parseWorktreeList parses the output of `git worktree list --porcelain`.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <commit>
//	branch refs/heads/<branch>
//	<blank line>
//
// Relative paths are normalized to absolute for cross-platform correctness.
func (m *Manager) parseWorktreeList(output []byte) ([]Binding, error) {
	var bindings []Binding
	var current *Binding

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "worktree "):
			path := strings.TrimPrefix(line, "worktree ")
			if !filepath.IsAbs(path) {
				path = filepath.Join(m.repoRoot, path)
			}
			current = &Binding{Path: path}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
			// Skip the main working directory entry.
			if current.Path != m.repoRoot {
				bindings = append(bindings, *current)
			}
			current = nil
		case line == "":
			current = nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parsing worktree list: %w", err)
	}
	return bindings, nil
}
