// Package gitstore drives the workspace git repository through the git
// binary. One commit is created per successful task so the build history
// reads as a sequence of agent contributions.
package gitstore

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"elisa/internal/logging"
)

// ignoreSeed keeps transient build state out of the repository.
const ignoreSeed = `.elisa/logs/
.elisa/status/
__pycache__/
*.pyc
node_modules/
.DS_Store
`

// CommitRecord describes one commit created for a task.
type CommitRecord struct {
	Hash         string    `json:"hash"`
	ShortHash    string    `json:"short_hash"`
	Message      string    `json:"message"`
	AgentName    string    `json:"agent_name"`
	TaskID       string    `json:"task_id"`
	Timestamp    time.Time `json:"timestamp"`
	ChangedPaths []string  `json:"changed_paths"`
}

// Store runs git against one repository root. A mutex serializes every
// stage+commit sequence: git holds a single index, and parallel tasks must
// not collide on index.lock or sweep each other's files into a commit.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates a store for the repository at dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Available reports whether a git binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

func (s *Store) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.dir
	// Commits must not depend on the host user's git identity.
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=elisa",
		"GIT_AUTHOR_EMAIL=elisa@localhost",
		"GIT_COMMITTER_NAME=elisa",
		"GIT_COMMITTER_EMAIL=elisa@localhost",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// InitRepo initializes the repository if needed, seeds an ignore file and a
// README, and creates the initial commit when anything is staged. Safe to
// call on an already-initialized repository.
func (s *Store) InitRepo(ctx context.Context, goal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(s.dir, ".git")); os.IsNotExist(err) {
		if _, err := s.git(ctx, "init"); err != nil {
			return err
		}
	}

	ignorePath := filepath.Join(s.dir, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(ignoreSeed), 0o644); err != nil {
			return fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}

	readmePath := filepath.Join(s.dir, "README.md")
	if _, err := os.Stat(readmePath); os.IsNotExist(err) {
		readme := fmt.Sprintf("# Project\n\n%s\n", strings.TrimSpace(goal))
		if err := os.WriteFile(readmePath, []byte(readme), 0o644); err != nil {
			return fmt.Errorf("failed to write README: %w", err)
		}
	}

	if _, err := s.git(ctx, "add", "-A"); err != nil {
		return err
	}
	staged, err := s.git(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return err
	}
	if strings.TrimSpace(staged) == "" {
		return nil
	}
	if _, err := s.git(ctx, "commit", "-m", "Initial project setup"); err != nil {
		return err
	}
	logging.Info("repository initialized", "dir", s.dir)
	return nil
}

// Commit stages and commits with the given message. A non-empty paths list
// limits staging to those files so a concurrent task's fresh writes stay out
// of this task's commit; an empty list stages everything. When nothing is
// staged it returns (nil, nil) rather than an error.
func (s *Store) Commit(ctx context.Context, message, agentName, taskID string, paths []string) (*CommitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stage(ctx, paths); err != nil {
		return nil, err
	}
	staged, err := s.git(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	changed := splitLines(staged)
	if len(changed) == 0 {
		return nil, nil
	}

	if _, err := s.git(ctx, "commit", "-m", message); err != nil {
		return nil, err
	}
	hash, err := s.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	hash = strings.TrimSpace(hash)
	short := hash
	if len(short) > 7 {
		short = short[:7]
	}

	rec := &CommitRecord{
		Hash:         hash,
		ShortHash:    short,
		Message:      message,
		AgentName:    agentName,
		TaskID:       taskID,
		Timestamp:    time.Now(),
		ChangedPaths: changed,
	}
	logging.Info("commit created", "hash", short, "task", taskID, "files", len(rec.ChangedPaths))
	return rec, nil
}

// stage adds the given paths, or everything when none are given. An
// unmatched pathspec (a recorded file the agent later deleted) falls back
// to a full stage rather than losing the commit.
func (s *Store) stage(ctx context.Context, paths []string) error {
	if len(paths) > 0 {
		args := append([]string{"add", "-A", "--"}, paths...)
		if _, err := s.git(ctx, args...); err == nil {
			return nil
		}
	}
	_, err := s.git(ctx, "add", "-A")
	return err
}

// DiffSummary returns the paths changed by a commit. The first commit has no
// parent; that is not an error, the summary is just empty.
func (s *Store) DiffSummary(ctx context.Context, sha string) ([]string, error) {
	out, err := s.git(ctx, "diff", "--name-only", sha+"^", sha)
	if err != nil {
		if strings.Contains(err.Error(), "unknown revision") || strings.Contains(err.Error(), "bad revision") {
			return nil, nil
		}
		return nil, err
	}
	return splitLines(out), nil
}

// Status returns the porcelain status lines for the repository.
func (s *Store) Status(ctx context.Context) ([]string, error) {
	out, err := s.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
