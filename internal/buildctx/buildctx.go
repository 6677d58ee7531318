// Package buildctx carries result summaries between tasks. Each finished
// task records a summary; successors receive the concatenation of their
// predecessors' summaries, capped at a word budget so prompts stay small.
package buildctx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"elisa/internal/fileutil"
	"elisa/internal/logging"
)

// DefaultWordBudget caps the predecessor context injected into a prompt.
const DefaultWordBudget = 2000

// Manager stores per-task result summaries and mirrors them to the
// workspace metadata directories.
type Manager struct {
	mu         sync.Mutex
	wordBudget int
	commsDir   string
	contextDir string

	summaries map[string]string
	order     []string
}

// NewManager creates a manager writing under the given comms and context
// directories. A non-positive budget falls back to the default.
func NewManager(commsDir, contextDir string, wordBudget int) *Manager {
	if wordBudget <= 0 {
		wordBudget = DefaultWordBudget
	}
	return &Manager{
		wordBudget: wordBudget,
		commsDir:   commsDir,
		contextDir: contextDir,
		summaries:  make(map[string]string),
	}
}

// RecordResult stores a task's summary and persists it: the summary goes to
// comms/<taskId>_summary.md and the rolling context file is rewritten
// atomically.
func (m *Manager) RecordResult(taskID, summary string) error {
	m.mu.Lock()
	if _, seen := m.summaries[taskID]; !seen {
		m.order = append(m.order, taskID)
	}
	m.summaries[taskID] = summary
	rolling := m.rollingContextLocked()
	m.mu.Unlock()

	if err := os.MkdirAll(m.commsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create comms directory: %w", err)
	}
	summaryPath := filepath.Join(m.commsDir, taskID+"_summary.md")
	if err := fileutil.AtomicWriteString(summaryPath, summary, 0o644); err != nil {
		return fmt.Errorf("failed to write task summary: %w", err)
	}

	if err := os.MkdirAll(m.contextDir, 0o755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}
	contextPath := filepath.Join(m.contextDir, "nugget_context.md")
	if err := fileutil.AtomicWriteString(contextPath, rolling, 0o644); err != nil {
		return fmt.Errorf("failed to write rolling context: %w", err)
	}

	logging.Debug("task result recorded", "task", taskID, "words", wordCount(summary))
	return nil
}

// ContextFor returns the text block of predecessor summaries for a task,
// capped at the word budget. Predecessors without a recorded summary are
// skipped. An empty result means no context section should be emitted.
func (m *Manager) ContextFor(predecessorIDs []string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sections []string
	for _, id := range predecessorIDs {
		summary, ok := m.summaries[id]
		if !ok || strings.TrimSpace(summary) == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("### From task %s\n%s", id, strings.TrimSpace(summary)))
	}
	if len(sections) == 0 {
		return ""
	}
	return capWords(strings.Join(sections, "\n\n"), m.wordBudget)
}

// Summary returns the recorded summary for a task.
func (m *Manager) Summary(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[taskID]
	return s, ok
}

func (m *Manager) rollingContextLocked() string {
	var b strings.Builder
	b.WriteString("# Build Context\n")
	for _, id := range m.order {
		fmt.Fprintf(&b, "\n## %s\n%s\n", id, strings.TrimSpace(m.summaries[id]))
	}
	return b.String()
}

// capWords truncates text to at most n words, appending an ellipsis marker
// when anything was dropped.
func capWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ") + " ..."
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
