package buildctx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T, budget int) (*Manager, string, string) {
	t.Helper()
	root := t.TempDir()
	comms := filepath.Join(root, "comms")
	ctxDir := filepath.Join(root, "context")
	return NewManager(comms, ctxDir, budget), comms, ctxDir
}

func TestRecordResultWritesFiles(t *testing.T) {
	m, comms, ctxDir := newTestManager(t, 0)

	if err := m.RecordResult("t1", "Implemented the sensor driver."); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(comms, "t1_summary.md"))
	if err != nil {
		t.Fatalf("summary file: %v", err)
	}
	if string(data) != "Implemented the sensor driver." {
		t.Errorf("summary = %q", data)
	}

	rolling, err := os.ReadFile(filepath.Join(ctxDir, "nugget_context.md"))
	if err != nil {
		t.Fatalf("rolling context: %v", err)
	}
	if !strings.Contains(string(rolling), "## t1") {
		t.Errorf("rolling context missing task section: %q", rolling)
	}
}

func TestContextForPredecessorsOnly(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	if err := m.RecordResult("t1", "Built the HTTP API."); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordResult("t2", "Added the database layer."); err != nil {
		t.Fatal(err)
	}

	got := m.ContextFor([]string{"t1"})
	if !strings.Contains(got, "Built the HTTP API.") {
		t.Errorf("missing predecessor summary: %q", got)
	}
	if strings.Contains(got, "database layer") {
		t.Errorf("non-predecessor summary leaked: %q", got)
	}

	// Unknown predecessors contribute nothing.
	if got := m.ContextFor([]string{"t9"}); got != "" {
		t.Errorf("context for unknown task = %q, want empty", got)
	}
	if got := m.ContextFor(nil); got != "" {
		t.Errorf("context with no predecessors = %q, want empty", got)
	}
}

func TestContextForWordBudget(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	long := strings.Repeat("word ", 50)
	if err := m.RecordResult("t1", long); err != nil {
		t.Fatal(err)
	}

	got := m.ContextFor([]string{"t1"})
	words := strings.Fields(got)
	// Budget plus the trailing ellipsis marker.
	if len(words) != 11 {
		t.Errorf("capped context has %d words, want 11", len(words))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("capped context missing truncation marker: %q", got)
	}
}

func TestRecordResultOverwrite(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	if err := m.RecordResult("t1", "first attempt"); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordResult("t1", "second attempt"); err != nil {
		t.Fatal(err)
	}

	got, ok := m.Summary("t1")
	if !ok || got != "second attempt" {
		t.Errorf("Summary = (%q, %v)", got, ok)
	}
	if got := m.ContextFor([]string{"t1"}); strings.Contains(got, "first attempt") {
		t.Errorf("stale summary survived overwrite: %q", got)
	}
}
