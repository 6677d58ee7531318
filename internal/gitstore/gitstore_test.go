package gitstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newRepo(t *testing.T) *Store {
	t.Helper()
	if !Available() {
		t.Skip("git not installed")
	}
	return New(t.TempDir())
}

func TestInitRepoIdempotent(t *testing.T) {
	s := newRepo(t)
	ctx := context.Background()

	if err := s.InitRepo(ctx, "build a weather station"); err != nil {
		t.Fatalf("InitRepo: %v", err)
	}
	for _, f := range []string{".git", ".gitignore", "README.md"} {
		if _, err := os.Stat(filepath.Join(s.dir, f)); err != nil {
			t.Errorf("missing %s after init: %v", f, err)
		}
	}

	// Second init must not fail or create a second commit.
	if err := s.InitRepo(ctx, "build a weather station"); err != nil {
		t.Fatalf("second InitRepo: %v", err)
	}
	status, err := s.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status) != 0 {
		t.Errorf("dirty status after re-init: %v", status)
	}
}

func TestCommitAndDiffSummary(t *testing.T) {
	s := newRepo(t)
	ctx := context.Background()
	if err := s.InitRepo(ctx, "goal"); err != nil {
		t.Fatal(err)
	}

	// Nothing changed, so there is nothing to commit.
	rec, err := s.Commit(ctx, "empty", "builder-1", "t1", nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected empty commit result, got %+v", rec)
	}

	if err := os.WriteFile(filepath.Join(s.dir, "main.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec, err = s.Commit(ctx, "Add main entry point", "builder-1", "t1", nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a commit record")
	}
	if rec.Message != "Add main entry point" || rec.AgentName != "builder-1" || rec.TaskID != "t1" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.ShortHash) != 7 {
		t.Errorf("short hash = %q", rec.ShortHash)
	}
	if len(rec.ChangedPaths) != 1 || rec.ChangedPaths[0] != "main.py" {
		t.Errorf("changed paths = %v", rec.ChangedPaths)
	}

	paths, err := s.DiffSummary(ctx, rec.Hash)
	if err != nil {
		t.Fatalf("DiffSummary: %v", err)
	}
	if len(paths) != 1 || paths[0] != "main.py" {
		t.Errorf("diff summary = %v", paths)
	}
}

func TestParallelCommitsKeepPerTaskAttribution(t *testing.T) {
	s := newRepo(t)
	ctx := context.Background()
	if err := s.InitRepo(ctx, "goal"); err != nil {
		t.Fatal(err)
	}

	// Both tasks have already written their files, as after two parallel
	// dispatches; the commits race.
	files := map[string]string{"t1": "alpha.py", "t2": "beta.py"}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(s.dir, name), []byte("pass\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	records := make(chan *CommitRecord, len(files))
	errs := make(chan error, len(files))
	for taskID, name := range files {
		go func(taskID, name string) {
			rec, err := s.Commit(ctx, "Work for "+taskID, "builder", taskID, []string{name})
			records <- rec
			errs <- err
		}(taskID, name)
	}

	for range files {
		if err := <-errs; err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	for range files {
		rec := <-records
		if rec == nil {
			t.Fatal("missing commit record")
		}
		want := files[rec.TaskID]
		if len(rec.ChangedPaths) != 1 || rec.ChangedPaths[0] != want {
			t.Errorf("task %s committed %v, want [%s]", rec.TaskID, rec.ChangedPaths, want)
		}
	}
}

func TestCommitPathspecFallsBackOnMiss(t *testing.T) {
	s := newRepo(t)
	ctx := context.Background()
	if err := s.InitRepo(ctx, "goal"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, "kept.py"), []byte("pass\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The recorded path no longer exists; the commit must not be lost.
	rec, err := s.Commit(ctx, "Recover", "builder", "t1", []string{"vanished.py"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rec == nil || len(rec.ChangedPaths) != 1 || rec.ChangedPaths[0] != "kept.py" {
		t.Errorf("record = %+v", rec)
	}
}

func TestDiffSummaryFirstCommit(t *testing.T) {
	s := newRepo(t)
	ctx := context.Background()
	if err := s.InitRepo(ctx, "goal"); err != nil {
		t.Fatal(err)
	}
	hash, err := s.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	paths, err := s.DiffSummary(ctx, hash[:40])
	if err != nil {
		t.Fatalf("DiffSummary on root commit: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("paths = %v, want empty for the root commit", paths)
	}
}
