package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"elisa/internal/spec"
)

func TestPredicates(t *testing.T) {
	cases := []struct {
		name                          string
		snap                          Snapshot
		web, hardware, portals, pinit bool
	}{
		{"preview only", Snapshot{Target: spec.TargetPreview}, false, false, false, false},
		{"web", Snapshot{Target: spec.TargetWeb}, true, false, false, false},
		{"esp32 no autoflash", Snapshot{Target: spec.TargetESP32}, false, false, false, false},
		{"esp32 autoflash", Snapshot{Target: spec.TargetESP32, AutoFlash: true}, false, true, false, false},
		{"both with serial", Snapshot{Target: spec.TargetBoth, AutoFlash: true, HasPortals: true, HasSerial: true}, true, true, true, true},
		{"portals without hardware target", Snapshot{Target: spec.TargetWeb, HasPortals: true, HasSerial: true}, true, false, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldDeployWeb(tc.snap); got != tc.web {
				t.Errorf("ShouldDeployWeb = %v", got)
			}
			if got := ShouldDeployHardware(tc.snap); got != tc.hardware {
				t.Errorf("ShouldDeployHardware = %v", got)
			}
			if got := ShouldDeployPortals(tc.snap); got != tc.portals {
				t.Errorf("ShouldDeployPortals = %v", got)
			}
			if got := ShouldInitializePortals(tc.snap); got != tc.pinit {
				t.Errorf("ShouldInitializePortals = %v", got)
			}
		})
	}
}

func TestStartWebMissingRoot(t *testing.T) {
	_, err := StartWeb(context.Background(), "/nonexistent/src", 0)
	if err == nil {
		t.Error("missing web root accepted")
	}
}

func TestRecordingDeployer(t *testing.T) {
	r := &RecordingDeployer{}
	if err := r.Compile(context.Background(), "/work"); err != nil {
		t.Fatal(err)
	}
	if err := r.Flash(context.Background(), "/work", "/dev/ttyUSB0"); err != nil {
		t.Fatal(err)
	}
	if len(r.Compiled) != 1 || r.Flashed[0] != "/work:/dev/ttyUSB0" {
		t.Errorf("recorder = %+v", r)
	}

	r.Err = errors.New("no board")
	if err := r.Flash(context.Background(), "/work", ""); err == nil {
		t.Error("deployer error swallowed")
	}
}

type errHandle struct{ closed bool }

func (h *errHandle) Close() error {
	h.closed = true
	return errors.New("already gone")
}

func TestTeardownSwallowsErrors(t *testing.T) {
	a, b := &errHandle{}, &errHandle{}
	Teardown([]Handle{a, nil, b})
	if !a.closed || !b.closed {
		t.Errorf("handles not closed: %v %v", a.closed, b.closed)
	}
}

func TestWatchPreviewReportsChanges(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "src")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var changes []string
	w, err := WatchPreview(root, func(path string) {
		mu.Lock()
		changes = append(changes, path)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(sub, "index.html"), []byte("<html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(changes)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no change reported")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, c := range changes {
		if c == filepath.Join("src", "index.html") {
			found = true
		}
	}
	if !found {
		t.Errorf("changes = %v", changes)
	}
}

func TestWatcherCloseStopsNotifications(t *testing.T) {
	root := t.TempDir()
	fired := make(chan string, 8)
	w, err := WatchPreview(root, func(path string) { fired <- path })
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	os.WriteFile(filepath.Join(root, "late.txt"), []byte("x"), 0o644)
	select {
	case p := <-fired:
		t.Errorf("notification after close: %s", p)
	case <-time.After(400 * time.Millisecond):
	}
}
