// Package deploy ships a finished build: a local web preview served by a
// child process, hardware flashing through a pluggable deployer, and a
// source watcher that reports preview refreshes.
package deploy

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"elisa/internal/logging"
	"elisa/internal/spec"
)

// Snapshot is the slice of session state the deploy predicates read.
type Snapshot struct {
	Target     string
	AutoFlash  bool
	HasPortals bool
	HasSerial  bool
}

// ShouldDeployWeb reports whether a web preview should start.
func ShouldDeployWeb(s Snapshot) bool {
	return s.Target == spec.TargetWeb || s.Target == spec.TargetBoth
}

// ShouldDeployHardware reports whether firmware should be flashed.
func ShouldDeployHardware(s Snapshot) bool {
	return (s.Target == spec.TargetESP32 || s.Target == spec.TargetBoth) && s.AutoFlash
}

// ShouldInitializePortals reports whether declared portals must be opened
// before the executor runs.
func ShouldInitializePortals(s Snapshot) bool {
	return s.HasPortals
}

// ShouldDeployPortals reports whether deployment goes through a portal
// (hardware targets with a connected serial device).
func ShouldDeployPortals(s Snapshot) bool {
	return s.HasSerial && (s.Target == spec.TargetESP32 || s.Target == spec.TargetBoth)
}

// Handle is a running deployment that teardown must release.
type Handle interface {
	Close() error
}

// WebServer is a child process serving the workspace sources.
type WebServer struct {
	cmd  *exec.Cmd
	Port int
	URL  string
}

// StartWeb serves dir on the given port, picking a free one when port is 0.
func StartWeb(ctx context.Context, dir string, port int) (*WebServer, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("web root missing: %w", err)
	}
	if port == 0 {
		p, err := freePort()
		if err != nil {
			return nil, err
		}
		port = p
	}

	cmd := exec.CommandContext(ctx, "python3", "-m", "http.server", fmt.Sprintf("%d", port), "--bind", "127.0.0.1")
	cmd.Dir = dir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting web preview: %w", err)
	}

	ws := &WebServer{cmd: cmd, Port: port, URL: fmt.Sprintf("http://127.0.0.1:%d", port)}
	logging.Info("web preview started", "url", ws.URL, "pid", cmd.Process.Pid)
	return ws, nil
}

// Close stops the child process.
func (w *WebServer) Close() error {
	if w.cmd.Process == nil {
		return nil
	}
	if err := w.cmd.Process.Kill(); err != nil {
		return err
	}
	// Reap, ignoring the expected kill error.
	done := make(chan struct{})
	go func() {
		w.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// HardwareDeployer compiles and flashes firmware for hardware targets.
// Concrete drivers live outside the orchestrator.
type HardwareDeployer interface {
	Compile(ctx context.Context, workDir string) error
	Flash(ctx context.Context, workDir, device string) error
}

// RecordingDeployer is a HardwareDeployer that records invocations. It
// stands in when no real driver is wired.
type RecordingDeployer struct {
	Compiled []string
	Flashed  []string
	Err      error
}

func (r *RecordingDeployer) Compile(ctx context.Context, workDir string) error {
	r.Compiled = append(r.Compiled, workDir)
	return r.Err
}

func (r *RecordingDeployer) Flash(ctx context.Context, workDir, device string) error {
	r.Flashed = append(r.Flashed, workDir+":"+device)
	return r.Err
}

// Teardown closes every handle unconditionally, swallowing errors.
func Teardown(handles []Handle) {
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil {
			logging.Warn("deploy teardown", "error", err)
		}
	}
}

// relPath renders a watcher path relative to its root for event payloads.
func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
