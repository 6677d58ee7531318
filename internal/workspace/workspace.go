// Package workspace provisions and maintains the jailed build directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"elisa/internal/fileutil"
	"elisa/internal/logging"
	"elisa/internal/security"
)

// Restart modes.
const (
	ModeContinue = "continue"
	ModeClean    = "clean"
)

// MetaDir is the workspace metadata root.
const MetaDir = ".elisa"

// designFiles are preserved across builds regardless of restart mode.
var designFiles = map[string]bool{
	"workspace.json": true,
	"skills.json":    true,
	"rules.json":     true,
	"portals.json":   true,
	"nugget.json":    true,
}

// Manager owns one workspace directory and the jail around it.
type Manager struct {
	root      string
	validator *security.PathValidator
}

// NewManager creates a manager for the given root. The root does not need to
// exist yet.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return &Manager{root: abs, validator: security.NewPathValidator(abs)}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Resolve validates a path against the workspace jail.
func (m *Manager) Resolve(path string) (string, error) {
	return m.validator.Resolve(path)
}

// Directory accessors.
func (m *Manager) SrcDir() string     { return filepath.Join(m.root, "src") }
func (m *Manager) TestsDir() string   { return filepath.Join(m.root, "tests") }
func (m *Manager) CommsDir() string   { return filepath.Join(m.root, MetaDir, "comms") }
func (m *Manager) ContextDir() string { return filepath.Join(m.root, MetaDir, "context") }
func (m *Manager) StatusDir() string  { return filepath.Join(m.root, MetaDir, "status") }
func (m *Manager) LogsDir() string    { return filepath.Join(m.root, MetaDir, "logs") }

// Provision prepares the workspace for a build. Clean mode removes generated
// sources and metadata but never touches logs or design files. It reports
// whether the root directory was newly created.
func (m *Manager) Provision(mode string) (created bool, err error) {
	if _, statErr := os.Stat(m.root); os.IsNotExist(statErr) {
		created = true
	}

	if mode == ModeClean && !created {
		if err := m.clean(); err != nil {
			return created, err
		}
	}

	for _, dir := range []string{
		m.root,
		m.SrcDir(),
		m.TestsDir(),
		m.CommsDir(),
		m.ContextDir(),
		m.StatusDir(),
		m.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return created, fmt.Errorf("failed to create workspace directory: %w", err)
		}
	}

	logging.Info("workspace provisioned", "root", m.root, "mode", mode, "created", created)
	return created, nil
}

// clean removes src, tests, and the metadata directories, preserving logs and
// design files.
func (m *Manager) clean() error {
	for _, dir := range []string{
		m.SrcDir(),
		m.TestsDir(),
		m.CommsDir(),
		m.ContextDir(),
		m.StatusDir(),
	} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clean %s: %w", filepath.Base(dir), err)
		}
	}
	return nil
}

// StaleClean wipes the per-task metadata directories and recreates them.
// Called before each build and again before each agent dispatch so agents
// never see a predecessor's transient state. Logs, sources, tests, and
// design files are untouched.
func (m *Manager) StaleClean() error {
	for _, dir := range []string{m.CommsDir(), m.ContextDir(), m.StatusDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove stale metadata: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to recreate metadata directory: %w", err)
		}
	}
	return nil
}

// SaveDesignFile writes one of the preserved design documents atomically.
// Unknown names are rejected to keep the workspace root tidy.
func (m *Manager) SaveDesignFile(name string, data []byte) error {
	if !designFiles[name] {
		return fmt.Errorf("unknown design file %q", name)
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}
	return fileutil.AtomicWrite(filepath.Join(m.root, name), data, 0o644)
}

// LoadDesignFile reads one of the preserved design documents. A missing file
// yields (nil, nil).
func (m *Manager) LoadDesignFile(name string) ([]byte, error) {
	if !designFiles[name] {
		return nil, fmt.Errorf("unknown design file %q", name)
	}
	data, err := os.ReadFile(filepath.Join(m.root, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read design file: %w", err)
	}
	return data, nil
}

// DesignFileNames returns the preserved design document names.
func DesignFileNames() []string {
	return []string{"workspace.json", "skills.json", "rules.json", "portals.json", "nugget.json"}
}
