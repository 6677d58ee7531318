// Package portal connects external-world capabilities to a build session:
// MCP servers whose tools join the agent tool surface, serial devices, and
// local CLI bridges.
package portal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"elisa/internal/logging"
	"elisa/internal/spec"
)

// Portal kinds.
const (
	KindSerial = "serial"
	KindMCP    = "mcp"
	KindCLI    = "cli"
)

// Handle is one opened portal.
type Handle interface {
	Name() string
	Kind() string
	Close() error
}

// Manager opens portals from the spec and owns their lifecycle.
type Manager struct {
	mu      sync.Mutex
	handles []Handle
}

// NewManager creates an empty portal manager.
func NewManager() *Manager {
	return &Manager{}
}

// Initialize opens every declared portal. Handles opened before a failure
// stay registered so Teardown can release them.
func (m *Manager) Initialize(ctx context.Context, portals []spec.Portal) error {
	for _, p := range portals {
		h, err := open(ctx, p)
		if err != nil {
			return fmt.Errorf("opening portal %q: %w", p.Name, err)
		}
		m.mu.Lock()
		m.handles = append(m.handles, h)
		m.mu.Unlock()
		logging.Info("portal opened", "portal", p.Name, "kind", p.Kind)
	}
	return nil
}

func open(ctx context.Context, p spec.Portal) (Handle, error) {
	switch strings.ToLower(p.Kind) {
	case KindSerial:
		return openSerial(p)
	case KindMCP:
		return openMCP(ctx, p)
	case KindCLI:
		return newCLI(p), nil
	default:
		return nil, fmt.Errorf("unknown portal kind %q", p.Kind)
	}
}

// Handles returns the currently open handles.
func (m *Manager) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Handle(nil), m.handles...)
}

// HasSerial reports whether any serial portal is open.
func (m *Manager) HasSerial() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		if h.Kind() == KindSerial {
			return true
		}
	}
	return false
}

// CloseSerial releases serial handles only, freeing the device promptly.
func (m *Manager) CloseSerial() {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.handles[:0]
	for _, h := range m.handles {
		if h.Kind() != KindSerial {
			kept = append(kept, h)
			continue
		}
		if err := h.Close(); err != nil {
			logging.Warn("closing serial portal", "portal", h.Name(), "error", err)
		}
	}
	m.handles = kept
}

// Teardown closes every handle unconditionally, swallowing errors.
func (m *Manager) Teardown() {
	m.mu.Lock()
	handles := m.handles
	m.handles = nil
	m.mu.Unlock()
	for _, h := range handles {
		if err := h.Close(); err != nil {
			logging.Warn("closing portal", "portal", h.Name(), "error", err)
		}
	}
}

// SerialPortal is an opened serial device.
type SerialPortal struct {
	name string
	dev  *os.File
}

func openSerial(p spec.Portal) (*SerialPortal, error) {
	if p.Endpoint == "" {
		return nil, fmt.Errorf("serial portal has no device path")
	}
	dev, err := os.OpenFile(p.Endpoint, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &SerialPortal{name: p.Name, dev: dev}, nil
}

func (s *SerialPortal) Name() string { return s.name }
func (s *SerialPortal) Kind() string { return KindSerial }
func (s *SerialPortal) Close() error { return s.dev.Close() }

// Write sends raw bytes to the device.
func (s *SerialPortal) Write(data []byte) (int, error) {
	return s.dev.Write(data)
}

// CLIPortal runs a local command bridge on demand.
type CLIPortal struct {
	name    string
	command string
}

func newCLI(p spec.Portal) *CLIPortal {
	return &CLIPortal{name: p.Name, command: p.Endpoint}
}

func (c *CLIPortal) Name() string { return c.name }
func (c *CLIPortal) Kind() string { return KindCLI }
func (c *CLIPortal) Close() error { return nil }

// Run executes the bridge command with extra arguments and returns the
// combined output.
func (c *CLIPortal) Run(ctx context.Context, args ...string) (string, error) {
	parts := strings.Fields(c.command)
	if len(parts) == 0 {
		return "", fmt.Errorf("cli portal %q has no command", c.name)
	}
	cmd := exec.CommandContext(ctx, parts[0], append(parts[1:], args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
