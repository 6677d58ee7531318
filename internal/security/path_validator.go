// Package security guards the workspace jail: every path an agent tool
// touches must resolve inside the session workspace, and shell commands are
// screened against a blocklist before execution.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a path resolves outside the jail root.
var ErrPathEscape = errors.New("PATH_ESCAPE")

// PathValidator validates file paths against a single jail root.
type PathValidator struct {
	root string
}

// NewPathValidator creates a validator jailed to root.
func NewPathValidator(root string) *PathValidator {
	return &PathValidator{root: filepath.Clean(root)}
}

// Root returns the jail root.
func (v *PathValidator) Root() string {
	return v.root
}

// Resolve validates that path is safe and lies within the jail. Relative
// paths are resolved against the jail root. Symlinks are resolved before the
// containment check to close TOCTOU holes; for not-yet-existing files the
// nearest existing ancestor is resolved instead.
func (v *PathValidator) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.Contains(path, "\x00") {
		return "", fmt.Errorf("null byte in path")
	}

	abs := filepath.Clean(path)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(v.root, abs)
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", err
	}

	rootResolved, err := filepath.EvalSymlinks(v.root)
	if err != nil {
		rootResolved = v.root
	}
	if !within(resolved, rootResolved) && !within(resolved, v.root) {
		return "", fmt.Errorf("%w: path %q escapes working directory", ErrPathEscape, path)
	}
	return abs, nil
}

// resolveExisting resolves symlinks for the deepest existing prefix of abs
// and rejoins the non-existing suffix.
func resolveExisting(abs string) (string, error) {
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	dir := abs
	var suffix []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		suffix = append([]string{filepath.Base(dir)}, suffix...)
		dir = parent
		resolvedDir, derr := filepath.EvalSymlinks(dir)
		if derr == nil {
			return filepath.Join(append([]string{resolvedDir}, suffix...)...), nil
		}
		if !os.IsNotExist(derr) {
			return "", fmt.Errorf("failed to resolve parent path: %w", derr)
		}
	}
}

// within reports whether target is base or lies under base.
func within(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
