package security

import (
	"fmt"
	"regexp"
	"strings"
)

// blockRule pairs a detection regex with the reason reported to the model.
// Agents work offline inside the jail: network clients, remote VCS writes,
// package installers, and environment leakage are all rejected.
type blockRule struct {
	pattern *regexp.Regexp
	reason  string
}

var blockRules = []blockRule{
	// Network clients.
	{regexp.MustCompile(`(^|[\s;&|])(curl|wget|ssh|scp|nc|ncat|telnet)\b`), "network access is not allowed"},
	// Remote VCS writes.
	{regexp.MustCompile(`\bgit\s+(push|remote)\b`), "remote git operations are not allowed"},
	// Package installers.
	{regexp.MustCompile(`\bpip3?\s+install\b`), "package installation is not allowed"},
	{regexp.MustCompile(`\bnpm\s+(install|i)\b`), "package installation is not allowed"},
	{regexp.MustCompile(`\byarn\s+(add|install)\b`), "package installation is not allowed"},
	// Environment leakage.
	{regexp.MustCompile(`(^|[\s;&|])(env|printenv)\b`), "environment inspection is not allowed"},
	{regexp.MustCompile(`(^|[\s;&|])export\b`), "environment modification is not allowed"},
	{regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*[^}]*\}`), "environment expansion is not allowed"},
	{regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`), "environment expansion is not allowed"},
	// Destructive filesystem operations.
	{regexp.MustCompile(`\brm\s+(-[rRf]+\s+)+/(\s|$|\*)`), "destructive filesystem operation"},
	{regexp.MustCompile(`\bmkfs\b|\bmkfs\.`), "destructive disk operation"},
	{regexp.MustCompile(`\bdd\s+.*of=/dev/`), "destructive disk operation"},
	// Fork bombs.
	{regexp.MustCompile(`:\s*\(\s*\)\s*\{`), "fork bomb"},
}

// ValidationResult is the outcome of screening one command.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// ValidateCommand checks a command against the blocklist. The returned
// reason is safe to hand back to the model verbatim.
func ValidateCommand(command string) ValidationResult {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return ValidationResult{Valid: false, Reason: "empty command"}
	}
	for _, rule := range blockRules {
		if rule.pattern.MatchString(trimmed) {
			return ValidationResult{Valid: false, Reason: rule.reason}
		}
	}
	return ValidationResult{Valid: true}
}

// BlockedError formats the tool-facing error for a rejected command.
func BlockedError(result ValidationResult) string {
	return fmt.Sprintf("Command blocked by security policy: %s", result.Reason)
}
