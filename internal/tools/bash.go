package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"elisa/internal/client"
	"elisa/internal/logging"
	"elisa/internal/security"
)

// DefaultBashTimeout bounds a single shell command.
const DefaultBashTimeout = 30 * time.Second

// maxBashTimeout caps model-requested timeouts.
const maxBashTimeout = 120 * time.Second

// BashTool runs shell commands inside the workspace with a stripped
// environment. Commands are screened against the security blocklist before
// execution.
type BashTool struct {
	workDir string
	timeout time.Duration
}

// NewBashTool creates a BashTool running in workDir. A non-positive timeout
// falls back to the default.
func NewBashTool(workDir string, timeout time.Duration) *BashTool {
	if timeout <= 0 {
		timeout = DefaultBashTimeout
	}
	return &BashTool{workDir: workDir, timeout: timeout}
}

func (t *BashTool) Name() string {
	return "Bash"
}

func (t *BashTool) Description() string {
	return "Runs a shell command in the workspace directory. Network access, package installation, remote git operations, and environment variable access are blocked."
}

func (t *BashTool) Declaration() client.ToolSchema {
	return client.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to run",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (default 30, max 120)",
				},
			},
			"required": []string{"command"},
		},
	}
}

func (t *BashTool) Validate(args map[string]any) error {
	if command, ok := GetString(args, "command"); !ok || strings.TrimSpace(command) == "" {
		return NewValidationError("command", "is required")
	}
	return nil
}

func (t *BashTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	command, _ := GetString(args, "command")

	if result := security.ValidateCommand(command); !result.Valid {
		logging.Warn("command blocked", "command", command, "reason", result.Reason)
		return NewErrorResult(security.BlockedError(result)), nil
	}

	timeout := t.timeout
	if secs, ok := GetInt(args, "timeout"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > maxBashTimeout {
			timeout = maxBashTimeout
		}
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "bash", "-c", command)
	cmd.Dir = t.workDir
	// Only PATH crosses into the child; everything else in the host
	// environment stays invisible to agent commands.
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return NewErrorResult(fmt.Sprintf("Command timed out after %s", timeout)), nil
	}
	if err != nil {
		msg := fmt.Sprintf("Command failed: %s", err)
		if output != "" {
			msg += "\n" + output
		}
		return NewErrorResult(msg), nil
	}
	if output == "" {
		output = "(no output)"
	}
	return NewSuccessResult(output), nil
}
