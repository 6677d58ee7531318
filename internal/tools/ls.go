package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"elisa/internal/client"
	"elisa/internal/security"
)

// LSTool lists a workspace directory.
type LSTool struct {
	workDir   string
	validator *security.PathValidator
}

// NewLSTool creates a new LSTool rooted at workDir.
func NewLSTool(workDir string, validator *security.PathValidator) *LSTool {
	return &LSTool{workDir: workDir, validator: validator}
}

func (t *LSTool) Name() string {
	return "LS"
}

func (t *LSTool) Description() string {
	return "Lists files and directories at a path. Directories are suffixed with a slash."
}

func (t *LSTool) Declaration() client.ToolSchema {
	return client.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to list (default: workspace root)",
				},
			},
		},
	}
}

func (t *LSTool) Validate(args map[string]any) error {
	return nil
}

func (t *LSTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	path := GetStringDefault(args, "path", t.workDir)
	resolved, err := t.validator.Resolve(path)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return NewErrorResult(fmt.Sprintf("directory not found: %s", path)), nil
		}
		return NewErrorResult(fmt.Sprintf("error listing directory: %s", err)), nil
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return NewSuccessResult("(empty directory)"), nil
	}
	return NewSuccessResult(strings.Join(names, "\n")), nil
}
