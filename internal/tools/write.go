package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"elisa/internal/client"
	"elisa/internal/security"
)

// WriteTool writes a file inside the workspace, creating parent directories
// as needed.
type WriteTool struct {
	validator *security.PathValidator
}

// NewWriteTool creates a new WriteTool jailed by the validator.
func NewWriteTool(validator *security.PathValidator) *WriteTool {
	return &WriteTool{validator: validator}
}

func (t *WriteTool) Name() string {
	return "Write"
}

func (t *WriteTool) Description() string {
	return "Writes content to a file in the workspace, overwriting if it exists. Parent directories are created automatically."
}

func (t *WriteTool) Declaration() client.ToolSchema {
	return client.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path to the file to write",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The full content to write",
				},
			},
			"required": []string{"file_path", "content"},
		},
	}
}

func (t *WriteTool) Validate(args map[string]any) error {
	if path, ok := GetString(args, "file_path"); !ok || path == "" {
		return NewValidationError("file_path", "is required")
	}
	if _, ok := GetString(args, "content"); !ok {
		return NewValidationError("content", "is required")
	}
	return nil
}

func (t *WriteTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	path, _ := GetString(args, "file_path")
	content, _ := GetString(args, "content")

	resolved, err := t.validator.Resolve(path)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return NewErrorResult(fmt.Sprintf("error creating parent directories: %s", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return NewErrorResult(fmt.Sprintf("error writing file: %s", err)), nil
	}
	return NewSuccessResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path)), nil
}
