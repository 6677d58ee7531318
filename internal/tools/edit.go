package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"elisa/internal/client"
	"elisa/internal/security"
)

// EditTool replaces an exact substring in a workspace file.
type EditTool struct {
	validator *security.PathValidator
}

// NewEditTool creates a new EditTool jailed by the validator.
func NewEditTool(validator *security.PathValidator) *EditTool {
	return &EditTool{validator: validator}
}

func (t *EditTool) Name() string {
	return "Edit"
}

func (t *EditTool) Description() string {
	return "Replaces an exact occurrence of old_string with new_string in a file. old_string must match the file content exactly, including whitespace."
}

func (t *EditTool) Declaration() client.ToolSchema {
	return client.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path to the file to edit",
				},
				"old_string": map[string]any{
					"type":        "string",
					"description": "Exact text to replace",
				},
				"new_string": map[string]any{
					"type":        "string",
					"description": "Replacement text",
				},
				"replace_all": map[string]any{
					"type":        "boolean",
					"description": "Replace every occurrence instead of just the first",
				},
			},
			"required": []string{"file_path", "old_string", "new_string"},
		},
	}
}

func (t *EditTool) Validate(args map[string]any) error {
	if path, ok := GetString(args, "file_path"); !ok || path == "" {
		return NewValidationError("file_path", "is required")
	}
	if old, ok := GetString(args, "old_string"); !ok || old == "" {
		return NewValidationError("old_string", "is required")
	}
	if _, ok := GetString(args, "new_string"); !ok {
		return NewValidationError("new_string", "is required")
	}
	return nil
}

func (t *EditTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	path, _ := GetString(args, "file_path")
	oldString, _ := GetString(args, "old_string")
	newString, _ := GetString(args, "new_string")
	replaceAll := GetBoolDefault(args, "replace_all", false)

	resolved, err := t.validator.Resolve(path)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return NewErrorResult(fmt.Sprintf("file not found: %s", path)), nil
		}
		return NewErrorResult(fmt.Sprintf("error reading file: %s", err)), nil
	}

	content := string(data)
	updated, replacements, errMsg := applyEdit(content, oldString, newString, replaceAll)
	if errMsg != "" {
		return NewErrorResult(errMsg), nil
	}
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return NewErrorResult(fmt.Sprintf("error writing file: %s", err)), nil
	}

	return NewSuccessResult(fmt.Sprintf("Replaced %d occurrence(s) in %s\n%s",
		replacements, path, changeSummary(content, updated))), nil
}

// applyEdit performs one edit against content. It returns the new content,
// the replacement count, and a failure message when the match is missing.
func applyEdit(content, oldString, newString string, replaceAll bool) (string, int, string) {
	count := strings.Count(content, oldString)
	if count == 0 {
		return "", 0, "String not found in file"
	}
	if replaceAll {
		return strings.ReplaceAll(content, oldString, newString), count, ""
	}
	return strings.Replace(content, oldString, newString, 1), 1, ""
}

// changeSummary describes an edit as added/removed line counts.
func changeSummary(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	added, removed := 0, 0
	for _, d := range diffs {
		lines := strings.Count(d.Text, "\n")
		if lines == 0 && strings.TrimSpace(d.Text) != "" {
			lines = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += lines
		case diffmatchpatch.DiffDelete:
			removed += lines
		}
	}
	return fmt.Sprintf("(+%d/-%d lines)", added, removed)
}

// MultiEditTool applies a sequence of edits to one file. Edits run in order
// against the evolving content; the first missing match fails the whole
// call and nothing is written.
type MultiEditTool struct {
	validator *security.PathValidator
}

// NewMultiEditTool creates a new MultiEditTool jailed by the validator.
func NewMultiEditTool(validator *security.PathValidator) *MultiEditTool {
	return &MultiEditTool{validator: validator}
}

func (t *MultiEditTool) Name() string {
	return "MultiEdit"
}

func (t *MultiEditTool) Description() string {
	return "Applies multiple edits to a single file in order. Each edit operates on the result of the previous one; if any old_string is missing the whole call fails and the file is unchanged."
}

func (t *MultiEditTool) Declaration() client.ToolSchema {
	return client.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path to the file to edit",
				},
				"edits": map[string]any{
					"type":        "array",
					"description": "Ordered list of edits",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"old_string":  map[string]any{"type": "string"},
							"new_string":  map[string]any{"type": "string"},
							"replace_all": map[string]any{"type": "boolean"},
						},
						"required": []string{"old_string", "new_string"},
					},
				},
			},
			"required": []string{"file_path", "edits"},
		},
	}
}

func (t *MultiEditTool) Validate(args map[string]any) error {
	if path, ok := GetString(args, "file_path"); !ok || path == "" {
		return NewValidationError("file_path", "is required")
	}
	edits, ok := args["edits"].([]any)
	if !ok || len(edits) == 0 {
		return NewValidationError("edits", "must be a non-empty array")
	}
	return nil
}

func (t *MultiEditTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	path, _ := GetString(args, "file_path")
	rawEdits, _ := args["edits"].([]any)

	resolved, err := t.validator.Resolve(path)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return NewErrorResult(fmt.Sprintf("file not found: %s", path)), nil
		}
		return NewErrorResult(fmt.Sprintf("error reading file: %s", err)), nil
	}

	original := string(data)
	content := original
	for i, raw := range rawEdits {
		edit, ok := raw.(map[string]any)
		if !ok {
			return NewErrorResult(fmt.Sprintf("edit %d is not an object", i+1)), nil
		}
		oldString, _ := GetString(edit, "old_string")
		newString, _ := GetString(edit, "new_string")
		replaceAll := GetBoolDefault(edit, "replace_all", false)
		if oldString == "" {
			return NewErrorResult(fmt.Sprintf("edit %d: old_string is required", i+1)), nil
		}

		updated, _, errMsg := applyEdit(content, oldString, newString, replaceAll)
		if errMsg != "" {
			return NewErrorResult(fmt.Sprintf("edit %d: %s", i+1, errMsg)), nil
		}
		content = updated
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return NewErrorResult(fmt.Sprintf("error writing file: %s", err)), nil
	}
	return NewSuccessResult(fmt.Sprintf("Applied %d edits to %s\n%s",
		len(rawEdits), path, changeSummary(original, content))), nil
}
