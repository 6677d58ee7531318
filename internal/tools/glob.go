package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"elisa/internal/client"
	"elisa/internal/security"
)

// globResultCap bounds the number of matches returned to the model.
const globResultCap = 500

// GlobTool finds workspace files matching a glob pattern, ** included.
type GlobTool struct {
	workDir   string
	validator *security.PathValidator
}

// NewGlobTool creates a new GlobTool rooted at workDir.
func NewGlobTool(workDir string, validator *security.PathValidator) *GlobTool {
	return &GlobTool{workDir: workDir, validator: validator}
}

func (t *GlobTool) Name() string {
	return "Glob"
}

func (t *GlobTool) Description() string {
	return "Finds files matching a glob pattern (supports ** for recursive matching). Returns workspace-relative paths sorted by modification time, newest first."
}

func (t *GlobTool) Declaration() client.ToolSchema {
	return client.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern, e.g. src/**/*.py",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to search in (default: workspace root)",
				},
			},
			"required": []string{"pattern"},
		},
	}
}

func (t *GlobTool) Validate(args map[string]any) error {
	if pattern, ok := GetString(args, "pattern"); !ok || pattern == "" {
		return NewValidationError("pattern", "is required")
	}
	return nil
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	pattern, _ := GetString(args, "pattern")
	base := GetStringDefault(args, "path", t.workDir)

	resolvedBase, err := t.validator.Resolve(base)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}

	matches, err := doublestar.Glob(os.DirFS(resolvedBase), pattern)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("invalid glob pattern: %s", err)), nil
	}

	type match struct {
		path    string
		modTime int64
	}
	var files []match
	for _, m := range matches {
		full := filepath.Join(resolvedBase, filepath.FromSlash(m))
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(t.workDir, full)
		if err != nil {
			rel = m
		}
		files = append(files, match{path: filepath.ToSlash(rel), modTime: info.ModTime().UnixNano()})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime != files[j].modTime {
			return files[i].modTime > files[j].modTime
		}
		return files[i].path < files[j].path
	})
	if len(files) > globResultCap {
		files = files[:globResultCap]
	}

	if len(files) == 0 {
		return NewSuccessResult("No files matched the pattern"), nil
	}
	var paths []string
	for _, f := range files {
		paths = append(paths, f.path)
	}
	return NewSuccessResult(strings.Join(paths, "\n")), nil
}
