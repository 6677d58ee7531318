package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"elisa/internal/client"
	"elisa/internal/security"
)

const (
	// grepMatchCap bounds the number of matching lines returned.
	grepMatchCap = 200
	// grepMaxLineLen truncates very long matching lines.
	grepMaxLineLen = 500
)

// GrepTool searches workspace file contents with a regular expression.
type GrepTool struct {
	workDir   string
	validator *security.PathValidator
}

// NewGrepTool creates a new GrepTool rooted at workDir.
func NewGrepTool(workDir string, validator *security.PathValidator) *GrepTool {
	return &GrepTool{workDir: workDir, validator: validator}
}

func (t *GrepTool) Name() string {
	return "Grep"
}

func (t *GrepTool) Description() string {
	return "Searches file contents with a regular expression. Returns matching lines as path:line:text. Use include to filter by filename glob."
}

func (t *GrepTool) Declaration() client.ToolSchema {
	return client.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Regular expression to search for",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to search in (default: workspace root)",
				},
				"include": map[string]any{
					"type":        "string",
					"description": "Filename glob filter, e.g. *.py",
				},
			},
			"required": []string{"pattern"},
		},
	}
}

func (t *GrepTool) Validate(args map[string]any) error {
	pattern, ok := GetString(args, "pattern")
	if !ok || pattern == "" {
		return NewValidationError("pattern", "is required")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return NewValidationError("pattern", fmt.Sprintf("invalid regular expression: %s", err))
	}
	return nil
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	pattern, _ := GetString(args, "pattern")
	base := GetStringDefault(args, "path", t.workDir)
	include := GetStringDefault(args, "include", "")

	re, err := regexp.Compile(pattern)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("invalid regular expression: %s", err)), nil
	}
	resolvedBase, err := t.validator.Resolve(base)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}

	var matches []string
	truncated := false
	filepath.WalkDir(resolvedBase, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if name == ".git" || name == "node_modules" || strings.HasPrefix(name, ".elisa") {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := doublestar.Match(include, name); !ok {
				return nil
			}
		}
		if truncated {
			return filepath.SkipAll
		}

		rel, err := filepath.Rel(t.workDir, path)
		if err != nil {
			rel = path
		}
		file, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if !re.MatchString(line) {
				continue
			}
			if len(line) > grepMaxLineLen {
				line = line[:grepMaxLineLen] + "..."
			}
			matches = append(matches, fmt.Sprintf("%s:%d:%s", filepath.ToSlash(rel), lineNum, line))
			if len(matches) >= grepMatchCap {
				truncated = true
				return filepath.SkipAll
			}
		}
		return nil
	})

	if len(matches) == 0 {
		return NewSuccessResult("No matches found"), nil
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n[Showing first %d matches]", grepMatchCap)
	}
	return NewSuccessResult(out), nil
}
