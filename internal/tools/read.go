package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"elisa/internal/client"
	"elisa/internal/security"
)

const (
	// readDefaultLimit is the maximum number of lines returned per call.
	readDefaultLimit = 2000
	// readMaxLineLen truncates pathological single lines.
	readMaxLineLen = 2000
)

// ReadTool reads workspace files and returns their contents with line
// numbers.
type ReadTool struct {
	validator *security.PathValidator
}

// NewReadTool creates a new ReadTool jailed by the validator.
func NewReadTool(validator *security.PathValidator) *ReadTool {
	return &ReadTool{validator: validator}
}

func (t *ReadTool) Name() string {
	return "Read"
}

func (t *ReadTool) Description() string {
	return "Reads a file from the workspace and returns its contents with line numbers (cat -n style). Use offset and limit for large files."
}

func (t *ReadTool) Declaration() client.ToolSchema {
	return client.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path to the file, relative to the workspace or absolute within it",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "Line number to start reading from (1-indexed)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to read (default 2000)",
				},
			},
			"required": []string{"file_path"},
		},
	}
}

func (t *ReadTool) Validate(args map[string]any) error {
	if path, ok := GetString(args, "file_path"); !ok || path == "" {
		return NewValidationError("file_path", "is required")
	}
	return nil
}

func (t *ReadTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	path, _ := GetString(args, "file_path")
	resolved, err := t.validator.Resolve(path)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return NewErrorResult(fmt.Sprintf("file not found: %s", path)), nil
		}
		return NewErrorResult(fmt.Sprintf("error accessing file: %s", err)), nil
	}
	if info.IsDir() {
		return NewErrorResult(fmt.Sprintf("%s is a directory, not a file", path)), nil
	}

	offset := GetIntDefault(args, "offset", 1)
	limit := GetIntDefault(args, "limit", readDefaultLimit)
	if offset < 1 {
		offset = 1
	}
	if limit <= 0 {
		limit = readDefaultLimit
	}

	file, err := os.Open(resolved)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("error opening file: %s", err)), nil
	}
	defer file.Close()

	var builder strings.Builder
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	lineNum := 0
	linesRead := 0
	for scanner.Scan() {
		lineNum++
		if lineNum < offset {
			continue
		}
		if linesRead >= limit {
			break
		}
		line := scanner.Text()
		if len(line) > readMaxLineLen {
			line = line[:readMaxLineLen] + "..."
		}
		fmt.Fprintf(&builder, "%6d\t%s\n", lineNum, line)
		linesRead++
	}
	if err := scanner.Err(); err != nil {
		return NewErrorResult(fmt.Sprintf("error reading file: %s", err)), nil
	}

	content := builder.String()
	if content == "" {
		if offset > 1 && lineNum > 0 {
			content = fmt.Sprintf("(offset %d is beyond end of file, file has %d lines)", offset, lineNum)
		} else {
			content = "(empty file)"
		}
	}
	return NewSuccessResult(content), nil
}
