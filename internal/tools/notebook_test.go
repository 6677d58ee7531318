package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleNotebook = `{
 "cells": [
  {"cell_type": "markdown", "metadata": {}, "source": ["# Title\n"]},
  {"cell_type": "code", "execution_count": null, "metadata": {}, "outputs": [], "source": ["print('hi')\n"]}
 ],
 "metadata": {},
 "nbformat": 4,
 "nbformat_minor": 5
}`

func TestNotebookRead(t *testing.T) {
	dir, v := newJail(t)
	write(t, filepath.Join(dir, "nb.ipynb"), sampleNotebook)
	tool := NewNotebookReadTool(v)

	res, err := tool.Execute(context.Background(), map[string]any{"notebook_path": "nb.ipynb"})
	if err != nil || !res.Success {
		t.Fatalf("result = %+v, err = %v", res, err)
	}
	if !strings.Contains(res.Content, "Cell 0 (markdown)") || !strings.Contains(res.Content, "# Title") {
		t.Errorf("content = %q", res.Content)
	}
	if !strings.Contains(res.Content, "Cell 1 (code)") || !strings.Contains(res.Content, "print('hi')") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestNotebookEditReplaceInsertDelete(t *testing.T) {
	dir, v := newJail(t)
	path := filepath.Join(dir, "nb.ipynb")
	write(t, path, sampleNotebook)
	tool := NewNotebookEditTool(v)

	res, err := tool.Execute(context.Background(), map[string]any{
		"notebook_path": "nb.ipynb",
		"cell_index":    float64(1),
		"new_source":    "print('updated')\n",
	})
	if err != nil || !res.Success {
		t.Fatalf("replace result = %+v, err = %v", res, err)
	}

	res, err = tool.Execute(context.Background(), map[string]any{
		"notebook_path": "nb.ipynb",
		"cell_index":    float64(2),
		"new_source":    "x = 2\n",
		"edit_mode":     "insert",
	})
	if err != nil || !res.Success {
		t.Fatalf("insert result = %+v, err = %v", res, err)
	}

	res, err = tool.Execute(context.Background(), map[string]any{
		"notebook_path": "nb.ipynb",
		"cell_index":    float64(0),
		"edit_mode":     "delete",
	})
	if err != nil || !res.Success {
		t.Fatalf("delete result = %+v, err = %v", res, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var nb struct {
		Cells []struct {
			CellType string   `json:"cell_type"`
			Source   []string `json:"source"`
		} `json:"cells"`
		NBFormat int `json:"nbformat"`
	}
	if err := json.Unmarshal(data, &nb); err != nil {
		t.Fatalf("saved notebook is not valid JSON: %v", err)
	}
	if nb.NBFormat != 4 {
		t.Errorf("nbformat = %d, want preserved 4", nb.NBFormat)
	}
	if len(nb.Cells) != 2 {
		t.Fatalf("got %d cells, want 2", len(nb.Cells))
	}
	if got := strings.Join(nb.Cells[0].Source, ""); got != "print('updated')\n" {
		t.Errorf("cell 0 = %q", got)
	}
	if got := strings.Join(nb.Cells[1].Source, ""); got != "x = 2\n" {
		t.Errorf("cell 1 = %q", got)
	}
	if nb.Cells[1].CellType != "code" {
		t.Errorf("inserted cell type = %q", nb.Cells[1].CellType)
	}
}

func TestNotebookEditOutOfRange(t *testing.T) {
	dir, v := newJail(t)
	write(t, filepath.Join(dir, "nb.ipynb"), sampleNotebook)
	tool := NewNotebookEditTool(v)

	res, err := tool.Execute(context.Background(), map[string]any{
		"notebook_path": "nb.ipynb",
		"cell_index":    float64(9),
		"new_source":    "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Error, "out of range") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistrySchemas(t *testing.T) {
	dir := t.TempDir()
	r := NewDefaultRegistry(dir)

	want := []string{"Read", "Write", "Edit", "MultiEdit", "Glob", "Grep", "LS", "Bash", "NotebookRead", "NotebookEdit"}
	names := r.Names()
	if len(names) != len(want) {
		t.Fatalf("registered tools = %v", names)
	}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("names[%d] = %q, want %q", i, names[i], name)
		}
	}

	schemas := r.Schemas([]string{"Read", "Bash"})
	if len(schemas) != 2 || schemas[0].Name != "Read" || schemas[1].Name != "Bash" {
		t.Errorf("filtered schemas = %+v", schemas)
	}
	if len(r.Schemas(nil)) != len(want) {
		t.Errorf("unfiltered schemas = %d, want %d", len(r.Schemas(nil)), len(want))
	}

	if _, err := r.Get("Teleport"); err == nil {
		t.Error("unknown tool lookup succeeded")
	}
}
