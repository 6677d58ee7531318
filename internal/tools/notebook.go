package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"elisa/internal/client"
	"elisa/internal/security"
)

// notebook is the subset of the ipynb format the tools touch. Unknown
// top-level fields survive round trips through Raw.
type notebook struct {
	Cells []notebookCell `json:"cells"`
	Raw   map[string]json.RawMessage
}

type notebookCell struct {
	CellType string   `json:"cell_type"`
	Source   []string `json:"source"`
	Raw      map[string]json.RawMessage
}

func loadNotebook(path string) (*notebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid notebook JSON: %w", err)
	}

	nb := &notebook{Raw: raw}
	var rawCells []map[string]json.RawMessage
	if cellsData, ok := raw["cells"]; ok {
		if err := json.Unmarshal(cellsData, &rawCells); err != nil {
			return nil, fmt.Errorf("invalid notebook cells: %w", err)
		}
	}
	for _, rc := range rawCells {
		cell := notebookCell{Raw: rc}
		if ct, ok := rc["cell_type"]; ok {
			json.Unmarshal(ct, &cell.CellType)
		}
		if src, ok := rc["source"]; ok {
			if err := json.Unmarshal(src, &cell.Source); err != nil {
				// Some writers emit source as a single string.
				var s string
				if json.Unmarshal(src, &s) == nil {
					cell.Source = []string{s}
				}
			}
		}
		nb.Cells = append(nb.Cells, cell)
	}
	return nb, nil
}

func (nb *notebook) save(path string) error {
	cells := make([]map[string]json.RawMessage, 0, len(nb.Cells))
	for _, cell := range nb.Cells {
		rc := cell.Raw
		if rc == nil {
			rc = map[string]json.RawMessage{
				"metadata": json.RawMessage("{}"),
			}
			if cell.CellType == "code" {
				rc["outputs"] = json.RawMessage("[]")
				rc["execution_count"] = json.RawMessage("null")
			}
		}
		ctData, err := json.Marshal(cell.CellType)
		if err != nil {
			return err
		}
		rc["cell_type"] = ctData
		srcData, err := json.Marshal(cell.Source)
		if err != nil {
			return err
		}
		rc["source"] = srcData
		cells = append(cells, rc)
	}

	cellsData, err := json.Marshal(cells)
	if err != nil {
		return err
	}
	if nb.Raw == nil {
		nb.Raw = map[string]json.RawMessage{
			"metadata":       json.RawMessage("{}"),
			"nbformat":       json.RawMessage("4"),
			"nbformat_minor": json.RawMessage("5"),
		}
	}
	nb.Raw["cells"] = cellsData

	out, err := json.MarshalIndent(nb.Raw, "", " ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0o644)
}

func (c notebookCell) text() string {
	return strings.Join(c.Source, "")
}

// NotebookReadTool returns a Jupyter notebook's cells with indexes.
type NotebookReadTool struct {
	validator *security.PathValidator
}

// NewNotebookReadTool creates a new NotebookReadTool jailed by the validator.
func NewNotebookReadTool(validator *security.PathValidator) *NotebookReadTool {
	return &NotebookReadTool{validator: validator}
}

func (t *NotebookReadTool) Name() string {
	return "NotebookRead"
}

func (t *NotebookReadTool) Description() string {
	return "Reads a Jupyter notebook (.ipynb) and returns its cells with indexes and cell types."
}

func (t *NotebookReadTool) Declaration() client.ToolSchema {
	return client.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"notebook_path": map[string]any{
					"type":        "string",
					"description": "Path to the .ipynb file",
				},
			},
			"required": []string{"notebook_path"},
		},
	}
}

func (t *NotebookReadTool) Validate(args map[string]any) error {
	if path, ok := GetString(args, "notebook_path"); !ok || path == "" {
		return NewValidationError("notebook_path", "is required")
	}
	return nil
}

func (t *NotebookReadTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	path, _ := GetString(args, "notebook_path")
	resolved, err := t.validator.Resolve(path)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}

	nb, err := loadNotebook(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return NewErrorResult(fmt.Sprintf("notebook not found: %s", path)), nil
		}
		return NewErrorResult(fmt.Sprintf("error reading notebook: %s", err)), nil
	}

	if len(nb.Cells) == 0 {
		return NewSuccessResult("(empty notebook)"), nil
	}
	var builder strings.Builder
	for i, cell := range nb.Cells {
		fmt.Fprintf(&builder, "--- Cell %d (%s) ---\n%s\n", i, cell.CellType, cell.text())
	}
	return NewSuccessResult(builder.String()), nil
}

// NotebookEditTool replaces, inserts, or deletes one notebook cell.
type NotebookEditTool struct {
	validator *security.PathValidator
}

// NewNotebookEditTool creates a new NotebookEditTool jailed by the validator.
func NewNotebookEditTool(validator *security.PathValidator) *NotebookEditTool {
	return &NotebookEditTool{validator: validator}
}

func (t *NotebookEditTool) Name() string {
	return "NotebookEdit"
}

func (t *NotebookEditTool) Description() string {
	return "Edits a Jupyter notebook cell by index. edit_mode is replace (default), insert (new cell at index), or delete."
}

func (t *NotebookEditTool) Declaration() client.ToolSchema {
	return client.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"notebook_path": map[string]any{
					"type":        "string",
					"description": "Path to the .ipynb file",
				},
				"cell_index": map[string]any{
					"type":        "integer",
					"description": "Index of the cell to edit (0-based)",
				},
				"new_source": map[string]any{
					"type":        "string",
					"description": "New source for the cell",
				},
				"cell_type": map[string]any{
					"type":        "string",
					"description": "Cell type for inserts: code or markdown (default code)",
				},
				"edit_mode": map[string]any{
					"type":        "string",
					"description": "replace, insert, or delete (default replace)",
				},
			},
			"required": []string{"notebook_path", "cell_index"},
		},
	}
}

func (t *NotebookEditTool) Validate(args map[string]any) error {
	if path, ok := GetString(args, "notebook_path"); !ok || path == "" {
		return NewValidationError("notebook_path", "is required")
	}
	if _, ok := GetInt(args, "cell_index"); !ok {
		return NewValidationError("cell_index", "is required")
	}
	mode := GetStringDefault(args, "edit_mode", "replace")
	switch mode {
	case "replace", "insert", "delete":
	default:
		return NewValidationError("edit_mode", "must be replace, insert, or delete")
	}
	if mode != "delete" {
		if _, ok := GetString(args, "new_source"); !ok {
			return NewValidationError("new_source", "is required")
		}
	}
	return nil
}

func (t *NotebookEditTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	path, _ := GetString(args, "notebook_path")
	index, _ := GetInt(args, "cell_index")
	newSource, _ := GetString(args, "new_source")
	cellType := GetStringDefault(args, "cell_type", "code")
	mode := GetStringDefault(args, "edit_mode", "replace")

	resolved, err := t.validator.Resolve(path)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}
	nb, err := loadNotebook(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return NewErrorResult(fmt.Sprintf("notebook not found: %s", path)), nil
		}
		return NewErrorResult(fmt.Sprintf("error reading notebook: %s", err)), nil
	}

	switch mode {
	case "replace":
		if index < 0 || index >= len(nb.Cells) {
			return NewErrorResult(fmt.Sprintf("cell index %d out of range (notebook has %d cells)", index, len(nb.Cells))), nil
		}
		nb.Cells[index].Source = splitSource(newSource)
	case "insert":
		if index < 0 || index > len(nb.Cells) {
			return NewErrorResult(fmt.Sprintf("cell index %d out of range for insert (notebook has %d cells)", index, len(nb.Cells))), nil
		}
		cell := notebookCell{CellType: cellType, Source: splitSource(newSource)}
		nb.Cells = append(nb.Cells[:index], append([]notebookCell{cell}, nb.Cells[index:]...)...)
	case "delete":
		if index < 0 || index >= len(nb.Cells) {
			return NewErrorResult(fmt.Sprintf("cell index %d out of range (notebook has %d cells)", index, len(nb.Cells))), nil
		}
		nb.Cells = append(nb.Cells[:index], nb.Cells[index+1:]...)
	}

	if err := nb.save(resolved); err != nil {
		return NewErrorResult(fmt.Sprintf("error writing notebook: %s", err)), nil
	}
	return NewSuccessResult(fmt.Sprintf("Notebook %s: %s cell %d", path, mode, index)), nil
}

// splitSource converts text into the per-line source array the ipynb format
// expects, keeping newlines attached.
func splitSource(text string) []string {
	if text == "" {
		return []string{}
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
