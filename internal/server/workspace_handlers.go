package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"elisa/internal/workspace"
)

// designPayload maps request/response field names to design file names.
var designPayload = map[string]string{
	"workspace": "workspace.json",
	"skills":    "skills.json",
	"rules":     "rules.json",
	"portals":   "portals.json",
}

func (s *Server) workspaceManager(w http.ResponseWriter, path string) (*workspace.Manager, bool) {
	resolved, err := s.resolveWorkspace(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	m, err := workspace.NewManager(resolved)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return m, true
}

// handleWorkspaceSave persists the block editor's design files.
func (s *Server) handleWorkspaceSave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspacePath string          `json:"workspace_path"`
		WorkspaceJSON json.RawMessage `json:"workspace_json"`
		Skills        json.RawMessage `json:"skills"`
		Rules         json.RawMessage `json:"rules"`
		Portals       json.RawMessage `json:"portals"`
	}
	if err := decodeBody(r, &req); err != nil || req.WorkspacePath == "" {
		writeError(w, http.StatusBadRequest, "workspace_path is required")
		return
	}
	m, ok := s.workspaceManager(w, req.WorkspacePath)
	if !ok {
		return
	}

	files := map[string]json.RawMessage{
		"workspace.json": req.WorkspaceJSON,
		"skills.json":    req.Skills,
		"rules.json":     req.Rules,
		"portals.json":   req.Portals,
	}
	for name, data := range files {
		if len(data) == 0 {
			continue
		}
		if err := m.SaveDesignFile(name, data); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved"})
}

// handleWorkspaceLoad returns the saved design files, empty defaults for
// missing ones.
func (s *Server) handleWorkspaceLoad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspacePath string `json:"workspace_path"`
	}
	if err := decodeBody(r, &req); err != nil || req.WorkspacePath == "" {
		writeError(w, http.StatusBadRequest, "workspace_path is required")
		return
	}
	m, ok := s.workspaceManager(w, req.WorkspacePath)
	if !ok {
		return
	}

	resp := map[string]any{}
	for field, name := range designPayload {
		data, err := m.LoadDesignFile(name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(data) == 0 {
			if field == "workspace" {
				resp[field] = map[string]any{}
			} else {
				resp[field] = []any{}
			}
			continue
		}
		resp[field] = json.RawMessage(data)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkspaceInspect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspacePath string `json:"workspace_path"`
	}
	if err := decodeBody(r, &req); err != nil || req.WorkspacePath == "" {
		writeError(w, http.StatusBadRequest, "workspace_path is required")
		return
	}
	m, ok := s.workspaceManager(w, req.WorkspacePath)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.Inspect())
}

// handleWorkspaceReset removes generated content, keeping logs and design
// files.
func (s *Server) handleWorkspaceReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspacePath string `json:"workspace_path"`
		Mode          string `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil || req.WorkspacePath == "" {
		writeError(w, http.StatusBadRequest, "workspace_path is required")
		return
	}
	if req.Mode != "clean_generated" {
		writeError(w, http.StatusBadRequest, "unsupported reset mode")
		return
	}
	m, ok := s.workspaceManager(w, req.WorkspacePath)
	if !ok {
		return
	}

	var removed []string
	for _, rel := range []string{"src", "tests",
		filepath.Join(workspace.MetaDir, "comms"),
		filepath.Join(workspace.MetaDir, "context"),
		filepath.Join(workspace.MetaDir, "status"),
	} {
		if _, err := os.Stat(filepath.Join(m.Root(), rel)); err == nil {
			removed = append(removed, rel)
		}
	}
	if _, err := m.Provision(workspace.ModeClean); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "reset",
		"mode":    req.Mode,
		"removed": removed,
	})
}
