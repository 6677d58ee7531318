// Package server exposes the orchestrator over HTTP/JSON plus a WebSocket
// event channel per session.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"elisa/internal/client"
	"elisa/internal/config"
	"elisa/internal/logging"
	"elisa/internal/memory"
	"elisa/internal/pipeline"
	"elisa/internal/session"
	"elisa/internal/spec"
)

// Server routes session control and the live event channel.
type Server struct {
	cfg   config.Config
	token string
	model client.LanguageModel
	mem   *memory.Store
	store *session.Store
	mux   *http.ServeMux

	mu          sync.Mutex
	controllers map[string]*pipeline.Controller
}

// New wires a server. The bearer token comes from ELISA_TOKEN or is
// generated and logged at startup.
func New(cfg config.Config, model client.LanguageModel, mem *memory.Store) *Server {
	token := os.Getenv("ELISA_TOKEN")
	if token == "" {
		token = uuid.NewString()
		logging.Info("generated API token", "token", token)
	}
	s := &Server{
		cfg:         cfg,
		token:       token,
		model:       model,
		mem:         mem,
		store:       session.NewStore(cfg.SessionMaxAge, cfg.PruneTick, cfg.SessionGrace),
		mux:         http.NewServeMux(),
		controllers: make(map[string]*pipeline.Controller),
	}
	s.routes()
	return s
}

// Token returns the bearer token requests must present.
func (s *Server) Token() string { return s.token }

// Close releases the session store.
func (s *Server) Close() { s.store.Close() }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/internal/config", s.handleInternalConfig)
	s.mux.HandleFunc("POST /api/workspace/save", s.auth(s.handleWorkspaceSave))
	s.mux.HandleFunc("POST /api/workspace/load", s.auth(s.handleWorkspaceLoad))
	s.mux.HandleFunc("POST /api/workspace/inspect", s.auth(s.handleWorkspaceInspect))
	s.mux.HandleFunc("POST /api/workspace/reset", s.auth(s.handleWorkspaceReset))
	s.mux.HandleFunc("POST /api/session", s.auth(s.handleSessionCreate))
	s.mux.HandleFunc("POST /api/session/{id}/cancel", s.auth(s.handleSessionCancel))
	s.mux.HandleFunc("POST /api/session/{id}/gate", s.auth(s.handleSessionGate))
	s.mux.HandleFunc("POST /api/session/{id}/answer", s.auth(s.handleSessionAnswer))
	s.mux.HandleFunc("GET /ws/session/{id}", s.handleWS)
}

// ServeHTTP rejects upgrade attempts outside the ws prefix by destroying
// the socket, then dispatches normally.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgrade(r) && !strings.HasPrefix(r.URL.Path, "/ws/session/") {
		destroySocket(w)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func destroySocket(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	w.WriteHeader(http.StatusBadRequest)
}

// auth requires the bearer token.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

// handleHealth live-checks the environment on every call.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}

	apiKey := os.Getenv("OPENAI_API_KEY")
	switch {
	case apiKey == "":
		resp["apiKey"] = "missing"
		resp["apiKeyError"] = "OPENAI_API_KEY is not set"
	case !strings.HasPrefix(apiKey, "sk-") && os.Getenv("OPENAI_BASE_URL") == "":
		resp["apiKey"] = "invalid"
		resp["apiKeyError"] = "OPENAI_API_KEY does not look like an OpenAI key"
	default:
		resp["apiKey"] = "valid"
	}

	sdk := "not_found"
	if _, err := exec.LookPath("python3"); err == nil {
		sdk = "found"
	}
	resp["agentSdk"] = sdk

	switch {
	case resp["apiKey"] == "valid" && sdk == "found":
		resp["status"] = "ready"
	case resp["apiKey"] == "missing" && sdk == "not_found":
		resp["status"] = "offline"
	default:
		resp["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleInternalConfig sets the API key in the process environment. Dev
// mode only.
func (s *Server) handleInternalConfig(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Dev {
		writeError(w, http.StatusNotFound, "not available")
		return
	}
	var req struct {
		APIKey string `json:"apiKey"`
	}
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "apiKey is required")
		return
	}
	os.Setenv("OPENAI_API_KEY", req.APIKey)
	writeJSON(w, http.StatusOK, map[string]any{"apiKey": "valid"})
}

// handleSessionCreate validates the spec, creates the session, and starts
// the run.
func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Spec          map[string]any `json:"spec"`
		WorkspacePath string         `json:"workspace_path"`
		RestartMode   string         `json:"restart_mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sp := spec.Parse(req.Spec)
	if err := sp.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := req.RestartMode
	if mode != "continue" && mode != "clean" {
		mode = "clean"
	}

	userWorkspace := req.WorkspacePath != ""
	workDir := req.WorkspacePath
	if userWorkspace {
		resolved, err := s.resolveWorkspace(workDir)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		workDir = resolved
	} else {
		workDir = filepath.Join(s.workspaceRoot(), "session-"+uuid.NewString())
	}

	sess := s.store.Create(sp, workDir, mode, userWorkspace)
	ctrl, err := pipeline.NewController(sess, pipeline.Deps{
		Config: s.cfg,
		Model:  s.model,
		Memory: s.mem,
	})
	if err != nil {
		s.store.Remove(sess.ID)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	s.controllers[sess.ID] = ctrl
	s.mu.Unlock()

	go func() {
		if err := ctrl.Run(); err != nil {
			logging.Warn("run ended with error", "session", sess.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID})
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelling"})
}

func (s *Server) handleSessionGate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Approved bool   `json:"approved"`
		Feedback string `json:"feedback"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess.AnswerGate(session.GateDecision{Approved: req.Approved, Feedback: req.Feedback})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSessionAnswer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		TaskID  string            `json:"task_id"`
		Answers map[string]string `json:"answers"`
	}
	if err := decodeBody(r, &req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	sess.AnswerQuestion(req.TaskID, req.Answers)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) workspaceRoot() string {
	if s.cfg.WorkspaceRoot != "" {
		return s.cfg.WorkspaceRoot
	}
	return filepath.Join(os.TempDir(), "elisa-workspaces")
}

// resolveWorkspace keeps user-supplied paths inside the allowed root.
func (s *Server) resolveWorkspace(path string) (string, error) {
	root, err := filepath.Abs(s.workspaceRoot())
	if err != nil {
		return "", err
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("workspace path escapes the allowed root")
	}
	return abs, nil
}

// Listen serves until the listener fails.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logging.Info("server listening", "addr", ln.Addr().String())
	return http.Serve(ln, s)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
