package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/michaelbrown/jvis/internal/runner"
	"github.com/michaelbrown/jvis/internal/storage"
	"github.com/michaelbrown/jvis/internal/workspace"
)

// defaultMainClassPath is the project entry used when a request names none.
const defaultMainClassPath = "Main.java"

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}

// --- Execution handlers ---

type executeRequest struct {
	Code      string `json:"code"`
	SessionID string `json:"sessionId"`
}

type executeProjectRequest struct {
	Tree          []workspace.Node `json:"tree"`
	MainClassPath string           `json:"mainClassPath"`
	SessionID     string           `json:"sessionId"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "Missing code or sessionId")
		return
	}

	s.inflight.Add(1)
	defer s.inflight.Done()

	res, err := s.exec.ExecuteSingle(s.runCtx, req.Code, req.SessionID)
	s.writeResult(w, res, err)
}

func (s *Server) handleExecuteProject(w http.ResponseWriter, r *http.Request) {
	var req executeProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Tree) == 0 || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "Missing tree or sessionId")
		return
	}
	if req.MainClassPath == "" {
		req.MainClassPath = defaultMainClassPath
	}

	s.inflight.Add(1)
	defer s.inflight.Done()

	res, err := s.exec.ExecuteProject(s.runCtx, req.Tree, req.MainClassPath, req.SessionID)
	s.writeResult(w, res, err)
}

// writeResult reports a finished run. The error body carries the same
// message the session received in its error event.
func (s *Server) writeResult(w http.ResponseWriter, res runner.Result, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, runner.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Debug("execution failed", zap.String("execution_id", res.ExecutionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Info handlers ---

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Sessions  int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UnixMilli(),
		Sessions:  s.sessions.Len(),
	})
}

func (s *Server) handleExamples(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.examples)
}

// --- Run journal handlers ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run journal disabled")
		return
	}

	q := r.URL.Query()
	opts := storage.RunListOptions{
		Status:    storage.RunStatus(q.Get("status")),
		SessionID: q.Get("session"),
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run journal disabled")
		return
	}

	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, run)
}
