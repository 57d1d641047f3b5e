package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/domain"
	"github.com/felixgeelhaar/agentlens/internal/ingest"
	"github.com/felixgeelhaar/agentlens/internal/query"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 4 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	version, err := s.db.Version()
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "failed to read schema version", err)
		return
	}

	index := map[string]any{"path": s.index.Path()}
	if age, err := s.index.Age(); err != nil {
		index["error"] = err.Error()
	} else {
		index["age_seconds"] = int64(age.Seconds())
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":         "running",
		"version":        s.version,
		"schema_version": version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"store":          s.paths.Store,
		"captures":       s.paths.Captures,
		"index":          index,
		"sync":           s.syncer.Status(),
		"relay":          s.conn != nil && s.conn.IsConnected(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	sessions, err := s.query.ListSessions(r.Context(), limit)
	if err != nil {
		s.writeError(w, "failed to list sessions", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.query.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "failed to get session", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.query.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, "failed to delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.query.GetSession(r.Context(), id); err != nil {
		s.writeError(w, "failed to get session", err)
		return
	}
	turns, err := s.query.ListTurns(r.Context(), id)
	if err != nil {
		s.writeError(w, "failed to list turns", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"session_id": id,
		"turns":      turns,
	})
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	turn, err := s.query.GetTurn(r.Context(), r.PathValue("session_id"), r.PathValue("turn_number"))
	if err != nil {
		s.writeError(w, "failed to get turn", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, turn)
}

func (s *Server) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	in, err := s.query.GetInteraction(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "failed to get interaction", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, in)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req query.ReplayRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	res, err := s.query.Replay(r.Context(), req)
	if err != nil {
		s.writeError(w, "replay failed", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	imports, err := s.store.ListImports(r.Context(), limit)
	if err != nil {
		s.writeError(w, "failed to list imports", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"imports": imports})
}

type importRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Path == "" {
		s.jsonError(w, http.StatusBadRequest, "path is required", nil)
		return
	}
	info, err := os.Stat(req.Path)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "capture path not readable", err)
		return
	}

	var results []*ingest.Result
	if info.IsDir() {
		results, err = s.ingest.ImportDir(r.Context(), req.Path)
	} else {
		var res *ingest.Result
		res, err = s.ingest.ImportFile(r.Context(), req.Path)
		if res != nil {
			results = append(results, res)
		}
	}
	if err != nil && len(results) == 0 {
		s.writeError(w, "import failed", err)
		return
	}

	body := map[string]any{"results": results}
	if err != nil {
		body["errors"] = err.Error()
	}
	s.jsonResponse(w, http.StatusOK, body)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.ingest.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, "reconcile failed", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// Helper methods

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var replayErr *domain.ReplayError
	switch {
	case errors.As(err, &replayErr):
		return http.StatusUnprocessableEntity
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidTurnKey):
		return http.StatusBadRequest
	case domain.IsConflict(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= 500 {
		slog.Error(message, "error", err)
	}
	s.jsonError(w, status, message, err)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string, err error) {
	writeJSONError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]any{
		"error":  message,
		"status": status,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	writeJSON(w, status, response)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
