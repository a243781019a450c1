package realtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fwdslsh/dispatch-sub014/internal/protocol"
	"github.com/fwdslsh/dispatch-sub014/internal/router"
	"github.com/fwdslsh/dispatch-sub014/internal/session"
)

type createSessionRequest struct {
	Type          string            `json:"type"`
	WorkspacePath string            `json:"workspacePath"`
	Title         string            `json:"title"`
	Resume        string            `json:"resume"`
	Options       map[string]string `json:"options"`
}

type sendInputRequest struct {
	Data []byte `json:"data"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.WorkspacePath == "" {
		writeError(w, http.StatusBadRequest, "workspacePath is required")
		return
	}

	sess, err := s.manager.CreateSession(r.Context(), session.CreateOptions{
		Type:          router.SessionType(req.Type),
		WorkspacePath: req.WorkspacePath,
		Title:         req.Title,
		Resume:        req.Resume,
		Options:       req.Options,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch createErrorCode(err) {
		case protocol.ErrUnknownSessionType:
			status = http.StatusBadRequest
		case protocol.ErrMaxSessions:
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	if s.watch != nil && sess.WorkspacePath != "" {
		_ = s.watch.Watch(sess.ID, sess.WorkspacePath)
	}

	update, _ := protocol.NewMessage(protocol.TypeSessionUpdate, updatePayload(sess))
	s.broadcast(update)

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Sessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSessionEvents serves the persisted event log with seq > after.
// Unlike the live endpoints it also answers for terminated sessions, whose
// logs outlive their processes.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = parsed
	}

	events, err := s.rec.Events(r.Context(), id, after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payloads := make([]protocol.EventPayload, len(events))
	for i, ev := range events {
		payloads[i] = eventPayload(ev)
	}
	writeJSON(w, http.StatusOK, payloads)
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	delivered, err := s.manager.Send(id, req.Data)
	if !delivered {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	stopped, err := s.manager.StopSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !stopped {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// handleWorkspaceSessions lists the sessions remembered for a workspace
// path, including ones whose processes are gone.
func (s *Server) handleWorkspaceSessions(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if s.index == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}

	entries, err := s.index.Sessions(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
