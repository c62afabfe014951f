package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/analyst/internal/sessions"
)

type createSessionRequest struct {
	Title string `json:"title"`
}

type renameSessionRequest struct {
	Title string `json:"title"`
}

type listSessionsResponse struct {
	Sessions []sessions.Session `json:"sessions"`
	Total    int                `json:"total"`
	HasMore  bool               `json:"has_more"`
}

type sessionDetail struct {
	sessions.Session
	Messages []sessions.Message `json:"messages"`
}

// requireSessions reports whether a session store is configured, writing
// 501 when it is not.
func (s *Server) requireSessions(w http.ResponseWriter) bool {
	if s.cfg.Sessions == nil {
		writeError(w, http.StatusNotImplemented, "sessions are not enabled")
		return false
	}
	return true
}

func (s *Server) sessionError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, sessions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.log.Error("api: session operation failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	sess, err := s.cfg.Sessions.CreateSession(r.Context(), userFrom(r), req.Title)
	if err != nil {
		s.sessionError(w, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	limit, err := intParam(r, "limit", sessions.DefaultListLimit, 1, sessions.MaxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0, 0, 1<<30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := userFrom(r).UserID
	total, err := s.cfg.Sessions.CountSessions(r.Context(), userID)
	if err != nil {
		s.sessionError(w, "count sessions", err)
		return
	}
	list, err := s.cfg.Sessions.ListSessions(r.Context(), userID, limit, offset)
	if err != nil {
		s.sessionError(w, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{
		Sessions: list,
		Total:    total,
		HasMore:  offset+len(list) < total,
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	sess, err := s.cfg.Sessions.GetSession(r.Context(), chi.URLParam(r, "id"), userFrom(r).UserID)
	if err != nil {
		s.sessionError(w, "get session", err)
		return
	}
	msgs, err := s.cfg.Sessions.ListMessages(r.Context(), sess.ID)
	if err != nil {
		s.sessionError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionDetail{Session: *sess, Messages: msgs})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	sess, err := s.cfg.Sessions.GetSession(r.Context(), chi.URLParam(r, "id"), userFrom(r).UserID)
	if err != nil {
		s.sessionError(w, "get session", err)
		return
	}
	msgs, err := s.cfg.Sessions.ListMessages(r.Context(), sess.ID)
	if err != nil {
		s.sessionError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) renameSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	var req renameSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.cfg.Sessions.UpdateTitle(r.Context(), chi.URLParam(r, "id"), userFrom(r).UserID, req.Title); err != nil {
		s.sessionError(w, "update session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	if err := s.cfg.Sessions.DeleteSession(r.Context(), chi.URLParam(r, "id"), userFrom(r).UserID); err != nil {
		s.sessionError(w, "delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
