package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	apimetrics "github.com/malbeclabs/analyst/internal/api/metrics"
	"github.com/malbeclabs/analyst/internal/sessions"
	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

type AnalyzeRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

type AnalyzeMetadata struct {
	Intent        workflow.Intent        `json:"intent"`
	Domains       []string               `json:"domains,omitempty"`
	Retries       int                    `json:"retries"`
	LLMCalls      int                    `json:"llm_calls"`
	DBQueries     int                    `json:"db_queries"`
	DurationMS    int64                  `json:"duration_ms"`
	ErrorCategory workflow.ErrorCategory `json:"error_category,omitempty"`
	SoftErrors    []string               `json:"soft_errors,omitempty"`
}

type AnalyzeResponse struct {
	Response        string           `json:"response"`
	Analysis        string           `json:"analysis,omitempty"`
	Recommendations string           `json:"recommendations,omitempty"`
	Confidence      float64          `json:"confidence"`
	Data            []map[string]any `json:"data,omitempty"`
	Columns         []string         `json:"columns,omitempty"`
	RowCount        int              `json:"row_count"`
	SessionID       string           `json:"session_id"`
	SQLQuery        string           `json:"sql_query,omitempty"`
	SQLExplanation  string           `json:"sql_explanation,omitempty"`
	Metadata        AnalyzeMetadata  `json:"metadata"`
	Error           string           `json:"error,omitempty"`
}

func newAnalyzeResponse(res *workflow.Result, sessionID string) AnalyzeResponse {
	return AnalyzeResponse{
		Response:        res.ResponseText,
		Analysis:        res.Analysis,
		Recommendations: res.Recommendations,
		Confidence:      res.Confidence,
		Data:            res.Rows,
		Columns:         res.Columns,
		RowCount:        res.RowCount,
		SessionID:       sessionID,
		SQLQuery:        res.GeneratedSQL,
		SQLExplanation:  res.SQLExplanation,
		Metadata: AnalyzeMetadata{
			Intent:        res.Intent,
			Domains:       res.SelectedDomains,
			Retries:       res.Retries,
			LLMCalls:      res.LLMCalls,
			DBQueries:     res.DBQueries,
			DurationMS:    res.Duration.Milliseconds(),
			ErrorCategory: res.ErrorCategory,
			SoftErrors:    res.SoftErrors,
		},
		Error: res.Error,
	}
}

// httpError carries a status code out of request preparation.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func validateQuery(q string) error {
	q = strings.TrimSpace(q)
	if q == "" {
		return &httpError{http.StatusBadRequest, "query is required"}
	}
	if len([]rune(q)) > MaxQueryLength {
		return &httpError{http.StatusBadRequest, fmt.Sprintf("query must be at most %d characters", MaxQueryLength)}
	}
	return nil
}

// openSession resolves the session a turn belongs to and loads its history.
// Without a session store the turn is stateless and only gets an id.
func (s *Server) openSession(ctx context.Context, id identity.Identity, req AnalyzeRequest) (string, []workflow.Message, error) {
	if s.cfg.Sessions == nil {
		if req.SessionID != "" {
			return req.SessionID, nil, nil
		}
		return uuid.NewString(), nil, nil
	}

	if req.SessionID == "" {
		sess, err := s.cfg.Sessions.CreateSession(ctx, id, sessions.Title(req.Query))
		if err != nil {
			return "", nil, err
		}
		return sess.ID, nil, nil
	}

	sess, err := s.cfg.Sessions.GetSession(ctx, req.SessionID, id.UserID)
	if errors.Is(err, sessions.ErrNotFound) {
		return "", nil, &httpError{http.StatusNotFound, "session not found"}
	}
	if err != nil {
		return "", nil, err
	}
	if sess.Title == "" {
		if err := s.cfg.Sessions.UpdateTitle(ctx, sess.ID, id.UserID, sessions.Title(req.Query)); err != nil {
			s.log.Warn("api: failed to set session title", "session_id", sess.ID, "error", err)
		}
	}
	history, err := s.cfg.Sessions.History(ctx, sess.ID, s.cfg.HistoryLimit)
	if err != nil {
		return "", nil, err
	}
	return sess.ID, history, nil
}

// record appends the question and the answer to the session. Failures are
// logged; the caller already has its answer.
func (s *Server) record(ctx context.Context, sessionID, question string, res *workflow.Result) {
	if s.cfg.Sessions == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if _, err := s.cfg.Sessions.AppendMessage(ctx, sessionID, sessions.RoleUser, question, nil); err != nil {
		s.log.Warn("api: failed to store question", "session_id", sessionID, "error", err)
		return
	}
	meta := map[string]any{
		"intent":    res.Intent,
		"row_count": res.RowCount,
		"retries":   res.Retries,
	}
	if res.GeneratedSQL != "" {
		meta["sql"] = res.GeneratedSQL
	}
	if res.ErrorCategory != workflow.ErrorNone {
		meta["error_category"] = res.ErrorCategory
	}
	if _, err := s.cfg.Sessions.AppendMessage(ctx, sessionID, sessions.RoleAssistant, res.ResponseText, meta); err != nil {
		s.log.Warn("api: failed to store answer", "session_id", sessionID, "error", err)
	}
}

func (s *Server) failPrepare(w http.ResponseWriter, err error) {
	var he *httpError
	if errors.As(err, &he) {
		writeError(w, he.status, he.msg)
		return
	}
	s.log.Error("api: failed to prepare session", "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load session")
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.answer(w, r, req)
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request, req AnalyzeRequest) {
	if err := validateQuery(req.Query); err != nil {
		s.failPrepare(w, err)
		return
	}
	ctx := r.Context()
	id := userFrom(r)

	sessionID, history, err := s.openSession(ctx, id, req)
	if err != nil {
		s.failPrepare(w, err)
		return
	}

	s.log.Info("api: analyze request", "user_id", id.UserID, "session_id", sessionID, "request_id", middleware.GetReqID(ctx))
	res, err := s.cfg.Runner.RunWithProgress(ctx, req.Query, history, id, nil)
	if err != nil {
		s.log.Info("api: analyze cancelled", "session_id", sessionID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}
	s.record(ctx, sessionID, req.Query, res)
	writeJSON(w, http.StatusOK, newAnalyzeResponse(res, sessionID))
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (e *sseWriter) send(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		event = "error"
		payload, _ = json.Marshal(errorResponse{Error: "failed to encode event"})
	}
	fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, payload)
	e.flusher.Flush()
	apimetrics.StreamEventsTotal.WithLabelValues(event).Inc()
}

type sessionEvent struct {
	SessionID string `json:"session_id"`
}

type streamError struct {
	Error     string `json:"error"`
	SessionID string `json:"session_id,omitempty"`
}

// analyzeStream runs a turn and reports it as server-sent events: one
// session event, a progress event per node, then result or error.
func (s *Server) analyzeStream(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateQuery(req.Query); err != nil {
		s.failPrepare(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	id := userFrom(r)
	sessionID, history, err := s.openSession(ctx, id, req)
	if err != nil {
		s.failPrepare(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher}
	sse.send("session", sessionEvent{SessionID: sessionID})

	res, err := s.cfg.Runner.RunWithProgress(ctx, req.Query, history, id, func(p workflow.Progress) {
		sse.send("progress", p)
	})
	if err != nil {
		s.log.Info("api: stream cancelled", "session_id", sessionID, "error", err)
		sse.send("error", streamError{Error: "request cancelled", SessionID: sessionID})
		return
	}
	s.record(ctx, sessionID, req.Query, res)
	sse.send("result", newAnalyzeResponse(res, sessionID))
}

func (s *Server) quickBudgets(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 10, 1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.answer(w, r, AnalyzeRequest{Query: fmt.Sprintf("Give me an overview of the top %d project budgets with their status", limit)})
}

func (s *Server) quickOverspending(w http.ResponseWriter, r *http.Request) {
	threshold, err := floatParam(r, "threshold", 90, 0, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pct := strconv.FormatFloat(threshold, 'f', -1, 64)
	s.answer(w, r, AnalyzeRequest{Query: "Show me projects that have spent more than " + pct + "% of their budget, focusing on overspending risks"})
}

func (s *Server) quickCategories(w http.ResponseWriter, r *http.Request) {
	topN, err := intParam(r, "top_n", 10, 1, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.answer(w, r, AnalyzeRequest{Query: fmt.Sprintf("Show me the top %d spending categories with their amounts and percentages", topN)})
}
