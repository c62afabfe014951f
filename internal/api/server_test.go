package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/internal/sessions"
	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/executor"
	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/logger"
	"github.com/malbeclabs/analyst/pkg/sqlguard"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

type runCall struct {
	question string
	history  []workflow.Message
	id       identity.Identity
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

func (f *fakeRunner) RunWithProgress(ctx context.Context, question string, history []workflow.Message, id identity.Identity, onProgress workflow.ProgressCallback) (*workflow.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runCall{question: question, history: history, id: id})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if onProgress != nil {
		onProgress(workflow.Progress{Node: workflow.NodeClassifyIntent})
		onProgress(workflow.Progress{Node: workflow.NodeGenerateSQL, Attempt: 1, Intent: workflow.IntentDataQuery})
	}
	return &workflow.Result{
		ResponseText:    "Gala is over budget.",
		Analysis:        "Gala is over budget.",
		Confidence:      0.9,
		Rows:            []map[string]any{{"Name": "Gala", "total": 1200.5}},
		Columns:         []string{"Name", "total"},
		RowCount:        1,
		GeneratedSQL:    `SELECT "Name" FROM "Projects"`,
		Intent:          workflow.IntentDataQuery,
		SelectedDomains: []string{"budgets", "projects"},
		LLMCalls:        4,
		DBQueries:       1,
		Duration:        1500 * time.Millisecond,
	}, nil
}

func (f *fakeRunner) Calls() []runCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runCall(nil), f.calls...)
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*sessions.Session
	messages map[string][]sessions.Message
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]*sessions.Session{}, messages: map[string][]sessions.Message{}}
}

func (m *memStore) CreateSession(_ context.Context, id identity.Identity, title string) (*sessions.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := &sessions.Session{ID: uuid.NewString(), UserID: id.UserID, Title: title}
	m.sessions[sess.ID] = sess
	return sess, nil
}

func (m *memStore) GetSession(_ context.Context, sessionID, userID string) (*sessions.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, sessions.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *memStore) CountSessions(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListSessions(_ context.Context, userID string, limit, offset int) ([]sessions.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []sessions.Session{}
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	if offset >= len(out) {
		return []sessions.Session{}, nil
	}
	return out[offset:min(len(out), offset+limit)], nil
}

func (m *memStore) ListMessages(_ context.Context, sessionID string) ([]sessions.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sessions.Message{}, m.messages[sessionID]...), nil
}

func (m *memStore) History(_ context.Context, sessionID string, limit int) ([]workflow.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[sessionID]
	msgs = msgs[max(0, len(msgs)-limit):]
	out := make([]workflow.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = workflow.Message{Role: msg.Role, Content: msg.Content}
	}
	return out, nil
}

func (m *memStore) AppendMessage(_ context.Context, sessionID, role, content string, _ map[string]any) (*sessions.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, sessions.ErrNotFound
	}
	msg := sessions.Message{ID: uuid.NewString(), SessionID: sessionID, Role: role, Content: content}
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	return &msg, nil
}

func (m *memStore) UpdateTitle(_ context.Context, sessionID, userID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return sessions.ErrNotFound
	}
	sess.Title = title
	return nil
}

func (m *memStore) DeleteSession(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return sessions.ErrNotFound
	}
	delete(m.sessions, sessionID)
	delete(m.messages, sessionID)
	return nil
}

type fakeDB struct {
	err error
}

func (f fakeDB) Ping(context.Context) error { return f.err }

func (f fakeDB) Health(context.Context) executor.Health {
	if f.err != nil {
		return executor.Health{Status: "unhealthy", Error: "database unreachable"}
	}
	return executor.Health{Status: "healthy", Connected: true, TableCount: 42}
}

type testServer struct {
	runner *fakeRunner
	store  *memStore
	srv    *httptest.Server
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	ts := &testServer{runner: &fakeRunner{}, store: newMemStore()}
	cfg := Config{
		Logger:      logger.Discard(),
		Runner:      ts.runner,
		Catalog:     catalog.Default(),
		Validator:   sqlguard.New(0),
		Database:    fakeDB{},
		Sessions:    ts.store,
		CORSOrigins: []string{"http://localhost:3000"},
		MockAuth:    true,
		MockUser:    identity.New("test-user-123", "test@procast.local"),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	ts.srv = httptest.NewServer(s.Handler())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, ts.srv.URL+path, nil)
	}
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAnalyst_API_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: logger.Discard(), Runner: &fakeRunner{}, Catalog: catalog.Default(), Validator: sqlguard.New(0), Database: fakeDB{}, MockAuth: true})
	require.ErrorContains(t, err, "mock user id is required")
}

func TestAnalyst_API_Health(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(c *Config) { c.MockAuth = false })
	resp := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[healthResponse](t, resp)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 42, h.Database.TableCount)
	assert.True(t, h.Sessions)

	down := newTestServer(t, func(c *Config) { c.Database = fakeDB{err: errors.New("connection refused")} })
	resp = down.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp = down.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAnalyst_API_Auth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(c *Config) { c.MockAuth = false })
	resp := ts.do(t, http.MethodPost, "/api/v1/analyze", `{"query":"total budget"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/analyze", `{"query":"total budget"}`, headerUserID, "u-42", headerUserEmail, "ana@example.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	calls := ts.runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "u-42", calls[0].id.UserID)
	assert.Equal(t, "ana@example.com", calls[0].id.Email)

	mock := newTestServer(t)
	resp = mock.do(t, http.MethodPost, "/api/v1/analyze", `{"query":"total budget"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test-user-123", mock.runner.Calls()[0].id.UserID)
}

func TestAnalyst_API_AnalyzeCreatesSessionAndRecordsTurn(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/v1/analyze", `{"query":"Which projects are over budget?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[AnalyzeResponse](t, resp)

	assert.Equal(t, "Gala is over budget.", body.Response)
	assert.Equal(t, 1, body.RowCount)
	assert.Equal(t, `SELECT "Name" FROM "Projects"`, body.SQLQuery)
	assert.Equal(t, workflow.IntentDataQuery, body.Metadata.Intent)
	assert.Equal(t, int64(1500), body.Metadata.DurationMS)
	assert.Equal(t, 4, body.Metadata.LLMCalls)
	require.NotEmpty(t, body.SessionID)

	sess, err := ts.store.GetSession(context.Background(), body.SessionID, "test-user-123")
	require.NoError(t, err)
	assert.Equal(t, "Which projects are over budget?", sess.Title)

	msgs, err := ts.store.ListMessages(context.Background(), body.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, sessions.RoleUser, msgs[0].Role)
	assert.Equal(t, sessions.RoleAssistant, msgs[1].Role)

	// A follow-up in the same session carries the history.
	resp = ts.do(t, http.MethodPost, "/api/v1/analyze", `{"query":"And by category?","session_id":"`+body.SessionID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	calls := ts.runner.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].history, 2)
}

func TestAnalyst_API_AnalyzeValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "malformed", body: `{"query":`, status: http.StatusBadRequest},
		{name: "empty query", body: `{"query":"   "}`, status: http.StatusBadRequest},
		{name: "too long", body: `{"query":"` + strings.Repeat("a", MaxQueryLength+1) + `"}`, status: http.StatusBadRequest},
		{name: "unknown session", body: `{"query":"hi","session_id":"` + uuid.NewString() + `"}`, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/api/v1/analyze", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Empty(t, ts.runner.Calls())
}

func TestAnalyst_API_AnalyzeWithoutSessions(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(c *Config) { c.Sessions = nil })
	resp := ts.do(t, http.MethodPost, "/api/v1/analyze", `{"query":"total budget","session_id":"abc"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc", decode[AnalyzeResponse](t, resp).SessionID)

	resp = ts.do(t, http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestAnalyst_API_AnalyzeCancelled(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.runner.err = context.Canceled
	resp := ts.do(t, http.MethodPost, "/api/v1/analyze", `{"query":"total budget"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestAnalyst_API_Stream(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/v1/analyze/stream", `{"query":"Which projects are over budget?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.name
	}
	require.Equal(t, []string{"session", "progress", "progress", "result"}, names)

	var progress workflow.Progress
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &progress))
	assert.Equal(t, workflow.NodeGenerateSQL, progress.Node)
	assert.Equal(t, 1, progress.Attempt)

	var result AnalyzeResponse
	require.NoError(t, json.Unmarshal([]byte(events[3].data), &result))
	assert.Equal(t, "Gala is over budget.", result.Response)
}

func TestAnalyst_API_StreamCancelled(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.runner.err = context.DeadlineExceeded
	resp := ts.do(t, http.MethodPost, "/api/v1/analyze/stream", `{"query":"total budget"}`)
	events := readEvents(t, resp)
	require.Len(t, events, 2)
	assert.Equal(t, "error", events[1].name)
}

func TestAnalyst_API_QuickAnalysis(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		status   int
		question string
	}{
		{path: "/api/v1/quick-analysis/budgets", status: http.StatusOK, question: "Give me an overview of the top 10 project budgets with their status"},
		{path: "/api/v1/quick-analysis/budgets?limit=25", status: http.StatusOK, question: "Give me an overview of the top 25 project budgets with their status"},
		{path: "/api/v1/quick-analysis/budgets?limit=0", status: http.StatusBadRequest},
		{path: "/api/v1/quick-analysis/budgets?limit=101", status: http.StatusBadRequest},
		{path: "/api/v1/quick-analysis/overspending", status: http.StatusOK, question: "Show me projects that have spent more than 90% of their budget, focusing on overspending risks"},
		{path: "/api/v1/quick-analysis/overspending?threshold=75.5", status: http.StatusOK, question: "Show me projects that have spent more than 75.5% of their budget, focusing on overspending risks"},
		{path: "/api/v1/quick-analysis/overspending?threshold=201", status: http.StatusBadRequest},
		{path: "/api/v1/quick-analysis/categories?top_n=5", status: http.StatusOK, question: "Show me the top 5 spending categories with their amounts and percentages"},
		{path: "/api/v1/quick-analysis/categories?top_n=51", status: http.StatusBadRequest},
		{path: "/api/v1/quick-analysis/categories?top_n=abc", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t)
			resp := ts.do(t, http.MethodGet, tt.path, "")
			require.Equal(t, tt.status, resp.StatusCode)
			calls := ts.runner.Calls()
			if tt.question == "" {
				assert.Empty(t, calls)
				return
			}
			require.Len(t, calls, 1)
			assert.Equal(t, tt.question, calls[0].question)
		})
	}
}

func TestAnalyst_API_Sessions(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/v1/sessions", `{"title":"Q1 review"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[sessions.Session](t, resp)
	assert.Equal(t, "Q1 review", created.Title)

	resp = ts.do(t, http.MethodPost, "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/sessions?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[listSessionsResponse](t, resp)
	assert.Len(t, list.Sessions, 1)
	assert.Equal(t, 2, list.Total)
	assert.True(t, list.HasMore)

	resp = ts.do(t, http.MethodGet, "/api/v1/sessions?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPatch, "/api/v1/sessions/"+created.ID, `{"title":"Renamed"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/sessions/"+created.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[sessionDetail](t, resp)
	assert.Equal(t, "Renamed", detail.Title)
	assert.Empty(t, detail.Messages)

	resp = ts.do(t, http.MethodGet, "/api/v1/sessions/"+created.ID+"/messages", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Another user cannot see or delete it.
	resp = ts.do(t, http.MethodGet, "/api/v1/sessions/"+created.ID, "", headerUserID, "intruder")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+created.ID, "", headerUserID, "intruder")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/v1/sessions/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalyst_API_FirstTurnTitlesUntitledSession(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[sessions.Session](t, resp)

	resp = ts.do(t, http.MethodPost, "/api/v1/analyze", `{"query":"Top spending categories","session_id":"`+created.ID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sess, err := ts.store.GetSession(context.Background(), created.ID, "test-user-123")
	require.NoError(t, err)
	assert.Equal(t, "Top spending categories", sess.Title)
}

func TestAnalyst_API_Schema(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	cat := catalog.Default()

	resp := ts.do(t, http.MethodGet, "/api/v1/schema/summary", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[schemaSummaryResponse](t, resp)
	assert.Equal(t, cat.AllDomains(), summary.Domains)
	assert.Equal(t, cat.CoreDomains(), summary.CoreDomains)

	resp = ts.do(t, http.MethodGet, "/api/v1/schema/domains", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	domains := decode[[]domainInfo](t, resp)
	assert.Len(t, domains, len(cat.AllDomains()))

	resp = ts.do(t, http.MethodGet, "/api/v1/schema/domains/accounts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accounts", decode[catalog.Domain](t, resp).Name)

	resp = ts.do(t, http.MethodGet, "/api/v1/schema/domains/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/schema/context", `{"domains":["accounts","nope"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rendered := decode[catalog.Context](t, resp)
	assert.Equal(t, cat.Render(cat.WithCore([]string{"accounts"})).Text, rendered.Text)
	assert.Positive(t, rendered.TokenEstimate)
}

func TestAnalyst_API_ValidateSQL(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/v1/sql/validate", `{"sql":"SELECT 1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, validateSQLResponse{Valid: true}, decode[validateSQLResponse](t, resp))

	resp = ts.do(t, http.MethodPost, "/api/v1/sql/validate", `{"sql":"DROP TABLE \"Projects\""}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[validateSQLResponse](t, resp)
	assert.False(t, got.Valid)
	assert.NotEmpty(t, got.Error)
}

func TestAnalyst_API_CORSPreflight(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(c *Config) { c.MockAuth = false })
	resp := ts.do(t, http.MethodOptions, "/api/v1/analyze", "",
		"Origin", "http://localhost:3000",
		"Access-Control-Request-Method", "POST")
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}
