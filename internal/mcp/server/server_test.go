package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/executor"
	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/logger"
	"github.com/malbeclabs/analyst/pkg/sqlguard"
)

type recordingExecutor struct {
	mu   sync.Mutex
	sqls []string
	ids  []identity.Identity
	err  error
}

func (e *recordingExecutor) Execute(_ context.Context, sql string, id identity.Identity) (*executor.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sqls = append(e.sqls, sql)
	e.ids = append(e.ids, id)
	if e.err != nil {
		return nil, e.err
	}
	return &executor.Result{
		Columns:  []string{"Name", "total"},
		Rows:     []map[string]any{{"Name": "Gala", "total": 1200.5}},
		RowCount: 1,
		SQL:      sql,
	}, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, mutate ...func(*Config)) (*Server, *recordingExecutor) {
	t.Helper()
	exec := &recordingExecutor{}
	cfg := Config{
		Logger:          logger.Discard(),
		Catalog:         catalog.Default(),
		Validator:       sqlguard.New(0),
		Executor:        exec,
		ServiceIdentity: identity.New("mcp-service", "analyst@procast.local"),
		Version:         "test",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s, exec
}

func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(t.Context(), &mcp.StreamableClientTransport{Endpoint: srv.URL}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func callTool[Out any](t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (Out, *mcp.CallToolResult) {
	t.Helper()
	res, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)

	var out Out
	if !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return out, res
}

func TestAnalyst_MCP_Server_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: logger.Discard(), Catalog: catalog.Default(), Validator: sqlguard.New(0)})
	require.ErrorContains(t, err, "executor is required")

	cfg := Config{Logger: logger.Discard(), Catalog: catalog.Default(), Validator: sqlguard.New(0), Executor: &recordingExecutor{}}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultReadHeaderTimeout, cfg.ReadHeaderTimeout)
	require.Equal(t, defaultShutdownTimeout, cfg.ShutdownTimeout)
}

func TestAnalyst_MCP_Server_ListTools(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	session := connect(t, s)

	res, err := session.ListTools(t.Context(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	require.ElementsMatch(t, []string{"get_db_summary", "list_domains", "get_schema_for_domains", "validate_sql", "execute_query"}, names)
}

func TestAnalyst_MCP_Server_SchemaTools(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	session := connect(t, s)
	cat := catalog.Default()

	summary, _ := callTool[SummaryOutput](t, session, "get_db_summary", map[string]any{})
	require.Equal(t, cat.Summary(), summary.Summary)
	require.Equal(t, cat.AllDomains(), summary.Domains)

	domains, _ := callTool[ListDomainsOutput](t, session, "list_domains", map[string]any{})
	require.Len(t, domains.Domains, len(cat.AllDomains()))

	schema, _ := callTool[SchemaOutput](t, session, "get_schema_for_domains", map[string]any{"domains": []string{"accounts", "bogus"}})
	want := cat.Render(cat.WithCore([]string{"accounts"}))
	require.Equal(t, want.Domains, schema.Domains)
	require.Equal(t, want.Text, schema.Schema)
	require.Equal(t, []string{"bogus"}, schema.Unknown)
}

func TestAnalyst_MCP_Server_ValidateSQL(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	session := connect(t, s)

	ok, _ := callTool[ValidateOutput](t, session, "validate_sql", map[string]any{"sql": `SELECT "Name" FROM "Projects"`})
	require.True(t, ok.Valid)

	bad, _ := callTool[ValidateOutput](t, session, "validate_sql", map[string]any{"sql": `DELETE FROM "Projects"`})
	require.False(t, bad.Valid)
	require.NotEmpty(t, bad.Error)
}

func TestAnalyst_MCP_Server_ExecuteQuery(t *testing.T) {
	t.Parallel()

	s, exec := newTestServer(t)
	session := connect(t, s)

	out, _ := callTool[QueryOutput](t, session, "execute_query", map[string]any{"sql": `SELECT "Name" FROM "Projects"`, "limit": 5})
	require.Equal(t, 1, out.RowCount)
	require.Equal(t, []string{"Name", "total"}, out.Columns)

	out, _ = callTool[QueryOutput](t, session, "execute_query", map[string]any{"sql": `SELECT "Name" FROM "Projects"`})
	require.Equal(t, 1, out.RowCount)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Equal(t, []string{
		"SELECT \"Name\" FROM \"Projects\"\nLIMIT 5",
		"SELECT \"Name\" FROM \"Projects\"\nLIMIT 100",
	}, exec.sqls)
	require.Equal(t, "mcp-service", exec.ids[0].UserID)
	require.Equal(t, "analyst@procast.local", exec.ids[0].Email)
}

func TestAnalyst_MCP_Server_ExecuteQueryErrors(t *testing.T) {
	t.Parallel()

	t.Run("rejected sql never reaches the database", func(t *testing.T) {
		t.Parallel()
		s, exec := newTestServer(t)
		_, err := s.handleQuery(t.Context(), QueryInput{SQL: `DROP TABLE "Projects"`})
		require.ErrorContains(t, err, "query rejected")
		require.Empty(t, exec.sqls)
	})

	t.Run("execution failure", func(t *testing.T) {
		t.Parallel()
		s, exec := newTestServer(t)
		exec.err = errors.New("permission denied for table People")
		session := connect(t, s)
		_, res := callTool[QueryOutput](t, session, "execute_query", map[string]any{"sql": `SELECT 1`})
		require.True(t, res.IsError)
	})

	t.Run("limit is capped", func(t *testing.T) {
		t.Parallel()
		s, exec := newTestServer(t)
		_, err := s.handleQuery(t.Context(), QueryInput{SQL: `SELECT 1`, Limit: 50000})
		require.NoError(t, err)
		require.Equal(t, []string{"SELECT 1\nLIMIT 1000"}, exec.sqls)
	})
}

func TestAnalyst_MCP_Server_Auth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, func(c *Config) { c.AllowedTokens = []string{"secret"} })
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic secret", status: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer  ", status: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/", strings.NewReader(`{}`))
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.status, resp.StatusCode)
			require.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
		})
	}

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "health checks skip auth")
}

func TestAnalyst_MCP_Server_ReadyzHandler(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, func(c *Config) {
		c.Database = pingFunc(func(context.Context) error { return errors.New("connection refused") })
	})
	rr := httptest.NewRecorder()
	s.readyzHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "database not ready\n", rr.Body.String())

	s, _ = newTestServer(t)
	rr = httptest.NewRecorder()
	s.readyzHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
