package server

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/pkg/executor"
	"github.com/malbeclabs/analyst/pkg/identity"
)

type fakeLive struct {
	mu     sync.Mutex
	tables [][]string
	limits []int
	ids    []identity.Identity
}

func (f *fakeLive) record(id identity.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *fakeLive) TableStats(_ context.Context, id identity.Identity) ([]executor.TableStat, error) {
	f.record(id)
	return []executor.TableStat{{Table: "Accounts", ColumnCount: 4}, {Table: "Projects", ColumnCount: 31}}, nil
}

func (f *fakeLive) TableColumns(_ context.Context, tables []string, id identity.Identity) ([]executor.Column, error) {
	f.record(id)
	f.mu.Lock()
	f.tables = append(f.tables, tables)
	f.mu.Unlock()
	pk := "PRIMARY KEY"
	return []executor.Column{{Table: "Projects", Column: "Id", DataType: "uuid", IsNullable: "NO", ConstraintType: &pk}}, nil
}

func (f *fakeLive) SampleRows(_ context.Context, table string, limit int, id identity.Identity) (*executor.Result, error) {
	f.record(id)
	f.mu.Lock()
	f.limits = append(f.limits, limit)
	f.mu.Unlock()
	if table == "" {
		return nil, executor.ErrInvalidTable
	}
	return &executor.Result{
		Columns:  []string{"Id"},
		Rows:     []map[string]any{{"Id": "p1"}},
		RowCount: 1,
		SQL:      `SELECT * FROM "` + table + `" LIMIT 5`,
	}, nil
}

func TestAnalyst_MCP_Server_LiveToolsRegisteredWithLiveSchema(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, func(c *Config) { c.LiveSchema = &fakeLive{} })
	session := connect(t, s)

	res, err := session.ListTools(t.Context(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	require.Subset(t, names, []string{"get_table_columns", "get_sample_data", "get_live_table_stats"})
	require.Len(t, names, 8)
}

func TestAnalyst_MCP_Server_LiveTools(t *testing.T) {
	t.Parallel()

	live := &fakeLive{}
	s, _ := newTestServer(t, func(c *Config) { c.LiveSchema = live })
	session := connect(t, s)

	stats, _ := callTool[TableStatsOutput](t, session, "get_live_table_stats", map[string]any{})
	require.Equal(t, []executor.TableStat{{Table: "Accounts", ColumnCount: 4}, {Table: "Projects", ColumnCount: 31}}, stats.Tables)

	cols, _ := callTool[TableColumnsOutput](t, session, "get_table_columns", map[string]any{"tables": []string{"Projects"}})
	require.Len(t, cols.Columns, 1)
	require.Equal(t, "PRIMARY KEY", *cols.Columns[0].ConstraintType)

	sample, _ := callTool[QueryOutput](t, session, "get_sample_data", map[string]any{"table": "Projects", "limit": 3})
	require.Equal(t, 1, sample.RowCount)
	require.Equal(t, `SELECT * FROM "Projects" LIMIT 5`, sample.SQL)

	_, bad := callTool[QueryOutput](t, session, "get_sample_data", map[string]any{"table": ""})
	require.True(t, bad.IsError)

	live.mu.Lock()
	defer live.mu.Unlock()
	require.Equal(t, [][]string{{"Projects"}}, live.tables)
	require.Equal(t, []int{3, 0}, live.limits)
	for _, id := range live.ids {
		require.Equal(t, "mcp-service", id.UserID)
	}
}
