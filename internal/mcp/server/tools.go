package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/analyst/internal/mcp/server/metrics"
	"github.com/malbeclabs/analyst/pkg/executor"
	"github.com/malbeclabs/analyst/pkg/sqlguard"
)

type EmptyInput struct{}

type SummaryOutput struct {
	Summary       string   `json:"summary"`
	Relationships string   `json:"relationships"`
	QueryPatterns string   `json:"query_patterns"`
	Domains       []string `json:"domains"`
}

type DomainInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	UseFor      string   `json:"use_for"`
	Tables      []string `json:"tables"`
	Core        bool     `json:"core"`
}

type ListDomainsOutput struct {
	Domains []DomainInfo `json:"domains"`
}

type SchemaInput struct {
	Domains []string `json:"domains" jsonschema:"domain names from list_domains; core domains are always included"`
}

type SchemaOutput struct {
	Domains       []string `json:"domains"`
	Unknown       []string `json:"unknown"`
	Schema        string   `json:"schema"`
	TokenEstimate int      `json:"token_estimate"`
}

type ValidateInput struct {
	SQL string `json:"sql"`
}

type ValidateOutput struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type QueryInput struct {
	SQL   string `json:"sql"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum rows to return, default 100, at most 1000"`
}

type TableColumnsInput struct {
	Tables []string `json:"tables" jsonschema:"table names, at most 50"`
}

type TableColumnsOutput struct {
	Columns []executor.Column `json:"columns"`
}

type SampleInput struct {
	Table string `json:"table"`
	Limit int    `json:"limit,omitempty" jsonschema:"rows to return, default 5, at most 10"`
}

type TableStatsOutput struct {
	Tables []executor.TableStat `json:"tables"`
}

type QueryOutput struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	SQL       string           `json:"sql"`
}

func (s *Server) registerTools() error {
	if err := addTool(s, "get_db_summary", `
		Overview of the Procast budget database: what it contains, how the main
		tables relate, and common query patterns. Call this first.
	`, s.handleSummary); err != nil {
		return err
	}
	if err := addTool(s, "list_domains", `
		List the schema domains (groups of related tables) with their tables and
		typical use. Core domains are included in every schema request.
	`, s.handleListDomains); err != nil {
		return err
	}
	if err := addTool(s, "get_schema_for_domains", `
		Return table and column definitions for the given domains. Consult this
		before writing SQL. Do not guess column names.
	`, s.handleSchema); err != nil {
		return err
	}
	if err := addTool(s, "validate_sql", `
		Check a query against the read-only safety rules without running it.
	`, s.handleValidate); err != nil {
		return err
	}
	if s.cfg.LiveSchema != nil {
		if err := s.registerLiveTools(); err != nil {
			return err
		}
	}
	return addTool(s, "execute_query", `
		PURPOSE:
		Run a read-only PostgreSQL SELECT against the Procast budget database.

		USAGE RULES:
		- Quote every table and column name: "EntryLines"."Amount".
		- Filter "IsDisabled" = false on tables that have it.
		- Exclude "IsComputedInverse" = true entry lines unless netting is intended.
		- Aggregate with GROUP BY and keep result sets small. A LIMIT is added
		  when the query has none.
	`, s.handleQuery)
}

func (s *Server) registerLiveTools() error {
	if err := addTool(s, "get_table_columns", `
		Column names, types, nullability, defaults and key constraints for the
		given tables, read from the live database.
	`, s.handleTableColumns); err != nil {
		return err
	}
	if err := addTool(s, "get_sample_data", `
		A few rows from one table, to see what its values look like.
	`, s.handleSample); err != nil {
		return err
	}
	return addTool(s, "get_live_table_stats", `
		Every public table in the live database with its column count.
	`, s.handleTableStats)
}

// addTool registers a typed tool and records call metrics around handle.
func addTool[In, Out any](s *Server, name, description string, handle func(context.Context, In) (Out, error)) error {
	in, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s input schema: %w", name, err)
	}
	out, err := jsonschema.For[Out](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s output schema: %w", name, err)
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:         name,
		Description:  dedent(description),
		InputSchema:  in,
		OutputSchema: out,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		res, err := handle(ctx, req)
		metrics.ToolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
			s.log.Debug("mcp/tool: call failed", "tool", name, "error", err)
			var zero Out
			return nil, zero, err
		}
		metrics.ToolCallsTotal.WithLabelValues(name, "success").Inc()
		return nil, res, nil
	})
	return nil
}

func dedent(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Join(lines, "\n")
}

func (s *Server) handleSummary(_ context.Context, _ EmptyInput) (SummaryOutput, error) {
	cat := s.cfg.Catalog
	return SummaryOutput{
		Summary:       cat.Summary(),
		Relationships: cat.Relationships(),
		QueryPatterns: cat.QueryPatterns(),
		Domains:       cat.AllDomains(),
	}, nil
}

func (s *Server) handleListDomains(_ context.Context, _ EmptyInput) (ListDomainsOutput, error) {
	cat := s.cfg.Catalog
	core := map[string]bool{}
	for _, name := range cat.CoreDomains() {
		core[name] = true
	}
	out := ListDomainsOutput{Domains: []DomainInfo{}}
	for _, name := range cat.AllDomains() {
		d, _ := cat.Describe(name)
		out.Domains = append(out.Domains, DomainInfo{
			Name:        d.Name,
			Description: d.Description,
			UseFor:      d.UseFor,
			Tables:      d.Tables,
			Core:        core[d.Name],
		})
	}
	return out, nil
}

func (s *Server) handleSchema(_ context.Context, req SchemaInput) (SchemaOutput, error) {
	cat := s.cfg.Catalog
	unknown := []string{}
	for _, name := range req.Domains {
		if !cat.IsValid(strings.ToLower(strings.TrimSpace(name))) {
			unknown = append(unknown, name)
		}
	}
	rendered := cat.Render(cat.WithCore(req.Domains))
	return SchemaOutput{
		Domains:       rendered.Domains,
		Unknown:       unknown,
		Schema:        rendered.Text,
		TokenEstimate: rendered.TokenEstimate,
	}, nil
}

func (s *Server) handleValidate(_ context.Context, req ValidateInput) (ValidateOutput, error) {
	ok, reason := s.cfg.Validator.Validate(req.SQL)
	return ValidateOutput{Valid: ok, Error: reason}, nil
}

func (s *Server) handleQuery(ctx context.Context, req QueryInput) (QueryOutput, error) {
	if ok, reason := s.cfg.Validator.Validate(req.SQL); !ok {
		return QueryOutput{}, fmt.Errorf("query rejected: %s", reason)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	limit = min(limit, maxQueryLimit)

	s.log.Debug("mcp/tool: executing query", "sql", req.SQL, "limit", limit)
	res, err := s.cfg.Executor.Execute(ctx, sqlguard.AddLimitIfMissing(req.SQL, limit), s.cfg.ServiceIdentity)
	if err != nil {
		return QueryOutput{}, fmt.Errorf("failed to execute query: %w", err)
	}
	return newQueryOutput(res), nil
}

func newQueryOutput(res *executor.Result) QueryOutput {
	out := QueryOutput{
		Columns:   res.Columns,
		Rows:      res.Rows,
		RowCount:  res.RowCount,
		Truncated: res.Truncated,
		SQL:       res.SQL,
	}
	if out.Columns == nil {
		out.Columns = []string{}
	}
	if out.Rows == nil {
		out.Rows = []map[string]any{}
	}
	return out
}

func (s *Server) handleTableColumns(ctx context.Context, req TableColumnsInput) (TableColumnsOutput, error) {
	cols, err := s.cfg.LiveSchema.TableColumns(ctx, req.Tables, s.cfg.ServiceIdentity)
	if err != nil {
		return TableColumnsOutput{}, fmt.Errorf("failed to get table columns: %w", err)
	}
	if cols == nil {
		cols = []executor.Column{}
	}
	return TableColumnsOutput{Columns: cols}, nil
}

func (s *Server) handleSample(ctx context.Context, req SampleInput) (QueryOutput, error) {
	res, err := s.cfg.LiveSchema.SampleRows(ctx, req.Table, req.Limit, s.cfg.ServiceIdentity)
	if err != nil {
		return QueryOutput{}, fmt.Errorf("failed to get sample data: %w", err)
	}
	return newQueryOutput(res), nil
}

func (s *Server) handleTableStats(ctx context.Context, _ EmptyInput) (TableStatsOutput, error) {
	stats, err := s.cfg.LiveSchema.TableStats(ctx, s.cfg.ServiceIdentity)
	if err != nil {
		return TableStatsOutput{}, fmt.Errorf("failed to get table stats: %w", err)
	}
	if stats == nil {
		stats = []executor.TableStat{}
	}
	return TableStatsOutput{Tables: stats}, nil
}
