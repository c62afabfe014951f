package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/analyst/pkg/executor"
)

const liveSchemaTimeout = 30 * time.Second

type liveSchemaResponse struct {
	Tables      []string          `json:"tables"`
	SchemaInfo  []executor.Column `json:"schema_info"`
	TotalTables int               `json:"total_tables"`
}

type sampleResponse struct {
	Table       string           `json:"table"`
	SampleCount int              `json:"sample_count"`
	Data        []map[string]any `json:"data"`
}

func (s *Server) liveAvailable(w http.ResponseWriter) bool {
	if s.cfg.LiveSchema == nil {
		writeError(w, http.StatusServiceUnavailable, "live schema unavailable")
		return false
	}
	return true
}

// failLive maps introspection errors to responses. Unknown tables surface
// as syntax errors from the database.
func (s *Server) failLive(w http.ResponseWriter, table string, err error) {
	var execErr *executor.Error
	switch {
	case errors.Is(err, executor.ErrInvalidTable):
		writeError(w, http.StatusBadRequest, "invalid table name")
	case errors.As(err, &execErr) && execErr.Category == executor.CategorySyntax && table != "":
		writeError(w, http.StatusNotFound, "table '"+table+"' not found")
	default:
		s.log.Error("api: live schema request failed", "table", table, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to retrieve schema")
	}
}

func (s *Server) tableNames(ctx context.Context, r *http.Request) ([]string, error) {
	stats, err := s.cfg.LiveSchema.TableStats(ctx, userFrom(r))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(stats))
	for _, st := range stats {
		names = append(names, st.Table)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Server) liveSchema(w http.ResponseWriter, r *http.Request) {
	if !s.liveAvailable(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), liveSchemaTimeout)
	defer cancel()

	names, err := s.tableNames(ctx, r)
	if err != nil {
		s.failLive(w, "", err)
		return
	}
	if filter := r.URL.Query().Get("tables"); filter != "" {
		wanted := map[string]bool{}
		for _, t := range strings.Split(filter, ",") {
			wanted[strings.TrimSpace(t)] = true
		}
		names = slices.DeleteFunc(names, func(n string) bool { return !wanted[n] })
	}

	resp := liveSchemaResponse{Tables: names, SchemaInfo: []executor.Column{}, TotalTables: len(names)}
	if len(names) > 0 {
		cols, err := s.cfg.LiveSchema.TableColumns(ctx, names, userFrom(r))
		if err != nil {
			s.failLive(w, "", err)
			return
		}
		resp.SchemaInfo = cols
	}
	s.log.Info("api: live schema request", "user_id", userFrom(r).UserID, "tables", len(names))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) liveTables(w http.ResponseWriter, r *http.Request) {
	if !s.liveAvailable(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), liveSchemaTimeout)
	defer cancel()

	names, err := s.tableNames(ctx, r)
	if err != nil {
		s.failLive(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) liveTable(w http.ResponseWriter, r *http.Request) {
	if !s.liveAvailable(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), liveSchemaTimeout)
	defer cancel()

	table := chi.URLParam(r, "table")
	cols, err := s.cfg.LiveSchema.TableColumns(ctx, []string{table}, userFrom(r))
	if err != nil {
		s.failLive(w, table, err)
		return
	}
	if len(cols) == 0 {
		writeError(w, http.StatusNotFound, "table '"+table+"' not found")
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

func (s *Server) liveSample(w http.ResponseWriter, r *http.Request) {
	if !s.liveAvailable(w) {
		return
	}
	limit, err := intParam(r, "limit", executor.DefaultSampleRows, 1, executor.MaxSampleRows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), liveSchemaTimeout)
	defer cancel()

	table := chi.URLParam(r, "table")
	res, err := s.cfg.LiveSchema.SampleRows(ctx, table, limit, userFrom(r))
	if err != nil {
		s.failLive(w, table, err)
		return
	}
	writeJSON(w, http.StatusOK, sampleResponse{Table: table, SampleCount: res.RowCount, Data: res.Rows})
}
