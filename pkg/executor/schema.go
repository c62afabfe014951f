package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/sqlguard"
)

const (
	DefaultSampleRows = 5
	MaxSampleRows     = 10
	// MaxColumnTables bounds how many tables one TableColumns call covers.
	MaxColumnTables   = 50
)

const (
	tableStatsSQL = `SELECT t.table_name::text,
	(SELECT COUNT(*) FROM information_schema.columns c WHERE c.table_name = t.table_name AND c.table_schema = 'public')::int
FROM information_schema.tables t
WHERE t.table_schema = 'public' AND t.table_type = 'BASE TABLE'
ORDER BY t.table_name`

	tableColumnsSQL = `SELECT c.table_name::text, c.column_name::text, c.data_type::text, c.is_nullable::text, c.column_default::text, tc.constraint_type::text
FROM information_schema.columns c
LEFT JOIN information_schema.key_column_usage kcu
	ON kcu.table_name = c.table_name AND kcu.column_name = c.column_name AND kcu.table_schema = c.table_schema
LEFT JOIN information_schema.table_constraints tc
	ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = c.table_schema
WHERE c.table_schema = 'public' AND c.table_name = ANY($1)
ORDER BY c.table_name, c.ordinal_position`
)

var ErrInvalidTable = errors.New("invalid table name")

type TableStat struct {
	Table       string `json:"table_name"`
	ColumnCount int    `json:"column_count"`
}

type Column struct {
	Table          string  `json:"table_name"`
	Column         string  `json:"column_name"`
	DataType       string  `json:"data_type"`
	IsNullable     string  `json:"is_nullable"`
	Default        *string `json:"column_default,omitempty"`
	ConstraintType *string `json:"constraint_type,omitempty"`
}

// TableStats lists public base tables with their column counts.
func (e *Executor) TableStats(ctx context.Context, id identity.Identity) ([]TableStat, error) {
	var stats []TableStat
	err := e.inScope(ctx, id, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, tableStatsSQL)
		if err != nil {
			return classify(err)
		}
		stats, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (TableStat, error) {
			var s TableStat
			err := row.Scan(&s.Table, &s.ColumnCount)
			return s, err
		})
		if err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		e.log.Warn("executor: failed to list table stats", "error", err)
		return nil, err
	}
	return stats, nil
}

// TableColumns returns column metadata for the named public tables, in
// ordinal order. Names are sanitized first and at most MaxColumnTables are
// looked up.
func (e *Executor) TableColumns(ctx context.Context, tables []string, id identity.Identity) ([]Column, error) {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		if safe := sqlguard.SanitizeIdentifier(t); safe != "" {
			names = append(names, safe)
		}
		if len(names) == MaxColumnTables {
			break
		}
	}
	if len(names) == 0 {
		return nil, ErrInvalidTable
	}

	var cols []Column
	err := e.inScope(ctx, id, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, tableColumnsSQL, names)
		if err != nil {
			return classify(err)
		}
		cols, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Column, error) {
			var c Column
			err := row.Scan(&c.Table, &c.Column, &c.DataType, &c.IsNullable, &c.Default, &c.ConstraintType)
			return c, err
		})
		if err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		e.log.Warn("executor: failed to list table columns", "tables", names, "error", err)
		return nil, err
	}
	return cols, nil
}

// SampleRows returns up to limit rows of table, clamped to MaxSampleRows.
// A non-positive limit means DefaultSampleRows.
func (e *Executor) SampleRows(ctx context.Context, table string, limit int, id identity.Identity) (*Result, error) {
	safe := sqlguard.SanitizeIdentifier(table)
	if safe == "" {
		return nil, ErrInvalidTable
	}
	switch {
	case limit <= 0:
		limit = DefaultSampleRows
	case limit > MaxSampleRows:
		limit = MaxSampleRows
	}
	return e.Execute(ctx, fmt.Sprintf(`SELECT * FROM "%s" LIMIT %d`, safe, limit), id)
}
