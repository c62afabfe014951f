// Package executor runs validated analysis queries against the budget
// database. Every query runs in a read-only transaction scoped to the
// requesting person, so row-level security policies keyed on
// app.current_person_id decide what is visible.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jellydator/ttlcache/v3"

	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/metrics"
	"github.com/malbeclabs/analyst/pkg/sqlguard"
)

const (
	DefaultMaxRows          = 1000
	DefaultStatementTimeout = 30 * time.Second
	DefaultIdentityCacheTTL = 5 * time.Minute
	DefaultMaxFieldLength   = 10000
)

const (
	lookupPersonSQL = `SELECT "Id"::text, COALESCE("CompanyId"::text, '') FROM "People" WHERE LOWER("Email") = LOWER($1) AND "IsDisabled" = false LIMIT 1`
	setPersonSQL    = `SELECT set_config('app.current_person_id', $1, true)`
	tableCountSQL   = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_type = 'BASE TABLE'`
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

type Config struct {
	Logger           *slog.Logger
	DB               DB
	MaxRows          int
	StatementTimeout time.Duration
	IdentityCacheTTL time.Duration
	MaxFieldLength   int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.MaxRows <= 0 {
		c.MaxRows = DefaultMaxRows
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = DefaultStatementTimeout
	}
	if c.IdentityCacheTTL <= 0 {
		c.IdentityCacheTTL = DefaultIdentityCacheTTL
	}
	if c.MaxFieldLength <= 0 {
		c.MaxFieldLength = DefaultMaxFieldLength
	}
	return nil
}

// Person is the People row an email resolves to.
type Person struct {
	PersonID  string
	CompanyID string
}

type Result struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated,omitempty"`
	SQL       string           `json:"sql"`
	Duration  time.Duration    `json:"duration"`
}

type Executor struct {
	log    *slog.Logger
	cfg    Config
	people *ttlcache.Cache[string, Person]
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Executor{
		log: cfg.Logger,
		cfg: cfg,
		people: ttlcache.New(
			ttlcache.WithTTL[string, Person](cfg.IdentityCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, Person](),
		),
	}, nil
}

// ResolvePerson looks up the person for an email. Misses are not cached so
// a newly provisioned user is picked up on the next request.
func (e *Executor) ResolvePerson(ctx context.Context, email string) (Person, bool, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if key == "" {
		return Person{}, false, nil
	}
	if item := e.people.Get(key); item != nil {
		metrics.IdentityLookupsTotal.WithLabelValues("cache_hit").Inc()
		return item.Value(), true, nil
	}

	var p Person
	err := e.cfg.DB.QueryRow(ctx, lookupPersonSQL, key).Scan(&p.PersonID, &p.CompanyID)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.IdentityLookupsTotal.WithLabelValues("not_found").Inc()
		return Person{}, false, nil
	}
	if err != nil {
		metrics.IdentityLookupsTotal.WithLabelValues("error").Inc()
		return Person{}, false, fmt.Errorf("failed to look up person: %w", err)
	}
	if !identity.ValidPersonID(p.PersonID) {
		metrics.IdentityLookupsTotal.WithLabelValues("invalid").Inc()
		return Person{}, false, fmt.Errorf("person id %q is not a uuid", p.PersonID)
	}

	metrics.IdentityLookupsTotal.WithLabelValues("found").Inc()
	e.people.Set(key, p, ttlcache.DefaultTTL)
	return p, true, nil
}

// scope returns the person id to set for RLS. An empty id denies all rows.
func (e *Executor) scope(ctx context.Context, id identity.Identity) string {
	if id.HasPerson() {
		return id.PersonID
	}
	if id.PersonID != "" {
		e.log.Error("executor: person id is not a uuid, rls will deny all access", "user_id", id.UserID)
		return ""
	}
	if id.Email == "" {
		e.log.Warn("executor: no person id or email, rls will deny all access", "user_id", id.UserID)
		return ""
	}

	p, ok, err := e.ResolvePerson(ctx, id.Email)
	if err != nil {
		e.log.Error("executor: failed to resolve person", "email", id.Email, "error", err)
		return ""
	}
	if !ok {
		e.log.Warn("executor: person not found by email, rls will deny all access", "email", id.Email)
		return ""
	}
	return p.PersonID
}

// Execute runs sql for the given identity. A LIMIT is appended when missing
// and at most MaxRows rows are returned. Failures are returned as *Error.
func (e *Executor) Execute(ctx context.Context, sql string, id identity.Identity) (*Result, error) {
	start := time.Now()
	res, err := e.execute(ctx, sql, id)
	metrics.DBQueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var execErr *Error
		if !errors.As(err, &execErr) {
			execErr = classify(err)
		}
		metrics.DBQueriesTotal.WithLabelValues(string(execErr.Category)).Inc()
		e.log.Warn("executor: query failed", "category", execErr.Category, "error", execErr.Message)
		return nil, execErr
	}
	res.Duration = time.Since(start)
	metrics.DBQueriesTotal.WithLabelValues("ok").Inc()
	metrics.DBRowsReturned.Observe(float64(res.RowCount))
	e.log.Debug("executor: query complete", "rows", res.RowCount, "truncated", res.Truncated, "duration", res.Duration)
	return res, nil
}

func (e *Executor) execute(ctx context.Context, sql string, id identity.Identity) (*Result, error) {
	query := sqlguard.AddLimitIfMissing(sql, e.cfg.MaxRows)

	var res *Result
	err := e.inScope(ctx, id, func(tx pgx.Tx) error {
		var err error
		res, err = e.collect(ctx, tx, query)
		return err
	})
	if err != nil {
		return nil, err
	}
	res.SQL = query
	return res, nil
}

// inScope runs fn in a read-only transaction with app.current_person_id set
// for id and the statement timeout applied. Errors from fn should already be
// classified.
func (e *Executor) inScope(ctx context.Context, id identity.Identity, fn func(tx pgx.Tx) error) error {
	personID := e.scope(ctx, id)

	tx, err := e.cfg.DB.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return classify(err)
		}
		return newError(CategoryConnection, "database connection error", err)
	}

	err = e.prepare(ctx, tx, personID)
	if err == nil {
		err = fn(tx)
	}
	if err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			e.log.Debug("executor: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (e *Executor) prepare(ctx context.Context, tx pgx.Tx, personID string) error {
	if _, err := tx.Exec(ctx, setPersonSQL, personID); err != nil {
		return classify(err)
	}
	timeout := fmt.Sprintf("SET LOCAL statement_timeout = %d", e.cfg.StatementTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		return classify(err)
	}
	return nil
}

func (e *Executor) collect(ctx context.Context, tx pgx.Tx, query string, args ...any) (*Result, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	res := &Result{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		if len(res.Rows) >= e.cfg.MaxRows {
			res.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(values) {
				row[col] = e.convert(values[i])
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	rows.Close()
	res.RowCount = len(res.Rows)
	return res, nil
}

// convert turns driver values into JSON friendly ones.
func (e *Executor) convert(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case []byte:
		return e.truncate(string(val))
	case string:
		return e.truncate(val)
	default:
		return v
	}
}

// truncate cuts s to at most MaxFieldLength bytes without splitting a rune.
func (e *Executor) truncate(s string) string {
	n := e.cfg.MaxFieldLength
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func (e *Executor) Ping(ctx context.Context) error {
	return e.cfg.DB.Ping(ctx)
}

type Health struct {
	Status     string `json:"status"`
	Connected  bool   `json:"connected"`
	TableCount int    `json:"table_count"`
	Error      string `json:"error,omitempty"`
}

// Health pings the database and counts public base tables.
func (e *Executor) Health(ctx context.Context) Health {
	if err := e.cfg.DB.Ping(ctx); err != nil {
		e.log.Error("executor: health check failed", "error", err)
		return Health{Status: "unhealthy", Error: "database unreachable"}
	}
	h := Health{Status: "healthy", Connected: true}
	if err := e.cfg.DB.QueryRow(ctx, tableCountSQL).Scan(&h.TableCount); err != nil {
		e.log.Warn("executor: failed to count tables", "error", err)
	}
	return h
}
