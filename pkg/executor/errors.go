package executor

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Category classifies a query failure.
type Category string

const (
	CategoryTimeout    Category = "timeout"
	CategoryPermission Category = "permission"
	CategorySyntax     Category = "syntax"
	CategoryConnection Category = "connection"
	CategoryExecution  Category = "execution"
)

// Error is returned for every failed execution. Message is safe to feed back
// to SQL generation; it never contains connection details.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

func newError(category Category, msg string, err error) *Error {
	return &Error{Category: category, Message: msg, Err: err}
}

// classify maps a query error onto a category and a message describing it.
func classify(err error) *Error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err):
		return newError(CategoryTimeout, "query timed out", err)
	case errors.As(err, &pgErr):
		msg := pgErr.Message
		if pgErr.Detail != "" {
			msg += " (" + pgErr.Detail + ")"
		}
		if pgErr.Hint != "" {
			msg += " hint: " + pgErr.Hint
		}
		switch {
		case pgErr.Code == "57014":
			return newError(CategoryTimeout, "query timed out: "+msg, err)
		case pgErr.Code == "42501":
			return newError(CategoryPermission, "permission denied: "+msg, err)
		case strings.HasPrefix(pgErr.Code, "42"):
			return newError(CategorySyntax, msg, err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return newError(CategoryConnection, "database connection error", err)
		default:
			return newError(CategoryExecution, msg, err)
		}
	default:
		return newError(CategoryExecution, err.Error(), err)
	}
}
