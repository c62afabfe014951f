package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/executor"
	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultQueryLimit        = 100
	maxQueryLimit            = 1000
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// LiveSchema introspects the database. *executor.Executor implements it.
type LiveSchema interface {
	TableStats(ctx context.Context, id identity.Identity) ([]executor.TableStat, error)
	TableColumns(ctx context.Context, tables []string, id identity.Identity) ([]executor.Column, error)
	SampleRows(ctx context.Context, table string, limit int, id identity.Identity) (*executor.Result, error)
}

type Config struct {
	Logger *slog.Logger

	Catalog   *catalog.Catalog
	Validator workflow.SQLValidator
	Executor  workflow.QueryExecutor
	Database  Pinger // optional, backs /readyz

	// LiveSchema is optional; the live introspection tools are registered
	// only when it is set.
	LiveSchema LiveSchema

	// Queries run as this identity so row-level security still applies.
	ServiceIdentity identity.Identity

	Version           string
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	AllowedTokens     []string // Bearer tokens allowed for MCP endpoint authentication
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if c.Validator == nil {
		return fmt.Errorf("validator is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
