package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/analyst/config"
	"github.com/malbeclabs/analyst/internal/sessions"
	"github.com/malbeclabs/analyst/pkg/capability"
	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/executor"
	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/logger"
	"github.com/malbeclabs/analyst/pkg/sqlguard"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

const (
	llmCacheMaxBytes = 64 << 20
	shutdownTimeout  = 30 * time.Second
)

// app holds the dependencies shared by the commands. Fields are populated by
// the open* methods; Close releases whatever was opened.
type app struct {
	log      *slog.Logger
	settings *config.Settings

	catalog   *catalog.Catalog
	validator *sqlguard.Validator

	queryPool *pgxpool.Pool
	executor  *executor.Executor

	sessionsPool *pgxpool.Pool
	sessions     *sessions.Store

	llmCache     *llm.CachingClient
	orchestrator *workflow.Orchestrator
}

func newApp(g *globalFlags) (*app, error) {
	settings, err := g.settings()
	if err != nil {
		return nil, err
	}
	return &app{
		log:       logger.New(g.verbose),
		settings:  settings,
		catalog:   catalog.Default(),
		validator: sqlguard.New(0),
	}, nil
}

func (a *app) Close() {
	if a.llmCache != nil {
		a.llmCache.Close()
	}
	if a.sessionsPool != nil {
		a.sessionsPool.Close()
	}
	if a.queryPool != nil {
		a.queryPool.Close()
	}
}

// openExecutor connects to the read-only analysis database.
func (a *app) openExecutor(ctx context.Context) error {
	pool, err := executor.NewPool(ctx, executor.PoolConfig{URL: a.settings.ReadOnlyDatabaseURL})
	if err != nil {
		return fmt.Errorf("failed to connect to analysis database: %w", err)
	}
	a.queryPool = pool

	a.executor, err = executor.New(executor.Config{
		Logger:           a.log,
		DB:               pool,
		MaxRows:          a.settings.MaxQueryResults,
		StatementTimeout: a.settings.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	return nil
}

// openSessions connects to the read-write database and applies the chat
// session migrations. Without a database url sessions stay disabled.
func (a *app) openSessions(ctx context.Context) error {
	if a.settings.DatabaseURL == "" {
		a.log.Warn("cli: no database url configured, chat sessions disabled")
		return nil
	}
	pool, err := executor.NewPool(ctx, executor.PoolConfig{URL: a.settings.DatabaseURL, MaxConns: 5, MinConns: 1})
	if err != nil {
		return fmt.Errorf("failed to connect to sessions database: %w", err)
	}
	a.sessionsPool = pool

	store, err := sessions.New(sessions.Config{Logger: a.log, DB: pool})
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	if err := store.RunMigrations(ctx); err != nil {
		return fmt.Errorf("failed to migrate sessions: %w", err)
	}
	a.sessions = store
	return nil
}

// openWorkflow builds the LLM adapters and the orchestrator. It requires
// openExecutor to have run.
func (a *app) openWorkflow() error {
	if a.executor == nil {
		return errors.New("executor is not open")
	}
	s := a.settings

	var client llm.Client
	anthropicClient, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		Logger:      a.log,
		APIKey:      s.AnthropicAPIKey,
		Model:       s.LLMModel,
		MaxTokens:   s.LLMMaxTokens,
		Temperature: s.LLMTemperature,
	})
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}
	client = anthropicClient
	if s.LLMCacheEnabled {
		a.llmCache, err = llm.NewCachingClient(anthropicClient, llmCacheMaxBytes, llm.DefaultCacheTTL)
		if err != nil {
			return fmt.Errorf("failed to create llm cache: %w", err)
		}
		client = a.llmCache
	}

	prompts, err := capability.LoadPrompts()
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}
	capCfg := capability.Config{
		Logger:    a.log,
		LLM:       client,
		Catalog:   a.catalog,
		Prompts:   prompts,
		Model:     s.LLMModel,
		AuxModel:  s.LLMAuxModel,
		MaxTokens: s.LLMMaxTokens,
	}

	classifier, err := capability.NewClassifier(capCfg)
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}
	llmSelector, err := capability.NewLLMSelector(capCfg)
	if err != nil {
		return fmt.Errorf("failed to create domain selector: %w", err)
	}
	generator, err := capability.NewGenerator(capCfg)
	if err != nil {
		return fmt.Errorf("failed to create sql generator: %w", err)
	}
	analyzer, err := capability.NewAnalyzer(capCfg)
	if err != nil {
		return fmt.Errorf("failed to create analyzer: %w", err)
	}

	a.orchestrator, err = workflow.New(workflow.Config{
		Logger:         a.log,
		Classifier:     classifier,
		Selector:       capability.NewRuleSelector(a.catalog, llmSelector),
		Generator:      generator,
		Validator:      a.validator,
		Executor:       a.executor,
		Analyzer:       analyzer,
		Schema:         a.catalog,
		MaxRetries:     s.MaxRetries,
		MinConfidence:  s.MinConfidence,
		AdapterTimeout: s.AdapterTimeout,
		QueryTimeout:   s.QueryTimeout,
		HistoryLimit:   s.HistoryLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// serveMetrics exposes prometheus metrics until ctx is done. An empty
// address disables the listener.
func (a *app) serveMetrics(ctx context.Context) {
	addr := a.settings.MetricsAddr
	if addr == "" {
		return
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		a.log.Error("cli: failed to start prometheus metrics server listener", "error", err)
		return
	}
	a.log.Info("cli: prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("cli: prometheus metrics server failed", "error", err)
		}
	}()
}
