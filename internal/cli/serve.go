package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/analyst/internal/api"
	"github.com/malbeclabs/analyst/pkg/identity"
)

type ServeCmd struct {
	g     *globalFlags
	build BuildInfo
}

func newServeCmd(g *globalFlags, build BuildInfo) *ServeCmd {
	return &ServeCmd{g: g, build: build}
}

func (c *ServeCmd) Command() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(c.g)
			if err != nil {
				return err
			}
			defer a.Close()
			if listenAddr != "" {
				a.settings.ListenAddr = listenAddr
			}
			return c.run(ctx, a)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "api listen address (overrides ANALYST_LISTEN_ADDR)")
	return cmd
}

func (c *ServeCmd) run(ctx context.Context, a *app) error {
	if err := a.openExecutor(ctx); err != nil {
		return err
	}
	if err := a.openSessions(ctx); err != nil {
		return err
	}
	if err := a.openWorkflow(); err != nil {
		return err
	}
	a.serveMetrics(ctx)

	s := a.settings
	cfg := api.Config{
		Logger:       a.log,
		Runner:       a.orchestrator,
		Catalog:      a.catalog,
		Validator:    a.validator,
		Database:     a.executor,
		LiveSchema:   a.executor,
		HistoryLimit: s.HistoryLimit,
		CORSOrigins:  s.CORSOrigins,
		MockAuth:     s.MockAuth,
		MockUser:     identity.New(s.MockUserID, s.MockUserEmail),
	}
	if a.sessions != nil {
		cfg.Sessions = a.sessions
	}
	server, err := api.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         s.ListenAddr,
		Handler:      server.Handler(),
		ReadTimeout:  api.DefaultReadTimeout,
		WriteTimeout: api.DefaultWriteTimeout,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()
	a.log.Info("cli: api server listening", "address", s.ListenAddr, "env", s.Env, "version", c.build.Version, "sessions", a.sessions != nil)

	select {
	case <-ctx.Done():
		a.log.Info("cli: shutting down api server", "reason", ctx.Err())
	case err := <-serveErrCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown api server: %w", err)
	}
	a.log.Info("cli: api server stopped")
	return nil
}
