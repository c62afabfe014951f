package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/malbeclabs/analyst/internal/mcp/server"
	"github.com/malbeclabs/analyst/pkg/identity"
)

const mcpServiceUserID = "mcp-service"

type MCPCmd struct {
	g     *globalFlags
	build BuildInfo
}

func newMCPCmd(g *globalFlags, build BuildInfo) *MCPCmd {
	return &MCPCmd{g: g, build: build}
}

func (c *MCPCmd) Command() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP server exposing schema and query tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(c.g)
			if err != nil {
				return err
			}
			defer a.Close()
			s := a.settings
			if listenAddr != "" {
				s.MCPListenAddr = listenAddr
			}

			if err := a.openExecutor(ctx); err != nil {
				return err
			}
			a.serveMetrics(ctx)

			var tokens []string
			if s.MCPAuthToken != "" {
				tokens = []string{s.MCPAuthToken}
			} else {
				a.log.Warn("cli: mcp server running without authentication")
			}

			server, err := mcpserver.New(mcpserver.Config{
				Logger:          a.log,
				Catalog:         a.catalog,
				Validator:       a.validator,
				Executor:        a.executor,
				Database:        a.executor,
				LiveSchema:      a.executor,
				ServiceIdentity: identity.New(mcpServiceUserID, s.MCPServiceEmail),
				Version:         c.build.Version,
				ListenAddr:      s.MCPListenAddr,
				AllowedTokens:   tokens,
			})
			if err != nil {
				return fmt.Errorf("failed to create mcp server: %w", err)
			}
			return server.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "mcp listen address (overrides ANALYST_MCP_LISTEN_ADDR)")
	return cmd
}
