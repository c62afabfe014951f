// Package cli implements the analyst command line: the HTTP API and MCP
// servers, one-shot questions, SQL validation, schema inspection and evals.
package cli

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/malbeclabs/analyst/config"
	"github.com/malbeclabs/analyst/pkg/metrics"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// BuildInfo is injected by main from ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

type globalFlags struct {
	verbose     bool
	env         string
	databaseURL string
	metricsAddr string
}

func (g *globalFlags) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("global", pflag.ContinueOnError)
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "set debug logging level")
	fs.StringVarP(&g.env, "env", "e", config.EnvLocal, "environment (local, staging, production)")
	fs.StringVar(&g.databaseURL, "database-url", "", "read-only database url for generated queries (overrides ANALYST_READONLY_DATABASE_URL)")
	fs.StringVar(&g.metricsAddr, "metrics-addr", "", "prometheus listen address (overrides ANALYST_METRICS_ADDR)")
	return fs
}

// settings loads configuration for the selected environment and applies
// command line overrides.
func (g *globalFlags) settings() (*config.Settings, error) {
	s, err := config.Load(g.env)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if g.databaseURL != "" {
		s.ReadOnlyDatabaseURL = g.databaseURL
	}
	if g.metricsAddr != "" {
		s.MetricsAddr = g.metricsAddr
	}
	return s, nil
}

func Run(build BuildInfo, args []string) ExitCode {
	_ = godotenv.Load()

	metrics.BuildInfo.WithLabelValues(build.Version, build.Commit, build.Date).Set(1)

	rootCmd := newRootCmd(build)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return exitCodeError
	}
	return exitCodeSuccess
}

func newRootCmd(build BuildInfo) *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "analyst",
		Short:         "Natural-language budget analysis over the Procast database.",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", build.Version, build.Commit, build.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().AddFlagSet(g.flagSet())

	rootCmd.AddCommand(
		newServeCmd(g, build).Command(),
		newMCPCmd(g, build).Command(),
		newAskCmd(g).Command(),
		newValidateCmd().Command(),
		newSchemaCmd().Command(),
		newEvalCmd(g).Command(),
	)
	return rootCmd
}
