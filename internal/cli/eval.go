package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/analyst/internal/eval"
	"github.com/malbeclabs/analyst/pkg/identity"
)

type EvalCmd struct {
	g *globalFlags
}

func newEvalCmd(g *globalFlags) *EvalCmd {
	return &EvalCmd{g: g}
}

func (c *EvalCmd) Command() *cobra.Command {
	var (
		file        string
		email       string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run the evaluation questions against the live workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cases := eval.DefaultCases()
			if file != "" {
				var err error
				if cases, err = eval.LoadCases(file); err != nil {
					return err
				}
			}

			a, err := newApp(c.g)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openExecutor(ctx); err != nil {
				return err
			}
			if err := a.openWorkflow(); err != nil {
				return err
			}

			evaluator, err := eval.New(eval.Config{
				Logger:         a.log,
				Runner:         a.orchestrator,
				Identity:       identity.New("eval", email),
				MaxConcurrency: concurrency,
			})
			if err != nil {
				return fmt.Errorf("failed to create evaluator: %w", err)
			}
			defer evaluator.Close()

			a.log.Info("cli: running eval cases", "count", len(cases))
			results, err := evaluator.Run(ctx, cases)
			if err != nil {
				return err
			}
			if err := eval.Report(cmd.OutOrStdout(), results); err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
			if passed := eval.Passed(results); passed < len(results) {
				return fmt.Errorf("%d of %d cases failed", len(results)-passed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "yaml case file (defaults to the built-in set)")
	cmd.Flags().StringVar(&email, "email", "", "email the cases run as")
	cmd.Flags().IntVar(&concurrency, "concurrency", eval.DefaultMaxConcurrency, "cases run in parallel")
	return cmd
}
