package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

type AskCmd struct {
	g *globalFlags
}

func newAskCmd(g *globalFlags) *AskCmd {
	return &AskCmd{g: g}
}

func (c *AskCmd) Command() *cobra.Command {
	var (
		userID   string
		email    string
		progress bool
	)
	cmd := &cobra.Command{
		Use:   `ask "question"`,
		Short: "Answer a single question and print the response, SQL and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

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

			out := cmd.OutOrStdout()
			var onProgress workflow.ProgressCallback
			if progress {
				onProgress = func(p workflow.Progress) {
					fmt.Fprintf(cmd.ErrOrStderr(), "... %s (attempt %d)\n", p.Node, p.Attempt)
				}
			}
			res, err := a.orchestrator.RunWithProgress(ctx, args[0], nil, identity.New(userID, email), onProgress)
			if err != nil {
				return fmt.Errorf("failed to answer question: %w", err)
			}
			printResult(out, res)
			if res.ErrorCategory != workflow.ErrorNone {
				return fmt.Errorf("turn ended with %s error", res.ErrorCategory)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "cli", "user id the question runs as")
	cmd.Flags().StringVar(&email, "email", "", "email used to resolve the person for row-level security")
	cmd.Flags().BoolVar(&progress, "progress", false, "print workflow progress to stderr")
	return cmd
}

func printResult(w io.Writer, res *workflow.Result) {
	fmt.Fprintln(w, res.ResponseText)
	if res.GeneratedSQL != "" {
		fmt.Fprintf(w, "\n-- SQL\n%s\n", strings.TrimSpace(res.GeneratedSQL))
	}
	if res.Error != "" {
		fmt.Fprintf(w, "\nerror (%s): %s\n", res.ErrorCategory, res.Error)
	}
	fmt.Fprintf(w, "\nintent=%s domains=%s rows=%d confidence=%.2f retries=%d llm_calls=%d db_queries=%d duration=%s\n",
		res.Intent,
		strings.Join(res.SelectedDomains, ","),
		res.RowCount,
		res.Confidence,
		res.Retries,
		res.LLMCalls,
		res.DBQueries,
		res.Duration.Round(time.Millisecond),
	)
}
