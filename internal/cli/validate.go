package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/analyst/pkg/sqlguard"
)

var errSQLRejected = errors.New("sql rejected")

type ValidateCmd struct{}

func newValidateCmd() *ValidateCmd {
	return &ValidateCmd{}
}

func (c *ValidateCmd) Command() *cobra.Command {
	var maxLength int
	cmd := &cobra.Command{
		Use:   `validate "sql"`,
		Short: "Check a query against the read-only safety rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, reason := sqlguard.New(maxLength).Validate(args[0])
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "invalid: %s\n", reason)
				return errSQLRejected
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}
	cmd.Flags().IntVar(&maxLength, "max-length", 0, "maximum query length (0 uses the default)")
	return cmd
}
