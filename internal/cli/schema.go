package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/analyst/pkg/catalog"
)

type SchemaCmd struct{}

func newSchemaCmd() *SchemaCmd {
	return &SchemaCmd{}
}

func (c *SchemaCmd) Command() *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "schema [domains...]",
		Short: "List schema domains, or print the rendered schema context for the given domains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := catalog.Default()
			out := cmd.OutOrStdout()
			if summary {
				fmt.Fprintln(out, cat.Summary())
				return nil
			}
			if len(args) == 0 {
				printDomains(out, cat)
				return nil
			}
			for _, name := range args {
				if !cat.IsValid(strings.ToLower(name)) {
					return fmt.Errorf("unknown domain %q (available: %s)", name, strings.Join(cat.AllDomains(), ", "))
				}
			}
			rendered := cat.Render(cat.WithCore(args))
			fmt.Fprintln(out, rendered.Text)
			fmt.Fprintf(out, "-- domains: %s, ~%d tokens\n", strings.Join(rendered.Domains, ", "), rendered.TokenEstimate)
			return nil
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "print the database summary instead")
	return cmd
}

func printDomains(w io.Writer, cat *catalog.Catalog) {
	core := cat.CoreDomains()

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Domain", "Core", "Description", "Tables"})

	for _, name := range cat.AllDomains() {
		d, _ := cat.Describe(name)
		isCore := ""
		if slices.Contains(core, name) {
			isCore = "yes"
		}
		table.Append([]string{d.Name, isCore, d.Description, strings.Join(d.Tables, "\n")})
	}
	table.Render()
}
