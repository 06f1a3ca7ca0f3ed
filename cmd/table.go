package cmd

import (
	"context"
	"fmt"
	"strings"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/executor"
	"github.com/pvaduva/auto-test-sub005/pkg/lab"
	"github.com/pvaduva/auto-test-sub005/pkg/table"
	"github.com/spf13/cobra"
)

var (
	tableHost    string
	tableAdmin   bool
	tableColumns []string
	tableFilters []string
	tableMatch   string
	tableMerge   bool
)

// tableCmd represents the table command
var tableCmd = &cobra.Command{
	Use:   "table [flags] -- COMMAND...",
	Short: "Run a CLI command and print selected parts of its table",
	Long: `Runs a command that prints an ASCII grid table (system host-list,
openstack server list, ...), keeps the rows matching every --filter and
prints the requested --columns.

Filters are column=value pairs compared according to --match.`,
	Example: `  sutctl table --admin -f personality=controller -o hostname,availability -- system host-list`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args, " ")
		match, err := parseMatch(tableMatch)
		if err != nil {
			return err
		}
		filters, err := parseFilters(tableFilters)
		if err != nil {
			return err
		}
		var parseOpts []table.Option
		if tableMerge {
			parseOpts = append(parseOpts, table.MergeWrapped())
		}

		return withLab(func(ctx context.Context, l *lab.Lab) error {
			sess, err := prepare(ctx, l, tableHost, tableAdmin)
			if err != nil {
				return err
			}
			tbl, _, err := l.Executor().Table(ctx, sess, command, executor.Options{}, parseOpts...)
			if err != nil {
				return err
			}
			out, err := selectTable(tbl, match, filters, tableColumns)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		})
	},
}

func selectTable(tbl *table.Table, match table.Match, filters table.Filters, columns []string) (*table.Table, error) {
	out, err := table.Filter(tbl, match, filters)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return out, nil
	}
	values, err := table.MultiValues(out, columns, table.Exact, nil)
	if err != nil {
		return nil, err
	}
	return table.New(columns, values)
}

func parseMatch(s string) (table.Match, error) {
	for _, m := range []table.Match{table.Exact, table.Substring, table.Regex} {
		if m.String() == s {
			return m, nil
		}
	}
	return table.Exact, serrors.Newf(serrors.ErrInvalidInput, "unknown match mode %q (exact, substring, regex)", s)
}

func parseFilters(pairs []string) (table.Filters, error) {
	filters := make(table.Filters, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, serrors.Newf(serrors.ErrInvalidInput, "filter %q is not column=value", p)
		}
		filters[k] = v
	}
	return filters, nil
}

func init() {
	rootCmd.AddCommand(tableCmd)

	addHostFlags(tableCmd, &tableHost, &tableAdmin)
	tableCmd.Flags().StringSliceVarP(&tableColumns, "columns", "o", nil, "Columns to print, in order (default all)")
	tableCmd.Flags().StringArrayVarP(&tableFilters, "filter", "f", nil, "Keep rows where column=value (repeatable)")
	tableCmd.Flags().StringVar(&tableMatch, "match", "exact", "Filter comparison: exact, substring or regex")
	tableCmd.Flags().BoolVar(&tableMerge, "merge-wrapped", false, "Join cells wrapped over several lines")
}
