package cmd

import (
	"context"
	"fmt"

	"github.com/pvaduva/auto-test-sub005/pkg/lab"
	"github.com/spf13/cobra"
)

// activeCmd represents the active command
var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "Print the host key of the active controller",
	Long: `Connects to the floating controller address, asks for its hostname
and prints the lab host key it maps to.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLab(func(ctx context.Context, l *lab.Lab) error {
			sess, err := l.Session(ctx, lab.Active)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.Host())
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(activeCmd)
}
