package cmd

import (
	"fmt"

	"github.com/pvaduva/auto-test-sub005/pkg/config"
	"github.com/spf13/cobra"
)

var schemaEnv bool

// schemaCmd represents the schema command
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the lab file",
	Long: `Prints the JSON schema describing lab files. With --env, lists the
environment variables that override the lab file instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if schemaEnv {
			for _, line := range config.Usage() {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		}
		data, err := config.SchemaJSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.Flags().BoolVar(&schemaEnv, "env", false, "List environment overrides instead")
}
