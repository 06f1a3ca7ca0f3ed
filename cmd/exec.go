package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pvaduva/auto-test-sub005/pkg/executor"
	"github.com/pvaduva/auto-test-sub005/pkg/lab"
	"github.com/pvaduva/auto-test-sub005/pkg/session"
	"github.com/spf13/cobra"
)

var (
	execHost         string
	execTimeout      time.Duration
	execFailOk       bool
	execSkipStatus   bool
	execSudoPassword string
	execAdmin        bool
)

// execCmd represents the exec command
var execCmd = &cobra.Command{
	Use:   "exec [flags] -- COMMAND...",
	Short: "Run a shell command on a lab host",
	Long: `Runs one command in the interactive shell of a lab host and prints its
output without the echoed command line or the prompt.

The host defaults to the active controller. With --fail-ok a non-zero exit
status is printed instead of failing.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args, " ")
		return withLab(func(ctx context.Context, l *lab.Lab) error {
			sess, err := prepare(ctx, l, execHost, execAdmin)
			if err != nil {
				return err
			}

			opts := executor.Options{
				Timeout:        execTimeout,
				FailOk:         execFailOk,
				SkipExitStatus: execSkipStatus,
			}
			var res executor.Result
			if execSudoPassword != "" {
				res, err = l.Executor().ExecSudo(ctx, sess, command, execSudoPassword, opts)
			} else {
				res, err = l.Executor().Execute(ctx, sess, command, opts)
			}
			if res.Output != "" {
				fmt.Fprintln(cmd.OutOrStdout(), res.Output)
			}
			if err != nil {
				return err
			}
			if execFailOk {
				fmt.Fprintf(cmd.ErrOrStderr(), "exit status %d (%s)\n", res.ExitStatus, res.Outcome)
			}
			return nil
		})
	},
}

// prepare returns the session for host, switched to the admin prompt when
// admin is set.
func prepare(ctx context.Context, l *lab.Lab, host string, admin bool) (session.Session, error) {
	sess, err := l.Session(ctx, host)
	if err != nil {
		return nil, err
	}
	if admin {
		if err := l.SourceAdmin(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func addHostFlags(c *cobra.Command, host *string, admin *bool) {
	c.Flags().StringVarP(host, "host", "H", lab.Active, "Host key from the lab file, or @active for the active controller")
	c.Flags().BoolVar(admin, "admin", false, "Source the admin credentials before running")
}

func init() {
	rootCmd.AddCommand(execCmd)

	addHostFlags(execCmd, &execHost, &execAdmin)
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "Command timeout (default from the lab file)")
	execCmd.Flags().BoolVar(&execFailOk, "fail-ok", false, "Print a non-zero exit status instead of failing")
	execCmd.Flags().BoolVar(&execSkipStatus, "skip-exit-status", false, "Do not probe the exit status")
	execCmd.Flags().StringVar(&execSudoPassword, "sudo-password", "", "Run through sudo, answering its password prompt")
}
