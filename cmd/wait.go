package cmd

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/executor"
	"github.com/pvaduva/auto-test-sub005/pkg/lab"
	"github.com/spf13/cobra"
)

var (
	waitHost     string
	waitAdmin    bool
	waitPattern  string
	waitInterval time.Duration
	waitTimeout  time.Duration
)

// waitCmd represents the wait command
var waitCmd = &cobra.Command{
	Use:   "wait [flags] -- COMMAND...",
	Short: "Re-run a command until its output matches a pattern",
	Long: `Runs the command every --interval until its output matches --pattern
or --timeout expires. Non-zero exit statuses do not stop the wait.

Interval and timeout default to the retry settings of the lab file.`,
	Example: `  sutctl wait -H controller-0 --admin -p 'available' -- system host-show compute-0`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args, " ")
		re, err := regexp.Compile(waitPattern)
		if err != nil {
			return serrors.Wrap(err, serrors.ErrInvalidInput, "invalid --pattern")
		}

		return withLab(func(ctx context.Context, l *lab.Lab) error {
			sess, err := prepare(ctx, l, waitHost, waitAdmin)
			if err != nil {
				return err
			}
			interval, timeout := waitInterval, waitTimeout
			if interval == 0 {
				interval = l.Config().Timeouts.RetryInterval.Std()
			}
			if timeout == 0 {
				timeout = l.Config().Timeouts.RetryTimeout.Std()
			}

			res, ok, err := l.Executor().WaitForOutput(ctx, sess, command, re, interval, timeout, executor.Options{})
			if res.Output != "" {
				fmt.Fprintln(cmd.OutOrStdout(), res.Output)
			}
			if err != nil {
				return err
			}
			if !ok {
				return serrors.Newf(serrors.ErrWaitTimeout, "output of %q never matched %q", command, waitPattern)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(waitCmd)

	addHostFlags(waitCmd, &waitHost, &waitAdmin)
	waitCmd.Flags().StringVarP(&waitPattern, "pattern", "p", "", "Regular expression the output must match")
	waitCmd.Flags().DurationVarP(&waitInterval, "interval", "i", 0, "Time between runs")
	waitCmd.Flags().DurationVarP(&waitTimeout, "timeout", "t", 0, "Give up after this long")
	_ = waitCmd.MarkFlagRequired("pattern")
}
