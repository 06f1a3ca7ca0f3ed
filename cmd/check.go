package cmd

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pvaduva/auto-test-sub005/pkg/lab"
	"github.com/pvaduva/auto-test-sub005/pkg/session"
	"github.com/spf13/cobra"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check [HOST...]",
	Short: "Log in to lab hosts in parallel and report their hostnames",
	Long: `Connects to every named host (all hosts of the lab by default), runs
hostname and prints one line per host. Hosts are checked in parallel up to
the parallelism of the lab file. Fails if any host fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLab(func(ctx context.Context, l *lab.Lab) error {
			keys := args
			if len(keys) == 0 {
				keys = l.Config().Keys()
			}

			var (
				mu    sync.Mutex
				names = make(map[string]string, len(keys))
			)
			err := l.ForEachHost(ctx, keys, func(ctx context.Context, sess session.Session) error {
				name, err := l.Executor().Hostname(ctx, sess)
				if err != nil {
					return err
				}
				mu.Lock()
				names[sess.Host()] = name
				mu.Unlock()
				return nil
			})

			hosts := make([]string, 0, len(names))
			for h := range names {
				hosts = append(hosts, h)
			}
			sort.Strings(hosts)
			for _, h := range hosts {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", h, names[h])
			}
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
