package cmd

import (
	"context"
	"fmt"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/lab"
	"github.com/spf13/cobra"
)

var (
	copyHost       string
	copyFromRemote bool
)

// transferer is implemented by sessions that can move files.
type transferer interface {
	Upload(localPath, remotePath string) error
	Download(remotePath, localPath string) error
}

// copyCmd represents the copy command
var copyCmd = &cobra.Command{
	Use:   "copy SOURCE DEST",
	Short: "Copy a file to or from a lab host using SFTP",
	Long: `Copies a file over the SSH connection of a lab host.

By default SOURCE is local and DEST is on the host. Use --from-remote to copy
from the host to the local machine. TELNET hosts cannot transfer files.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, dest := args[0], args[1]
		return withLab(func(ctx context.Context, l *lab.Lab) error {
			sess, err := l.Session(ctx, copyHost)
			if err != nil {
				return err
			}
			tr, ok := sess.(transferer)
			if !ok {
				return serrors.Newf(serrors.ErrInvalidInput, "host %s uses %s, file copy needs ssh", sess.Host(), sess.Kind())
			}

			direction := "Local -> Remote"
			if copyFromRemote {
				direction = "Remote -> Local"
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Copying file on %s...\n  Direction: %s\n  Source: %s\n  Destination: %s\n",
				sess.Host(), direction, source, dest)

			if copyFromRemote {
				err = tr.Download(source, dest)
			} else {
				err = tr.Upload(source, dest)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "File copy completed successfully.")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(copyCmd)

	copyCmd.Flags().StringVarP(&copyHost, "host", "H", lab.Active, "Host key from the lab file, or @active for the active controller")
	copyCmd.Flags().BoolVar(&copyFromRemote, "from-remote", false, "Copy from the host to the local machine")
}
