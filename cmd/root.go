// Package cmd implements the sutctl command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/config"
	"github.com/pvaduva/auto-test-sub005/pkg/lab"
	"github.com/pvaduva/auto-test-sub005/pkg/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	rootCmd = &cobra.Command{
		Use:   "sutctl",
		Short: "Drive the shells of a cloud system under test",
		Long: `sutctl runs commands on the hosts of a SUT lab over SSH or TELNET,
waits for conditions and parses the CLI tables the SUT prints.

The lab file (YAML or JSON) describes every host, its credentials and the
prompt conventions of its shell. Environment variables prefixed with SUT_
override the lab file; see "sutctl schema" for the file format.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	// Global flags
	labFile   string
	verbose   bool
	logFormat string

	settings config.Settings
	logger   *zap.SugaredLogger
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&labFile, "lab", "c", "", "Path to the lab file (default $SUT_LAB_FILE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json (default $SUT_LOG_FORMAT)")
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	settings, err = config.LoadSettings()
	if err != nil {
		return err
	}
	if labFile == "" {
		labFile = settings.LabFile
	}
	level := settings.LogLevel
	if verbose {
		level = "debug"
	}
	format := settings.LogFormat
	if logFormat != "" {
		format = logFormat
	}
	logger, err = logging.New(level, format)
	return err
}

// openLab builds the lab from the lab file and environment settings.
func openLab() (*lab.Lab, error) {
	if labFile == "" {
		return nil, serrors.New(serrors.ErrConfiguration, "no lab file: use --lab or set SUT_LAB_FILE")
	}
	return lab.New(
		lab.WithConfigFile(labFile),
		lab.WithSettings(settings),
		lab.WithLogger(logger),
	)
}

// withLab runs fn with an open lab and a context cancelled on SIGINT or
// SIGTERM, closing the lab afterwards.
func withLab(fn func(ctx context.Context, l *lab.Lab) error) error {
	l, err := openLab()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := l.Close(); cerr != nil {
			logger.Warnw("closing lab", "error", cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, l)
}

// Execute runs the root command.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
