// hackd is the hack control-plane daemon.
//
// It watches Docker for compose-project activity, runs supervisor jobs
// and PTY shells, and serves both the trusted Unix socket API and the
// optional authenticated TCP gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hack-sh/hack/internal/daemon"
	"github.com/hack-sh/hack/internal/logger"
	"github.com/hack-sh/hack/internal/paths"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hackd: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		stateRoot string
		debug     bool
	)

	cmd := &cobra.Command{
		Use:     "hackd",
		Short:   "hack control-plane daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(stateRoot, debug)
		},
	}
	cmd.Flags().StringVar(&stateRoot, "state-root", "", "state directory (default $HACK_HOME or ~/.hack)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func run(stateRoot string, debug bool) error {
	var layout paths.Layout
	if stateRoot != "" {
		layout = paths.At(stateRoot)
	} else {
		var err error
		layout, err = paths.Resolve()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(layout.DaemonDir(), 0o700); err != nil {
		return fmt.Errorf("creating daemon directory: %w", err)
	}

	log, err := logger.New(logger.Options{
		Debug:      debug,
		LogFile:    layout.LogFile(),
		ConsoleOut: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(daemon.Options{
		Layout:  layout,
		Version: version,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	return d.Run(context.Background())
}
