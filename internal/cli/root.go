// Package cli defines the sessionmirror command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kon-rad/sessionmirror/internal/app"
	"github.com/kon-rad/sessionmirror/internal/config"
	"github.com/kon-rad/sessionmirror/internal/logging"
)

var version = "dev"

// SetVersion is called from main with the build-time version string.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

var rootCmd = &cobra.Command{
	Use:           "sessionmirror",
	Short:         "Mirror workspace transcripts into a queryable usage database",
	Long:          "sessionmirror continuously mirrors per-workspace conversation transcripts\ninto a SQLite analytics store so cost and usage dashboards never re-scan\ntranscripts.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, syncCmd, statusCmd, envCmd)
}

// newRuntime loads config, sets up logging and starts the store actor.
func newRuntime(ctx context.Context) (*app.Runtime, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	rt := app.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Print the environment variables sessionmirror reads",
	Run: func(cmd *cobra.Command, _ []string) {
		config.WriteHelp(cmd.OutOrStdout(), version)
	},
}
