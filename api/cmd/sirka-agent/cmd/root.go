package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirka-internal/vps-agent/api/internal/config"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// Global flags.
var (
	configPath string
	jsonLogs   bool
)

var rootCmd = &cobra.Command{
	Use:   "sirka-agent",
	Short: "Host agent that deploys static sites behind nginx",
	Long: `sirka-agent receives site archives from the Sirka platform, stages them
safely, swaps them into place and serves them either from an nginx container
per site or from the host nginx.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sirka-agent %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file (environment variables win)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log JSON instead of text on the CLI commands")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger builds the process logger. The daemon always logs JSON; one-shot
// commands log text to stderr unless --json-logs is set.
func newLogger(w io.Writer, level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
