// Command humanbrowse drives a real Chromium over CDP on behalf of API
// callers, pacing actions like a person and recording every step.
package main

import (
	"fmt"
	"os"
	"time"

	"humanbrowse/internal/config"
	"humanbrowse/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var (
	// Global flags
	verbose    bool
	configPath string
	serverURL  string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "humanbrowse",
	Short: "Human-paced browser automation service",
	Long: `humanbrowse executes declarative step lists (goto, click, type, extract,
quote, pause_for_user, ...) in long-lived browser sessions over the Chrome
DevTools protocol. Every run leaves an append-only audit trail under the
runs directory.

Start the API with "humanbrowse serve"; the other commands talk to it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := config.ResolvePath(configPath)
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", path, err)
		}
		cfg = loaded
		configPath = path

		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Initialize(logger)
		logging.BootDebug("config loaded from %s", path)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $HUMANBROWSE_CONFIG or config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "API base URL for client commands (default: from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Client request timeout")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
