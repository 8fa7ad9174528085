// Package cmd implements the CLI commands using Cobra.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mediagrab/internal/config"
	"mediagrab/internal/failure"
	xlog "mediagrab/internal/log"
	"mediagrab/internal/ui"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Global flags
var (
	flagConfig  string
	flagOutput  string
	flagQuality string
	flagJSON    bool
	flagDebug   bool
)

// cfg holds the loaded configuration (merged: defaults < config file < env < flags).
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "mediagrab [link or share text]",
	Short: "Download audio and video from Bilibili and Douyin share links",
	Long: `mediagrab resolves Bilibili and Douyin share links into their streams and
saves the audio or video locally. Pasted share text is accepted as is.
Audio is extracted with ffmpeg when a link only offers video.`,
	Args:              cobra.ArbitraryArgs,
	PersistentPreRunE: loadConfig,
	RunE:              downloadRun,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command. Interrupts cancel the running command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		ui.Error(os.Stderr, failure.Message(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default: $XDG_CONFIG_HOME/mediagrab/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "", "Download directory")
	rootCmd.PersistentFlags().StringVarP(&flagQuality, "quality", "q", "", "Quality: low | medium | high | highest")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "Print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "x", false, "Debug logging to stderr")
	addDownloadFlags(rootCmd)

	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads and merges configuration: defaults < config file < env < CLI flags.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if flagConfig != "" {
		cfg, err = config.LoadFile(flagConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	applyFlags(cfg)

	// Re-validate after flag overrides
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	xlog.Reset()
	xlog.Configure(xlog.Config{
		Level:   logLevel(cmd.Name(), cfg.Debug),
		Console: xlog.IsTerminal(os.Stderr),
	})
	return nil
}

func applyFlags(c *config.Config) {
	if flagOutput != "" {
		c.DownloadDir = flagOutput
	}
	if flagQuality != "" {
		c.Quality = flagQuality
	}
	if flagPlayer != "" {
		c.Player = flagPlayer
	}
	if flagDebug {
		c.Debug = true
	}
}

// logLevel keeps interactive commands quiet unless asked otherwise. The
// server logs requests at info.
func logLevel(command string, debug bool) string {
	switch {
	case debug:
		return "debug"
	case os.Getenv("LOG_LEVEL") != "":
		return ""
	case command == "serve":
		return "info"
	default:
		return "warn"
	}
}
