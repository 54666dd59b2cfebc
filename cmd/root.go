// Package cmd implements the CLI commands using Cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ytdeliver/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	flagPort     int
	flagEnvFile  string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "ytdeliver",
	Short: "Serve YouTube videos as MP4 and MP3 downloads over HTTP",
	Long: `ytdeliver exposes GET /video and GET /audio. Each request extracts the
media, transcodes audio with ffmpeg, and falls back to yt-dlp when the
primary extraction fails.`,
	SilenceUsage: true,
	RunE:         serveRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "ytdeliver", Version)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&flagPort, "port", "p", 0, "Listen port (overrides PORT)")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "Dotenv file read before the environment")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug | info | warn | error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig merges: defaults < env file < environment < flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flagEnvFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
