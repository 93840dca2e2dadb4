package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/larkrelay/pkg/config"
	"github.com/sipeed/larkrelay/pkg/logger"
)

// version is set via ldflags at build time.
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "larkrelay",
	Short: "Relay Lark messages to a chat completion API and reply with the result",
	Long: `larkrelay receives Lark event webhooks, sends the user's text to an
OpenAI-compatible completion endpoint, and replies to the original message
with the generated text.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a JSON config file (optional)")
	rootCmd.AddCommand(serveCmd, tokenCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and applies the logging section.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) error {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	logger.SetConsoleFormat(cfg.Format == "console")

	if cfg.FileEnabled {
		path := config.ExpandHome(cfg.FilePath)
		if err := logger.EnableFileLoggingWithRotation(path, cfg.RotationEnabled, cfg.MaxSizeMB, cfg.MaxAgeDays); err != nil {
			return fmt.Errorf("enable file logging: %w", err)
		}
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of larkrelay",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "larkrelay %s\n", version)
	},
}
