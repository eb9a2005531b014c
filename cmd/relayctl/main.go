// cmd/relayctl/main.go
// relayctl 管理工具入口 - 同步發送 YAML 郵件、簽發 client token

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mail-relay/internal/config"
	"mail-relay/internal/logger"
)

var (
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Mail relay command line tool",
	Long: `relayctl talks to the configured ESPs and the relay database directly.

Example:
  relayctl send message.yaml             # send synchronously and print the status
  relayctl send --esp postmark msg.yaml  # force an ESP
  relayctl token create --name billing   # mint a client token
  relayctl token list`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadEnv 載入設定並建立 stderr logger
func loadEnv() (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New("development", logLevel, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
