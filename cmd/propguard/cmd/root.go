package cmd

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/propguard/config"
	"github.com/rustyeddy/propguard/logging"
)

var rootCmd = &cobra.Command{
	Use:   "propguard",
	Short: "Risk and compliance guard for prop-firm FX trading",
	Long: `PropGuard sizes, authorizes and routes trades for a prop-firm account
without ever breaching the firm's daily or total loss limits.

It provides:
  - A trading loop with shadow (paper) and live execution
  - Per-trade, daily and total loss ceilings with a hard stop
  - Correlation-aware exposure checks
  - Equity kill switch, profit lock and challenge pass detection
  - A SQLite/CSV journal of every decision and order`,
	SilenceUsage: true,
}

var (
	cfgPath   string
	envFiles  []string
	logLevel  string
	logFormat string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (YAML or JSON); defaults apply when empty")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (json, console)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath, envFiles...)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (zerolog.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
}
