package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/propguard/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage propguard configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate a configuration file with the environment applied

Examples:
  propguard config init -o propguard.yaml
  propguard config validate -c propguard.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configInitOutput string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "propguard.yaml", "output config file path")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nEdit the file and run with:")
	fmt.Fprintf(out, "  propguard run -c %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	rules, err := cfg.ActiveRules()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	src := cfgPath
	if src == "" {
		src = "(defaults)"
	}
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", src)
	fmt.Fprintf(out, "  Phase: %s (balance $%.2f, daily $%.2f, max $%.2f, per trade $%.2f)\n",
		cfg.Phase, rules.AccountBalance, rules.DailyLossLimit, rules.MaxLossLimit, rules.MaxRiskPerTrade)
	fmt.Fprintf(out, "  Execution: %s via %s\n", cfg.Execution.Mode, cfg.Broker.Kind)
	fmt.Fprintf(out, "  Symbols: %s\n", strings.Join(cfg.Symbols, ", "))
	fmt.Fprintf(out, "  Journal: %s\n", cfg.Journal.Type)
	return nil
}
