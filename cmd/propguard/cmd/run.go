package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading loop",
	Long: `Run the guarded trading loop until interrupted.

Each tick refreshes equity, checks the kill switch, profit lock and loss
ceilings, then evaluates every configured symbol. SIGINT or SIGTERM lets
the current tick finish before exiting.

Example:
  propguard run -c propguard.yaml`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	a, err := buildApp(cfg, log)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	defer a.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Object("flags", a.flags.Snapshot()).
		Strs("symbols", cfg.Symbols).
		Str("broker", cfg.Broker.Kind).
		Msg("propguard starting")

	a.corr.Start(ctx)
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, cfg.Metrics.Addr, log); err != nil {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	if err := a.orch.Run(ctx); err != nil {
		return err
	}
	<-a.corr.Done()
	log.Info().Object("flags", a.flags.Snapshot()).Msg("propguard stopped")
	return nil
}
