package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/propguard/market"
	"github.com/rustyeddy/propguard/risk"
)

var sizeCmd = &cobra.Command{
	Use:   "size <symbol> <stop-pips>",
	Short: "Calculate a guarded position size",
	Long: `Size one trade against the active rules, the way the trading loop would.

Examples:
  propguard size EURUSD 20
  propguard size USDJPY 15 --price 151.20 --equity 5400 --loss 120`,
	Args: cobra.ExactArgs(2),
	RunE: runSize,
}

var (
	sizePrice  float64
	sizeEquity float64
	sizeLoss   float64
)

func init() {
	rootCmd.AddCommand(sizeCmd)
	sizeCmd.Flags().Float64Var(&sizePrice, "price", 0, "current price (needed for pip value on USD-base pairs)")
	sizeCmd.Flags().Float64Var(&sizeEquity, "equity", 0, "current equity (default: account balance)")
	sizeCmd.Flags().Float64Var(&sizeLoss, "loss", 0, "loss already realized today")
}

func runSize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	inst, err := market.Lookup(args[0])
	if err != nil {
		return err
	}
	var stop float64
	if _, err := fmt.Sscanf(args[1], "%g", &stop); err != nil || stop <= 0 {
		return fmt.Errorf("stop-pips must be a positive number, got %q", args[1])
	}

	limits, err := cfg.Limits()
	if err != nil {
		return err
	}
	rm := risk.NewManager(limits,
		risk.WithScaler(risk.NewScaler(limits.AccountBalance, cfg.Scaler.Tiers, cfg.Scaler.DrawdownFreeze)))
	equity := sizeEquity
	if equity <= 0 {
		equity = limits.AccountBalance
	}
	rm.UpdateEquity(equity)
	rm.RegisterLoss(sizeLoss)

	pipValue := inst.PipValue(sizePrice)
	volume := rm.PositionSize(inst.Symbol, stop, pipValue)
	st := rm.Snapshot()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Symbol:      %s (%s)\n", inst.Symbol, cfg.Phase)
	fmt.Fprintf(out, "Stop:        %g pips @ $%.2f/pip/lot\n", stop, pipValue)
	fmt.Fprintf(out, "Multiplier:  %.2f\n", st.Scaler.Multiplier)
	fmt.Fprintf(out, "Daily room:  $%.2f\n", risk.RoundMoney(limits.DailyLossLimit-st.DailyLoss))
	fmt.Fprintf(out, "Volume:      %.3f lots\n", volume)
	if volume <= 0 {
		fmt.Fprintln(out, "Risk:        none (no budget or equity)")
		return nil
	}
	amount := risk.RiskAmount(stop, pipValue, volume)
	ok, why := rm.ValidateTradeRisk(amount)
	fmt.Fprintf(out, "Risk:        $%.2f\n", risk.RoundMoney(amount))
	if !ok {
		fmt.Fprintf(out, "Rejected:    %s\n", why)
	}
	return nil
}
