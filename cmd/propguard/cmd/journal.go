package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/propguard/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the SQLite journal",
	Long: `Query orders and closed trades from the SQLite journal.

Subcommands:
  order  - Show one routed order by correlation id
  today  - List trades closed today (UTC)
  day    - List trades closed on a specific UTC day

Examples:
  propguard journal order 01HZX3J5N8W1Q2T7B6C9D4E0FA
  propguard journal today
  propguard journal day 2025-03-05`,
}

var journalOrderCmd = &cobra.Command{
	Use:   "order <correlation-id>",
	Short: "Show a routed order",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalOrder,
}

var journalTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "List trades closed today",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listTradesOn(cmd, time.Now().UTC().Format("2006-01-02"))
	},
}

var journalDayCmd = &cobra.Command{
	Use:   "day <YYYY-MM-DD>",
	Short: "List trades closed on a specific day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listTradesOn(cmd, args[0])
	},
}

var journalDBPath string

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalOrderCmd)
	journalCmd.AddCommand(journalTodayCmd)
	journalCmd.AddCommand(journalDayCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "", "SQLite journal (default journal.db_path)")
}

func runJournalOrder(cmd *cobra.Command, args []string) error {
	j, err := openSQLite(journalDBPath)
	if err != nil {
		return err
	}
	defer j.Close()

	o, err := j.GetOrder(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get order: %w", err)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "correlation id\t%s\n", o.CorrelationID)
	fmt.Fprintf(tw, "time\t%s\n", o.Time.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "symbol\t%s %s %.3f lots\n", o.Symbol, o.Side, o.Volume)
	fmt.Fprintf(tw, "stop / target\t%.1f / %.1f pips\n", o.StopLoss, o.TakeProfit)
	fmt.Fprintf(tw, "status\t%s (%s)\n", o.Status, o.Execution)
	if o.Ticket != "" {
		fmt.Fprintf(tw, "ticket\t%s @ %.5f\n", o.Ticket, o.FillPrice)
	}
	if o.Reason != "" {
		fmt.Fprintf(tw, "reason\t%s\n", o.Reason)
	}
	return tw.Flush()
}

func listTradesOn(cmd *cobra.Command, day string) error {
	start, end, err := dayBounds(day)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	j, err := openSQLite(journalDBPath)
	if err != nil {
		return err
	}
	defer j.Close()

	recs, err := j.ListTradesClosedBetween(cmd.Context(), start, end)
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}
	return writeTrades(cmd.OutOrStdout(), recs)
}

func writeTrades(w io.Writer, recs []journal.TradeRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLOSED\tTICKET\tSYMBOL\tP/L\tREASON")
	var total float64
	for _, r := range recs {
		total += r.RealizedPL
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n",
			r.CloseTime.UTC().Format("15:04:05"), r.Ticket, r.Symbol, r.RealizedPL, r.Reason)
	}
	fmt.Fprintf(tw, "\t\t%d trades\t%.2f\t\n", len(recs), total)
	return tw.Flush()
}

func dayBounds(day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return t, t.Add(24 * time.Hour), nil
}

// openSQLite opens path, or the configured journal DB when path is empty.
func openSQLite(path string) (*journal.SQLite, error) {
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path = cfg.Journal.DBPath
	}
	j, err := journal.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}
