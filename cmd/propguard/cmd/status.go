package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/propguard/journal"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest recorded session snapshot",
	Long: `Print the most recent session snapshot from the SQLite journal and
today's authorization decisions by code.

Example:
  propguard status -c propguard.yaml`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusDBPath string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusDBPath, "db", "d", "", "SQLite journal (default journal.db_path)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	j, err := openSQLite(statusDBPath)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	snap, err := j.LatestSnapshot(ctx)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		fmt.Fprintln(out, "no session snapshot recorded yet")
		return nil
	case err != nil:
		return fmt.Errorf("latest snapshot: %w", err)
	}

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))

	now := time.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	counts, err := j.DecisionCounts(ctx, day)
	if err != nil {
		return fmt.Errorf("decision counts: %w", err)
	}
	codes := make([]string, 0, len(counts))
	for c := range counts {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	fmt.Fprintf(out, "\nDecisions since %s:\n", day.Format("2006-01-02"))
	if len(codes) == 0 {
		fmt.Fprintln(out, "  none")
	}
	for _, c := range codes {
		fmt.Fprintf(out, "  %-22s %d\n", c, counts[c])
	}
	return nil
}
