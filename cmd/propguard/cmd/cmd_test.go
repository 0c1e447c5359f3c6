package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/propguard/config"
	"github.com/rustyeddy/propguard/journal"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TRADING_MODE", "")
	cfgPath, envFiles, logLevel, logFormat = "", nil, "", ""
	statusDBPath, journalDBPath = "", ""
	sizePrice, sizeEquity, sizeLoss = 0, 0, 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "propguard version "+version)
}

func TestConfigInitThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "propguard.yaml")

	out, err := execute(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	out, err = execute(t, "config", "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")
	assert.Contains(t, out, "CHALLENGE")
}

func TestSize(t *testing.T) {
	out, err := execute(t, "size", "EURUSD", "20")
	require.NoError(t, err)
	assert.Contains(t, out, "EURUSD")
	assert.Contains(t, out, "Volume:")
	assert.Contains(t, out, "Risk:")

	_, err = execute(t, "size", "EURUSD", "-3")
	assert.Error(t, err)

	_, err = execute(t, "size", "NOPE", "20")
	assert.Error(t, err)
}

func TestJournalCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.NewSQLite(db)
	require.NoError(t, err)

	ctx := context.Background()
	at := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)
	require.NoError(t, j.RecordOrder(ctx, journal.OrderRecord{
		CorrelationID: "01TESTORDER", Time: at, Symbol: "EURUSD", Side: "BUY",
		Volume: 0.25, StopLoss: 20, TakeProfit: 40, Status: "FILLED", Execution: "SHADOW",
		Ticket: "SIM-1", FillPrice: 1.08512,
	}))
	require.NoError(t, j.RecordTrade(ctx, journal.TradeRecord{
		Ticket: "SIM-1", Symbol: "EURUSD", CloseTime: at.Add(time.Hour), RealizedPL: -50, Reason: "stop",
	}))
	require.NoError(t, j.Close())

	out, err := execute(t, "journal", "order", "01TESTORDER", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "SIM-1")
	assert.Contains(t, out, "FILLED")

	out, err = execute(t, "journal", "day", "2025-03-05", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "1 trades")
	assert.Contains(t, out, "-50.00")

	out, err = execute(t, "journal", "day", "2025-03-06", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "0 trades")

	_, err = execute(t, "journal", "day", "yesterday", "--db", db)
	assert.Error(t, err)
}

func TestStatusWithoutSnapshot(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	out, err := execute(t, "status", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "no session snapshot")
}

func TestDayBounds(t *testing.T) {
	start, end, err := dayBounds("2025-03-05")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}

func TestBuildAppWithDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Journal.Type = "none"

	a, err := buildApp(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.ElementsMatch(t, cfg.Symbols, a.orch.Symbols())
	assert.True(t, a.flags.AllowShadowTrading())
}

func TestBuildAppLatchesHardStop(t *testing.T) {
	cfg := config.Default()
	cfg.Journal.Type = "none"
	limits, err := cfg.Limits()
	require.NoError(t, err)

	a, err := buildApp(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	a.risk.RegisterLoss(limits.DailyLossLimit)
	assert.False(t, a.flags.AllowAnyExecution())
	assert.Equal(t, "daily loss limit breached", a.flags.DisableReason())
}

func TestBuildAppOandaNeedsToken(t *testing.T) {
	cfg := config.Default()
	cfg.Journal.Type = "none"
	cfg.Broker.Kind = "oanda"
	cfg.Broker.Token = ""

	_, err := buildApp(cfg, zerolog.Nop())
	assert.Error(t, err)
}
