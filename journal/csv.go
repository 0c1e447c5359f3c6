package journal

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rustyeddy/propguard/session"
)

var (
	orderHeader  = []string{"correlation_id", "time", "symbol", "side", "volume", "stop_loss", "take_profit", "status", "execution", "ticket", "fill_price", "reason"}
	equityHeader = []string{"time", "equity", "daily_loss", "total_loss"}
)

// CSV is an append-only ledger of orders and equity. Decisions, trades and
// snapshots go to SQLite only.
type CSV struct {
	mu     sync.Mutex
	orders *csv.Writer
	equity *csv.Writer
	of, ef *os.File
}

// NewCSV appends to existing ledgers, writing the header only to new files.
func NewCSV(ordersPath, equityPath string) (*CSV, error) {
	of, ow, err := openLedger(ordersPath, orderHeader)
	if err != nil {
		return nil, err
	}
	ef, ew, err := openLedger(equityPath, equityHeader)
	if err != nil {
		_ = of.Close()
		return nil, err
	}
	return &CSV{orders: ow, equity: ew, of: of, ef: ef}, nil
}

func openLedger(path string, header []string) (*os.File, *csv.Writer, error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	st, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, nil, err
	}
	w := csv.NewWriter(fh)
	if st.Size() == 0 {
		if err := w.Write(header); err != nil {
			_ = fh.Close()
			return nil, nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = fh.Close()
			return nil, nil, err
		}
	}
	return fh, w, nil
}

func (j *CSV) RecordOrder(_ context.Context, o OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.orders.Write([]string{
		o.CorrelationID,
		o.Time.UTC().Format(time.RFC3339),
		o.Symbol,
		o.Side,
		f(o.Volume),
		f(o.StopLoss),
		f(o.TakeProfit),
		o.Status,
		o.Execution,
		o.Ticket,
		f(o.FillPrice),
		o.Reason,
	})
	if err != nil {
		return err
	}
	j.orders.Flush()
	return j.orders.Error()
}

func (j *CSV) RecordEquity(_ context.Context, e EquitySnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.equity.Write([]string{
		e.Time.UTC().Format(time.RFC3339),
		f(e.Equity),
		f(e.DailyLoss),
		f(e.TotalLoss),
	})
	if err != nil {
		return err
	}
	j.equity.Flush()
	return j.equity.Error()
}

func (j *CSV) RecordDecision(context.Context, DecisionRecord) error   { return nil }
func (j *CSV) RecordTrade(context.Context, TradeRecord) error         { return nil }
func (j *CSV) RecordSnapshot(context.Context, session.Snapshot) error { return nil }

func (j *CSV) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.orders.Flush()
	if err := j.orders.Error(); err != nil {
		return err
	}
	j.equity.Flush()
	if err := j.equity.Error(); err != nil {
		return err
	}

	if err := j.of.Close(); err != nil {
		return err
	}
	return j.ef.Close()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
