package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/propguard/session"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one writer; symbol workers journal concurrently
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordDecision(ctx context.Context, d DecisionRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO decisions
		(id, time, symbol, risk, allowed, code, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Time.UTC(), d.Symbol, d.Risk, d.Allowed, d.Code, d.Reason,
	)
	return err
}

func (j *SQLite) RecordOrder(ctx context.Context, o OrderRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO orders
		(correlation_id, time, symbol, side, volume, stop_loss, take_profit, status, execution, ticket, fill_price, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.CorrelationID, o.Time.UTC(), o.Symbol, o.Side, o.Volume, o.StopLoss, o.TakeProfit,
		o.Status, o.Execution, o.Ticket, o.FillPrice, o.Reason,
	)
	return err
}

func (j *SQLite) RecordTrade(ctx context.Context, t TradeRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades
		(ticket, symbol, close_time, realized_pl, reason)
		VALUES (?, ?, ?, ?, ?)`,
		t.Ticket, t.Symbol, t.CloseTime.UTC(), t.RealizedPL, t.Reason,
	)
	return err
}

func (j *SQLite) RecordEquity(ctx context.Context, e EquitySnapshot) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO equity
		(time, equity, daily_loss, total_loss)
		VALUES (?, ?, ?, ?)`,
		e.Time.UTC(), e.Equity, e.DailyLoss, e.TotalLoss,
	)
	return err
}

func (j *SQLite) RecordSnapshot(ctx context.Context, s session.Snapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO snapshots (time, phase, mode, body) VALUES (?, ?, ?, ?)`,
		s.Time.UTC(), s.Phase.String(), s.Mode.String(), string(body),
	)
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
