package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/propguard/session"
)

// GetOrder returns the order with the given correlation id.
func (j *SQLite) GetOrder(ctx context.Context, correlationID string) (OrderRecord, error) {
	var o OrderRecord
	err := j.db.QueryRowContext(ctx, `
		SELECT correlation_id, time, symbol, side, volume, stop_loss, take_profit, status, execution, ticket, fill_price, reason
		FROM orders
		WHERE correlation_id = ?`, correlationID).Scan(
		&o.CorrelationID, &o.Time, &o.Symbol, &o.Side, &o.Volume, &o.StopLoss, &o.TakeProfit,
		&o.Status, &o.Execution, &o.Ticket, &o.FillPrice, &o.Reason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return OrderRecord{}, fmt.Errorf("order %q: %w", correlationID, ErrNotFound)
	}
	return o, err
}

// ListTradesClosedBetween returns trades whose close_time is within [start, end).
func (j *SQLite) ListTradesClosedBetween(ctx context.Context, start, end time.Time) ([]TradeRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT ticket, symbol, close_time, realized_pl, reason
		FROM trades
		WHERE close_time >= ? AND close_time < ?
		ORDER BY close_time ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var rec TradeRecord
		if err := rows.Scan(&rec.Ticket, &rec.Symbol, &rec.CloseTime, &rec.RealizedPL, &rec.Reason); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DecisionCounts tallies decisions by code since the given time.
func (j *SQLite) DecisionCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT code, COUNT(*) FROM decisions
		WHERE time >= ?
		GROUP BY code`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		out[code] = n
	}
	return out, rows.Err()
}

// LatestSnapshot returns the most recent session snapshot.
func (j *SQLite) LatestSnapshot(ctx context.Context) (session.Snapshot, error) {
	var body string
	err := j.db.QueryRowContext(ctx, `
		SELECT body FROM snapshots ORDER BY time DESC, rowid DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, fmt.Errorf("snapshot: %w", ErrNotFound)
	}
	if err != nil {
		return session.Snapshot{}, err
	}
	var s session.Snapshot
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
