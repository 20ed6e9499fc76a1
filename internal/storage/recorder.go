// Package storage persists normalized market data: a sqlite WAL journal of
// trade prints and resync audit events, plus JSON book snapshots for
// post-mortem inspection. Recording is optional and never on the hot path;
// write failures are logged and dropped, not propagated.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"

	"github.com/qlandys/FusionTerminal-sub000/internal/exchange"
)

// Recorder journals trades and resync events for one symbol/exchange pair.
type Recorder struct {
	db       *sql.DB
	symbol   string
	exchange string
	logger   *slog.Logger
	queue    chan exchange.Trade
}

// NewRecorder opens (or creates) the database at dbPath with WAL mode
// enabled and prepares the schema.
func NewRecorder(dbPath, symbol, exchangeName string, logger *slog.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			exchange TEXT NOT NULL,
			price REAL NOT NULL,
			qty REAL NOT NULL,
			side TEXT NOT NULL,
			ts INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create trades table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);`); err != nil {
		return nil, fmt.Errorf("failed to create trades index: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS resyncs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			exchange TEXT NOT NULL,
			reason TEXT NOT NULL,
			ts INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create resyncs table: %w", err)
	}

	return &Recorder{
		db:       db,
		symbol:   symbol,
		exchange: exchangeName,
		logger:   logger.With("component", "recorder"),
		queue:    make(chan exchange.Trade, 1024),
	}, nil
}

// OfferTrade queues one print for the writer goroutine. Never blocks; a
// backed-up journal drops the print.
func (r *Recorder) OfferTrade(t exchange.Trade) {
	select {
	case r.queue <- t:
	default:
		r.logger.Warn("recorder queue full, dropping trade")
	}
}

// Run drains the trade queue until ctx ends, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case t := <-r.queue:
			r.insertTrade(t)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case t := <-r.queue:
			r.insertTrade(t)
		default:
			return
		}
	}
}

func (r *Recorder) insertTrade(t exchange.Trade) {
	side := "buy"
	if t.Sell {
		side = "sell"
	}
	_, err := r.db.Exec(
		"INSERT INTO trades (symbol, exchange, price, qty, side, ts) VALUES (?, ?, ?, ?, ?, ?)",
		r.symbol, r.exchange, t.Price, t.Qty, side, t.Time,
	)
	if err != nil {
		r.logger.Warn("trade insert failed", "err", err)
	}
}

// RecordResync journals one snapshot reload with its trigger.
func (r *Recorder) RecordResync(ctx context.Context, reason string, ts int64) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO resyncs (symbol, exchange, reason, ts) VALUES (?, ?, ?, ?)",
		r.symbol, r.exchange, reason, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to insert resync: %w", err)
	}
	return nil
}

// LoadTrades returns all journaled trades with ts >= fromTs in time order.
func (r *Recorder) LoadTrades(ctx context.Context, fromTs int64) ([]exchange.Trade, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT price, qty, side, ts FROM trades WHERE ts >= ? ORDER BY ts ASC, id ASC",
		fromTs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []exchange.Trade
	for rows.Next() {
		var t exchange.Trade
		var side string
		if err := rows.Scan(&t.Price, &t.Qty, &side, &t.Time); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Sell = side == "sell"
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// ResyncCount returns the number of journaled resyncs, optionally filtered
// by reason ("" counts all).
func (r *Recorder) ResyncCount(ctx context.Context, reason string) (int, error) {
	query := "SELECT COUNT(*) FROM resyncs"
	args := []any{}
	if reason != "" {
		query += " WHERE reason = ?"
		args = append(args, reason)
	}
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count resyncs: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (r *Recorder) Close() error {
	return r.db.Close()
}
