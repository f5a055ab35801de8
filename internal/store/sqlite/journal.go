// Package sqlite persists the agent's lifecycle events to a local SQLite
// trade journal for audit and reporting. The journal is write-mostly and is
// never read back into trading state.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"futures-agent/internal/lifecycle"
	"futures-agent/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Journal is a single-writer SQLite event journal.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at path in WAL mode.
func Open(path string, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Info("trade journal opened", slog.String("path", path))
	return &Journal{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ts         INTEGER NOT NULL,
			symbol     TEXT    NOT NULL,
			kind       TEXT    NOT NULL,
			direction  TEXT,
			price      REAL,
			quantity   REAL,
			stop_loss  REAL,
			take_profit REAL,
			pnl        REAL,
			balance    REAL    NOT NULL,
			reason     TEXT,
			error      TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Record appends one event.
func (j *Journal) Record(ctx context.Context, ev lifecycle.Event) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (ts, symbol, kind, direction, price, quantity, stop_loss, take_profit, pnl, balance, reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Time.UnixMilli(), ev.Symbol, string(ev.Kind), string(ev.Direction),
		ev.Price, ev.Quantity, ev.StopLoss, ev.TakeProfit, ev.PnL, ev.Balance,
		ev.Reason, ev.Err,
	)
	if err != nil {
		return fmt.Errorf("journal record %s: %w", ev.Kind, err)
	}
	return nil
}

// Recent returns the last limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]lifecycle.Event, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT ts, symbol, kind, direction, price, quantity, stop_loss, take_profit, pnl, balance, reason, error
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Event
	for rows.Next() {
		var (
			ev        lifecycle.Event
			ts        int64
			kind, dir string
		)
		if err := rows.Scan(&ts, &ev.Symbol, &kind, &dir, &ev.Price, &ev.Quantity,
			&ev.StopLoss, &ev.TakeProfit, &ev.PnL, &ev.Balance, &ev.Reason, &ev.Err); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		ev.Time = time.UnixMilli(ts).UTC()
		ev.Kind = lifecycle.EventKind(kind)
		ev.Direction = model.Direction(dir)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Stats summarizes closed trades at or after since.
type Stats struct {
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	PnL    float64 `json:"pnl"`
}

// WinRate is the fraction of winning trades, 0 when there are none.
func (s Stats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// Stats counts CLOSED and EXTERNAL_CLOSE events since the given time and
// sums realized PnL including partial exits.
func (j *Journal) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var s Stats
	err := j.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN kind IN (?, ?) THEN 1 END),
			COUNT(CASE WHEN kind IN (?, ?) AND pnl > 0 THEN 1 END),
			COALESCE(SUM(CASE WHEN kind IN (?, ?, ?) THEN pnl END), 0)
		FROM events WHERE ts >= ?`,
		lifecycle.EventClosed, lifecycle.EventExternalClose,
		lifecycle.EventClosed, lifecycle.EventExternalClose,
		lifecycle.EventClosed, lifecycle.EventExternalClose, lifecycle.EventPartialExit,
		since.UnixMilli(),
	).Scan(&s.Trades, &s.Wins, &s.PnL)
	if err != nil {
		return s, fmt.Errorf("journal stats: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
