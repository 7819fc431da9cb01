package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/models"
)

const dayLayout = "2006-01-02"

// SQLiteLedger implements Ledger on a local SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (creating if needed) the ledger database at dbPath.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.NewPersistenceError("open", dbPath, err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, apperrors.NewPersistenceError("open", dbPath, err)
	}
	// The engine is single-writer; one connection keeps transactions simple.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	l := &SQLiteLedger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.NewPersistenceError("init_schema", dbPath, err)
	}
	return l, nil
}

func (l *SQLiteLedger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions_open (
		id TEXT PRIMARY KEY,
		ticker TEXT NOT NULL,
		strategy TEXT NOT NULL,
		trade_type TEXT NOT NULL,
		opened_at DATETIME NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions_closed (
		id TEXT PRIMARY KEY,
		ticker TEXT NOT NULL,
		strategy TEXT NOT NULL,
		trade_type TEXT NOT NULL,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME NOT NULL,
		closed_day TEXT NOT NULL,
		exit_price REAL NOT NULL,
		exit_reason TEXT,
		realized_pnl REAL NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_open_ticker ON positions_open(ticker);
	CREATE INDEX IF NOT EXISTS idx_closed_day ON positions_closed(closed_day);
	CREATE INDEX IF NOT EXISTS idx_closed_strategy ON positions_closed(strategy);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

func (l *SQLiteLedger) SaveOpen(ctx context.Context, pos *models.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return apperrors.NewPersistenceError("save_open", pos.ID, err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions_open (id, ticker, strategy, trade_type, opened_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, pos.ID, pos.Ticker, pos.Strategy, string(pos.TradeType), pos.OpenedAt.UTC(), string(data))
	if err != nil {
		return apperrors.NewPersistenceError("save_open", pos.ID, err)
	}
	return nil
}

func (l *SQLiteLedger) SaveClosed(ctx context.Context, pos *models.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return apperrors.NewPersistenceError("save_closed", pos.ID, err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewPersistenceError("save_closed", pos.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions_open WHERE id = ?`, pos.ID); err != nil {
		return apperrors.NewPersistenceError("save_closed", pos.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions_closed
			(id, ticker, strategy, trade_type, opened_at, closed_at, closed_day, exit_price, exit_reason, realized_pnl, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, pos.ID, pos.Ticker, pos.Strategy, string(pos.TradeType), pos.OpenedAt.UTC(), pos.ClosedAt.UTC(),
		pos.ClosedAt.UTC().Format(dayLayout), pos.ExitPrice, pos.ExitReason, pos.RealizedPnL, string(data))
	if err != nil {
		return apperrors.NewPersistenceError("save_closed", pos.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewPersistenceError("save_closed", pos.ID, err)
	}
	return nil
}

func (l *SQLiteLedger) Open(ctx context.Context) ([]*models.Position, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT data FROM positions_open ORDER BY opened_at, id`)
	if err != nil {
		return nil, apperrors.NewPersistenceError("load_open", "", err)
	}
	defer rows.Close()
	return scanPositions(rows, "load_open")
}

func (l *SQLiteLedger) Closed(ctx context.Context, limit int) ([]*models.Position, error) {
	query := `SELECT data FROM positions_closed ORDER BY closed_at DESC, id`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewPersistenceError("load_closed", "", err)
	}
	defer rows.Close()
	return scanPositions(rows, "load_closed")
}

func scanPositions(rows *sql.Rows, op string) ([]*models.Position, error) {
	var out []*models.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, apperrors.NewPersistenceError(op, "", err)
		}
		var pos models.Position
		if err := json.Unmarshal([]byte(data), &pos); err != nil {
			return nil, apperrors.NewPersistenceError(op, "", fmt.Errorf("corrupt position record: %w", err))
		}
		out = append(out, &pos)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError(op, "", err)
	}
	return out, nil
}

// Stats aggregates the closed set. A trade with P&L > 0 is a winner,
// anything else a loser.
func (l *SQLiteLedger) Stats(ctx context.Context) (models.TradeStats, error) {
	stats := models.TradeStats{DailyPnL: make(map[string]float64)}

	var best, worst sql.NullFloat64
	err := l.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(realized_pnl), 0),
			MAX(realized_pnl),
			MIN(realized_pnl)
		FROM positions_closed
	`).Scan(&stats.TotalTrades, &stats.Winners, &stats.TotalPnL, &best, &worst)
	if err != nil {
		return stats, apperrors.NewPersistenceError("stats", "", err)
	}
	if stats.TotalTrades == 0 {
		return stats, nil
	}

	stats.Losers = stats.TotalTrades - stats.Winners
	stats.WinRate = round2(float64(stats.Winners) / float64(stats.TotalTrades) * 100)
	stats.TotalPnL = round2(stats.TotalPnL)
	stats.AvgPnL = round2(stats.TotalPnL / float64(stats.TotalTrades))
	stats.BestTrade = best.Float64
	stats.WorstTrade = worst.Float64

	rows, err := l.db.QueryContext(ctx, `
		SELECT closed_day, SUM(realized_pnl) FROM positions_closed GROUP BY closed_day
	`)
	if err != nil {
		return stats, apperrors.NewPersistenceError("stats", "daily", err)
	}
	defer rows.Close()
	for rows.Next() {
		var day string
		var pnl float64
		if err := rows.Scan(&day, &pnl); err != nil {
			return stats, apperrors.NewPersistenceError("stats", "daily", err)
		}
		stats.DailyPnL[day] = round2(pnl)
	}
	if err := rows.Err(); err != nil {
		return stats, apperrors.NewPersistenceError("stats", "daily", err)
	}
	return stats, nil
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
