package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"macd-grid-bot-go/internal/models"

	_ "modernc.org/sqlite" // pure Go sqlite driver, registered as "sqlite"
)

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	if dir := filepath.Dir(dataSourceName); dir != "" && dataSourceName != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite 单连接写入更稳定
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// One row per completed trade. order_id is the entry order id and is unique so
	// that a fill delivered twice can never produce a second trade.
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL UNIQUE,
		tp_order_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		fees REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		entry_time INTEGER NOT NULL,
		exit_time INTEGER NOT NULL,
		grid_level INTEGER NOT NULL,
		source TEXT NOT NULL
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);`); err != nil {
		return err
	}

	// BotMetadata table to store simple key-value metadata.
	createBotMetadataTableSQL := `
	CREATE TABLE IF NOT EXISTS bot_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(createBotMetadataTableSQL); err != nil {
		return err
	}

	initRunCounterSQL := `INSERT OR IGNORE INTO bot_metadata (key, value) VALUES ('run_counter', '0');`
	if _, err := db.Exec(initRunCounterSQL); err != nil {
		return err
	}
	return nil
}

// TradeStore is the SQLite implementation of persistence.TradeRepository.
type TradeStore struct {
	db *sql.DB
}

// NewTradeStore wraps an initialized database.
func NewTradeStore(db *sql.DB) *TradeStore {
	return &TradeStore{db: db}
}

// SaveTrade inserts a trade. A second save for the same order id is ignored and the
// id of the existing row is returned.
func (s *TradeStore) SaveTrade(ctx context.Context, rec models.TradeRecord) (int64, error) {
	query := `
	INSERT OR IGNORE INTO trades (order_id, tp_order_id, symbol, side, entry_price, exit_price, quantity,
		fees, realized_pnl, entry_time, exit_time, grid_level, source)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		rec.OrderID, rec.TPOrderID, rec.Symbol, string(rec.Side), rec.EntryPrice, rec.ExitPrice, rec.Quantity,
		rec.Fees, rec.RealizedPnL, rec.EntryTime.UnixMilli(), rec.ExitTime.UnixMilli(), rec.GridLevel, string(rec.Source),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade for order %d: %w", rec.OrderID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return res.LastInsertId()
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM trades WHERE order_id = ?`, rec.OrderID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up existing trade for order %d: %w", rec.OrderID, err)
	}
	return id, nil
}

// GetRecentTrades returns the latest trades, newest first.
func (s *TradeStore) GetRecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
	SELECT id, order_id, tp_order_id, symbol, side, entry_price, exit_price, quantity, fees, realized_pnl,
		entry_time, exit_time, grid_level, source
	FROM trades ORDER BY exit_time DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var rec models.TradeRecord
		var side, source string
		var entryMs, exitMs int64
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.TPOrderID, &rec.Symbol, &side, &rec.EntryPrice, &rec.ExitPrice,
			&rec.Quantity, &rec.Fees, &rec.RealizedPnL, &entryMs, &exitMs, &rec.GridLevel, &source); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		rec.Side = models.Side(side)
		rec.Source = models.FillSource(source)
		rec.EntryTime = time.UnixMilli(entryMs)
		rec.ExitTime = time.UnixMilli(exitMs)
		trades = append(trades, rec)
	}
	return trades, rows.Err()
}

// Summary returns the number of stored trades and their cumulative P&L.
func (s *TradeStore) Summary(ctx context.Context) (count int, pnl float64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(realized_pnl), 0) FROM trades`).Scan(&count, &pnl)
	return count, pnl, err
}

// NextRunID atomically retrieves and increments the run counter.
func NextRunID(ctx context.Context, db *sql.DB) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for run ID: %w", err)
	}
	defer tx.Rollback()

	var counterStr string
	err = tx.QueryRowContext(ctx, "SELECT value FROM bot_metadata WHERE key = 'run_counter'").Scan(&counterStr)
	if err != nil {
		return 0, fmt.Errorf("failed to read run_counter: %w", err)
	}
	counter, err := strconv.ParseInt(counterStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse run_counter value '%s': %w", counterStr, err)
	}

	next := counter + 1
	if _, err = tx.ExecContext(ctx, "UPDATE bot_metadata SET value = ? WHERE key = 'run_counter'", strconv.FormatInt(next, 10)); err != nil {
		return 0, fmt.Errorf("failed to update run_counter: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run_counter transaction: %w", err)
	}
	return next, nil
}

// Metadata returns a stored value, or ok=false when the key is absent.
func Metadata(ctx context.Context, db *sql.DB, key string) (value string, ok bool, err error) {
	err = db.QueryRowContext(ctx, "SELECT value FROM bot_metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetMetadata creates or updates a metadata key.
func SetMetadata(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `
	INSERT INTO bot_metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value;`, key, value)
	if err != nil {
		return fmt.Errorf("failed to save metadata %s: %w", key, err)
	}
	return nil
}
