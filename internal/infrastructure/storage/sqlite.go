package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// SQLiteStore implements BotRepository and TradeRepository on a single
// sqlite file. Decimals are stored as TEXT to keep them exact.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			strategy TEXT NOT NULL,
			capital TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'created',
			error_message TEXT NOT NULL DEFAULT '',
			started_at DATETIME,
			stopped_at DATETIME,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bots_user ON bots(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bot_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			cost TEXT NOT NULL,
			grid_level INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_bot ON trades(bot_id);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bot_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			total_cost TEXT NOT NULL,
			average_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			grid_levels INTEGER NOT NULL,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_position_history_bot ON position_history(bot_id);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

// BotRepository implementation

func (s *SQLiteStore) SaveBot(ctx context.Context, bot *domain.BotRecord) error {
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now().UTC()
	}
	if bot.Status == "" {
		bot.Status = domain.BotStatusCreated
	}

	if bot.ID > 0 {
		query := `INSERT OR REPLACE INTO bots (id, user_id, symbol, strategy, capital, status, error_message, started_at, stopped_at, created_at)
				  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := s.db.ExecContext(ctx, query,
			bot.ID, bot.UserID, bot.Symbol, bot.Strategy, bot.Capital.String(),
			string(bot.Status), bot.ErrorMessage, bot.StartedAt, bot.StoppedAt, bot.CreatedAt)
		return err
	}

	query := `INSERT INTO bots (user_id, symbol, strategy, capital, status, error_message, started_at, stopped_at, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		bot.UserID, bot.Symbol, bot.Strategy, bot.Capital.String(),
		string(bot.Status), bot.ErrorMessage, bot.StartedAt, bot.StoppedAt, bot.CreatedAt)
	if err != nil {
		return err
	}
	bot.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetBot(ctx context.Context, id int64) (*domain.BotRecord, error) {
	query := `SELECT id, user_id, symbol, strategy, capital, status, error_message, started_at, stopped_at, created_at
			  FROM bots WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	bot, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bot %d: %w", id, domain.ErrBotNotFound)
	}
	return bot, err
}

func (s *SQLiteStore) ListBots(ctx context.Context) ([]*domain.BotRecord, error) {
	query := `SELECT id, user_id, symbol, strategy, capital, status, error_message, started_at, stopped_at, created_at
			  FROM bots ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*domain.BotRecord
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*domain.BotRecord, error) {
	var (
		b       domain.BotRecord
		capital string
		status  string
	)
	err := row.Scan(&b.ID, &b.UserID, &b.Symbol, &b.Strategy, &capital,
		&status, &b.ErrorMessage, &b.StartedAt, &b.StoppedAt, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.Capital, err = decimal.NewFromString(capital)
	if err != nil {
		return nil, fmt.Errorf("parse capital %q: %w", capital, err)
	}
	b.Status = domain.BotRunStatus(status)
	return &b, nil
}

func (s *SQLiteStore) UpdateBotStatus(ctx context.Context, id int64, status domain.BotRunStatus, message string) error {
	now := time.Now().UTC()
	var query string
	switch status {
	case domain.BotStatusRunning:
		query = `UPDATE bots SET status = ?, error_message = ?, started_at = ? WHERE id = ?`
	case domain.BotStatusStopped, domain.BotStatusError:
		query = `UPDATE bots SET status = ?, error_message = ?, stopped_at = ? WHERE id = ?`
	default:
		_, err := s.db.ExecContext(ctx, `UPDATE bots SET status = ?, error_message = ? WHERE id = ?`,
			string(status), message, id)
		return err
	}
	_, err := s.db.ExecContext(ctx, query, string(status), message, now, id)
	return err
}

func (s *SQLiteStore) MarkRunningStopped(ctx context.Context, message string) (int64, error) {
	query := `UPDATE bots SET status = ?, error_message = ?, stopped_at = ?
			  WHERE status IN (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		string(domain.BotStatusStopped), message, time.Now().UTC(),
		string(domain.BotStatusRunning), string(domain.BotStatusPaused), string(domain.BotStatusStopping))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TradeRepository implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *domain.Trade) error {
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO trades (bot_id, symbol, side, quantity, price, cost, grid_level, reason, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		trade.BotID, trade.Symbol, string(trade.Side), trade.Quantity.String(),
		trade.Price.String(), trade.Cost.String(), trade.GridLevel, trade.Reason, trade.CreatedAt)
	if err != nil {
		return err
	}
	trade.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListTrades(ctx context.Context, botID int64, limit int) ([]*domain.Trade, error) {
	query := `SELECT id, bot_id, symbol, side, quantity, price, cost, grid_level, reason, created_at
			  FROM trades WHERE bot_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		var (
			t                    domain.Trade
			side, qty, price, cost string
		)
		if err := rows.Scan(&t.ID, &t.BotID, &t.Symbol, &side, &qty, &price, &cost, &t.GridLevel, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Side = domain.OrderSide(side)
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if t.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) SavePositionHistory(ctx context.Context, history *domain.PositionHistory) error {
	if history.ClosedAt.IsZero() {
		history.ClosedAt = time.Now().UTC()
	}
	query := `INSERT INTO position_history (bot_id, symbol, total_cost, average_price, exit_price, realized_pnl, grid_levels, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		history.BotID, history.Symbol, history.TotalCost.String(), history.AveragePrice.String(),
		history.ExitPrice.String(), history.RealizedPnL.String(), history.GridLevels, history.ClosedAt)
	if err != nil {
		return err
	}
	history.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListPositionHistory(ctx context.Context, botID int64, limit int) ([]*domain.PositionHistory, error) {
	query := `SELECT id, bot_id, symbol, total_cost, average_price, exit_price, realized_pnl, grid_levels, closed_at
			  FROM position_history WHERE bot_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var histories []*domain.PositionHistory
	for rows.Next() {
		var (
			h                        domain.PositionHistory
			cost, avg, exit, pnl string
		)
		if err := rows.Scan(&h.ID, &h.BotID, &h.Symbol, &cost, &avg, &exit, &pnl, &h.GridLevels, &h.ClosedAt); err != nil {
			return nil, err
		}
		if h.TotalCost, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		if h.AveragePrice, err = decimal.NewFromString(avg); err != nil {
			return nil, err
		}
		if h.ExitPrice, err = decimal.NewFromString(exit); err != nil {
			return nil, err
		}
		if h.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, err
		}
		histories = append(histories, &h)
	}
	return histories, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
