// Package sqlite is the durable store for orders, positions and the trade
// journal. A single WAL-mode connection serializes all writes; the Orders
// and Positions repos share it.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"trading-agentv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/agent.db"
}

// Store owns the database. Orders() and Positions() return the repos that
// implement model.OrderStore and model.PositionStore.
type Store struct {
	db        *sql.DB
	orders    *OrderRepo
	positions *PositionRepo
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Orders returns the order repo.
func (s *Store) Orders() *OrderRepo { return s.orders }

// Positions returns the position repo.
func (s *Store) Positions() *PositionRepo { return s.positions }

// New opens (or creates) the database with WAL mode and the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer connection pool
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db, orders: &OrderRepo{db: db}, positions: &PositionRepo{db: db}}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			order_id   TEXT NOT NULL DEFAULT '',
			symbol     TEXT NOT NULL,
			qty        REAL NOT NULL,
			status     TEXT NOT NULL,
			avg_price  REAL NOT NULL DEFAULT 0,
			details    TEXT NOT NULL DEFAULT '',
			placed_at  DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders(user_id, status);
		CREATE INDEX IF NOT EXISTS idx_orders_order_id ON orders(order_id);

		CREATE TABLE IF NOT EXISTS positions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			qty        REAL NOT NULL,
			avg_price  REAL NOT NULL,
			opened_at  DATETIME NOT NULL,
			closed_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id, closed_at);

		CREATE TABLE IF NOT EXISTS trades (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id   TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			side       TEXT NOT NULL,
			qty        REAL NOT NULL,
			price      REAL NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			filled_at  DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
		CREATE INDEX IF NOT EXISTS idx_trades_filled_at ON trades(filled_at);
	`)
	return err
}

// OrderRepo implements model.OrderStore.
type OrderRepo struct {
	db *sql.DB
}

// InsertPending persists a freshly placed buy order and returns the row id.
func (r *OrderRepo) InsertPending(ctx context.Context, userID string, o model.TrackedBuyOrder) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO orders (user_id, order_id, symbol, qty, status, placed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, o.OrderID, o.Symbol, o.Qty, string(model.StatusPlaced), o.PlacedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("sqlite insert order: %w", err)
	}
	return res.LastInsertId()
}

// List returns the user's orders in the given status, oldest first.
func (r *OrderRepo) List(ctx context.Context, userID string, status model.OrderStatus) ([]model.TrackedBuyOrder, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, order_id, symbol, qty, status, placed_at
		 FROM orders WHERE user_id = ? AND status = ? ORDER BY id`,
		userID, string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlite list orders: %w", err)
	}
	defer rows.Close()

	var out []model.TrackedBuyOrder
	for rows.Next() {
		var (
			o        model.TrackedBuyOrder
			st       string
			placedAt string
		)
		if err := rows.Scan(&o.RecordID, &o.OrderID, &o.Symbol, &o.Qty, &st, &placedAt); err != nil {
			return nil, fmt.Errorf("sqlite scan order: %w", err)
		}
		o.Status = model.OrderStatus(st)
		if ts, err := time.Parse(time.RFC3339, placedAt); err == nil {
			o.PlacedAt = ts
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkExecuted transitions a placed order to EXECUTED. The transition is
// applied at most once: marking an order already in its terminal state is a
// no-op, any other status conflict is an error.
func (r *OrderRepo) MarkExecuted(ctx context.Context, id int64, avgPrice float64, details string) error {
	return r.transition(ctx, id, model.StatusExecuted, avgPrice, details)
}

// MarkRejected transitions a placed order to REJECTED.
func (r *OrderRepo) MarkRejected(ctx context.Context, id int64, details string) error {
	return r.transition(ctx, id, model.StatusRejected, 0, details)
}

// MarkCancelled transitions a placed order to CANCELLED.
func (r *OrderRepo) MarkCancelled(ctx context.Context, id int64, details string) error {
	return r.transition(ctx, id, model.StatusCancelled, 0, details)
}

func (r *OrderRepo) transition(ctx context.Context, id int64, to model.OrderStatus, avgPrice float64, details string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, avg_price = ?, details = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		string(to), avgPrice, details, id, string(model.StatusPlaced))
	if err != nil {
		return fmt.Errorf("sqlite mark %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("sqlite mark %s: order %d not found", to, id)
	}
	if err != nil {
		return err
	}
	if current == string(to) {
		return nil // already applied
	}
	return fmt.Errorf("sqlite mark %s: order %d is %s", to, id, current)
}

// PositionRepo implements model.PositionStore.
type PositionRepo struct {
	db *sql.DB
}

// Open persists a new open position and returns the row id.
func (r *PositionRepo) Open(ctx context.Context, userID string, pos model.OpenPosition) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO positions (user_id, symbol, qty, avg_price, opened_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, pos.Symbol, pos.Qty, pos.AvgPrice, pos.OpenedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("sqlite open position: %w", err)
	}
	return res.LastInsertId()
}

// List returns the user's positions that are still open, oldest first.
func (r *PositionRepo) List(ctx context.Context, userID string) ([]model.OpenPosition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, symbol, qty, avg_price, opened_at
		 FROM positions WHERE user_id = ? AND closed_at IS NULL ORDER BY id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite list positions: %w", err)
	}
	defer rows.Close()

	var out []model.OpenPosition
	for rows.Next() {
		var (
			p        model.OpenPosition
			openedAt string
		)
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Qty, &p.AvgPrice, &openedAt); err != nil {
			return nil, fmt.Errorf("sqlite scan position: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, openedAt); err == nil {
			p.OpenedAt = ts
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close marks a position closed.
func (r *PositionRepo) Close(ctx context.Context, id int64, closedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE positions SET closed_at = ? WHERE id = ? AND closed_at IS NULL`,
		closedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("sqlite close position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite close position: %d not found or already closed", id)
	}
	return nil
}

// Trade is one row of the trade journal.
type Trade struct {
	ID       int64     `json:"id"`
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"` // BUY, SELL
	Qty      float64   `json:"qty"`
	Price    float64   `json:"price"`
	Reason   string    `json:"reason"`
	FilledAt time.Time `json:"filled_at"`
}

// RecordTrade appends a fill to the journal.
func (s *Store) RecordTrade(ctx context.Context, t Trade) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (order_id, symbol, side, qty, price, reason, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.OrderID, t.Symbol, t.Side, t.Qty, t.Price, t.Reason, t.FilledAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("sqlite record trade: %w", err)
	}
	return nil
}

// RecentTrades returns the last N trades, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, symbol, side, qty, price, reason, filled_at
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite recent trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var (
			t        Trade
			filledAt string
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &t.Qty, &t.Price, &t.Reason, &filledAt); err != nil {
			return nil, fmt.Errorf("sqlite scan trade: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, filledAt); err == nil {
			t.FilledAt = ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Shutdown closes the database.
func (s *Store) Shutdown() error {
	return s.db.Close()
}
