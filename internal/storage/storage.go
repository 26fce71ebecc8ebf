// Package storage keeps an append-only SQLite journal of every primitive order
// the executor sends to the exchange, including rejected ones.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"binance-algo-executor/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// Owner identifies what placed an order: a plan, a strategy or a direct request.
type Owner struct {
	Kind string // "twap", "grid", "oco", "stop_limit", "order", "strategy"
	ID   string
}

// Entry is one journal row.
type Entry struct {
	ClientOrderID   string
	ExchangeOrderID int64
	OwnerKind       string
	OwnerID         string
	Symbol          string
	Side            string
	Type            string
	Price           string
	StopPrice       string
	Quantity        string
	ReduceOnly      bool
	Status          string
	Error           string
	CreatedAt       time.Time
}

// Journal is the SQLite-backed order journal.
type Journal struct {
	db *sql.DB
}

// OpenJournal initializes the database connection and creates necessary tables.
// Use ":memory:" for a throwaway journal.
func OpenJournal(path string) (*Journal, error) {
	dsn := path
	if path != ":memory:" {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("%s?_busy_timeout=5000", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Journal{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory %s: %w", dir, err)
	}
	return nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		client_order_id TEXT PRIMARY KEY,
		exchange_order_id INTEGER NOT NULL DEFAULT 0,
		owner_kind TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		price TEXT NOT NULL DEFAULT '',
		stop_price TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		reduce_only BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_orders_owner ON orders (owner_id, created_at);`)
	return err
}

// Record writes the outcome of one order placement. A nil order with a
// non-nil placeErr is stored as REJECTED.
func (j *Journal) Record(ctx context.Context, owner Owner, req models.OrderRequest, order *models.Order, placeErr error) error {
	now := time.Now().UnixMilli()

	status := "REJECTED"
	var exchangeID int64
	errText := ""
	if order != nil {
		status = order.Status
		exchangeID = order.OrderID
	}
	if placeErr != nil {
		errText = placeErr.Error()
	}

	query := `
	INSERT INTO orders (client_order_id, exchange_order_id, owner_kind, owner_id, symbol, side, type, price, stop_price, quantity, reduce_only, status, error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_order_id) DO UPDATE SET
		exchange_order_id = excluded.exchange_order_id,
		status = excluded.status,
		error = excluded.error,
		updated_at = excluded.updated_at;`

	_, err := j.db.ExecContext(ctx, query,
		req.ClientOrderID, exchangeID, owner.Kind, owner.ID, req.Symbol, string(req.Side), string(req.Type),
		req.Price, req.StopPrice, req.Quantity, req.ReduceOnly, status, errText, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record order %s: %w", req.ClientOrderID, err)
	}
	return nil
}

// ListByOwner returns every journal entry for the given plan or strategy, oldest first.
func (j *Journal) ListByOwner(ctx context.Context, ownerID string) ([]Entry, error) {
	query := `
	SELECT client_order_id, exchange_order_id, owner_kind, owner_id, symbol, side, type, price, stop_price, quantity, reduce_only, status, error, created_at
	FROM orders
	WHERE owner_id = ?
	ORDER BY created_at, rowid`

	rows, err := j.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(
			&e.ClientOrderID, &e.ExchangeOrderID, &e.OwnerKind, &e.OwnerID, &e.Symbol, &e.Side, &e.Type,
			&e.Price, &e.StopPrice, &e.Quantity, &e.ReduceOnly, &e.Status, &e.Error, &created,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
