// Package db provides the on-device product mirror for posmirror.
//
// The mirror is an embedded SQLite database (ncruces/go-sqlite3, WASM build)
// in WAL mode so the dashboard and CLI can read while a reconciliation pass
// writes.
//
// Architecture:
//   - Database file: ~/.posmirror/mirror.db by default
//   - products: one row per product, keyed by id
//   - sync_log: outcome of each reconciliation pass
//
// The mirror is a cache. Every product row comes from the last reconciliation
// pass that wrote it, and the whole database can be dropped at any time
// without losing anything the server does not already have.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/shopfront/posmirror/internal/mirror/schema"
)

var (
	// ErrStorageUnavailable marks every failure of the on-device store:
	// closed handle, I/O error, full disk, corruption.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrNotFound is returned by lookups for an id the mirror does not hold.
	ErrNotFound = errors.New("product not found in local mirror")
)

// DB wraps the SQLite connection pool holding the product mirror.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the mirror database at path.
//
// The database is always file-backed; in-memory paths are rejected because
// the mirror must survive restarts.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	store, err := db.Open(filepath.Join(home, ".posmirror", "mirror.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		return nil, fmt.Errorf("in-memory database %q not supported: the mirror must be persistent", path)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create database directory: %w", ErrStorageUnavailable, err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrStorageUnavailable, err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", ErrStorageUnavailable, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: failed to %s: %w", ErrStorageUnavailable, p.what, err)
		}
	}

	return db, nil
}

// Path returns the on-disk location of the mirror.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection pool.
// Calling Close more than once is a no-op.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("%w: failed to close database: %w", ErrStorageUnavailable, err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the mirror tables if they don't exist.
// Safe to call on every start.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		sku TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		price REAL NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		stock INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL DEFAULT 0,  -- epoch millis
		updated_at INTEGER NOT NULL DEFAULT 0   -- epoch millis
	);

	CREATE INDEX IF NOT EXISTS idx_products_sku ON products(sku);
	CREATE INDEX IF NOT EXISTS idx_products_name ON products(name);
	CREATE INDEX IF NOT EXISTS idx_products_category ON products(category);
	CREATE INDEX IF NOT EXISTS idx_products_updated ON products(updated_at);

	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		fetched INTEGER NOT NULL DEFAULT 0,
		upserted INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	`

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return storageErr("initialize schema", err)
	}

	return nil
}

const upsertQuery = `
	INSERT INTO products (
		id, sku, name, description, category, image_url,
		price, cost, stock, is_active, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		sku = excluded.sku,
		name = excluded.name,
		description = excluded.description,
		category = excluded.category,
		image_url = excluded.image_url,
		price = excluded.price,
		cost = excluded.cost,
		stock = excluded.stock,
		is_active = excluded.is_active,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
	`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Upsert inserts p, or fully replaces the row with the same id.
// Every column is overwritten; there is no field-level merge.
func (db *DB) Upsert(p *schema.Product) error {
	return db.UpsertContext(context.Background(), p)
}

// UpsertContext inserts or replaces a product with context support.
func (db *DB) UpsertContext(ctx context.Context, p *schema.Product) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	return upsert(ctx, conn, p)
}

// UpsertAll upserts every product in a single transaction.
// Either all rows are written or none are.
func (db *DB) UpsertAll(products []*schema.Product) error {
	return db.UpsertAllContext(context.Background(), products)
}

// UpsertAllContext upserts a batch atomically with context support.
func (db *DB) UpsertAllContext(ctx context.Context, products []*schema.Product) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	for _, p := range products {
		if err := upsert(ctx, tx, p); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

func upsert(ctx context.Context, ex execer, p *schema.Product) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("invalid product: id is required")
	}

	_, err := ex.ExecContext(ctx, upsertQuery,
		p.ID,
		p.SKU,
		p.Name,
		p.Description,
		p.Category,
		p.ImageURL,
		p.Price,
		p.Cost,
		p.Stock,
		boolToInt(p.IsActive),
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return storageErr("upsert product "+p.ID, err)
	}
	return nil
}

// Clear removes every product from the mirror.
// The sync log is kept.
func (db *DB) Clear() error {
	return db.ClearContext(context.Background())
}

// ClearContext removes every product with context support.
func (db *DB) ClearContext(ctx context.Context) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM products`); err != nil {
		return storageErr("clear products", err)
	}
	return nil
}

const selectColumns = `id, sku, name, description, category, image_url,
	       price, cost, stock, is_active, created_at, updated_at`

// GetAll returns every product in the mirror in no particular order.
// An empty mirror yields an empty, non-nil slice.
func (db *DB) GetAll() ([]*schema.Product, error) {
	return db.GetAllContext(context.Background())
}

// GetAllContext returns every product with context support.
func (db *DB) GetAllContext(ctx context.Context) ([]*schema.Product, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `SELECT `+selectColumns+` FROM products`)
	if err != nil {
		return nil, storageErr("query products", err)
	}
	defer rows.Close()

	return scanProducts(rows)
}

// GetByID returns a single product.
// Returns ErrNotFound if the mirror does not hold it.
func (db *DB) GetByID(id string) (*schema.Product, error) {
	return db.GetByIDContext(context.Background(), id)
}

// GetByIDContext returns a single product with context support.
func (db *DB) GetByIDContext(ctx context.Context, id string) (*schema.Product, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}

	row := conn.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get product "+id, err)
	}
	return p, nil
}

// Count returns the number of products in the mirror.
func (db *DB) Count() (int, error) {
	return db.CountContext(context.Background())
}

// CountContext returns the product count with context support.
func (db *DB) CountContext(ctx context.Context) (int, error) {
	conn, err := db.handle()
	if err != nil {
		return 0, err
	}

	var count int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM products").Scan(&count); err != nil {
		return 0, storageErr("count products", err)
	}
	return count, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(s scanner) (*schema.Product, error) {
	var p schema.Product
	var active int

	err := s.Scan(
		&p.ID,
		&p.SKU,
		&p.Name,
		&p.Description,
		&p.Category,
		&p.ImageURL,
		&p.Price,
		&p.Cost,
		&p.Stock,
		&active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.IsActive = active != 0
	return &p, nil
}

func scanProducts(rows *sql.Rows) ([]*schema.Product, error) {
	products := []*schema.Product{}

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, storageErr("scan product", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate products", err)
	}

	return products, nil
}

// handle returns the live connection or ErrStorageUnavailable after Close.
func (db *DB) handle() (*sql.DB, error) {
	if db == nil || db.conn == nil {
		return nil, fmt.Errorf("%w: database is closed", ErrStorageUnavailable)
	}
	return db.conn, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStorageUnavailable, op, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
