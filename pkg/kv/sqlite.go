package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// sqliteBusyTimeout is the time SQLite waits when the database is locked.
// After this, operations return SQLITE_BUSY.
const sqliteBusyTimeout = 5000 // milliseconds

// defaultCacheSizeKiB is the per-connection page cache (PRAGMA cache_size).
const defaultCacheSizeKiB = 8192

// openSqlite opens a database file and applies the configured pragmas.
func openSqlite(ctx context.Context, path string, cacheKiB int) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("open sqlite: path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Ensure per-connection PRAGMAs apply consistently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	err = applyPragmas(ctx, db, cacheKiB)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

// applyPragmas configures the SQLite connection using a single batch statement.
func applyPragmas(ctx context.Context, db *sql.DB, cacheKiB int) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;
		PRAGMA cache_size = -%d;
		PRAGMA temp_store = MEMORY;
	`, sqliteBusyTimeout, cacheKiB))
	if err != nil {
		return fmt.Errorf("apply pragmas: %w", err)
	}

	return nil
}

// createEntriesTable creates the entries table used by shared and dedicated
// databases alike. Dedicated files hold rows of a single bucket.
func createEntriesTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			bucket_id INTEGER NOT NULL,
			key BLOB NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (store, bucket_id, key)
		) WITHOUT ROWID`)
	if err != nil {
		return fmt.Errorf("create entries table: %w", err)
	}

	return nil
}

// createCatalogTables creates the catalog tables in the shared database.
func createCatalogTables(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			store TEXT PRIMARY KEY,
			options TEXT NOT NULL,
			created_at INTEGER NOT NULL
		) WITHOUT ROWID`,
		`CREATE TABLE IF NOT EXISTS buckets (
			store TEXT NOT NULL,
			bucket_id INTEGER NOT NULL,
			dedicated INTEGER NOT NULL,
			min_key BLOB NOT NULL,
			max_key BLOB NOT NULL,
			state INTEGER NOT NULL,
			entry_count INTEGER NOT NULL,
			byte_size INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			closed_at INTEGER NOT NULL,
			PRIMARY KEY (store, bucket_id)
		) WITHOUT ROWID`,
		`CREATE TABLE IF NOT EXISTS readers (
			store TEXT NOT NULL,
			reader TEXT NOT NULL,
			ack_level BLOB NOT NULL,
			PRIMARY KEY (store, reader)
		) WITHOUT ROWID`,
	}

	for i, stmt := range statements {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("catalog statement %d: %w", i+1, err)
		}
	}

	return nil
}

// pragmaInt reads a single integer PRAGMA.
func pragmaInt(ctx context.Context, db *sql.DB, name string) (int64, error) {
	var v int64

	err := db.QueryRowContext(ctx, "PRAGMA "+name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read pragma %s: %w", name, err)
	}

	return v, nil
}
