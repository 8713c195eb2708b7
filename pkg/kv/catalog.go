package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// BucketMeta is a catalog row describing one bucket.
type BucketMeta struct {
	Store      string
	ID         uint64
	Dedicated  bool
	Min        []byte
	Max        []byte
	State      int
	EntryCount int64
	ByteSize   int64
	CreatedAt  int64
	ClosedAt   int64
}

// Ref returns the storage reference of the bucket.
func (m BucketMeta) Ref() BucketRef {
	return BucketRef{Store: m.Store, ID: m.ID, Dedicated: m.Dedicated}
}

// StoreMeta is a catalog row describing one store.
type StoreMeta struct {
	Store     string
	Options   string // opaque, owned by the caller (JSON in practice)
	CreatedAt int64
}

// PutStore inserts a store row. Returns created=false if it already exists.
func (e *Env) PutStore(ctx context.Context, m StoreMeta) (bool, error) {
	if e.closed.Load() {
		return false, ErrClosed
	}

	res, err := e.shared.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (store, options, created_at) VALUES (?, ?, ?)",
		m.Store, m.Options, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("put store: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put store: %w", err)
	}

	e.io.fsyncs.Add(1)

	return n == 1, nil
}

// Stores lists all stores in the catalog, ordered by name.
func (e *Env) Stores(ctx context.Context) ([]StoreMeta, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := e.shared.QueryContext(ctx, "SELECT store, options, created_at FROM stores ORDER BY store")
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []StoreMeta

	for rows.Next() {
		var m StoreMeta

		err = rows.Scan(&m.Store, &m.Options, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("list stores: %w", err)
		}

		out = append(out, m)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}

	return out, nil
}

// DeleteStore removes the store row together with its bucket and reader rows.
// Bucket storage must have been dropped by the caller.
func (e *Env) DeleteStore(ctx context.Context, store string) error {
	if e.closed.Load() {
		return ErrClosed
	}

	tx, err := e.shared.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete store: %w", err)
	}

	for _, stmt := range []string{
		"DELETE FROM readers WHERE store = ?",
		"DELETE FROM buckets WHERE store = ?",
		"DELETE FROM stores WHERE store = ?",
	} {
		_, err = tx.ExecContext(ctx, stmt, store)
		if err != nil {
			return errors.Join(fmt.Errorf("delete store: %w", err), tx.Rollback())
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("delete store: commit: %w", err)
	}

	e.io.fsyncs.Add(1)

	return nil
}

// PutBucket inserts or replaces a bucket row.
func (e *Env) PutBucket(ctx context.Context, m BucketMeta) error {
	if e.closed.Load() {
		return ErrClosed
	}

	_, err := e.shared.ExecContext(ctx, `
		INSERT OR REPLACE INTO buckets (
			store, bucket_id, dedicated, min_key, max_key, state,
			entry_count, byte_size, created_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Store, m.ID, m.Dedicated, m.Min, m.Max, m.State,
		m.EntryCount, m.ByteSize, m.CreatedAt, m.ClosedAt)
	if err != nil {
		return fmt.Errorf("put bucket %s/%d: %w", m.Store, m.ID, err)
	}

	e.io.fsyncs.Add(1)

	return nil
}

// Buckets lists the bucket rows of a store ordered by min key.
func (e *Env) Buckets(ctx context.Context, store string) ([]BucketMeta, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := e.shared.QueryContext(ctx, `
		SELECT store, bucket_id, dedicated, min_key, max_key, state,
			entry_count, byte_size, created_at, closed_at
		FROM buckets WHERE store = ? ORDER BY min_key`, store)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []BucketMeta

	for rows.Next() {
		var m BucketMeta

		err = rows.Scan(&m.Store, &m.ID, &m.Dedicated, &m.Min, &m.Max, &m.State,
			&m.EntryCount, &m.ByteSize, &m.CreatedAt, &m.ClosedAt)
		if err != nil {
			return nil, fmt.Errorf("list buckets: %w", err)
		}

		out = append(out, m)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	return out, nil
}

// PutReaderLevel records the ack level of a reader.
func (e *Env) PutReaderLevel(ctx context.Context, store, reader string, level []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}

	_, err := e.shared.ExecContext(ctx,
		"INSERT OR REPLACE INTO readers (store, reader, ack_level) VALUES (?, ?, ?)",
		store, reader, level)
	if err != nil {
		return fmt.Errorf("put reader level: %w", err)
	}

	e.io.fsyncs.Add(1)

	return nil
}

// DeleteReader removes a reader row.
func (e *Env) DeleteReader(ctx context.Context, store, reader string) error {
	if e.closed.Load() {
		return ErrClosed
	}

	_, err := e.shared.ExecContext(ctx, "DELETE FROM readers WHERE store = ? AND reader = ?", store, reader)
	if err != nil {
		return fmt.Errorf("delete reader: %w", err)
	}

	e.io.fsyncs.Add(1)

	return nil
}

// ReaderLevels returns the recorded ack levels of all readers of a store.
func (e *Env) ReaderLevels(ctx context.Context, store string) (map[string][]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := e.shared.QueryContext(ctx, "SELECT reader, ack_level FROM readers WHERE store = ?", store)
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}

	defer func() { _ = rows.Close() }()

	out := make(map[string][]byte)

	for rows.Next() {
		var (
			reader string
			level  []byte
		)

		err = rows.Scan(&reader, &level)
		if err != nil {
			return nil, fmt.Errorf("list readers: %w", err)
		}

		out[reader] = level
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}

	return out, nil
}

// catalogBytes estimates the bytes used by catalog rows.
func catalogBytes(ctx context.Context, db *sql.DB) (int64, error) {
	var n int64

	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(SUM(LENGTH(store) + LENGTH(options) + 8), 0) FROM stores) +
			(SELECT COALESCE(SUM(LENGTH(store) + LENGTH(min_key) + LENGTH(max_key) + 48), 0) FROM buckets) +
			(SELECT COALESCE(SUM(LENGTH(store) + LENGTH(reader) + LENGTH(ack_level)), 0) FROM readers)
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog size: %w", err)
	}

	return n, nil
}
