package kv

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Bucket is one handle onto a bucket's ordered entries.
//
// Safe for concurrent use. Close is idempotent; every other method returns
// [ErrBucketClosed] after Close.
type Bucket struct {
	env    *Env
	ref    BucketRef
	db     *sql.DB
	path   string // dedicated file; empty for shared buckets
	closed atomic.Bool

	// mu guards lastKey, used to classify writes as sequential or random.
	mu      sync.Mutex
	lastKey []byte
}

func newBucket(env *Env, ref BucketRef, db *sql.DB, path string) *Bucket {
	return &Bucket{env: env, ref: ref, db: db, path: path}
}

// Ref returns the bucket this handle reads and writes.
func (b *Bucket) Ref() BucketRef {
	return b.ref
}

func (b *Bucket) check() error {
	if b.closed.Load() {
		return ErrBucketClosed
	}

	if b.env.closed.Load() {
		return ErrClosed
	}

	return nil
}

// Put inserts or replaces key. The write is committed and fsynced before
// Put returns.
func (b *Bucket) Put(ctx context.Context, key, value []byte) error {
	err := b.check()
	if err != nil {
		return err
	}

	// A nil slice binds as NULL.
	if value == nil {
		value = []byte{}
	}

	_, err = b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (store, bucket_id, key, value) VALUES (?, ?, ?, ?)",
		b.ref.Store, b.ref.ID, key, value)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}

	b.mu.Lock()
	sequential := b.lastKey == nil || bytes.Compare(key, b.lastKey) > 0

	if sequential {
		b.lastKey = append(b.lastKey[:0], key...)
	}
	b.mu.Unlock()

	if sequential {
		b.env.io.seqWrites.Add(1)
	} else {
		b.env.io.randWrites.Add(1)
	}

	b.env.io.fsyncs.Add(1)

	return nil
}

// Get returns the value stored under key.
func (b *Bucket) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	err := b.check()
	if err != nil {
		return nil, false, err
	}

	var value []byte

	err = b.db.QueryRowContext(ctx,
		"SELECT value FROM entries WHERE store = ? AND bucket_id = ? AND key = ?",
		b.ref.Store, b.ref.ID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		b.env.io.randReads.Add(1)

		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}

	b.env.io.randReads.Add(1)

	return value, true, nil
}

// Scan calls fn for up to limit entries with key >= from, in ascending key
// order. A nil from starts at the first entry; limit <= 0 means no limit.
// Returning a non-nil error from fn stops the scan and returns that error.
func (b *Bucket) Scan(ctx context.Context, from []byte, limit int, fn func(key, value []byte) error) error {
	err := b.check()
	if err != nil {
		return err
	}

	if from == nil {
		from = []byte{}
	}

	if limit <= 0 {
		limit = -1
	}

	rows, err := b.db.QueryContext(ctx,
		"SELECT key, value FROM entries WHERE store = ? AND bucket_id = ? AND key >= ? ORDER BY key LIMIT ?",
		b.ref.Store, b.ref.ID, from, limit)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key, value []byte

		err = rows.Scan(&key, &value)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}

		b.env.io.seqReads.Add(1)

		err = fn(key, value)
		if err != nil {
			return err
		}
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	return nil
}

// First returns the smallest key and its value.
func (b *Bucket) First(ctx context.Context) ([]byte, []byte, bool, error) {
	var (
		key, value []byte
		found      bool
	)

	err := b.Scan(ctx, nil, 1, func(k, v []byte) error {
		key, value, found = k, v, true

		return nil
	})

	return key, value, found, err
}

// Last returns the largest key.
func (b *Bucket) Last(ctx context.Context) ([]byte, bool, error) {
	err := b.check()
	if err != nil {
		return nil, false, err
	}

	var key []byte

	err = b.db.QueryRowContext(ctx,
		"SELECT key FROM entries WHERE store = ? AND bucket_id = ? ORDER BY key DESC LIMIT 1",
		b.ref.Store, b.ref.ID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("last: %w", err)
	}

	b.env.io.randReads.Add(1)

	return key, true, nil
}

// MaxKeySuffix returns the largest value of key[offset:] across all entries.
// Used to recover counters embedded in keys that do not follow key order.
func (b *Bucket) MaxKeySuffix(ctx context.Context, offset int) ([]byte, bool, error) {
	err := b.check()
	if err != nil {
		return nil, false, err
	}

	var suffix []byte

	// substr is 1-based; without a length it runs to the end of the blob.
	err = b.db.QueryRowContext(ctx,
		"SELECT MAX(substr(key, ?)) FROM entries WHERE store = ? AND bucket_id = ?",
		offset+1, b.ref.Store, b.ref.ID).Scan(&suffix)
	if err != nil {
		return nil, false, fmt.Errorf("max key suffix: %w", err)
	}

	b.env.io.seqReads.Add(1)

	return suffix, suffix != nil, nil
}

// MaxValuePrefix returns the largest value[:n] across all entries.
func (b *Bucket) MaxValuePrefix(ctx context.Context, n int) ([]byte, bool, error) {
	err := b.check()
	if err != nil {
		return nil, false, err
	}

	var prefix []byte

	err = b.db.QueryRowContext(ctx,
		"SELECT MAX(substr(value, 1, ?)) FROM entries WHERE store = ? AND bucket_id = ?",
		n, b.ref.Store, b.ref.ID).Scan(&prefix)
	if err != nil {
		return nil, false, fmt.Errorf("max value prefix: %w", err)
	}

	b.env.io.seqReads.Add(1)

	return prefix, prefix != nil, nil
}

// DeleteRange deletes keys in [from, to). A nil to means no upper bound.
// Returns the number of deleted entries.
func (b *Bucket) DeleteRange(ctx context.Context, from, to []byte) (int64, error) {
	err := b.check()
	if err != nil {
		return 0, err
	}

	if from == nil {
		from = []byte{}
	}

	var res sql.Result

	if to == nil {
		res, err = b.db.ExecContext(ctx,
			"DELETE FROM entries WHERE store = ? AND bucket_id = ? AND key >= ?",
			b.ref.Store, b.ref.ID, from)
	} else {
		res, err = b.db.ExecContext(ctx,
			"DELETE FROM entries WHERE store = ? AND bucket_id = ? AND key >= ? AND key < ?",
			b.ref.Store, b.ref.ID, from, to)
	}

	if err != nil {
		return 0, fmt.Errorf("delete range: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete range: %w", err)
	}

	b.env.io.randWrites.Add(1)
	b.env.io.fsyncs.Add(1)

	return n, nil
}

// Usage returns the number of entries and the total key+value bytes.
func (b *Bucket) Usage(ctx context.Context) (int64, int64, error) {
	err := b.check()
	if err != nil {
		return 0, 0, err
	}

	var count, size int64

	err = b.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0) FROM entries WHERE store = ? AND bucket_id = ?",
		b.ref.Store, b.ref.ID).Scan(&count, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("usage: %w", err)
	}

	return count, size, nil
}

// Close releases the handle. Idempotent.
func (b *Bucket) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	if b.path == "" {
		return nil
	}

	return b.env.releaseDedicated(b.path)
}
