package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	lockFileName     = "LOCK"
	manifestFileName = "ENV.json"
	sharedFileName   = "shared.sqlite"
	dedicatedDirName = "dedicated"

	defaultLockTimeout = 10 * time.Second
)

// Options configures [OpenEnv].
type Options struct {
	// LockTimeout bounds how long OpenEnv waits for another process to
	// release the directory lock. Default: 10s.
	LockTimeout time.Duration

	// CacheSizeKiB is the SQLite page cache per open database. Default: 8 MiB.
	CacheSizeKiB int
}

// BucketRef identifies the storage of one bucket.
type BucketRef struct {
	Store     string
	ID        uint64
	Dedicated bool
}

// Env is an open storage environment. Safe for concurrent use.
type Env struct {
	dir      string
	id       uuid.UUID
	cacheKiB int
	lock     *dirLock
	shared   *sql.DB
	closed   atomic.Bool

	io ioCounters

	// mu guards dedicated. Each entry is refcounted by the Bucket handles
	// using it; the database is closed when the count drops to zero.
	mu        sync.Mutex
	dedicated map[string]*dedicatedDB
}

type dedicatedDB struct {
	db   *sql.DB
	refs int
}

// OpenEnv opens (creating if needed) the environment at dir.
//
// Returns an error wrapping [ErrLockTimeout] if another process holds the
// environment for longer than [Options.LockTimeout].
func OpenEnv(ctx context.Context, dir string, opts Options) (*Env, error) {
	if ctx == nil {
		return nil, errors.New("open env: context is nil")
	}

	if dir == "" {
		return nil, errors.New("open env: directory is empty")
	}

	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}

	if opts.CacheSizeKiB <= 0 {
		opts.CacheSizeKiB = defaultCacheSizeKiB
	}

	dir = filepath.Clean(dir)

	err := os.MkdirAll(filepath.Join(dir, dedicatedDirName), 0o750)
	if err != nil {
		return nil, fmt.Errorf("open env: create directory: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, opts.LockTimeout)
	defer cancel()

	lock, err := acquireDirLock(lockCtx, filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("open env: %w", err)
	}

	m, _, err := loadOrCreateManifest(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open env: %w", err), lock.Close())
	}

	shared, err := openSqlite(ctx, filepath.Join(dir, sharedFileName), opts.CacheSizeKiB)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open env: %w", err), lock.Close())
	}

	err = createEntriesTable(ctx, shared)
	if err == nil {
		err = createCatalogTables(ctx, shared)
	}

	if err != nil {
		return nil, errors.Join(fmt.Errorf("open env: %w", err), shared.Close(), lock.Close())
	}

	return &Env{
		dir:       dir,
		id:        uuid.MustParse(m.ID),
		cacheKiB:  opts.CacheSizeKiB,
		lock:      lock,
		shared:    shared,
		dedicated: make(map[string]*dedicatedDB),
	}, nil
}

// ID returns the environment identity from ENV.json.
func (e *Env) ID() uuid.UUID {
	return e.id
}

// Dir returns the environment directory.
func (e *Env) Dir() string {
	return e.dir
}

// Close releases all database handles and the directory lock. Idempotent.
//
// Dedicated databases still referenced by open buckets are closed too; those
// buckets fail with [ErrClosed] afterwards.
func (e *Env) Close() error {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	e.mu.Lock()

	for path, d := range e.dedicated {
		err := d.db.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("sqlite: close %s: %w", path, err))
		}
	}

	e.dedicated = map[string]*dedicatedDB{}
	e.mu.Unlock()

	err := e.shared.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("sqlite: close shared: %w", err))
	}

	err = e.lock.Close()
	if err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// OpenBucket returns a new handle onto the bucket's entries. For dedicated
// buckets the backing file is created on first open.
func (e *Env) OpenBucket(ctx context.Context, ref BucketRef) (*Bucket, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	if !ref.Dedicated {
		return newBucket(e, ref, e.shared, ""), nil
	}

	path := e.dedicatedPath(ref)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return nil, ErrClosed
	}

	if d, ok := e.dedicated[path]; ok {
		d.refs++

		return newBucket(e, ref, d.db, path), nil
	}

	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return nil, fmt.Errorf("open bucket: create directory: %w", err)
	}

	db, err := openSqlite(ctx, path, e.cacheKiB)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s/%d: %w", ref.Store, ref.ID, err)
	}

	err = createEntriesTable(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("open bucket %s/%d: %w", ref.Store, ref.ID, err)
	}

	e.dedicated[path] = &dedicatedDB{db: db, refs: 1}

	return newBucket(e, ref, db, path), nil
}

// releaseDedicated drops one reference to a dedicated database.
func (e *Env) releaseDedicated(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.dedicated[path]
	if !ok {
		// Env already closed it.
		return nil
	}

	d.refs--
	if d.refs > 0 {
		return nil
	}

	delete(e.dedicated, path)

	err := d.db.Close()
	if err != nil {
		return fmt.Errorf("sqlite: close %s: %w", path, err)
	}

	return nil
}

// DropBucket deletes all storage of a bucket. Dedicated files are removed;
// shared rows are deleted. All handles onto the bucket must be closed first.
func (e *Env) DropBucket(ctx context.Context, ref BucketRef) error {
	if e.closed.Load() {
		return ErrClosed
	}

	if !ref.Dedicated {
		_, err := e.shared.ExecContext(ctx,
			"DELETE FROM entries WHERE store = ? AND bucket_id = ?", ref.Store, ref.ID)
		if err != nil {
			return fmt.Errorf("drop bucket %s/%d: %w", ref.Store, ref.ID, err)
		}

		e.io.fsyncs.Add(1)

		return nil
	}

	path := e.dedicatedPath(ref)

	e.mu.Lock()
	_, open := e.dedicated[path]
	e.mu.Unlock()

	if open {
		return fmt.Errorf("drop bucket %s/%d: database still open", ref.Store, ref.ID)
	}

	var errs []error

	for _, suffix := range []string{"", "-wal", "-shm"} {
		err := os.Remove(path + suffix)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("drop bucket %s/%d: %w", ref.Store, ref.ID, err))
		}
	}

	return errors.Join(errs...)
}

// dedicatedPath derives the file of a dedicated bucket. The store name is
// path-escaped so arbitrary store names map to a single directory level.
func (e *Env) dedicatedPath(ref BucketRef) string {
	return filepath.Join(e.dir, dedicatedDirName, url.PathEscape(ref.Store),
		strconv.FormatUint(ref.ID, 10)+".sqlite")
}

// openDatabases returns every currently open database handle.
func (e *Env) openDatabases() []*sql.DB {
	e.mu.Lock()
	defer e.mu.Unlock()

	dbs := make([]*sql.DB, 0, len(e.dedicated)+1)
	dbs = append(dbs, e.shared)

	for _, d := range e.dedicated {
		dbs = append(dbs, d.db)
	}

	return dbs
}
