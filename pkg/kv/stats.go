package kv

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// ioCounters are cumulative since the Env was opened.
type ioCounters struct {
	randReads  atomic.Int64
	randWrites atomic.Int64
	seqReads   atomic.Int64
	seqWrites  atomic.Int64
	fsyncs     atomic.Int64
}

// EnvStats is a point-in-time view of environment resource usage.
type EnvStats struct {
	// AdminBytes is storage used for catalog and manifest bookkeeping.
	AdminBytes int64
	// CacheBytes is the configured page cache across open databases.
	CacheBytes int64
	// RandomReads counts point lookups.
	RandomReads int64
	// RandomWrites counts out-of-order writes and range deletes.
	RandomWrites int64
	// SequentialReads counts entries returned by ordered scans.
	SequentialReads int64
	// SequentialWrites counts appends in key order.
	SequentialWrites int64
	// CleanerBacklog is the number of free pages awaiting reuse or vacuum.
	CleanerBacklog int64
	// FSyncs counts committed write transactions.
	FSyncs int64
	// TotalLogSize is the on-disk size of all database and WAL files.
	TotalLogSize int64
	// OpenDatabases is the number of open SQLite handles.
	OpenDatabases int
}

// Stats collects environment statistics. It walks the environment directory
// and queries every open database, so callers should cache the result.
func (e *Env) Stats(ctx context.Context) (EnvStats, error) {
	if e.closed.Load() {
		return EnvStats{}, ErrClosed
	}

	st := EnvStats{
		RandomReads:      e.io.randReads.Load(),
		RandomWrites:     e.io.randWrites.Load(),
		SequentialReads:  e.io.seqReads.Load(),
		SequentialWrites: e.io.seqWrites.Load(),
		FSyncs:           e.io.fsyncs.Load(),
	}

	dbs := e.openDatabases()
	st.OpenDatabases = len(dbs)
	st.CacheBytes = int64(len(dbs)) * int64(e.cacheKiB) * 1024

	for _, db := range dbs {
		free, err := pragmaInt(ctx, db, "freelist_count")
		if err != nil {
			return EnvStats{}, fmt.Errorf("stats: %w", err)
		}

		st.CleanerBacklog += free
	}

	admin, err := catalogBytes(ctx, e.shared)
	if err != nil {
		return EnvStats{}, fmt.Errorf("stats: %w", err)
	}

	st.AdminBytes = admin

	err = filepath.WalkDir(e.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if d.IsDir() {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			// Removed concurrently by DropBucket.
			return nil //nolint:nilerr // vanished files do not count
		}

		name := d.Name()

		switch {
		case name == manifestFileName || name == lockFileName:
			st.AdminBytes += info.Size()
		case strings.HasSuffix(name, ".sqlite"), strings.HasSuffix(name, ".sqlite-wal"):
			st.TotalLogSize += info.Size()
		}

		return nil
	})
	if err != nil {
		return EnvStats{}, fmt.Errorf("stats: walk: %w", err)
	}

	return st, nil
}
