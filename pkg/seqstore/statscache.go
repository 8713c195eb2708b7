package seqstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/seqstore/pkg/clock"
	"github.com/calvinalkan/seqstore/pkg/kv"
)

// EnvStats is a snapshot of environment resource usage.
type EnvStats = kv.EnvStats

// StatsCache serves a snapshot until it is older than its TTL. Whoever reads
// a stale snapshot reloads it; concurrent reloads race and the last store
// wins.
type StatsCache struct {
	clock clock.Clock
	ttl   int64 // ms
	load  func(context.Context) (EnvStats, error)
	cur   atomic.Pointer[statsSnapshot]
}

type statsSnapshot struct {
	takenAt int64
	stats   EnvStats
}

// NewStatsCache returns a cache that calls load on miss.
func NewStatsCache(c clock.Clock, ttl time.Duration, load func(context.Context) (EnvStats, error)) *StatsCache {
	return &StatsCache{clock: c, ttl: ttl.Milliseconds(), load: load}
}

// Get returns the cached snapshot, reloading it if stale.
func (c *StatsCache) Get(ctx context.Context) (EnvStats, error) {
	now := c.clock.Now()

	if s := c.cur.Load(); s != nil && now-s.takenAt < c.ttl {
		return s.stats, nil
	}

	st, err := c.load(ctx)
	if err != nil {
		return EnvStats{}, err
	}

	c.cur.Store(&statsSnapshot{takenAt: now, stats: st})

	return st, nil
}

// Invalidate forces the next Get to reload.
func (c *StatsCache) Invalidate() {
	c.cur.Store(nil)
}
