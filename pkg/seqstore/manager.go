package seqstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/seqstore/pkg/clock"
	"github.com/calvinalkan/seqstore/pkg/kv"
)

type managerState int32

const (
	stateUninitialized managerState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s managerState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock sets the time source. It must count milliseconds, like
// [clock.System] and [clock.Settable]: bucket spans, TTLs and retention are
// compared against it. [Open] rejects a [clock.Nano]. The default is the wall
// clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// Manager owns an environment: its stores, every open bucket handle, and the
// bucket lifecycle.
//
// An unrecoverable database error observed anywhere shuts the manager down
// once, asynchronously. [Manager.Done] is closed when shutdown completes.
type Manager struct {
	cfg     Config
	clock   clock.Clock
	log     *zap.Logger
	env     *kv.Env
	tracker *Tracker
	stats   *StatsCache

	state     atomic.Int32
	done      chan struct{}
	fatalOnce sync.Once

	mu       sync.Mutex
	stores   map[StoreID]*Store
	deleting map[StoreID]struct{}
}

// Open validates cfg, opens the environment under cfg.Dir and loads every
// store recorded in it.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		clock:    clock.NewSystem(),
		log:      zap.NewNop(),
		tracker:  NewTracker(),
		done:     make(chan struct{}),
		stores:   make(map[StoreID]*Store),
		deleting: make(map[StoreID]struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	if nanoClock(m.clock) {
		return nil, configError("open", fmt.Errorf("%w: clock counts nanoseconds, want milliseconds", ErrInvalidConfig))
	}

	m.log = m.log.Named("seqstore")

	env, err := kv.OpenEnv(ctx, cfg.Dir, kv.Options{LockTimeout: cfg.LockTimeout, CacheSizeKiB: cfg.CacheSizeKiB})
	if err != nil {
		return nil, Wrap("open", err)
	}

	m.env = env
	m.stats = NewStatsCache(m.clock, cfg.StatsTTL, env.Stats)
	m.state.Store(int32(stateOpen))

	metas, err := env.Stores(ctx)
	if err != nil {
		return nil, errors.Join(Wrap("open: list stores", err), m.Close())
	}

	for _, meta := range metas {
		_, err = m.load(ctx, meta)
		if err != nil {
			return nil, errors.Join(err, m.Close())
		}
	}

	m.log.Info("environment opened",
		zap.String("dir", cfg.Dir),
		zap.Stringer("env", env.ID()),
		zap.Int("stores", len(metas)))

	return m, nil
}

// nanoClock reports whether c, or the clock it wraps, is a [clock.Nano].
func nanoClock(c clock.Clock) bool {
	for {
		switch v := c.(type) {
		case *clock.Nano:
			return true
		case *clock.AlwaysIncreasing:
			c = v.Base()
		default:
			return false
		}
	}
}

func (m *Manager) load(ctx context.Context, meta kv.StoreMeta) (*Store, error) {
	id, err := ParseStoreID(meta.Store)
	if err != nil {
		return nil, NewUnrecoverable("load store", ReasonCorrupt, err)
	}

	var opts StoreOptions

	err = json.Unmarshal([]byte(meta.Options), &opts)
	if err != nil {
		return nil, NewUnrecoverable("load store", ReasonCorrupt, fmt.Errorf("store %s options: %w", id, err))
	}

	st, err := loadStore(ctx, m, id, opts, meta.CreatedAt)
	if err != nil {
		return nil, withStore(Wrap("load store", err), id)
	}

	m.stores[id] = st

	return st, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Tracker exposes the handle tracker for diagnostics.
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// Done is closed once the manager has shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) checkOpen(op string) error {
	st := managerState(m.state.Load())
	if st != stateOpen {
		return illegalState(op, fmt.Errorf("%w: manager %s", ErrClosed, st))
	}

	return nil
}

// CreateStore creates a new store. Fails with [ErrAlreadyCreated] if it
// exists and with [ErrDeleteInProgress] while it is being deleted.
func (m *Manager) CreateStore(ctx context.Context, id StoreID, opts StoreOptions) (*Store, error) {
	err := id.Validate()
	if err != nil {
		return nil, configError("create store", err)
	}

	err = opts.Validate()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.createLocked(ctx, id, opts)
}

func (m *Manager) createLocked(ctx context.Context, id StoreID, opts StoreOptions) (*Store, error) {
	err := m.checkOpen("create store")
	if err != nil {
		return nil, err
	}

	if _, ok := m.deleting[id]; ok {
		return nil, withStore(illegalState("create store", ErrDeleteInProgress), id)
	}

	if _, ok := m.stores[id]; ok {
		return nil, withStore(illegalState("create store", ErrAlreadyCreated), id)
	}

	raw, err := json.Marshal(opts)
	if err != nil {
		return nil, Wrap("create store", err)
	}

	now := m.clock.Now()

	created, err := m.env.PutStore(ctx, kv.StoreMeta{Store: id.String(), Options: string(raw), CreatedAt: now})
	if err != nil {
		return nil, m.observe(withStore(Wrap("create store", err), id))
	}

	if !created {
		return nil, withStore(illegalState("create store", ErrAlreadyCreated), id)
	}

	st := newStore(m, id, opts, now)
	m.stores[id] = st

	m.log.Info("store created", zap.Stringer("store", id), zap.String("dedicated", string(opts.mode())))

	return st, nil
}

// GetStore returns an open store.
func (m *Manager) GetStore(id StoreID) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stores[id]

	return st, ok
}

// OpenStore returns the store, loading it from the environment or creating it
// with opts if needed. opts are ignored for existing stores.
func (m *Manager) OpenStore(ctx context.Context, id StoreID, opts StoreOptions) (*Store, error) {
	err := id.Validate()
	if err != nil {
		return nil, configError("open store", err)
	}

	err = opts.Validate()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.stores[id]; ok {
		return st, nil
	}

	err = m.checkOpen("open store")
	if err != nil {
		return nil, err
	}

	metas, err := m.env.Stores(ctx)
	if err != nil {
		return nil, m.observe(Wrap("open store", err))
	}

	for _, meta := range metas {
		if meta.Store == id.String() {
			st, loadErr := m.load(ctx, meta)

			return st, m.observe(loadErr)
		}
	}

	return m.createLocked(ctx, id, opts)
}

// Stores returns the open stores ordered by id.
func (m *Manager) Stores() []*Store {
	m.mu.Lock()
	stores := slices.Collect(maps.Values(m.stores))
	m.mu.Unlock()

	slices.SortFunc(stores, func(a, b *Store) int {
		return cmp.Or(strings.Compare(a.id.Group, b.id.Group), strings.Compare(a.id.Name, b.id.Name))
	})

	return stores
}

// DeleteStore closes the store, deletes all of its buckets and removes it
// from the environment.
func (m *Manager) DeleteStore(ctx context.Context, id StoreID) error {
	m.mu.Lock()

	err := m.checkOpen("delete store")
	if err != nil {
		m.mu.Unlock()

		return err
	}

	if _, ok := m.deleting[id]; ok {
		m.mu.Unlock()

		return withStore(illegalState("delete store", ErrDeleteInProgress), id)
	}

	st, ok := m.stores[id]
	if !ok {
		m.mu.Unlock()

		return withStore(illegalState("delete store", ErrNotFound), id)
	}

	m.deleting[id] = struct{}{}
	delete(m.stores, id)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.deleting, id)
		m.mu.Unlock()
	}()

	errs := []error{st.close()}

	for _, b := range st.Buckets() {
		errs = append(errs, m.dropBucket(ctx, b))
	}

	errs = append(errs, m.observe(Wrap("delete store", m.env.DeleteStore(ctx, id.String()))))

	err = errors.Join(errs...)
	if err != nil {
		return withStore(Wrap("delete store", err), id)
	}

	m.log.Info("store deleted", zap.Stringer("store", id))

	return nil
}

// forget removes a closed store from the open set.
func (m *Manager) forget(st *Store) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stores[st.id] == st {
		delete(m.stores, st.id)
	}
}

// EnvStats returns environment statistics, cached for [Config.StatsTTL].
func (m *Manager) EnvStats(ctx context.Context) (EnvStats, error) {
	err := m.checkOpen("env stats")
	if err != nil {
		return EnvStats{}, err
	}

	st, err := m.stats.Get(ctx)
	if err != nil {
		return EnvStats{}, m.observe(Wrap("env stats", err))
	}

	return st, nil
}

// storageTypeFor decides where a new bucket lives. prevBytes is the size of
// the bucket preceding it.
func (m *Manager) storageTypeFor(mode DedicatedMode, prevBytes int64, future bool) StorageType {
	if future {
		return Shared
	}

	switch mode {
	case DedicatedAlways:
		return Dedicated
	case DedicatedNever:
		return Shared
	}

	busy := m.cfg.DedicatedThresholdBytes > 0 && prevBytes >= m.cfg.DedicatedThresholdBytes
	if busy && m.tracker.OpenDedicatedBucketCount() < m.cfg.MaxOpenDedicatedBuckets {
		return Dedicated
	}

	return Shared
}

// createBucket persists a new bucket.
func (m *Manager) createBucket(ctx context.Context, b Bucket) error {
	err := m.checkOpen("create bucket")
	if err != nil {
		return err
	}

	err = m.env.PutBucket(ctx, b.meta())
	if err != nil {
		return m.observe(withStore(Wrap("create bucket", err), b.Store))
	}

	m.log.Debug("bucket created",
		zap.Stringer("store", b.Store),
		zap.Uint64("bucket", uint64(b.ID)),
		zap.Stringer("type", b.StorageType),
		zap.Stringer("min", b.Min),
		zap.Stringer("max", b.Max))

	return nil
}

// saveBucket persists bucket metadata.
func (m *Manager) saveBucket(ctx context.Context, b Bucket) error {
	err := m.env.PutBucket(ctx, b.meta())
	if err != nil {
		return m.observe(withStore(Wrap("save bucket", err), b.Store))
	}

	return nil
}

// openBucketStore opens a handle and registers it before returning it.
func (m *Manager) openBucketStore(ctx context.Context, b Bucket) (*bucketStore, error) {
	err := m.checkOpen("open bucket store")
	if err != nil {
		return nil, withStore(err, b.Store)
	}

	kb, err := m.env.OpenBucket(ctx, b.ref())
	if err != nil {
		return nil, m.observe(withStore(Wrap("open bucket store", err), b.Store))
	}

	bs := &bucketStore{mgr: m, store: b.Store, bucket: b.ID, typ: b.StorageType, kv: kb}

	err = m.tracker.Add(b.Store, bs)
	if err != nil {
		return nil, errors.Join(err, kb.Close())
	}

	return bs, nil
}

// closeBucketStore deregisters bs and releases its resources. Closing a
// handle twice, or one this manager did not create, fails with
// [ErrNotRegistered].
func (m *Manager) closeBucketStore(bs BucketStore) error {
	h, ok := bs.(*bucketStore)
	if !ok || h.mgr != m {
		return illegalState("close bucket store", fmt.Errorf("%w: foreign handle %v", ErrNotRegistered, bs))
	}

	err := m.tracker.Remove(h.store, h)
	if err != nil {
		return err
	}

	h.closed.Store(true)

	return m.observe(withStore(Wrap("close bucket store", h.kv.Close()), h.store))
}

// dropBucket closes every remaining handle of b and deletes its storage:
// shared entries are deleted through a handle of their own, a dedicated
// database file is removed.
func (m *Manager) dropBucket(ctx context.Context, b Bucket) error {
	var errs []error

	for _, bs := range m.tracker.BucketStores(b.Store, b.ID) {
		// A reader may release its own handle concurrently.
		err := m.closeBucketStore(bs)
		if !errors.Is(err, ErrNotRegistered) {
			errs = append(errs, err)
		}
	}

	if b.StorageType == Shared {
		return errors.Join(append(errs, m.purgeBucket(ctx, b))...)
	}

	err := m.env.DropBucket(ctx, b.ref())
	if err != nil {
		errs = append(errs, m.observe(withStore(Wrap("drop bucket", err), b.Store)))
	}

	return errors.Join(errs...)
}

// purgeBucket deletes the entries of a shared bucket.
func (m *Manager) purgeBucket(ctx context.Context, b Bucket) error {
	h, err := m.openBucketStore(ctx, b)
	if err != nil {
		return err
	}

	n, err := h.DeleteRange(ctx, b.Min, b.Max)

	m.log.Debug("bucket purged",
		zap.Stringer("store", b.Store),
		zap.Uint64("bucket", uint64(b.ID)),
		zap.Int64("entries", n))

	return errors.Join(err, m.closeBucketStore(h))
}

// retireBucket drops b's storage and records it as retired.
func (m *Manager) retireBucket(ctx context.Context, b Bucket) error {
	err := m.dropBucket(ctx, b)
	if err != nil {
		return err
	}

	b.State = BucketRetired

	err = m.saveBucket(ctx, b)
	if err != nil {
		return err
	}

	m.stats.Invalidate()

	m.log.Info("bucket retired",
		zap.Stringer("store", b.Store),
		zap.Uint64("bucket", uint64(b.ID)),
		zap.Int64("entries", b.EntryCount),
		zap.Int64("bytes", b.ByteSize))

	return nil
}

// observe returns err unchanged. The first unrecoverable error starts an
// asynchronous shutdown.
func (m *Manager) observe(err error) error {
	if err == nil || !IsUnrecoverable(err) {
		return err
	}

	m.fatalOnce.Do(func() {
		reason, _ := UnrecoverableReason(err)
		m.log.Error("unrecoverable database error, shutting down",
			zap.String("reason", reason),
			zap.Error(err))

		go func() {
			closeErr := m.Close()
			if closeErr != nil {
				m.log.Warn("shutdown after unrecoverable error", zap.Error(closeErr))
			}
		}()
	})

	return err
}

// Close closes every store and remaining handle, then the environment.
// Idempotent; concurrent callers wait for the first to finish.
func (m *Manager) Close() error {
	if !m.state.CompareAndSwap(int32(stateOpen), int32(stateClosing)) {
		<-m.done

		return nil
	}

	m.mu.Lock()
	stores := slices.Collect(maps.Values(m.stores))
	m.mu.Unlock()

	var g errgroup.Group

	for _, st := range stores {
		g.Go(st.close)
	}

	errs := []error{g.Wait()}

	for bs := range m.tracker.OpenBucketStores().All() {
		errs = append(errs, m.closeBucketStore(bs))
	}

	m.tracker.Clear()

	errs = append(errs, m.env.Close())

	err := errors.Join(errs...)
	if err != nil {
		m.log.Warn("environment closed with errors", zap.Error(err))
		err = Wrap("close", err)
	} else {
		m.log.Info("environment closed", zap.String("dir", m.cfg.Dir))
	}

	m.state.Store(int32(stateClosed))
	close(m.done)

	return err
}
