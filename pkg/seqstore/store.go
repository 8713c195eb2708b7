package seqstore

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Store is one destination: an ordered sequence of entries split into
// buckets, and the readers draining it.
type Store struct {
	id        StoreID
	opts      StoreOptions
	mgr       *Manager
	gen       *AckIDGenerator
	log       *zap.Logger
	createdAt int64

	closed   atomic.Bool
	enqueued atomic.Int64 // since the store was loaded

	mu      sync.Mutex
	buckets []*bucket // not retired, ordered by Min
	nextID  BucketID
	readers map[string]*Reader
	delayed idHeap // entries not yet available, by available-at time

	total       int64
	available   int64
	storedBytes int64
}

// bucket is the in-memory state of a non-retired bucket.
type bucket struct {
	Bucket

	first  AckID // smallest stored id, valid when EntryCount > 0
	last   AckID // largest stored id, valid when EntryCount > 0
	writer *bucketStore
}

func (b *bucket) record(e Entry) {
	if b.EntryCount == 0 || e.ID.Less(b.first) {
		b.first = e.ID
	}

	if b.EntryCount == 0 || b.last.Less(e.ID) {
		b.last = e.ID
	}

	b.EntryCount++
	b.ByteSize += e.Size()
}

func newStore(m *Manager, id StoreID, opts StoreOptions, createdAt int64) *Store {
	return &Store{
		id:        id,
		opts:      opts,
		mgr:       m,
		gen:       NewAckIDGenerator(m.clock),
		log:       m.log.With(zap.Stringer("store", id)),
		createdAt: createdAt,
		nextID:    1,
		readers:   make(map[string]*Reader),
	}
}

// loadStore rebuilds a store from the catalog. Counts are recomputed from the
// stored entries; catalog counts are only a hint for closed buckets.
func loadStore(ctx context.Context, m *Manager, id StoreID, opts StoreOptions, createdAt int64) (*Store, error) {
	st := newStore(m, id, opts, createdAt)

	metas, err := m.env.Buckets(ctx, id.String())
	if err != nil {
		return nil, err
	}

	levels, err := m.env.ReaderLevels(ctx, id.String())
	if err != nil {
		return nil, err
	}

	var (
		floor   = int64(math.MinInt64)
		maxSeq  uint64
		handles = make(map[BucketID]*bucketStore)
	)

	fail := func(err error) (*Store, error) {
		errs := []error{err}
		for _, h := range handles {
			errs = append(errs, m.closeBucketStore(h))
		}

		return nil, errors.Join(append(errs, st.close())...)
	}

	for _, meta := range metas {
		b, err := bucketFromMeta(id, meta)
		if err != nil {
			return fail(NewUnrecoverable("load bucket", ReasonCorrupt, err))
		}

		st.nextID = max(st.nextID, b.ID+1)

		// A bucket is closed only once the clock passed everything it covers.
		if b.State != BucketOpen {
			floor = max(floor, b.ClosedAt)
		}

		if b.State == BucketRetired {
			continue
		}

		h, err := m.openBucketStore(ctx, b)
		if err != nil {
			return fail(err)
		}

		handles[b.ID] = h
		lb := &bucket{Bucket: b}

		seq, enqueuedAt, err := st.recount(ctx, h, lb)
		if err != nil {
			return fail(err)
		}

		maxSeq = max(maxSeq, seq)
		floor = max(floor, enqueuedAt)
		st.buckets = append(st.buckets, lb)
	}

	// No immediate id is later than the latest enqueue or bucket close time,
	// whatever the clock reads after a restart.
	st.gen.Restore(floor, maxSeq)

	now := st.gen.Now()
	pos := AckID{Time: now}

	for _, lb := range st.buckets {
		h := handles[lb.ID]

		if lb.State == BucketOpen {
			err = st.countDelayed(ctx, h, lb, now)
			if err != nil {
				return fail(err)
			}
		}

		if lb.State == BucketOpen && pos.Less(lb.Max) {
			lb.writer = h
			delete(handles, lb.ID)

			continue
		}

		delete(handles, lb.ID)

		err = m.closeBucketStore(h)
		if err != nil {
			return fail(err)
		}

		if lb.State == BucketOpen {
			err = st.closeBucketLocked(ctx, lb, now)
			if err != nil {
				return fail(err)
			}
		}
	}

	for name, raw := range levels {
		level, err := AckIDFromBytes(raw)
		if err != nil {
			return fail(NewUnrecoverable("load reader", ReasonCorrupt, fmt.Errorf("reader %s: %w", name, err)))
		}

		r := newReader(st, name, m.cfg.Reader, level)
		r.closed = true
		st.readers[name] = r
	}

	st.log.Debug("store loaded",
		zap.Int("buckets", len(st.buckets)),
		zap.Int64("entries", st.total),
		zap.Int64("delayed", int64(st.delayed.Len())),
		zap.Int("readers", len(st.readers)))

	return st, nil
}

// recount sets lb's counts and bounds from its entries and adds them to the
// store totals as available. Returns the largest sequence number and enqueue
// time stored.
func (s *Store) recount(ctx context.Context, h *bucketStore, lb *bucket) (uint64, int64, error) {
	count, size, err := h.Usage(ctx)
	if err != nil || count == 0 {
		lb.EntryCount, lb.ByteSize = 0, 0

		return 0, math.MinInt64, err
	}

	lb.EntryCount, lb.ByteSize = count, size

	first, _, err := h.first(ctx)
	if err != nil {
		return 0, 0, err
	}

	last, _, err := h.last(ctx)
	if err != nil {
		return 0, 0, err
	}

	lb.first, lb.last = first.ID, last

	seq, err := h.maxSeq(ctx)
	if err != nil {
		return 0, 0, err
	}

	enqueuedAt, _, err := h.maxEnqueuedAt(ctx)
	if err != nil {
		return 0, 0, err
	}

	s.total += count
	s.storedBytes += size
	s.available += count

	return seq, enqueuedAt, nil
}

// countDelayed moves lb's entries that are not available at now from
// available to delayed.
func (s *Store) countDelayed(ctx context.Context, h *bucketStore, lb *bucket, now int64) error {
	if lb.EntryCount == 0 || lb.last.Time <= now {
		return nil
	}

	return h.Scan(ctx, AckID{Time: now + 1}, 0, func(e Entry) error {
		heap.Push(&s.delayed, e.ID)
		s.available--

		return nil
	})
}

// ID returns the store's id.
func (s *Store) ID() StoreID {
	return s.id
}

// Options returns the options the store was created with.
func (s *Store) Options() StoreOptions {
	return s.opts
}

func (s *Store) checkOpen(op string) error {
	if s.closed.Load() {
		return withStore(illegalState(op, ErrClosed), s.id)
	}

	return nil
}

// Enqueue appends payload and returns its id. A positive delay makes the
// entry available delay later; it is counted as delayed until then.
func (s *Store) Enqueue(ctx context.Context, payload []byte, delay time.Duration) (AckID, error) {
	if delay < 0 {
		return AckID{}, withStore(configError("enqueue", fmt.Errorf("%w: negative delay %s", ErrInvalidConfig, delay)), s.id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.checkOpen("enqueue")
	if err != nil {
		return AckID{}, err
	}

	now := s.gen.Now()

	var id AckID
	if delay > 0 {
		id = s.gen.At(now + delay.Milliseconds())
	} else {
		id = s.gen.Next()
		now = max(now, id.Time)
	}

	err = s.rollLocked(ctx, now)
	if err != nil {
		return AckID{}, err
	}

	b, err := s.bucketForLocked(ctx, id, now)
	if err != nil {
		return AckID{}, err
	}

	w, err := s.writerLocked(ctx, b)
	if err != nil {
		return AckID{}, err
	}

	e := Entry{ID: id, Payload: payload, EnqueuedAt: now}

	err = w.Put(ctx, e)
	if err != nil {
		return AckID{}, err
	}

	b.record(e)
	s.total++
	s.storedBytes += e.Size()

	if id.Time > now {
		heap.Push(&s.delayed, id)
	} else {
		s.available++
	}

	s.enqueued.Add(1)

	return id, nil
}

// rollLocked closes open buckets that no future id can fall into.
func (s *Store) rollLocked(ctx context.Context, now int64) error {
	pos := AckID{Time: now}

	for _, b := range s.buckets {
		if pos.Less(b.Max) {
			break
		}

		if b.State == BucketOpen {
			err := s.closeBucketLocked(ctx, b, now)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Store) closeBucketLocked(ctx context.Context, b *bucket, now int64) error {
	b.State = BucketClosed
	b.ClosedAt = now

	var errs []error

	if b.writer != nil {
		errs = append(errs, s.mgr.closeBucketStore(b.writer))
		b.writer = nil
	}

	errs = append(errs, s.mgr.saveBucket(ctx, b.Bucket))

	s.log.Debug("bucket closed",
		zap.Uint64("bucket", uint64(b.ID)),
		zap.Int64("entries", b.EntryCount),
		zap.Int64("bytes", b.ByteSize))

	return errors.Join(errs...)
}

// expireLocked moves delayed entries whose time has come to available.
func (s *Store) expireLocked(now int64) {
	for s.delayed.Len() > 0 && s.delayed[0].Time <= now {
		heap.Pop(&s.delayed)
		s.available++
	}
}

// dropDelayedLocked removes b's entries from the delayed heap and returns how
// many there were.
func (s *Store) dropDelayedLocked(b Bucket) int64 {
	n := len(s.delayed)
	kept := s.delayed[:0]

	for _, id := range s.delayed {
		if !b.Contains(id) {
			kept = append(kept, id)
		}
	}

	s.delayed = kept

	dropped := n - len(kept)
	if dropped > 0 {
		heap.Init(&s.delayed)
	}

	return int64(dropped)
}

func (s *Store) full(b *bucket) bool {
	cfg := s.mgr.cfg

	return (cfg.MaxBucketEntries > 0 && b.EntryCount >= cfg.MaxBucketEntries) ||
		(cfg.MaxBucketBytes > 0 && b.ByteSize >= cfg.MaxBucketBytes)
}

// bucketForLocked returns the bucket id falls into, creating or splitting
// buckets as needed.
func (s *Store) bucketForLocked(ctx context.Context, id AckID, now int64) (*bucket, error) {
	i := sort.Search(len(s.buckets), func(i int) bool { return id.Less(s.buckets[i].Max) })

	if i == len(s.buckets) || id.Less(s.buckets[i].Min) {
		return s.createLocked(ctx, i, id, now)
	}

	b := s.buckets[i]
	if b.State != BucketOpen {
		return nil, withStore(illegalState("enqueue", fmt.Errorf("%w: bucket %d covers %s", ErrClosed, b.ID, id)), s.id)
	}

	// Only an immediate id above everything stored can be a split point: later
	// immediate ids never fall below it. Delayed ids and ids below stored
	// delayed entries overfill the bucket instead.
	if s.full(b) && b.last.Less(id) && id.Time <= now {
		return s.splitLocked(ctx, i, id, now)
	}

	return b, nil
}

// createLocked creates the bucket for id's time window, clamped to its
// neighbours, and inserts it at position i.
func (s *Store) createLocked(ctx context.Context, i int, id AckID, now int64) (*bucket, error) {
	span := s.mgr.cfg.BucketSpan.Milliseconds()
	start := floorDiv(id.Time, span) * span

	lo := AckID{Time: start}
	hi := AckID{Time: start + span}

	var prevBytes int64

	if i > 0 {
		prev := s.buckets[i-1]
		lo = maxAckID(lo, prev.Max)
		prevBytes = prev.ByteSize
	}

	if i < len(s.buckets) && s.buckets[i].Min.Less(hi) {
		hi = s.buckets[i].Min
	}

	typ := s.mgr.storageTypeFor(s.opts.mode(), prevBytes, id.Time > now)

	b, err := s.newBucketLocked(ctx, Bucket{Min: lo, Max: hi, StorageType: typ}, now)
	if err != nil {
		return nil, err
	}

	s.buckets = slices.Insert(s.buckets, i, b)

	return b, nil
}

// splitLocked closes bucket i at id and creates [id, oldMax) after it.
func (s *Store) splitLocked(ctx context.Context, i int, id AckID, now int64) (*bucket, error) {
	old := s.buckets[i]
	next := Bucket{
		Min:         id,
		Max:         old.Max,
		StorageType: s.mgr.storageTypeFor(s.opts.mode(), old.ByteSize, id.Time > now),
	}

	old.Max = id

	err := s.closeBucketLocked(ctx, old, now)
	if err != nil {
		return nil, err
	}

	b, err := s.newBucketLocked(ctx, next, now)
	if err != nil {
		return nil, err
	}

	s.buckets = slices.Insert(s.buckets, i+1, b)

	s.log.Debug("bucket split",
		zap.Uint64("from", uint64(old.ID)),
		zap.Uint64("to", uint64(b.ID)),
		zap.Stringer("at", id))

	return b, nil
}

func (s *Store) newBucketLocked(ctx context.Context, b Bucket, now int64) (*bucket, error) {
	b.ID = s.nextID
	b.Store = s.id
	b.State = BucketOpen
	b.CreatedAt = now

	err := s.mgr.createBucket(ctx, b)
	if err != nil {
		return nil, err
	}

	s.nextID++

	return &bucket{Bucket: b}, nil
}

// writerLocked returns b's writer handle, opening it if needed.
func (s *Store) writerLocked(ctx context.Context, b *bucket) (*bucketStore, error) {
	if b.writer != nil {
		return b.writer, nil
	}

	w, err := s.mgr.openBucketStore(ctx, b.Bucket)
	if err != nil {
		return nil, err
	}

	b.writer = w

	return w, nil
}

// Buckets returns a snapshot of the store's buckets in id order.
func (s *Store) Buckets() []Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Bucket, len(s.buckets))
	for i, b := range s.buckets {
		out[i] = b.Bucket
	}

	return out
}

// readable returns a snapshot of the buckets for a reader, after closing
// buckets that can no longer receive writes.
func (s *Store) readable(ctx context.Context, now int64) ([]Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.checkOpen("dequeue")
	if err != nil {
		return nil, err
	}

	err = s.rollLocked(ctx, now)
	if err != nil {
		return nil, err
	}

	out := make([]Bucket, len(s.buckets))
	for i, b := range s.buckets {
		out[i] = b.Bucket
	}

	return out, nil
}

// NewReader creates a reader that starts at the oldest retained entry. Zero
// opts use [Config.Reader]. Fails with [ErrAlreadyCreated] if the reader
// exists.
func (s *Store) NewReader(ctx context.Context, name string, opts ReaderOptions) (*Reader, error) {
	if _, ok := s.Reader(name); ok {
		return nil, withStore(illegalState("new reader", fmt.Errorf("%w: reader %q", ErrAlreadyCreated, name)), s.id)
	}

	r, created, err := s.reader(ctx, name, opts)
	if err != nil {
		return nil, err
	}

	if !created {
		return nil, withStore(illegalState("new reader", fmt.Errorf("%w: reader %q", ErrAlreadyCreated, name)), s.id)
	}

	return r, nil
}

// OpenReader returns the named reader, creating it if needed. A closed reader
// is reopened with opts and resumes from its ack level.
func (s *Store) OpenReader(ctx context.Context, name string, opts ReaderOptions) (*Reader, error) {
	r, _, err := s.reader(ctx, name, opts)

	return r, err
}

func (s *Store) reader(ctx context.Context, name string, opts ReaderOptions) (*Reader, bool, error) {
	if name == "" {
		return nil, false, configError("open reader", fmt.Errorf("%w: empty reader name", ErrInvalidConfig))
	}

	err := opts.Validate()
	if err != nil {
		return nil, false, configError("open reader", err)
	}

	if opts == (ReaderOptions{}) {
		opts = s.mgr.cfg.Reader
	}

	if opts.RedeliveryTimeout == 0 {
		opts.RedeliveryTimeout = s.mgr.cfg.Reader.RedeliveryTimeout
	}

	s.mu.Lock()

	err = s.checkOpen("open reader")
	if err != nil {
		s.mu.Unlock()

		return nil, false, err
	}

	r, exists := s.readers[name]
	if !exists {
		r = newReader(s, name, opts, MinAckID)

		err = r.persist(ctx, MinAckID)
		if err != nil {
			s.mu.Unlock()

			return nil, false, err
		}

		s.readers[name] = r
	}

	s.mu.Unlock()

	if exists {
		r.reopen(opts)

		return r, false, nil
	}

	s.log.Debug("reader created", zap.String("reader", name))

	return r, true, nil
}

// Reader returns an existing reader.
func (s *Store) Reader(name string) (*Reader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.readers[name]

	return r, ok
}

// Readers returns the store's readers ordered by name.
func (s *Store) Readers() []*Reader {
	s.mu.Lock()
	readers := slices.Collect(maps.Values(s.readers))
	s.mu.Unlock()

	slices.SortFunc(readers, func(a, b *Reader) int {
		switch {
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		default:
			return 0
		}
	})

	return readers
}

// DeleteReader closes the reader and forgets its ack level, so it no longer
// holds back retirement.
func (s *Store) DeleteReader(ctx context.Context, name string) error {
	s.mu.Lock()

	err := s.checkOpen("delete reader")
	if err != nil {
		s.mu.Unlock()

		return err
	}

	r, ok := s.readers[name]
	if !ok {
		s.mu.Unlock()

		return withStore(illegalState("delete reader", fmt.Errorf("%w: reader %q", ErrNotFound, name)), s.id)
	}

	delete(s.readers, name)
	s.mu.Unlock()

	closeErr := r.close(false)
	delErr := s.mgr.env.DeleteReader(ctx, s.id.String(), name)

	return errors.Join(closeErr, s.mgr.observe(withStore(Wrap("delete reader", delErr), s.id)))
}

// Retire retires closed buckets that every reader has acknowledged, or that
// are older than the store's retention. Returns the number retired.
func (s *Store) Retire(ctx context.Context) (int, error) {
	s.mu.Lock()

	err := s.checkOpen("retire")
	if err != nil {
		s.mu.Unlock()

		return 0, err
	}

	readers := slices.Collect(maps.Values(s.readers))
	s.mu.Unlock()

	// Levels only grow, so a level read before locking is safe to act on.
	level := MaxAckID
	for _, r := range readers {
		if l := r.AckLevel(); l.Less(level) {
			level = l
		}
	}

	retention := s.opts.Retention
	if retention == 0 {
		retention = s.mgr.cfg.Retention
	}

	s.mu.Lock()

	err = s.checkOpen("retire")
	if err != nil {
		s.mu.Unlock()

		return 0, err
	}

	now := s.gen.Now()

	err = s.rollLocked(ctx, now)
	if err != nil {
		s.mu.Unlock()

		return 0, err
	}

	s.expireLocked(now)

	var (
		retired []Bucket
		keep    = make([]*bucket, 0, len(s.buckets))
	)

	for _, b := range s.buckets {
		acked := len(readers) > 0 && !level.Less(b.Max)
		expired := retention > 0 && b.Max.Time <= now-retention.Milliseconds()

		if b.State != BucketClosed || (!acked && !expired) {
			keep = append(keep, b)

			continue
		}

		delayed := s.dropDelayedLocked(b.Bucket)

		retired = append(retired, b.Bucket)
		s.total -= b.EntryCount
		s.available -= b.EntryCount - delayed
		s.storedBytes -= b.ByteSize
	}

	s.buckets = keep
	s.mu.Unlock()

	if len(retired) == 0 {
		return 0, nil
	}

	for _, r := range readers {
		r.dropBuckets(retired)
	}

	var errs []error

	for _, b := range retired {
		errs = append(errs, s.mgr.retireBucket(ctx, b))
	}

	s.log.Info("buckets retired", zap.Int("count", len(retired)))

	return len(retired), errors.Join(errs...)
}

// Close closes the store's readers and handles and removes it from the
// manager. The store can be opened again with [Manager.OpenStore].
func (s *Store) Close() error {
	err := s.close()
	s.mgr.forget(s)

	return err
}

func (s *Store) close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	readers := slices.Collect(maps.Values(s.readers))
	s.mu.Unlock()

	var errs []error

	for _, r := range readers {
		errs = append(errs, r.close(true))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.buckets {
		if b.writer == nil {
			continue
		}

		errs = append(errs, s.mgr.closeBucketStore(b.writer))
		b.writer = nil

		errs = append(errs, s.mgr.saveBucket(context.Background(), b.Bucket))
	}

	return errors.Join(errs...)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}

	return q
}

// idHeap is a min-heap of ids. Ids order by time first, so the root is the
// entry that becomes available next.
type idHeap []AckID

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) {
	*h = append(*h, x.(AckID))
}

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]

	return x
}
