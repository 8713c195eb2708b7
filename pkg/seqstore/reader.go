package seqstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// Delivery is an entry handed to a reader.
type Delivery struct {
	Entry

	// Attempt is 1 on first delivery and grows with every redelivery.
	Attempt int
}

// Reader drains a store in id order.
//
// Delivered entries stay inflight until acknowledged. An inflight entry that
// is not acknowledged within the redelivery timeout is delivered again. The
// ack level is the smallest id that is not yet acknowledged; everything below
// it is done. It is persisted and survives reopening.
type Reader struct {
	store *Store
	name  string
	log   *zap.Logger

	mu            sync.Mutex
	opts          ReaderOptions
	next          AckID // smallest id not yet delivered
	persisted     AckID
	inflight      map[AckID]*inflight
	inflightBytes int64
	handles       map[BucketID]*bucketStore
	closed        bool
}

// inflight is a delivered entry. The payload is not kept; a redelivery reads
// it again.
type inflight struct {
	id       AckID
	size     int64
	bucket   Bucket
	deadline int64
	attempt  int
}

func newReader(s *Store, name string, opts ReaderOptions, level AckID) *Reader {
	return &Reader{
		store:     s,
		name:      name,
		log:       s.log.With(zap.String("reader", name)),
		opts:      opts,
		next:      level,
		persisted: level,
		inflight:  make(map[AckID]*inflight),
		handles:   make(map[BucketID]*bucketStore),
	}
}

// Name returns the reader's name.
func (r *Reader) Name() string {
	return r.name
}

func (r *Reader) checkOpen(op string) error {
	if r.closed {
		return withStore(illegalState(op, fmt.Errorf("%w: reader %q", ErrClosed, r.name)), r.store.id)
	}

	return nil
}

// Dequeue returns the next entry to process. Expired inflight entries are
// redelivered first. Returns false when nothing is available yet.
//
// Fails with a [KindResourceExhausted] error wrapping [ErrInflightLimit] while
// the reader is at its inflight limit.
func (r *Reader) Dequeue(ctx context.Context) (Delivery, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.checkOpen("dequeue")
	if err != nil {
		return Delivery{}, false, err
	}

	now := r.store.gen.Now()

	for f := r.expiredLocked(now); f != nil; f = r.expiredLocked(now) {
		e, ok, err := r.rereadLocked(ctx, f)
		if err != nil {
			return Delivery{}, false, err
		}

		if !ok {
			// Retired while inflight.
			r.forgetLocked(f)

			continue
		}

		f.deadline = now + r.opts.RedeliveryTimeout.Milliseconds()
		f.attempt++

		return Delivery{Entry: e, Attempt: f.attempt}, true, nil
	}

	if r.opts.MaxInflight > 0 && len(r.inflight) >= r.opts.MaxInflight {
		return Delivery{}, false, withStore(exhausted("dequeue", int64(r.opts.MaxInflight),
			fmt.Errorf("%w: %d entries", ErrInflightLimit, len(r.inflight))), r.store.id)
	}

	if r.opts.MaxInflightBytes > 0 && r.inflightBytes >= r.opts.MaxInflightBytes {
		return Delivery{}, false, withStore(exhausted("dequeue", r.opts.MaxInflightBytes,
			fmt.Errorf("%w: %d bytes", ErrInflightLimit, r.inflightBytes)), r.store.id)
	}

	e, b, ok, err := r.nextLocked(ctx, now)
	if err != nil || !ok {
		return Delivery{}, false, err
	}

	r.inflight[e.ID] = &inflight{
		id:       e.ID,
		size:     e.Size(),
		bucket:   b,
		deadline: now + r.opts.RedeliveryTimeout.Milliseconds(),
		attempt:  1,
	}
	r.inflightBytes += e.Size()
	r.next = e.ID.Successor()

	return Delivery{Entry: e, Attempt: 1}, true, nil
}

// expiredLocked returns the smallest inflight entry past its deadline.
func (r *Reader) expiredLocked(now int64) *inflight {
	var found *inflight

	for _, f := range r.inflight {
		if f.deadline > now {
			continue
		}

		if found == nil || f.id.Less(found.id) {
			found = f
		}
	}

	return found
}

// rereadLocked reads an inflight entry again for redelivery.
func (r *Reader) rereadLocked(ctx context.Context, f *inflight) (Entry, bool, error) {
	h, err := r.handleLocked(ctx, f.bucket)
	if err != nil {
		return Entry{}, false, err
	}

	return h.Get(ctx, f.id)
}

func (r *Reader) forgetLocked(f *inflight) {
	delete(r.inflight, f.id)
	r.inflightBytes -= f.size
}

// holdsLocked reports whether an inflight entry lies in bucket id.
func (r *Reader) holdsLocked(id BucketID) bool {
	for _, f := range r.inflight {
		if f.bucket.ID == id {
			return true
		}
	}

	return false
}

// nextLocked finds the first available entry at or after r.next and the
// bucket holding it.
func (r *Reader) nextLocked(ctx context.Context, now int64) (Entry, Bucket, bool, error) {
	buckets, err := r.store.readable(ctx, now)
	if err != nil {
		return Entry{}, Bucket{}, false, err
	}

	for _, b := range buckets {
		if !r.next.Less(b.Max) {
			// Reopened for a redelivery.
			if _, ok := r.handles[b.ID]; ok && b.State != BucketOpen && !r.holdsLocked(b.ID) {
				_ = r.releaseLocked(b.ID)
			}

			continue
		}

		if b.Min.Time > now {
			break
		}

		h, err := r.handleLocked(ctx, b)
		if err != nil {
			return Entry{}, Bucket{}, false, err
		}

		var (
			found Entry
			ok    bool
		)

		err = h.Scan(ctx, maxAckID(r.next, b.Min), 1, func(e Entry) error {
			found, ok = e, true

			return nil
		})
		if err != nil {
			return Entry{}, Bucket{}, false, err
		}

		if ok {
			if found.ID.Time > now {
				return Entry{}, Bucket{}, false, nil
			}

			return found, b, true, nil
		}

		// Later buckets only hold ids above an open bucket's range.
		if b.State == BucketOpen {
			return Entry{}, Bucket{}, false, nil
		}

		r.next = b.Max

		if !r.holdsLocked(b.ID) {
			_ = r.releaseLocked(b.ID)
		}
	}

	return Entry{}, Bucket{}, false, nil
}

func (r *Reader) handleLocked(ctx context.Context, b Bucket) (*bucketStore, error) {
	if h, ok := r.handles[b.ID]; ok && !h.closed.Load() {
		return h, nil
	}

	h, err := r.store.mgr.openBucketStore(ctx, b)
	if err != nil {
		return nil, err
	}

	r.handles[b.ID] = h

	return h, nil
}

func (r *Reader) releaseLocked(id BucketID) error {
	h, ok := r.handles[id]
	if !ok {
		return nil
	}

	delete(r.handles, id)

	// Retirement closes handles left behind by a racing dequeue.
	if h.closed.Load() {
		return nil
	}

	err := r.store.mgr.closeBucketStore(h)
	if errors.Is(err, ErrNotRegistered) {
		// Retirement deregistered it between the check and the close.
		return nil
	}

	if err != nil {
		r.log.Warn("release bucket handle", zap.Uint64("bucket", uint64(id)), zap.Error(err))
	}

	return err
}

// Ack acknowledges an inflight entry. Fails with [ErrNotInflight] if id is
// not inflight.
func (r *Reader) Ack(ctx context.Context, id AckID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.checkOpen("ack")
	if err != nil {
		return err
	}

	f, ok := r.inflight[id]
	if !ok {
		return withStore(illegalState("ack", fmt.Errorf("%w: %s", ErrNotInflight, id)), r.store.id)
	}

	r.forgetLocked(f)

	return r.persistLocked(ctx)
}

// Nack makes an inflight entry due for redelivery immediately.
func (r *Reader) Nack(_ context.Context, id AckID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.checkOpen("nack")
	if err != nil {
		return err
	}

	f, ok := r.inflight[id]
	if !ok {
		return withStore(illegalState("nack", fmt.Errorf("%w: %s", ErrNotInflight, id)), r.store.id)
	}

	f.deadline = math.MinInt64

	return nil
}

// InflightCount returns the number of delivered, unacknowledged entries.
func (r *Reader) InflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.inflight)
}

// AckLevel returns the smallest id not yet acknowledged.
func (r *Reader) AckLevel() AckID {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ackLevelLocked()
}

func (r *Reader) ackLevelLocked() AckID {
	level := r.next

	for id := range r.inflight {
		if id.Less(level) {
			level = id
		}
	}

	return level
}

func (r *Reader) persistLocked(ctx context.Context) error {
	level := r.ackLevelLocked()
	if !r.persisted.Less(level) {
		return nil
	}

	err := r.persist(ctx, level)
	if err != nil {
		return err
	}

	r.persisted = level

	return nil
}

func (r *Reader) persist(ctx context.Context, level AckID) error {
	err := r.store.mgr.env.PutReaderLevel(ctx, r.store.id.String(), r.name, level.Bytes())

	return r.store.mgr.observe(withStore(Wrap("persist ack level", err), r.store.id))
}

// dropBuckets forgets retired buckets: their handles, inflight entries and
// the cursor position inside them.
func (r *Reader) dropBuckets(retired []Bucket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range retired {
		_ = r.releaseLocked(b.ID)

		for id, f := range r.inflight {
			if b.Contains(id) {
				r.forgetLocked(f)
			}
		}

		if r.next.Less(b.Max) {
			r.next = b.Max
		}
	}
}

func (r *Reader) reopen(opts ReaderOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.opts = opts
	r.closed = false
}

// Close releases the reader's handles and persists its ack level. Inflight
// entries are forgotten and delivered again after reopening.
func (r *Reader) Close() error {
	return r.close(true)
}

func (r *Reader) close(persist bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	var errs []error

	for id := range r.handles {
		errs = append(errs, r.releaseLocked(id))
	}

	if persist {
		errs = append(errs, r.persistLocked(context.Background()))
	}

	r.next = r.ackLevelLocked()
	r.inflight = make(map[AckID]*inflight)
	r.inflightBytes = 0

	return errors.Join(errs...)
}
