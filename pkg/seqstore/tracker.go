package seqstore

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
)

const trackerShards = 32

// Tracker records every open [BucketStore] by (store, bucket) key.
//
// It is lock-free: each key maps to an immutable handle set that is replaced
// with CompareAndSwap. Counters are updated by the goroutine whose swap
// published the change, right after the swap. A count read while Add or
// Remove is running may lag the map by that change; once callers quiesce the
// counts match the map exactly.
type Tracker struct {
	shards [trackerShards]sync.Map // BucketStoreKey -> *handleSet

	handles   atomic.Int64
	buckets   atomic.Int64
	dedicated atomic.Int64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// handleSet is never mutated after it is published.
type handleSet struct {
	one  BucketStore // set when the bucket has a single handle
	many []BucketStore
}

func (s *handleSet) len() int {
	if s.one != nil {
		return 1
	}

	return len(s.many)
}

func (s *handleSet) contains(bs BucketStore) bool {
	if s.one != nil {
		return s.one == bs
	}

	return slices.Contains(s.many, bs)
}

func (s *handleSet) with(bs BucketStore) *handleSet {
	if s.one != nil {
		return &handleSet{many: []BucketStore{s.one, bs}}
	}

	many := make([]BucketStore, 0, len(s.many)+1)
	many = append(many, s.many...)

	return &handleSet{many: append(many, bs)}
}

// without returns nil when bs was the last handle.
func (s *handleSet) without(bs BucketStore) *handleSet {
	if s.one != nil {
		return nil
	}

	rest := make([]BucketStore, 0, len(s.many)-1)

	for _, h := range s.many {
		if h != bs {
			rest = append(rest, h)
		}
	}

	switch len(rest) {
	case 0:
		return nil
	case 1:
		return &handleSet{one: rest[0]}
	default:
		return &handleSet{many: rest}
	}
}

func (s *handleSet) all() []BucketStore {
	if s.one != nil {
		return []BucketStore{s.one}
	}

	return s.many
}

func (t *Tracker) shard(key BucketStoreKey) *sync.Map {
	return &t.shards[key.Hash()%trackerShards]
}

// Add registers bs under storeID. Registering the same handle twice fails
// with [ErrAlreadyRegistered] and leaves the counters unchanged.
func (t *Tracker) Add(storeID StoreID, bs BucketStore) error {
	key := NewBucketStoreKey(storeID, bs.BucketID())
	m := t.shard(key)
	single := &handleSet{one: bs}

	for {
		cur, loaded := m.LoadOrStore(key, single)
		if !loaded {
			t.handles.Add(1)
			t.buckets.Add(1)

			if bs.StorageType() == Dedicated {
				t.dedicated.Add(1)
			}

			return nil
		}

		set := cur.(*handleSet)
		if set.contains(bs) {
			return illegalState("tracker add", fmt.Errorf("%w: %s", ErrAlreadyRegistered, key))
		}

		if m.CompareAndSwap(key, set, set.with(bs)) {
			t.handles.Add(1)

			return nil
		}
	}
}

// Remove deregisters bs. Removing a handle that is not registered fails with
// [ErrNotRegistered] and leaves the counters unchanged.
func (t *Tracker) Remove(storeID StoreID, bs BucketStore) error {
	key := NewBucketStoreKey(storeID, bs.BucketID())
	m := t.shard(key)

	for {
		cur, ok := m.Load(key)
		if !ok {
			return illegalState("tracker remove", fmt.Errorf("%w: %s", ErrNotRegistered, key))
		}

		set := cur.(*handleSet)
		if !set.contains(bs) {
			return illegalState("tracker remove", fmt.Errorf("%w: %s", ErrNotRegistered, key))
		}

		next := set.without(bs)
		if next == nil {
			if m.CompareAndDelete(key, set) {
				t.handles.Add(-1)
				t.buckets.Add(-1)

				if bs.StorageType() == Dedicated {
					t.dedicated.Add(-1)
				}

				return nil
			}

			continue
		}

		if m.CompareAndSwap(key, set, next) {
			t.handles.Add(-1)

			return nil
		}
	}
}

// OpenBucketStoreCount returns the number of registered handles.
func (t *Tracker) OpenBucketStoreCount() int {
	return int(t.handles.Load())
}

// OpenBucketCount returns the number of distinct buckets with at least one
// registered handle.
func (t *Tracker) OpenBucketCount() int {
	return int(t.buckets.Load())
}

// OpenDedicatedBucketCount is [Tracker.OpenBucketCount] restricted to
// dedicated buckets.
func (t *Tracker) OpenDedicatedBucketCount() int {
	return int(t.dedicated.Load())
}

// HasOpenStoreForBucket reports whether any handle is registered for the
// bucket.
func (t *Tracker) HasOpenStoreForBucket(storeID StoreID, bucketID BucketID) bool {
	key := NewBucketStoreKey(storeID, bucketID)
	_, ok := t.shard(key).Load(key)

	return ok
}

// BucketStores returns a snapshot of the handles registered for one bucket.
func (t *Tracker) BucketStores(storeID StoreID, bucketID BucketID) []BucketStore {
	key := NewBucketStoreKey(storeID, bucketID)

	cur, ok := t.shard(key).Load(key)
	if !ok {
		return nil
	}

	return slices.Clone(cur.(*handleSet).all())
}

// OpenBucketStores returns a lazy view over all registered handles.
func (t *Tracker) OpenBucketStores() OpenBucketStores {
	return OpenBucketStores{t: t}
}

// Clear drops every registration and resets the counters. It does not close
// the handles.
func (t *Tracker) Clear() {
	for i := range t.shards {
		t.shards[i].Clear()
	}

	t.handles.Store(0)
	t.buckets.Store(0)
	t.dedicated.Store(0)
}

// OpenBucketStores is a read-only view of a [Tracker]. Iteration observes
// registrations concurrently with mutation and is weakly consistent.
type OpenBucketStores struct {
	t *Tracker
}

// Len returns the current number of registered handles.
func (v OpenBucketStores) Len() int {
	return v.t.OpenBucketStoreCount()
}

// All yields every registered handle.
func (v OpenBucketStores) All() iter.Seq[BucketStore] {
	return func(yield func(BucketStore) bool) {
		for i := range v.t.shards {
			stop := false

			v.t.shards[i].Range(func(_, value any) bool {
				for _, bs := range value.(*handleSet).all() {
					if !yield(bs) {
						stop = true

						return false
					}
				}

				return true
			})

			if stop {
				return
			}
		}
	}
}
