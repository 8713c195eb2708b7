package seqstore

// MetricsView reads a store's counters. Every method fails with [ErrClosed]
// once the store or its manager is closed.
type MetricsView interface {
	// MessageCount is the number of retained entries.
	MessageCount() (int64, error)
	// StoredByteSize is the accounted size of retained entries.
	StoredByteSize() (int64, error)
	// DelayedMessageCount is the number of entries not yet available.
	DelayedMessageCount() (int64, error)
	// AvailableMessageCount is MessageCount minus DelayedMessageCount.
	AvailableMessageCount() (int64, error)
	// OldestMessageLogicalAge is now minus the time of the oldest retained
	// entry, in milliseconds, never negative.
	OldestMessageLogicalAge() (int64, error)
	// EnqueueCount is the number of entries enqueued since the store was
	// loaded.
	EnqueueCount() (int64, error)
	// OpenBucketCount is the number of the store's buckets with an open
	// handle.
	OpenBucketCount() (int64, error)
}

// Metrics returns the store's [MetricsView].
func (s *Store) Metrics() MetricsView {
	return storeMetrics{s: s}
}

type storeMetrics struct {
	s *Store
}

// read runs fn under the store lock after moving due delayed entries to
// available.
func (m storeMetrics) read(op string, fn func(now int64) int64) (int64, error) {
	s := m.s

	err := s.mgr.checkOpen(op)
	if err != nil {
		return 0, withStore(err, s.id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.checkOpen(op)
	if err != nil {
		return 0, err
	}

	now := s.gen.Now()
	s.expireLocked(now)

	return fn(now), nil
}

func (m storeMetrics) MessageCount() (int64, error) {
	return m.read("message count", func(int64) int64 { return m.s.total })
}

func (m storeMetrics) StoredByteSize() (int64, error) {
	return m.read("stored byte size", func(int64) int64 { return m.s.storedBytes })
}

func (m storeMetrics) DelayedMessageCount() (int64, error) {
	return m.read("delayed message count", func(int64) int64 { return int64(m.s.delayed.Len()) })
}

func (m storeMetrics) AvailableMessageCount() (int64, error) {
	return m.read("available message count", func(int64) int64 { return m.s.available })
}

func (m storeMetrics) OldestMessageLogicalAge() (int64, error) {
	return m.read("oldest message age", func(now int64) int64 {
		for _, b := range m.s.buckets {
			if b.EntryCount > 0 {
				return max(0, now-b.first.Time)
			}
		}

		return 0
	})
}

func (m storeMetrics) EnqueueCount() (int64, error) {
	return m.read("enqueue count", func(int64) int64 { return m.s.enqueued.Load() })
}

func (m storeMetrics) OpenBucketCount() (int64, error) {
	return m.read("open bucket count", func(int64) int64 {
		var n int64

		for _, b := range m.s.buckets {
			if m.s.mgr.tracker.HasOpenStoreForBucket(m.s.id, b.ID) {
				n++
			}
		}

		return n
	})
}

// StoreStats is a consistent snapshot of a store's counters.
type StoreStats struct {
	Messages        int64
	StoredBytes     int64
	Delayed         int64
	Available       int64
	OldestAgeMillis int64
	Enqueued        int64
	Buckets         int
	OpenBuckets     int64
	Readers         int
	CreatedAt       int64 // ms
}

// Stats returns all counters read under one lock acquisition.
func (s *Store) Stats() (StoreStats, error) {
	var st StoreStats

	_, err := storeMetrics{s: s}.read("stats", func(now int64) int64 {
		st = StoreStats{
			Messages:    s.total,
			StoredBytes: s.storedBytes,
			Delayed:     int64(s.delayed.Len()),
			Available:   s.available,
			Enqueued:    s.enqueued.Load(),
			Buckets:     len(s.buckets),
			Readers:     len(s.readers),
			CreatedAt:   s.createdAt,
		}

		seenOldest := false

		for _, b := range s.buckets {
			if !seenOldest && b.EntryCount > 0 {
				st.OldestAgeMillis = max(0, now-b.first.Time)
				seenOldest = true
			}

			if s.mgr.tracker.HasOpenStoreForBucket(s.id, b.ID) {
				st.OpenBuckets++
			}
		}

		return 0
	})

	return st, err
}
