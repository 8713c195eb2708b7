package seqstore_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/calvinalkan/seqstore/pkg/clock"
	"github.com/calvinalkan/seqstore/pkg/seqstore"
)

const testStart = 1_000_000

func newTestConfig(t *testing.T) seqstore.Config {
	t.Helper()

	cfg := seqstore.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.LockTimeout = 100 * time.Millisecond
	cfg.BucketSpan = time.Second

	return cfg
}

func openManager(t *testing.T, cfg seqstore.Config, clk *clock.Settable) *seqstore.Manager {
	t.Helper()

	m, err := seqstore.Open(t.Context(), cfg, seqstore.WithClock(clk), seqstore.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Close() })

	return m
}

func createStore(t *testing.T, m *seqstore.Manager, id seqstore.StoreID, opts seqstore.StoreOptions) *seqstore.Store {
	t.Helper()

	st, err := m.CreateStore(t.Context(), id, opts)
	require.NoError(t, err)

	return st
}

func enqueue(t *testing.T, st *seqstore.Store, payload string, delay time.Duration) seqstore.AckID {
	t.Helper()

	id, err := st.Enqueue(t.Context(), []byte(payload), delay)
	require.NoError(t, err)

	return id
}

func stats(t *testing.T, st *seqstore.Store) seqstore.StoreStats {
	t.Helper()

	s, err := st.Stats()
	require.NoError(t, err)

	return s
}

func Test_Store_Reports_Counts_Size_And_Age_When_Entry_Enqueued(t *testing.T) {
	t.Parallel()

	clk := clock.NewSettable(testStart)
	m := openManager(t, newTestConfig(t), clk)
	st := createStore(t, m, storeA, seqstore.StoreOptions{})

	id, err := st.Enqueue(t.Context(), make([]byte, 100), 0)
	require.NoError(t, err)
	assert.Equal(t, seqstore.AckID{Time: testStart, Seq: 1}, id)

	clk.Advance(250)

	mv := st.Metrics()

	count, err := mv.MessageCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	available, err := mv.AvailableMessageCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), available)

	delayed, err := mv.DelayedMessageCount()
	require.NoError(t, err)
	assert.Zero(t, delayed)

	size, err := mv.StoredByteSize()
	require.NoError(t, err)
	assert.Equal(t, int64(116), size)

	age, err := mv.OldestMessageLogicalAge()
	require.NoError(t, err)
	assert.Equal(t, int64(250), age)

	enqueued, err := mv.EnqueueCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), enqueued)

	open, err := mv.OpenBucketCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), open)
}

func Test_Store_Counts_Entry_As_Available_When_Delay_Elapses(t *testing.T) {
	t.Parallel()

	clk := clock.NewSettable(testStart)
	m := openManager(t, newTestConfig(t), clk)
	st := createStore(t, m, storeA, seqstore.StoreOptions{})

	id := enqueue(t, st, "later", 2*time.Second)
	assert.Equal(t, int64(testStart+2000), id.Time)

	s := stats(t, st)
	assert.Equal(t, int64(1), s.Messages)
	assert.Equal(t, int64(1), s.Delayed)
	assert.Zero(t, s.Available)

	clk.Advance(1999)
	assert.Equal(t, int64(1), stats(t, st).Delayed)

	clk.Advance(1)

	s = stats(t, st)
	assert.Zero(t, s.Delayed)
	assert.Equal(t, int64(1), s.Available)
}

func Test_Store_Rejects_Negative_Delay(t *testing.T) {
	t.Parallel()

	m := openManager(t, newTestConfig(t), clock.NewSettable(testStart))
	st := createStore(t, m, storeA, seqstore.StoreOptions{})

	_, err := st.Enqueue(t.Context(), []byte("x"), -time.Second)
	require.ErrorIs(t, err, seqstore.ErrInvalidConfig)
	assert.Equal(t, seqstore.KindConfiguration, seqstore.KindOf(err))
	assert.Zero(t, stats(t, st).Messages)
}

func Test_Store_Total_Equals_Available_Plus_Delayed_When_Mixing_Delays_And_Time(t *testing.T) {
	t.Parallel()

	clk := clock.NewSettable(testStart)
	m := openManager(t, newTestConfig(t), clk)
	st := createStore(t, m, storeA, seqstore.StoreOptions{})

	rng := rand.New(rand.NewPCG(7, 11))

	var prev seqstore.AckID

	for i := range 300 {
		var delay time.Duration
		if rng.IntN(3) == 0 {
			delay = time.Duration(rng.IntN(3000)) * time.Millisecond
		}

		id := enqueue(t, st, "p", delay)
		if delay == 0 {
			require.True(t, prev.Less(id), "ids must grow: %s then %s", prev, id)

			prev = id
		}

		clk.Advance(rng.Int64N(50))

		s := stats(t, st)
		require.Equal(t, int64(i+1), s.Messages)
		require.Equal(t, s.Messages, s.Available+s.Delayed, "step %d", i)
	}

	// Every delay has elapsed.
	clk.Advance(3000)

	s := stats(t, st)
	assert.Zero(t, s.Delayed)
	assert.Equal(t, int64(300), s.Available)
}

func Test_Store_Splits_Bucket_Into_Contiguous_Ranges_When_Entry_Limit_Reached(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	cfg.MaxBucketEntries = 3

	m := openManager(t, cfg, clock.NewSettable(testStart))
	st := createStore(t, m, storeA, seqstore.StoreOptions{})

	for range 7 {
		enqueue(t, st, "e", 0)
	}

	buckets := st.Buckets()
	require.Len(t, buckets, 3)

	assert.Equal(t, seqstore.AckID{Time: testStart}, buckets[0].Min)
	assert.Equal(t, seqstore.AckID{Time: testStart + 1000}, buckets[2].Max)

	for i := range len(buckets) - 1 {
		assert.Equal(t, buckets[i].Max, buckets[i+1].Min, "bucket %d", i)
	}

	counts := []int64{buckets[0].EntryCount, buckets[1].EntryCount, buckets[2].EntryCount}
	assert.Equal(t, []int64{3, 3, 1}, counts)

	states := []seqstore.BucketState{buckets[0].State, buckets[1].State, buckets[2].State}
	assert.Equal(t, []seqstore.BucketState{seqstore.BucketClosed, seqstore.BucketClosed, seqstore.BucketOpen}, states)

	// Only the open bucket keeps its writer.
	assert.Equal(t, 1, m.Tracker().OpenBucketStoreCount())
}

func Test_Store_Closes_Bucket_When_Its_Window_Passes(t *testing.T) {
	t.Parallel()

	clk := clock.NewSettable(testStart)
	m := openManager(t, newTestConfig(t), clk)
	st := createStore(t, m, storeA, seqstore.StoreOptions{})

	enqueue(t, st, "a", 0)
	clk.Advance(1000)
	enqueue(t, st, "b", 0)

	buckets := st.Buckets()
	require.Len(t, buckets, 2)

	assert.Equal(t, seqstore.BucketClosed, buckets[0].State)
	assert.Equal(t, int64(testStart+1000), buckets[0].ClosedAt)
	assert.Equal(t, seqstore.BucketOpen, buckets[1].State)
	assert.Equal(t, seqstore.AckID{Time: testStart + 1000}, buckets[1].Min)
	assert.Equal(t, seqstore.AckID{Time: testStart + 2000}, buckets[1].Max)
}

func Test_Store_Uses_Dedicated_Buckets_For_Immediate_Entries_When_Mode_Is_Always(t *testing.T) {
	t.Parallel()

	m := openManager(t, newTestConfig(t), clock.NewSettable(testStart))
	st := createStore(t, m, storeA, seqstore.StoreOptions{Dedicated: seqstore.DedicatedAlways})

	enqueue(t, st, "now", 0)
	enqueue(t, st, "later", 10*time.Second)

	buckets := st.Buckets()
	require.Len(t, buckets, 2)

	assert.Equal(t, seqstore.Dedicated, buckets[0].StorageType)
	assert.Equal(t, seqstore.Shared, buckets[1].StorageType, "delayed entries live in shared storage")
	assert.Equal(t, 1, m.Tracker().OpenDedicatedBucketCount())
}

func Test_Store_Never_Uses_Dedicated_Buckets_When_Mode_Is_Never(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	cfg.DedicatedThresholdBytes = 1

	clk := clock.NewSettable(testStart)
	m := openManager(t, cfg, clk)
	st := createStore(t, m, storeA, seqstore.StoreOptions{Dedicated: seqstore.DedicatedNever})

	enqueue(t, st, "a", 0)
	clk.Advance(1000)
	enqueue(t, st, "b", 0)

	for _, b := range st.Buckets() {
		assert.Equal(t, seqstore.Shared, b.StorageType)
	}
}

func Test_Store_Switches_To_Dedicated_When_Previous_Bucket_Is_Busy_And_Budget_Allows(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	cfg.DedicatedThresholdBytes = 200
	cfg.MaxOpenDedicatedBuckets = 1

	clk := clock.NewSettable(testStart)
	m := openManager(t, cfg, clk)

	a := createStore(t, m, storeA, seqstore.StoreOptions{})
	b := createStore(t, m, storeB, seqstore.StoreOptions{})

	enqueue(t, a, string(make([]byte, 300)), 0)
	enqueue(t, b, string(make([]byte, 300)), 0)

	clk.Advance(1000)

	enqueue(t, a, "x", 0)
	enqueue(t, b, "x", 0)

	ab := a.Buckets()
	bb := b.Buckets()

	require.Len(t, ab, 2)
	require.Len(t, bb, 2)

	assert.Equal(t, seqstore.Shared, ab[0].StorageType)
	assert.Equal(t, seqstore.Dedicated, ab[1].StorageType)

	// The budget of one open dedicated bucket is used up by a.
	assert.Equal(t, seqstore.Shared, bb[1].StorageType)
	assert.Equal(t, 1, m.Tracker().OpenDedicatedBucketCount())
}

func Test_Store_Fails_With_ErrClosed_When_Closed(t *testing.T) {
	t.Parallel()

	m := openManager(t, newTestConfig(t), clock.NewSettable(testStart))
	st := createStore(t, m, storeA, seqstore.StoreOptions{})

	enqueue(t, st, "a", 0)
	require.NoError(t, st.Close())

	_, err := st.Enqueue(t.Context(), []byte("b"), 0)
	require.ErrorIs(t, err, seqstore.ErrClosed)
	assert.Equal(t, seqstore.KindIllegalState, seqstore.KindOf(err))

	_, err = st.Metrics().MessageCount()
	require.ErrorIs(t, err, seqstore.ErrClosed)

	_, ok := m.GetStore(storeA)
	assert.False(t, ok)
	assert.Zero(t, m.Tracker().OpenBucketStoreCount())

	// Closing again is a no-op.
	require.NoError(t, st.Close())
}
