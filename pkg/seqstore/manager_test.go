package seqstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/seqstore/pkg/clock"
	"github.com/calvinalkan/seqstore/pkg/seqstore"
)

func Test_Manager_Close_Is_Idempotent_When_Called_Concurrently(t *testing.T) {
	t.Parallel()

	m := openManager(t, newTestConfig(t), clock.NewSettable(testStart))

	for _, id := range []seqstore.StoreID{storeA, storeB} {
		st := createStore(t, m, id, seqstore.StoreOptions{})
		enqueue(t, st, "x", 0)

		_, err := st.NewReader(t.Context(), "r", seqstore.ReaderOptions{})
		require.NoError(t, err)
	}

	require.Positive(t, m.Tracker().OpenBucketStoreCount())

	var g errgroup.Group
	for range 8 {
		g.Go(m.Close)
	}

	require.NoError(t, g.Wait())

	select {
	case <-m.Done():
	default:
		t.Fatal("done not closed after Close returned")
	}

	assert.Zero(t, m.Tracker().OpenBucketStoreCount())
	assert.Zero(t, m.Tracker().OpenBucketCount())
	assert.NoError(t, m.Close())
}

func Test_Manager_Fails_With_ErrClosed_When_Closed(t *testing.T) {
	t.Parallel()

	m := openManager(t, newTestConfig(t), clock.NewSettable(testStart))
	st := createStore(t, m, storeA, seqstore.StoreOptions{})

	require.NoError(t, m.Close())

	_, err := m.CreateStore(t.Context(), storeB, seqstore.StoreOptions{})
	require.ErrorIs(t, err, seqstore.ErrClosed)
	assert.Equal(t, seqstore.KindIllegalState, seqstore.KindOf(err))

	_, err = m.EnvStats(t.Context())
	require.ErrorIs(t, err, seqstore.ErrClosed)

	_, err = st.Enqueue(t.Context(), []byte("x"), 0)
	require.ErrorIs(t, err, seqstore.ErrClosed)

	_, err = st.Metrics().MessageCount()
	require.ErrorIs(t, err, seqstore.ErrClosed)
}

func Test_Manager_CreateStore_Fails_When_Store_Exists(t *testing.T) {
	t.Parallel()

	m := openManager(t, newTestConfig(t), clock.NewSettable(testStart))
	st := createStore(t, m, storeA, seqstore.StoreOptions{})

	_, err := m.CreateStore(t.Context(), storeA, seqstore.StoreOptions{})
	require.ErrorIs(t, err, seqstore.ErrAlreadyCreated)

	got, err := m.OpenStore(t.Context(), storeA, seqstore.StoreOptions{})
	require.NoError(t, err)
	assert.Same(t, st, got)

	_, err = m.CreateStore(t.Context(), seqstore.StoreID{Group: "", Name: "x"}, seqstore.StoreOptions{})
	require.ErrorIs(t, err, seqstore.ErrInvalidConfig)

	_, err = m.CreateStore(t.Context(), storeB, seqstore.StoreOptions{Dedicated: "sometimes"})
	require.ErrorIs(t, err, seqstore.ErrInvalidConfig)
	assert.Equal(t, seqstore.KindConfiguration, seqstore.KindOf(err))
}

func Test_Manager_Stores_Are_Ordered_By_Id(t *testing.T) {
	t.Parallel()

	m := openManager(t, newTestConfig(t), clock.NewSettable(testStart))

	createStore(t, m, storeB, seqstore.StoreOptions{})
	createStore(t, m, seqstore.StoreID{Group: "zz", Name: "a"}, seqstore.StoreOptions{})
	createStore(t, m, storeA, seqstore.StoreOptions{})

	var ids []string
	for _, st := range m.Stores() {
		ids = append(ids, st.ID().String())
	}

	assert.Equal(t, []string{"app/a", "app/b", "zz/a"}, ids)
}

func Test_Manager_DeleteStore_Removes_Buckets_And_Allows_Recreate(t *testing.T) {
	t.Parallel()

	clk := clock.NewSettable(testStart)
	m := openManager(t, newTestConfig(t), clk)
	st := createStore(t, m, storeA, seqstore.StoreOptions{Dedicated: seqstore.DedicatedAlways})

	enqueue(t, st, "a", 0)
	clk.Advance(1000)
	enqueue(t, st, "b", 0)

	require.NoError(t, m.DeleteStore(t.Context(), storeA))
	assert.Zero(t, m.Tracker().OpenBucketStoreCount())

	_, ok := m.GetStore(storeA)
	assert.False(t, ok)

	require.ErrorIs(t, m.DeleteStore(t.Context(), storeA), seqstore.ErrNotFound)

	_, err := st.Enqueue(t.Context(), []byte("c"), 0)
	require.ErrorIs(t, err, seqstore.ErrClosed)

	again := createStore(t, m, storeA, seqstore.StoreOptions{})
	assert.Empty(t, again.Buckets())
	assert.Zero(t, stats(t, again).Messages)
}

func Test_Manager_Open_Recovers_Stores_Readers_And_Delayed_Entries(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	clk := clock.NewSettable(testStart)

	m1, err := seqstore.Open(t.Context(), cfg, seqstore.WithClock(clk), seqstore.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	st := createStore(t, m1, storeA, seqstore.StoreOptions{Retention: time.Hour})

	a := enqueue(t, st, "a", 0)
	b := enqueue(t, st, "b", 0)
	enqueue(t, st, "later", 10*time.Second)

	clk.Advance(1000)
	c := enqueue(t, st, "c", 0)

	r, err := st.NewReader(t.Context(), "r", seqstore.ReaderOptions{})
	require.NoError(t, err)

	mustDequeue(t, r)
	require.NoError(t, r.Ack(t.Context(), a))

	before := stats(t, st)
	require.NoError(t, m1.Close())

	// The clock went backwards while the process was down.
	clk.Set(testStart)

	m2 := openManager(t, cfg, clk)

	st2, ok := m2.GetStore(storeA)
	require.True(t, ok)
	assert.Equal(t, time.Hour, st2.Options().Retention)

	after := stats(t, st2)
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.StoredBytes, after.StoredBytes)
	assert.Equal(t, int64(1), after.Delayed)
	assert.Equal(t, before.Buckets, after.Buckets)
	assert.Equal(t, 1, after.Readers)

	r2, err := st2.OpenReader(t.Context(), "r", seqstore.ReaderOptions{})
	require.NoError(t, err)
	assert.Equal(t, b, r2.AckLevel())
	assert.Equal(t, b, mustDequeue(t, r2).ID)
	assert.Equal(t, c, mustDequeue(t, r2).ID)

	// New ids sort after everything stored before the restart.
	d := enqueue(t, st2, "d", 0)
	assert.True(t, c.Less(d), "c=%s d=%s", c, d)
}

func Test_Manager_Open_Counts_Closed_Bucket_As_Available_When_Clock_Went_Back(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	clk := clock.NewSettable(testStart)

	m1, err := seqstore.Open(t.Context(), cfg, seqstore.WithClock(clk), seqstore.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	st := createStore(t, m1, storeA, seqstore.StoreOptions{})
	id := enqueue(t, st, "soon", 500*time.Millisecond)

	clk.Set(testStart + 3000)

	r, err := st.NewReader(t.Context(), "r", seqstore.ReaderOptions{})
	require.NoError(t, err)

	require.Equal(t, id, mustDequeue(t, r).ID)
	require.NoError(t, r.Ack(t.Context(), id))

	// Moves the reader past the closed bucket.
	_, ok := dequeue(t, r)
	require.False(t, ok)
	require.NoError(t, m1.Close())

	clk.Set(testStart)

	m2 := openManager(t, cfg, clk)

	st2, ok := m2.GetStore(storeA)
	require.True(t, ok)

	s := stats(t, st2)
	assert.Equal(t, int64(1), s.Messages)
	assert.Equal(t, int64(1), s.Available)
	assert.Zero(t, s.Delayed)

	n, err := st2.Retire(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	s = stats(t, st2)
	assert.Zero(t, s.Messages)
	assert.Zero(t, s.Available)
	assert.Zero(t, s.Delayed)

	// Ids minted after the restart sort after the closed bucket.
	next := enqueue(t, st2, "next", 0)
	assert.GreaterOrEqual(t, next.Time, int64(testStart+3000))
}

func Test_Manager_Open_Skips_Retired_Buckets(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	clk := clock.NewSettable(testStart)

	m1, err := seqstore.Open(t.Context(), cfg, seqstore.WithClock(clk))
	require.NoError(t, err)

	st := createStore(t, m1, storeA, seqstore.StoreOptions{Retention: time.Second})
	enqueue(t, st, "old", 0)
	clk.Advance(2000)
	enqueue(t, st, "new", 0)

	n, err := st.Retire(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, m1.Close())

	m2 := openManager(t, cfg, clk)

	st2, ok := m2.GetStore(storeA)
	require.True(t, ok)

	buckets := st2.Buckets()
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].EntryCount)
	assert.Greater(t, buckets[0].ID, seqstore.BucketID(1))
}

func Test_Manager_Open_Fails_With_Timeout_When_Environment_Is_Locked(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	openManager(t, cfg, clock.NewSettable(testStart))

	_, err := seqstore.Open(t.Context(), cfg)
	require.Error(t, err)
	assert.Equal(t, seqstore.KindTimeout, seqstore.KindOf(err))
	assert.True(t, seqstore.IsRetryable(err))
}

func Test_Manager_Open_Fails_With_Configuration_Error_When_Config_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*seqstore.Config)
	}{
		{"missing dir", func(c *seqstore.Config) { c.Dir = "" }},
		{"sub-millisecond span", func(c *seqstore.Config) { c.BucketSpan = time.Microsecond }},
		{"negative entries", func(c *seqstore.Config) { c.MaxBucketEntries = -1 }},
		{"negative retention", func(c *seqstore.Config) { c.Retention = -time.Second }},
		{"negative inflight", func(c *seqstore.Config) { c.Reader.MaxInflight = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := newTestConfig(t)
			tt.modify(&cfg)

			_, err := seqstore.Open(t.Context(), cfg)
			require.ErrorIs(t, err, seqstore.ErrInvalidConfig)
			assert.Equal(t, seqstore.KindConfiguration, seqstore.KindOf(err))
		})
	}
}

func Test_Manager_Open_Fails_With_Configuration_Error_When_Clock_Counts_Nanoseconds(t *testing.T) {
	t.Parallel()

	for _, c := range []clock.Clock{clock.NewNano(), clock.NewAlwaysIncreasing(clock.NewNano())} {
		_, err := seqstore.Open(t.Context(), newTestConfig(t), seqstore.WithClock(c))
		require.ErrorIs(t, err, seqstore.ErrInvalidConfig)
		assert.Equal(t, seqstore.KindConfiguration, seqstore.KindOf(err))
	}
}

func Test_Manager_EnvStats_Reflects_Writes_After_TTL(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	cfg.StatsTTL = time.Second

	clk := clock.NewSettable(testStart)
	m := openManager(t, cfg, clk)

	first, err := m.EnvStats(t.Context())
	require.NoError(t, err)

	st := createStore(t, m, storeA, seqstore.StoreOptions{})
	enqueue(t, st, "x", 0)

	cached, err := m.EnvStats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	clk.Advance(1000)

	fresh, err := m.EnvStats(t.Context())
	require.NoError(t, err)
	assert.Greater(t, fresh.SequentialWrites+fresh.RandomWrites, first.SequentialWrites+first.RandomWrites)
}
