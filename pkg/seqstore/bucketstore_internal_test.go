package seqstore

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/calvinalkan/seqstore/pkg/clock"
)

func openInternal(t *testing.T, log *zap.Logger) (*Manager, *clock.Settable) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.BucketSpan = time.Second

	clk := clock.NewSettable(1_000_000)

	m, err := Open(t.Context(), cfg, WithClock(clk), WithLogger(log))
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Close() })

	return m, clk
}

func Test_BucketStore_Get_And_DeleteRange_Work_Until_Handle_Closed(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	m, _ := openInternal(t, zaptest.NewLogger(t))

	st, err := m.CreateStore(ctx, StoreID{Group: "app", Name: "a"}, StoreOptions{})
	require.NoError(t, err)

	a, err := st.Enqueue(ctx, []byte("a"), 0)
	require.NoError(t, err)
	b, err := st.Enqueue(ctx, []byte("b"), 0)
	require.NoError(t, err)
	c, err := st.Enqueue(ctx, []byte("c"), 0)
	require.NoError(t, err)

	buckets := st.Buckets()
	require.Len(t, buckets, 1)

	h, err := m.openBucketStore(ctx, buckets[0])
	require.NoError(t, err)

	e, ok, err := h.Get(ctx, b)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, e.ID)
	assert.Equal(t, "b", string(e.Payload))
	assert.Equal(t, int64(1_000_000), e.EnqueuedAt)

	_, ok, err = h.Get(ctx, AckID{Time: a.Time - 1})
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := h.DeleteRange(ctx, a, c)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, err = h.Get(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok)

	count, _, err := h.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, m.closeBucketStore(h))

	_, _, err = h.Get(ctx, c)
	require.ErrorIs(t, err, ErrClosed)

	_, err = h.DeleteRange(ctx, MinAckID, MaxAckID)
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, KindIllegalState, KindOf(err))
}

func Test_Store_Retire_Purges_Shared_Entries(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	m, clk := openInternal(t, zaptest.NewLogger(t))

	st, err := m.CreateStore(ctx, StoreID{Group: "app", Name: "a"}, StoreOptions{Retention: time.Second})
	require.NoError(t, err)

	_, err = st.Enqueue(ctx, []byte("old"), 0)
	require.NoError(t, err)

	clk.Advance(2000)

	_, err = st.Enqueue(ctx, []byte("new"), 0)
	require.NoError(t, err)

	old := st.Buckets()[0]
	require.Equal(t, Shared, old.StorageType)

	n, err := st.Retire(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Only the writer of the live bucket stays open.
	assert.Equal(t, 1, m.Tracker().OpenBucketStoreCount())

	h, err := m.openBucketStore(ctx, old)
	require.NoError(t, err)

	count, _, err := h.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, m.closeBucketStore(h))
}

func Test_Reader_Release_Succeeds_When_Handle_Deregistered_Concurrently(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	core, logs := observer.New(zapcore.WarnLevel)
	m, _ := openInternal(t, zap.New(core))

	st, err := m.CreateStore(ctx, StoreID{Group: "app", Name: "a"}, StoreOptions{})
	require.NoError(t, err)

	_, err = st.Enqueue(ctx, []byte("a"), 0)
	require.NoError(t, err)

	r, err := st.NewReader(ctx, "r", ReaderOptions{})
	require.NoError(t, err)

	_, ok, err := r.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	id := st.Buckets()[0].ID

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[id]
	require.True(t, ok)

	// Retirement deregisters the handle but has not marked it closed yet.
	require.NoError(t, m.tracker.Remove(h.store, h))
	t.Cleanup(func() { _ = h.kv.Close() })

	require.NoError(t, r.releaseLocked(id))
	assert.NotContains(t, r.handles, id)
	assert.Zero(t, logs.Len())
}

func Test_Store_DropDelayed_Removes_Only_Entries_Of_Bucket(t *testing.T) {
	t.Parallel()

	s := &Store{}
	for _, tm := range []int64{5, 1, 12, 3, 10} {
		heap.Push(&s.delayed, AckID{Time: tm})
	}

	n := s.dropDelayedLocked(Bucket{Min: AckID{Time: 0}, Max: AckID{Time: 10}})
	assert.Equal(t, int64(3), n)

	var left []int64
	for s.delayed.Len() > 0 {
		left = append(left, heap.Pop(&s.delayed).(AckID).Time)
	}

	assert.Equal(t, []int64{10, 12}, left)
}
