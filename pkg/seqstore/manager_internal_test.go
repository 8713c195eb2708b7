package seqstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/calvinalkan/seqstore/pkg/clock"
)

func Test_Manager_Shuts_Down_Once_When_Unrecoverable_Error_Observed(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)

	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()

	m, err := Open(t.Context(), cfg, WithClock(clock.NewSettable(1_000)), WithLogger(zap.New(core)))
	require.NoError(t, err)

	st, err := m.CreateStore(t.Context(), StoreID{Group: "app", Name: "a"}, StoreOptions{})
	require.NoError(t, err)

	fatal := NewUnrecoverable("put", ReasonDiskFull, errors.New("disk full"))

	// Recoverable errors are passed through without side effects.
	plain := illegalState("ack", ErrNotInflight)
	require.Same(t, plain, m.observe(plain))

	require.Same(t, fatal, m.observe(fatal))
	require.Same(t, fatal, m.observe(fatal))

	select {
	case <-m.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not shut down")
	}

	_, err = st.Enqueue(t.Context(), []byte("x"), 0)
	require.ErrorIs(t, err, ErrClosed)

	_, err = m.CreateStore(t.Context(), StoreID{Group: "app", Name: "b"}, StoreOptions{})
	require.ErrorIs(t, err, ErrClosed)

	shutdowns := logs.FilterMessage("unrecoverable database error, shutting down").All()
	require.Len(t, shutdowns, 1)
	assert.Equal(t, zapcore.ErrorLevel, shutdowns[0].Level)
	assert.Equal(t, ReasonDiskFull, shutdowns[0].ContextMap()["reason"])

	assert.Equal(t, 1, logs.FilterMessage("environment closed").Len())
}

func Test_Manager_StorageTypeFor_Keeps_Delayed_Buckets_Shared(t *testing.T) {
	t.Parallel()

	m := &Manager{
		cfg:     Config{DedicatedThresholdBytes: 10, MaxOpenDedicatedBuckets: 1},
		tracker: NewTracker(),
	}

	assert.Equal(t, Shared, m.storageTypeFor(DedicatedAlways, 0, true))
	assert.Equal(t, Dedicated, m.storageTypeFor(DedicatedAlways, 0, false))
	assert.Equal(t, Shared, m.storageTypeFor(DedicatedNever, 100, false))
	assert.Equal(t, Shared, m.storageTypeFor(DedicatedAuto, 9, false))
	assert.Equal(t, Dedicated, m.storageTypeFor(DedicatedAuto, 10, false))
}

func Test_FloorDiv_Rounds_Towards_Negative_Infinity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(2), floorDiv(5, 2))
	assert.Equal(t, int64(-3), floorDiv(-5, 2))
	assert.Equal(t, int64(-2), floorDiv(-4, 2))
	assert.Equal(t, int64(0), floorDiv(0, 7))
}
