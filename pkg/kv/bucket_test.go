package kv_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/seqstore/pkg/kv"
)

func Test_Bucket_Scan_Returns_Keys_In_Order_From_Start_Key(t *testing.T) {
	t.Parallel()

	for _, dedicated := range []bool{false, true} {
		env := openEnv(t, t.TempDir())
		ctx := t.Context()

		b, err := env.OpenBucket(ctx, kv.BucketRef{Store: "q", ID: 1, Dedicated: dedicated})
		require.NoError(t, err)

		for _, n := range []int{5, 1, 3, 2, 4} {
			require.NoError(t, b.Put(ctx, key(n), key(n)))
		}

		var got []string

		err = b.Scan(ctx, key(3), 2, func(k, _ []byte) error {
			got = append(got, string(k))

			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{string(key(3)), string(key(4))}, got, "dedicated=%v", dedicated)

		first, _, ok, err := b.First(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, key(1), first)

		last, ok, err := b.Last(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, key(5), last)

		require.NoError(t, b.Close())
	}
}

func Test_Bucket_Scan_Stops_When_Callback_Fails(t *testing.T) {
	t.Parallel()

	env := openEnv(t, t.TempDir())
	ctx := t.Context()

	b, err := env.OpenBucket(ctx, kv.BucketRef{Store: "q", ID: 1})
	require.NoError(t, err)

	for n := range 5 {
		require.NoError(t, b.Put(ctx, key(n), nil))
	}

	stop := errors.New("stop")
	calls := 0

	err = b.Scan(ctx, nil, 0, func(_, _ []byte) error {
		calls++
		if calls == 2 {
			return stop
		}

		return nil
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func Test_Bucket_MaxKeySuffix_Ignores_Key_Prefix(t *testing.T) {
	t.Parallel()

	env := openEnv(t, t.TempDir())
	ctx := t.Context()

	b, err := env.OpenBucket(ctx, kv.BucketRef{Store: "q", ID: 1})
	require.NoError(t, err)

	_, ok, err := b.MaxKeySuffix(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Put(ctx, []byte("a9"), nil))
	require.NoError(t, b.Put(ctx, []byte("b1"), nil))

	suffix, ok, err := b.MaxKeySuffix(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("9"), suffix)
}

func Test_Bucket_MaxValuePrefix_Compares_Only_Prefix(t *testing.T) {
	t.Parallel()

	env := openEnv(t, t.TempDir())
	ctx := t.Context()

	b, err := env.OpenBucket(ctx, kv.BucketRef{Store: "q", ID: 1})
	require.NoError(t, err)

	_, ok, err := b.MaxValuePrefix(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Put(ctx, key(1), []byte("b1zzz")))
	require.NoError(t, b.Put(ctx, key(2), []byte("b2")))
	require.NoError(t, b.Put(ctx, key(3), []byte("a9zzzz")))

	prefix, ok, err := b.MaxValuePrefix(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("b2"), prefix)
}

func Test_Bucket_DeleteRange_Removes_Half_Open_Range(t *testing.T) {
	t.Parallel()

	env := openEnv(t, t.TempDir())
	ctx := t.Context()

	b, err := env.OpenBucket(ctx, kv.BucketRef{Store: "q", ID: 1})
	require.NoError(t, err)

	for n := range 10 {
		require.NoError(t, b.Put(ctx, key(n), []byte("vv")))
	}

	n, err := b.DeleteRange(ctx, key(2), key(5))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	count, size, err := b.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
	assert.Equal(t, int64(7*(len(key(0))+2)), size)

	_, ok, err := b.Get(ctx, key(3))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = b.DeleteRange(ctx, key(8), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func Test_Shared_Buckets_Are_Isolated_From_Each_Other(t *testing.T) {
	t.Parallel()

	env := openEnv(t, t.TempDir())
	ctx := t.Context()

	a, err := env.OpenBucket(ctx, kv.BucketRef{Store: "q", ID: 1})
	require.NoError(t, err)

	b, err := env.OpenBucket(ctx, kv.BucketRef{Store: "q", ID: 2})
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, key(1), []byte("a")))
	require.NoError(t, b.Put(ctx, key(1), []byte("b")))

	v, ok, err := a.Get(ctx, key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), v)

	require.NoError(t, env.DropBucket(ctx, a.Ref()))

	_, ok, err = b.Get(ctx, key(1))
	require.NoError(t, err)
	assert.True(t, ok)
}

func Test_Dedicated_Handles_Share_Database_Until_Last_Close(t *testing.T) {
	t.Parallel()

	env := openEnv(t, t.TempDir())
	ctx := t.Context()
	ref := kv.BucketRef{Store: "q", ID: 3, Dedicated: true}

	w, err := env.OpenBucket(ctx, ref)
	require.NoError(t, err)

	r, err := env.OpenBucket(ctx, ref)
	require.NoError(t, err)

	require.NoError(t, w.Put(ctx, key(1), []byte("x")))
	require.NoError(t, w.Close())

	// Closing the writer must not close the database under the reader.
	v, ok, err := r.Get(ctx, key(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), v)

	err = w.Put(ctx, key(2), nil)
	require.ErrorIs(t, err, kv.ErrBucketClosed)

	require.NoError(t, r.Close())
	require.NoError(t, env.DropBucket(ctx, ref))
}
