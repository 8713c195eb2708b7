package clock_test

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/seqstore/pkg/clock"
)

func Test_AlwaysIncreasing_Returns_Running_Max_When_Base_Jumps_Around(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	base := clock.NewSettable(0)
	c := clock.NewAlwaysIncreasing(base)

	var (
		prev    int64
		maxSeen int64
	)

	for i := range 10_000 {
		reading := rng.Int64N(1_000_000) - 500_000
		base.Set(reading)

		if i == 0 || reading > maxSeen {
			maxSeen = reading
		}

		got := c.Now()
		if got != maxSeen {
			t.Fatalf("step %d: Now() = %d, want running max %d", i, got, maxSeen)
		}

		if i > 0 && got < prev {
			t.Fatalf("step %d: Now() went backwards: %d < %d", i, got, prev)
		}

		prev = got
	}
}

func Test_AlwaysIncreasing_Stalls_Until_Base_Catches_Up_When_Base_Steps_Back(t *testing.T) {
	t.Parallel()

	base := clock.NewSettable(1_000)
	c := clock.NewAlwaysIncreasing(base)

	require.Equal(t, int64(1_000), c.Now())

	base.Set(400)
	assert.Equal(t, int64(1_000), c.Now())

	base.Set(999)
	assert.Equal(t, int64(1_000), c.Now())

	base.Set(1_001)
	assert.Equal(t, int64(1_001), c.Now())
	assert.Equal(t, int64(1_001), c.Last())
}

func Test_AlwaysIncreasing_Never_Regresses_When_Read_Concurrently(t *testing.T) {
	t.Parallel()

	base := clock.NewSettable(0)
	c := clock.NewAlwaysIncreasing(base)

	const (
		readers = 4
		reads   = 5_000
	)

	var wg sync.WaitGroup

	stop := make(chan struct{})

	go func() {
		rng := rand.New(rand.NewPCG(3, 4))

		for {
			select {
			case <-stop:
				return
			default:
				base.Set(rng.Int64N(10_000))
			}
		}
	}()

	errs := make(chan string, readers)

	for range readers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			var prev int64

			for i := range reads {
				v := c.Now()
				if i > 0 && v < prev {
					errs <- "reading regressed"

					return
				}

				prev = v
			}
		}()
	}

	wg.Wait()
	close(stop)
	close(errs)

	for msg := range errs {
		t.Fatal(msg)
	}
}

func Test_NewAlwaysIncreasing_Returns_Same_Clock_When_Already_Wrapped(t *testing.T) {
	t.Parallel()

	inner := clock.NewAlwaysIncreasing(clock.NewSettable(5))

	assert.Same(t, inner, clock.NewAlwaysIncreasing(inner))
}

func Test_Settable_Advance_Returns_New_Value(t *testing.T) {
	t.Parallel()

	c := clock.NewSettable(100)

	assert.Equal(t, int64(150), c.Advance(50))
	assert.Equal(t, int64(120), c.Advance(-30))
	assert.Equal(t, int64(120), c.Now())
}

func Test_Nano_Is_Monotonic(t *testing.T) {
	t.Parallel()

	c := clock.NewNano()

	first := c.Now()
	time.Sleep(time.Millisecond)
	second := c.Now()

	assert.GreaterOrEqual(t, first, int64(0))
	assert.Greater(t, second, first)
}

func Test_System_Tracks_Wall_Time(t *testing.T) {
	t.Parallel()

	before := time.Now().UnixMilli()
	got := clock.NewSystem().Now()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
}
