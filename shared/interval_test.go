package shared

import (
	"math/rand"
	"testing"

	"github.com/peterldowns/testy/assert"
)

func TestIntervalMath(t *testing.T) {
	// Ensure timestamps align to the start of their interval bucket.
	assert.Equal(t, StartOfInterval(1000, 60), int64(960))
	assert.Equal(t, StartOfInterval(960, 60), int64(960))
	assert.Equal(t, StartOfInterval(0, 60), int64(0))

	// Ensure the next interval starts exactly one interval later.
	assert.Equal(t, StartOfNextInterval(1000, 60), int64(1020))
	assert.Equal(t, StartOfNextInterval(960, 60), int64(1020))

	// Ensure candle windows bound their timestamp with an inclusive start
	// and exclusive end.
	start, end := CandleWindow(1000, 60)
	assert.Equal(t, start, int64(960))
	assert.Equal(t, end, int64(1020))

	// Ensure time windows widen a range to include partial buckets.
	from, to := TimeWindow(1000, 1900, 300)
	assert.Equal(t, from, int64(900))
	assert.Equal(t, to, int64(2100))
}

func TestIntervalMathProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	intervals := []int64{60, 300, 900, 1800, 3600, 14400, 86400, 604800, 2419200}

	for i := 0; i < 1000; i++ {
		ts := rng.Int63n(2_000_000_000)
		interval := intervals[rng.Intn(len(intervals))]

		start := StartOfInterval(ts, interval)
		next := StartOfNextInterval(ts, interval)

		// Ensure the aligned start bounds the timestamp from below and the
		// next interval bounds it from above.
		assert.True(t, start <= ts)
		assert.True(t, ts < next)

		// Ensure alignment is idempotent.
		assert.Equal(t, StartOfInterval(start, interval), start)

		// Ensure the bucket is exactly one interval wide.
		assert.Equal(t, next-start, interval)
	}
}
