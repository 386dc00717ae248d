package store

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/dnldd/candlecache/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/shopspring/decimal"
)

func point(timestamp int64, used string, fee string) shared.PricePoint {
	return shared.PricePoint{
		Timestamp: timestamp,
		Used:      decimal.RequireFromString(used),
		Fee:       decimal.RequireFromString(fee),
	}
}

func TestTrailingAvgHistoryStore(t *testing.T) {
	history := NewTrailingAvgHistoryStore()
	windows := []int64{100}

	// Ensure a fresh store is empty and returns zero valued sums.
	assert.True(t, history.IsEmpty())
	sums := history.Sums("eth-gas", 100)
	assert.True(t, sums.SumUsed.IsZero())
	assert.True(t, sums.SumFeePaid.IsZero())
	assert.Equal(t, sums.StartOfTrailingWindow, int64(0))

	// Ensure observations accumulate into the window sums.
	history.AddPrice("eth-gas", point(1000, "10", "50"), windows)
	history.AddPrice("eth-gas", point(1040, "20", "70"), windows)
	assert.False(t, history.IsEmpty())

	sums = history.Sums("eth-gas", 100)
	assert.Equal(t, sums.SumUsed.String(), "30")
	assert.Equal(t, sums.SumFeePaid.String(), "120")
	assert.Equal(t, sums.StartOfTrailingWindow, int64(1000))

	// Ensure entries falling out of the window are evicted and the window
	// start advances to the oldest retained entry.
	history.AddPrice("eth-gas", point(1101, "5", "15"), windows)
	sums = history.Sums("eth-gas", 100)
	assert.Equal(t, sums.SumUsed.String(), "25")
	assert.Equal(t, sums.SumFeePaid.String(), "85")
	assert.Equal(t, sums.StartOfTrailingWindow, int64(1040))

	// Ensure replaying an already appended observation is a no-op.
	history.AddPrice("eth-gas", point(1101, "5", "15"), windows)
	history.AddPrice("eth-gas", point(1050, "99", "99"), windows)
	sums = history.Sums("eth-gas", 100)
	assert.Equal(t, sums.SumUsed.String(), "25")
	assert.Equal(t, sums.SumFeePaid.String(), "85")

	// Ensure unknown windows and resources return zero valued defaults.
	assert.True(t, history.Sums("eth-gas", 999).SumUsed.IsZero())
	assert.True(t, history.Sums("unknown", 100).SumUsed.IsZero())

	// Ensure clean all discards every ledger.
	history.CleanAll()
	assert.True(t, history.IsEmpty())
}

func TestTrailingAvgHistoryStoreMultipleWindows(t *testing.T) {
	history := NewTrailingAvgHistoryStore()
	windows := []int64{50, 200}

	history.AddPrice("eth-gas", point(1000, "10", "1"), windows)
	history.AddPrice("eth-gas", point(1060, "20", "2"), windows)
	history.AddPrice("eth-gas", point(1090, "30", "3"), windows)

	// Ensure each window evicts independently.
	short := history.Sums("eth-gas", 50)
	assert.Equal(t, short.SumUsed.String(), "50")
	assert.Equal(t, short.StartOfTrailingWindow, int64(1060))

	long := history.Sums("eth-gas", 200)
	assert.Equal(t, long.SumUsed.String(), "60")
	assert.Equal(t, long.StartOfTrailingWindow, int64(1000))
}

func TestTrailingSumExactness(t *testing.T) {
	history := NewTrailingAvgHistoryStore()
	windows := []int64{37, 250, 1000}
	rng := rand.New(rand.NewSource(7))

	type observation struct {
		timestamp int64
		used      int64
		fee       int64
	}

	var feed []observation
	timestamp := int64(1_000_000)
	for i := 0; i < 500; i++ {
		timestamp += 1 + rng.Int63n(40)
		obs := observation{
			timestamp: timestamp,
			used:      rng.Int63n(1_000_000),
			fee:       rng.Int63n(1_000_000),
		}
		feed = append(feed, obs)

		history.AddPrice("eth-gas", point(obs.timestamp,
			strconv.FormatInt(obs.used, 10), strconv.FormatInt(obs.fee, 10)), windows)

		// Ensure after every insert the window sums equal the exact sums of
		// all observations newer than the cutoff.
		for _, window := range windows {
			cutoff := obs.timestamp - window
			var wantUsed, wantFee int64
			for _, prior := range feed {
				if prior.timestamp > cutoff {
					wantUsed += prior.used
					wantFee += prior.fee
				}
			}

			sums := history.Sums("eth-gas", window)
			assert.Equal(t, sums.SumUsed.String(), strconv.FormatInt(wantUsed, 10))
			assert.Equal(t, sums.SumFeePaid.String(), strconv.FormatInt(wantFee, 10))
		}
	}
}
