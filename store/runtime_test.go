package store

import (
	"sort"
	"testing"

	"github.com/dnldd/candlecache/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/shopspring/decimal"
)

func newTestCandle(kind shared.CandleType, interval int64, timestamp int64) *shared.Candle {
	return &shared.Candle{
		Type:      kind,
		Interval:  interval,
		Timestamp: timestamp,
		Open:      decimal.RequireFromString("1"),
		High:      decimal.RequireFromString("1"),
		Low:       decimal.RequireFromString("1"),
		Close:     decimal.RequireFromString("1"),
	}
}

func TestRuntimeCandleStore(t *testing.T) {
	runtime := NewRuntimeCandleStore()

	// Ensure lookups on an empty store return nil.
	assert.Nil(t, runtime.ResourceCandle("eth-gas", 300))
	assert.Nil(t, runtime.MarketCandle(1, 300))
	assert.Nil(t, runtime.IndexCandle(1, 300))
	assert.Nil(t, runtime.TrailingAvgCandle("eth-gas", 300, 604800))

	// Ensure installed candles are fetched by their exact composite key.
	resourceCandle := newTestCandle(shared.ResourceCandle, 300, 600)
	runtime.SetResourceCandle("eth-gas", 300, resourceCandle)
	assert.Equal(t, runtime.ResourceCandle("eth-gas", 300), resourceCandle)
	assert.Nil(t, runtime.ResourceCandle("eth-gas", 900))
	assert.Nil(t, runtime.ResourceCandle("btc-fees", 300))

	marketCandle := newTestCandle(shared.MarketCandle, 300, 600)
	marketCandle.MarketIdx = 7
	runtime.SetMarketCandle(7, 300, marketCandle)
	assert.Equal(t, runtime.MarketCandle(7, 300), marketCandle)

	indexCandle := newTestCandle(shared.IndexCandle, 300, 600)
	indexCandle.MarketIdx = 7
	runtime.SetIndexCandle(7, 300, indexCandle)
	assert.Equal(t, runtime.IndexCandle(7, 300), indexCandle)

	// Ensure market and index candles for the same market index do not collide.
	assert.Equal(t, runtime.MarketCandle(7, 300), marketCandle)

	// Ensure trailing average candles are additionally keyed by window length.
	weekCandle := newTestCandle(shared.TrailingAvgCandle, 300, 600)
	monthCandle := newTestCandle(shared.TrailingAvgCandle, 300, 600)
	runtime.SetTrailingAvgCandle("eth-gas", 300, 604800, weekCandle)
	runtime.SetTrailingAvgCandle("eth-gas", 300, 2419200, monthCandle)
	assert.Equal(t, runtime.TrailingAvgCandle("eth-gas", 300, 604800), weekCandle)
	assert.Equal(t, runtime.TrailingAvgCandle("eth-gas", 300, 2419200), monthCandle)
}

func TestRuntimeCandleStoreEnumeration(t *testing.T) {
	runtime := NewRuntimeCandleStore()

	for _, interval := range []int64{300, 900} {
		candle := newTestCandle(shared.ResourceCandle, interval, 600)
		runtime.SetResourceCandle("eth-gas", interval, candle)
	}

	marketCandle := newTestCandle(shared.MarketCandle, 300, 600)
	marketCandle.MarketIdx = 3
	runtime.SetMarketCandle(3, 300, marketCandle)

	trailingCandle := newTestCandle(shared.TrailingAvgCandle, 300, 600)
	runtime.SetTrailingAvgCandle("btc-fees", 300, 604800, trailingCandle)

	// Ensure per scope enumeration maps interval to candle.
	resourceCandles := runtime.AllResourceCandles("eth-gas")
	assert.Equal(t, len(resourceCandles), 2)
	assert.NotNil(t, resourceCandles[300])
	assert.NotNil(t, resourceCandles[900])

	// Ensure trailing average enumeration filters by window length.
	assert.Equal(t, len(runtime.AllTrailingAvgCandles("btc-fees", 604800)), 1)
	assert.Equal(t, len(runtime.AllTrailingAvgCandles("btc-fees", 2419200)), 0)

	// Ensure scope listings cover every family that tracks the scope kind.
	assert.Equal(t, runtime.AllMarketIndices(), []int64{3})

	slugs := runtime.AllResourceSlugs()
	sort.Strings(slugs)
	assert.Equal(t, slugs, []string{"btc-fees", "eth-gas"})

	// Ensure presence checks reflect the installed candles.
	assert.True(t, runtime.HasResourceCandles("eth-gas"))
	assert.False(t, runtime.HasResourceCandles("unknown"))
	assert.True(t, runtime.HasMarketCandles(3))
	assert.False(t, runtime.HasIndexCandles(3))
	assert.True(t, runtime.HasTrailingAvgCandles("btc-fees"))
}

func TestRuntimeCandleStoreClearedSlots(t *testing.T) {
	runtime := NewRuntimeCandleStore()

	indexCandle := newTestCandle(shared.IndexCandle, 300, 600)
	indexCandle.MarketIdx = 5
	runtime.SetIndexCandle(5, 300, indexCandle)
	assert.True(t, runtime.HasIndexCandles(5))

	// Ensure a cleared slot no longer counts as an open candle.
	runtime.SetIndexCandle(5, 300, nil)
	assert.False(t, runtime.HasIndexCandles(5))
	assert.Equal(t, len(runtime.AllIndexCandles(5)), 0)
	assert.Nil(t, runtime.IndexCandle(5, 300))
}
