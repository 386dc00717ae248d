package store

import (
	"strconv"

	"github.com/dnldd/candlecache/shared"
)

// candleKey is the composite key for an open candle. TrailingAvgTime is zero
// for all families except trailing average candles, so no two logical keys
// collide.
type candleKey struct {
	kind            shared.CandleType
	scope           string
	interval        int64
	trailingAvgTime int64
}

// RuntimeCandleStore holds the currently open candle for every candle key
// being built. It has no persistence and is rebuilt empty on process start or
// hard refresh. Single writer access is assumed, nothing else runs during a
// build.
type RuntimeCandleStore struct {
	candles map[candleKey]*shared.Candle
}

// NewRuntimeCandleStore initializes a new runtime candle store.
func NewRuntimeCandleStore() *RuntimeCandleStore {
	return &RuntimeCandleStore{
		candles: make(map[candleKey]*shared.Candle),
	}
}

// marketScope stringifies a market index for use as a scope key.
func marketScope(marketIdx int64) string {
	return strconv.FormatInt(marketIdx, 10)
}

// ResourceCandle fetches the open resource candle for the provided slug and
// interval, nil if absent.
func (s *RuntimeCandleStore) ResourceCandle(resourceSlug string, interval int64) *shared.Candle {
	return s.candles[candleKey{kind: shared.ResourceCandle, scope: resourceSlug, interval: interval}]
}

// SetResourceCandle installs the open resource candle for the provided slug
// and interval.
func (s *RuntimeCandleStore) SetResourceCandle(resourceSlug string, interval int64, candle *shared.Candle) {
	s.candles[candleKey{kind: shared.ResourceCandle, scope: resourceSlug, interval: interval}] = candle
}

// MarketCandle fetches the open market candle for the provided market index
// and interval, nil if absent.
func (s *RuntimeCandleStore) MarketCandle(marketIdx int64, interval int64) *shared.Candle {
	return s.candles[candleKey{kind: shared.MarketCandle, scope: marketScope(marketIdx), interval: interval}]
}

// SetMarketCandle installs the open market candle for the provided market
// index and interval.
func (s *RuntimeCandleStore) SetMarketCandle(marketIdx int64, interval int64, candle *shared.Candle) {
	s.candles[candleKey{kind: shared.MarketCandle, scope: marketScope(marketIdx), interval: interval}] = candle
}

// IndexCandle fetches the open index candle for the provided market index and
// interval, nil if absent.
func (s *RuntimeCandleStore) IndexCandle(marketIdx int64, interval int64) *shared.Candle {
	return s.candles[candleKey{kind: shared.IndexCandle, scope: marketScope(marketIdx), interval: interval}]
}

// SetIndexCandle installs the open index candle for the provided market index
// and interval.
func (s *RuntimeCandleStore) SetIndexCandle(marketIdx int64, interval int64, candle *shared.Candle) {
	s.candles[candleKey{kind: shared.IndexCandle, scope: marketScope(marketIdx), interval: interval}] = candle
}

// TrailingAvgCandle fetches the open trailing average candle for the provided
// slug, interval and trailing window, nil if absent.
func (s *RuntimeCandleStore) TrailingAvgCandle(resourceSlug string, interval int64, trailingAvgTime int64) *shared.Candle {
	return s.candles[candleKey{kind: shared.TrailingAvgCandle, scope: resourceSlug,
		interval: interval, trailingAvgTime: trailingAvgTime}]
}

// SetTrailingAvgCandle installs the open trailing average candle for the
// provided slug, interval and trailing window.
func (s *RuntimeCandleStore) SetTrailingAvgCandle(resourceSlug string, interval int64, trailingAvgTime int64, candle *shared.Candle) {
	s.candles[candleKey{kind: shared.TrailingAvgCandle, scope: resourceSlug,
		interval: interval, trailingAvgTime: trailingAvgTime}] = candle
}

// AllMarketCandles fetches every open market candle for the provided market
// index, keyed by interval.
func (s *RuntimeCandleStore) AllMarketCandles(marketIdx int64) map[int64]*shared.Candle {
	return s.collect(shared.MarketCandle, marketScope(marketIdx), nil)
}

// AllResourceCandles fetches every open resource candle for the provided
// slug, keyed by interval.
func (s *RuntimeCandleStore) AllResourceCandles(resourceSlug string) map[int64]*shared.Candle {
	return s.collect(shared.ResourceCandle, resourceSlug, nil)
}

// AllIndexCandles fetches every open index candle for the provided market
// index, keyed by interval.
func (s *RuntimeCandleStore) AllIndexCandles(marketIdx int64) map[int64]*shared.Candle {
	return s.collect(shared.IndexCandle, marketScope(marketIdx), nil)
}

// AllTrailingAvgCandles fetches every open trailing average candle for the
// provided slug and trailing window, keyed by interval.
func (s *RuntimeCandleStore) AllTrailingAvgCandles(resourceSlug string, trailingAvgTime int64) map[int64]*shared.Candle {
	return s.collect(shared.TrailingAvgCandle, resourceSlug, &trailingAvgTime)
}

func (s *RuntimeCandleStore) collect(kind shared.CandleType, scope string, trailingAvgTime *int64) map[int64]*shared.Candle {
	result := make(map[int64]*shared.Candle)
	for key, candle := range s.candles {
		if key.kind != kind || key.scope != scope {
			continue
		}
		if trailingAvgTime != nil && key.trailingAvgTime != *trailingAvgTime {
			continue
		}
		// Cleared slots stay in the map but hold no open candle.
		if candle == nil {
			continue
		}
		result[key.interval] = candle
	}

	return result
}

// HasMarketCandles reports whether any open market candle exists for the
// provided market index.
func (s *RuntimeCandleStore) HasMarketCandles(marketIdx int64) bool {
	return s.hasScope(shared.MarketCandle, marketScope(marketIdx))
}

// HasResourceCandles reports whether any open resource candle exists for the
// provided slug.
func (s *RuntimeCandleStore) HasResourceCandles(resourceSlug string) bool {
	return s.hasScope(shared.ResourceCandle, resourceSlug)
}

// HasIndexCandles reports whether any open index candle exists for the
// provided market index.
func (s *RuntimeCandleStore) HasIndexCandles(marketIdx int64) bool {
	return s.hasScope(shared.IndexCandle, marketScope(marketIdx))
}

// HasTrailingAvgCandles reports whether any open trailing average candle
// exists for the provided slug.
func (s *RuntimeCandleStore) HasTrailingAvgCandles(resourceSlug string) bool {
	return s.hasScope(shared.TrailingAvgCandle, resourceSlug)
}

func (s *RuntimeCandleStore) hasScope(kind shared.CandleType, scope string) bool {
	for key, candle := range s.candles {
		// Cleared slots stay in the map but hold no open candle.
		if key.kind == kind && key.scope == scope && candle != nil {
			return true
		}
	}

	return false
}

// AllMarketIndices lists every distinct market index holding an open market
// candle.
func (s *RuntimeCandleStore) AllMarketIndices() []int64 {
	seen := make(map[int64]struct{})
	indices := make([]int64, 0)
	for key, candle := range s.candles {
		if key.kind != shared.MarketCandle {
			continue
		}
		if _, ok := seen[candle.MarketIdx]; ok {
			continue
		}
		seen[candle.MarketIdx] = struct{}{}
		indices = append(indices, candle.MarketIdx)
	}

	return indices
}

// AllResourceSlugs lists every distinct resource slug holding an open
// resource or trailing average candle.
func (s *RuntimeCandleStore) AllResourceSlugs() []string {
	seen := make(map[string]struct{})
	slugs := make([]string, 0)
	for key := range s.candles {
		if key.kind != shared.ResourceCandle && key.kind != shared.TrailingAvgCandle {
			continue
		}
		if _, ok := seen[key.scope]; ok {
			continue
		}
		seen[key.scope] = struct{}{}
		slugs = append(slugs, key.scope)
	}

	return slugs
}
