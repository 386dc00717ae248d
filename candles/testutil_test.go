package candles

import (
	"context"
	"fmt"
	"sync"

	"github.com/dnldd/candlecache/shared"
)

// fakeCandleStore records saved candles in memory for assertions.
type fakeCandleStore struct {
	mtx       sync.Mutex
	saved     []*shared.Candle
	last      map[string]*shared.Candle
	truncated int
}

func newFakeCandleStore() *fakeCandleStore {
	return &fakeCandleStore{last: make(map[string]*shared.Candle)}
}

func lastKey(query *shared.CandleQuery) string {
	return fmt.Sprintf("%s/%s/%d/%d/%d", query.Type.String(), query.ResourceSlug,
		query.MarketIdx, query.Interval, query.TrailingAvgTime)
}

func (s *fakeCandleStore) SaveCandle(_ context.Context, candle *shared.Candle) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	clone := *candle
	s.saved = append(s.saved, &clone)
	return nil
}

func (s *fakeCandleStore) LastCandle(_ context.Context, query *shared.CandleQuery) (*shared.Candle, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.last[lastKey(query)], nil
}

func (s *fakeCandleStore) Candles(_ context.Context, _ *shared.CandleQuery) ([]*shared.Candle, error) {
	return nil, nil
}

func (s *fakeCandleStore) TruncateCandles(_ context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.saved = nil
	s.last = make(map[string]*shared.Candle)
	s.truncated++
	return nil
}

func (s *fakeCandleStore) savedCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.saved)
}

func (s *fakeCandleStore) savedOfType(kind shared.CandleType) []*shared.Candle {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var candles []*shared.Candle
	for _, candle := range s.saved {
		if candle.Type == kind {
			candles = append(candles, candle)
		}
	}
	return candles
}

// fakeParamStore keeps parameters in memory.
type fakeParamStore struct {
	mtx       sync.Mutex
	ints      map[string]int64
	strings   map[string]string
	truncated int
}

func newFakeParamStore() *fakeParamStore {
	return &fakeParamStore{ints: make(map[string]int64), strings: make(map[string]string)}
}

func (s *fakeParamStore) Param(_ context.Context, name string) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.ints[name], nil
}

func (s *fakeParamStore) SetParam(_ context.Context, name string, value int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.ints[name] = value
	return nil
}

func (s *fakeParamStore) StringParam(_ context.Context, name string) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.strings[name], nil
}

func (s *fakeParamStore) SetStringParam(_ context.Context, name string, value string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.strings[name] = value
	return nil
}

func (s *fakeParamStore) TruncateParams(_ context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.ints = make(map[string]int64)
	s.strings = make(map[string]string)
	s.truncated++
	return nil
}

func (s *fakeParamStore) intParam(name string) int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.ints[name]
}

// fakePriceSource serves price rows from in-memory slices, paginating the
// way the backing store does and counting fetch calls.
type fakePriceSource struct {
	mtx                 sync.Mutex
	resourcePrices      []*shared.ResourcePrice
	marketPrices        []*shared.MarketPrice
	groups              []*shared.MarketGroup
	resourceFetchCalls  int
	marketFetchCalls    int
	lastResourceParams  *shared.ResourcePriceParams
}

func (s *fakePriceSource) ResourcePrices(_ context.Context, params *shared.ResourcePriceParams) ([]*shared.ResourcePrice, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.resourceFetchCalls++
	s.lastResourceParams = params

	var page []*shared.ResourcePrice
	for _, price := range s.resourcePrices {
		if price.Timestamp <= params.InitialTimestamp {
			continue
		}
		if params.ResourceSlug != "" && price.ResourceSlug != params.ResourceSlug {
			continue
		}
		if params.EndTimestamp > 0 && price.Timestamp > params.EndTimestamp {
			continue
		}
		page = append(page, price)
	}

	hasMore := false
	if params.Quantity > 0 && len(page) > params.Quantity {
		page = page[:params.Quantity]
		hasMore = true
	}

	return page, hasMore, nil
}

func (s *fakePriceSource) ResourcePricesCount(_ context.Context, params *shared.ResourcePriceParams) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var count int64
	for _, price := range s.resourcePrices {
		if price.Timestamp > params.InitialTimestamp {
			count++
		}
	}
	return count, nil
}

func (s *fakePriceSource) MarketPrices(_ context.Context, params *shared.MarketPriceParams) ([]*shared.MarketPrice, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.marketFetchCalls++

	var page []*shared.MarketPrice
	for _, price := range s.marketPrices {
		if price.Timestamp <= params.InitialTimestamp {
			continue
		}
		if params.EndTimestamp > 0 && price.Timestamp > params.EndTimestamp {
			continue
		}
		page = append(page, price)
	}

	hasMore := false
	if params.Quantity > 0 && len(page) > params.Quantity {
		page = page[:params.Quantity]
		hasMore = true
	}

	return page, hasMore, nil
}

func (s *fakePriceSource) MarketPricesCount(_ context.Context, initialTimestamp int64) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var count int64
	for _, price := range s.marketPrices {
		if price.Timestamp > initialTimestamp {
			count++
		}
	}
	return count, nil
}

func (s *fakePriceSource) MarketGroups(_ context.Context) ([]*shared.MarketGroup, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.groups, nil
}

func (s *fakePriceSource) fetchCalls() (int, int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.resourceFetchCalls, s.marketFetchCalls
}
