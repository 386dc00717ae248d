package retrieve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/candlecache/shared"
	"github.com/dnldd/candlecache/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// directoryRefreshInterval bounds how long the retriever serves market
// lookups from a stale directory before refetching it.
const directoryRefreshInterval = time.Minute * 5

// CandleData represents one response candle.
type CandleData struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
}

// CandleResponse represents a windowed candle query response.
type CandleResponse struct {
	Data []CandleData `json:"data"`
	// LastUpdateTimestamp is the last update time of the newest candle
	// backing the response, zero when the response is empty.
	LastUpdateTimestamp int64 `json:"lastUpdateTimestamp"`
}

// RetrieverConfig represents the candle retriever configuration.
type RetrieverConfig struct {
	// Candles is the persisted candle store.
	Candles shared.CandleStore
	// Prices supplies the market directory.
	Prices shared.PriceSource
	// Intervals is the set of valid candle intervals in seconds.
	Intervals []int64
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config has sane inputs.
func (cfg *RetrieverConfig) Validate() error {
	var errs error

	if cfg.Candles == nil {
		errs = errors.Join(errs, fmt.Errorf("candle store cannot be nil"))
	}
	if cfg.Prices == nil {
		errs = errors.Join(errs, fmt.Errorf("price source cannot be nil"))
	}
	if len(cfg.Intervals) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no candle intervals provided"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Retriever serves windowed candle queries over the persisted cache, with
// the gap filling policy each candle family calls for.
type Retriever struct {
	cfg     *RetrieverConfig
	markets *store.MarketInfoStore

	mtx         sync.Mutex
	lastRefresh time.Time
}

// NewRetriever initializes a new candle retriever.
func NewRetriever(cfg *RetrieverConfig) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating retriever config: %w", err)
	}

	return &Retriever{
		cfg:     cfg,
		markets: store.NewMarketInfoStore(),
	}, nil
}

// checkInterval asserts the provided interval is one of the configured set.
func (r *Retriever) checkInterval(interval int64) error {
	for _, candidate := range r.cfg.Intervals {
		if candidate == interval {
			return nil
		}
	}

	return fmt.Errorf("invalid interval %d", interval)
}

// refreshDirectoryIfNeeded refetches the market directory when it is stale.
func (r *Retriever) refreshDirectoryIfNeeded(ctx context.Context) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if !r.lastRefresh.IsZero() && time.Since(r.lastRefresh) < directoryRefreshInterval {
		return nil
	}

	groups, err := r.cfg.Prices.MarketGroups(ctx)
	if err != nil {
		return fmt.Errorf("refreshing market directory: %w", err)
	}

	r.markets.UpdateMarketInfo(groups)
	r.lastRefresh = time.Now()
	return nil
}

// lookupMarket resolves a market through the directory by its public
// coordinates, refreshing the directory when stale.
func (r *Retriever) lookupMarket(ctx context.Context, chainID int64, address string, marketID int64) (*shared.MarketInfo, error) {
	if err := r.refreshDirectoryIfNeeded(ctx); err != nil {
		return nil, err
	}

	info := r.markets.MarketInfoByChainAndAddress(chainID, address, marketID)
	if info == nil {
		return nil, fmt.Errorf("market not found for chain %d, address %s, market id %d",
			chainID, address, marketID)
	}

	return info, nil
}

// fillPolicy selects the response shaping per candle family.
type fillPolicy struct {
	// carryForward fills interior gaps with the last known close.
	carryForward bool
	// leadingZeroes fills buckets before the first candle with zeroes.
	leadingZeroes bool
	// cumulative substitutes the running usage total for all four prices.
	cumulative bool
}

// shapeResponse converts persisted candles into a response series for the
// requested range, applying the provided fill policy. Candles are expected
// in ascending timestamp order on interval boundaries.
func shapeResponse(candles []*shared.Candle, from int64, to int64, interval int64, policy fillPolicy) *CandleResponse {
	if len(candles) == 0 {
		return &CandleResponse{Data: []CandleData{}}
	}

	entries := make([]CandleData, 0, len(candles))
	for _, candle := range candles {
		entry := CandleData{
			Timestamp: candle.Timestamp,
			Open:      candle.Open,
			High:      candle.High,
			Low:       candle.Low,
			Close:     candle.Close,
		}
		if policy.cumulative {
			entry.Open = candle.SumUsed
			entry.High = candle.SumUsed
			entry.Low = candle.SumUsed
			entry.Close = candle.SumUsed
		}
		entries = append(entries, entry)
	}

	lastUpdate := candles[len(candles)-1].LastUpdatedTimestamp

	if !policy.carryForward && !policy.leadingZeroes {
		return &CandleResponse{Data: entries, LastUpdateTimestamp: lastUpdate}
	}

	windowFrom, windowTo := shared.TimeWindow(from, to, interval)

	filled := make([]CandleData, 0, (windowTo-windowFrom)/interval)
	lastKnown := decimal.Zero

	if policy.leadingZeroes {
		for t := windowFrom; t < entries[0].Timestamp; t += interval {
			filled = append(filled, CandleData{Timestamp: t,
				Open: decimal.Zero, High: decimal.Zero, Low: decimal.Zero, Close: decimal.Zero})
		}
	}

	idx := 0
	for t := entries[0].Timestamp; t < windowTo; t += interval {
		for idx < len(entries) && entries[idx].Timestamp < t {
			idx++
		}

		switch {
		case idx < len(entries) && entries[idx].Timestamp == t:
			filled = append(filled, entries[idx])
			lastKnown = entries[idx].Close
		case policy.carryForward:
			filled = append(filled, CandleData{Timestamp: t,
				Open: lastKnown, High: lastKnown, Low: lastKnown, Close: lastKnown})
		}
	}

	return &CandleResponse{Data: filled, LastUpdateTimestamp: lastUpdate}
}

// ResourcePrices serves resource candles for the provided range. Interior
// gaps carry the last close forward and buckets before the first candle are
// zero filled.
func (r *Retriever) ResourcePrices(ctx context.Context, resourceSlug string, from int64, to int64, interval int64) (*CandleResponse, error) {
	if err := r.checkInterval(interval); err != nil {
		return nil, err
	}

	windowFrom, windowTo := shared.TimeWindow(from, to, interval)
	candles, err := r.cfg.Candles.Candles(ctx, &shared.CandleQuery{
		Type:         shared.ResourceCandle,
		ResourceSlug: resourceSlug,
		Interval:     interval,
		From:         windowFrom,
		To:           windowTo,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching resource candles: %w", err)
	}

	return shapeResponse(candles, from, to, interval,
		fillPolicy{carryForward: true, leadingZeroes: true}), nil
}

// IndexPrices serves index candles for the provided market coordinates and
// range. Gaps are not filled, and cumulative markets report the running
// usage total in place of the ratio prices.
func (r *Retriever) IndexPrices(ctx context.Context, chainID int64, address string, marketID int64, from int64, to int64, interval int64) (*CandleResponse, error) {
	if err := r.checkInterval(interval); err != nil {
		return nil, err
	}

	info, err := r.lookupMarket(ctx, chainID, address, marketID)
	if err != nil {
		return nil, err
	}

	windowFrom, windowTo := shared.TimeWindow(from, to, interval)
	candles, err := r.cfg.Candles.Candles(ctx, &shared.CandleQuery{
		Type:      shared.IndexCandle,
		MarketIdx: info.MarketIdx,
		Interval:  interval,
		From:      windowFrom,
		To:        windowTo,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching index candles: %w", err)
	}

	return shapeResponse(candles, from, to, interval,
		fillPolicy{cumulative: info.IsCumulative}), nil
}

// TrailingAvgPrices serves trailing average candles for the provided
// resource, window and range. Buckets before the first candle are zero
// filled, interior gaps are left out.
func (r *Retriever) TrailingAvgPrices(ctx context.Context, resourceSlug string, from int64, to int64, interval int64, trailingAvgTime int64) (*CandleResponse, error) {
	if err := r.checkInterval(interval); err != nil {
		return nil, err
	}

	candles, err := r.cfg.Candles.Candles(ctx, &shared.CandleQuery{
		Type:            shared.TrailingAvgCandle,
		ResourceSlug:    resourceSlug,
		Interval:        interval,
		TrailingAvgTime: trailingAvgTime,
		From:            from,
		To:              to,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching trailing avg candles: %w", err)
	}

	return shapeResponse(candles, from, to, interval,
		fillPolicy{leadingZeroes: true}), nil
}

// MarketPrices serves market candles for the provided market coordinates
// and range. Interior gaps carry the last close forward and buckets before
// the first candle are zero filled.
func (r *Retriever) MarketPrices(ctx context.Context, chainID int64, address string, marketID int64, from int64, to int64, interval int64) (*CandleResponse, error) {
	if err := r.checkInterval(interval); err != nil {
		return nil, err
	}

	info, err := r.lookupMarket(ctx, chainID, address, marketID)
	if err != nil {
		return nil, err
	}

	candles, err := r.cfg.Candles.Candles(ctx, &shared.CandleQuery{
		Type:      shared.MarketCandle,
		MarketIdx: info.MarketIdx,
		Interval:  interval,
		From:      from,
		To:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching market candles: %w", err)
	}

	return shapeResponse(candles, from, to, interval,
		fillPolicy{carryForward: true, leadingZeroes: true}), nil
}
