package candles

import (
	"context"
	"errors"
	"fmt"

	"github.com/dnldd/candlecache/shared"
	"github.com/dnldd/candlecache/store"
	"github.com/shopspring/decimal"
)

// MarketProcessorConfig represents the market candle processor configuration.
type MarketProcessorConfig struct {
	// Runtime holds the open candles being built.
	Runtime *store.RuntimeCandleStore
	// Markets is the market metadata directory.
	Markets *store.MarketInfoStore
	// Persist persists closed or batch boundary candles.
	Persist PersistFunc
	// Intervals is the configured set of candle intervals in seconds.
	Intervals []int64
}

// Validate asserts the config has sane inputs.
func (cfg *MarketProcessorConfig) Validate() error {
	var errs error

	if cfg.Runtime == nil {
		errs = errors.Join(errs, fmt.Errorf("runtime candle store cannot be nil"))
	}
	if cfg.Markets == nil {
		errs = errors.Join(errs, fmt.Errorf("market info store cannot be nil"))
	}
	if cfg.Persist == nil {
		errs = errors.Join(errs, fmt.Errorf("persist function cannot be nil"))
	}
	if len(cfg.Intervals) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no candle intervals provided"))
	}

	return errs
}

// MarketProcessor builds OHLC candles per market from reduced market price
// events.
type MarketProcessor struct {
	cfg *MarketProcessorConfig
}

// NewMarketProcessor initializes a new market candle processor.
func NewMarketProcessor(cfg *MarketProcessorConfig) (*MarketProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating market processor config: %w", err)
	}

	return &MarketProcessor{cfg: cfg}, nil
}

// ProcessMarketPrice folds the provided market price event into the open
// market candles for every configured interval. A price referencing an
// unknown market is a data integrity error and aborts the batch, it signals
// a directory refresh ordering bug upstream.
func (p *MarketProcessor) ProcessMarketPrice(ctx context.Context, price *shared.MarketPrice, lastInBatch bool) error {
	info := p.cfg.Markets.MarketInfo(price.MarketIdx)
	if info == nil {
		return fmt.Errorf("market %d not found", price.MarketIdx)
	}

	for _, interval := range p.cfg.Intervals {
		bucketStart, bucketEnd := shared.CandleWindow(price.Timestamp, interval)
		current := p.cfg.Runtime.MarketCandle(price.MarketIdx, interval)

		seed := func() *shared.Candle {
			return &shared.Candle{
				Type:                 shared.MarketCandle,
				Interval:             interval,
				MarketIdx:            price.MarketIdx,
				MarketID:             info.MarketID,
				ResourceSlug:         info.ResourceSlug,
				Address:              info.MarketGroupAddress,
				ChainID:              info.MarketGroupChainID,
				Timestamp:            bucketStart,
				EndTimestamp:         bucketEnd,
				LastUpdatedTimestamp: price.Timestamp,
				Open:                 price.Value,
				High:                 price.Value,
				Low:                  price.Value,
				Close:                price.Value,
			}
		}
		update := func(candle *shared.Candle) {
			candle.High = decimal.Max(candle.High, price.Value)
			candle.Low = decimal.Min(candle.Low, price.Value)
			candle.Close = price.Value
			candle.LastUpdatedTimestamp = price.Timestamp
		}

		candle, result, err := advanceSeries(ctx, current, bucketStart, price.Timestamp,
			p.cfg.Persist, seed, update)
		if err != nil {
			return err
		}

		switch result {
		case outcomeSkipped:
			continue
		case outcomeCreated, outcomeRolled:
			p.cfg.Runtime.SetMarketCandle(price.MarketIdx, interval, candle)
		}

		if lastInBatch {
			if err := p.cfg.Persist(ctx, candle); err != nil {
				return err
			}
		}
	}

	return nil
}
