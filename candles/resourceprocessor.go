package candles

import (
	"context"
	"errors"
	"fmt"

	"github.com/dnldd/candlecache/shared"
	"github.com/dnldd/candlecache/store"
	"github.com/shopspring/decimal"
)

// ResourceProcessorConfig represents the resource candle processor configuration.
type ResourceProcessorConfig struct {
	// Runtime holds the open candles being built.
	Runtime *store.RuntimeCandleStore
	// Persist persists closed or batch boundary candles.
	Persist PersistFunc
	// Intervals is the configured set of candle intervals in seconds.
	Intervals []int64
}

// Validate asserts the config has sane inputs.
func (cfg *ResourceProcessorConfig) Validate() error {
	var errs error

	if cfg.Runtime == nil {
		errs = errors.Join(errs, fmt.Errorf("runtime candle store cannot be nil"))
	}
	if cfg.Persist == nil {
		errs = errors.Join(errs, fmt.Errorf("persist function cannot be nil"))
	}
	if len(cfg.Intervals) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no candle intervals provided"))
	}

	return errs
}

// ResourceProcessor builds plain OHLC candles per resource from raw resource
// price events.
type ResourceProcessor struct {
	cfg *ResourceProcessorConfig
}

// NewResourceProcessor initializes a new resource candle processor.
func NewResourceProcessor(cfg *ResourceProcessorConfig) (*ResourceProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating resource processor config: %w", err)
	}

	return &ResourceProcessor{cfg: cfg}, nil
}

// ProcessResourcePrice folds the provided price event into the open resource
// candles for every configured interval.
func (p *ResourceProcessor) ProcessResourcePrice(ctx context.Context, price *shared.ResourcePrice, lastInBatch bool) error {
	for _, interval := range p.cfg.Intervals {
		bucketStart, bucketEnd := shared.CandleWindow(price.Timestamp, interval)
		current := p.cfg.Runtime.ResourceCandle(price.ResourceSlug, interval)

		seed := func() *shared.Candle {
			return &shared.Candle{
				Type:                 shared.ResourceCandle,
				Interval:             interval,
				ResourceSlug:         price.ResourceSlug,
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
			p.cfg.Runtime.SetResourceCandle(price.ResourceSlug, interval, candle)
		}

		// Flush the open candle at batch boundaries so no data is lost if
		// no further events arrive to trigger a rollover.
		if lastInBatch {
			if err := p.cfg.Persist(ctx, candle); err != nil {
				return err
			}
		}
	}

	return nil
}
