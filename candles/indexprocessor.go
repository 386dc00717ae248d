package candles

import (
	"context"
	"errors"
	"fmt"

	"github.com/dnldd/candlecache/shared"
	"github.com/dnldd/candlecache/store"
	"github.com/shopspring/decimal"
)

// IndexProcessorConfig represents the index candle processor configuration.
type IndexProcessorConfig struct {
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
func (cfg *IndexProcessorConfig) Validate() error {
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

// IndexProcessor builds index candles from raw resource price events. Index
// candles track the running fee to usage ratio per market, accumulated since
// tracking began, for every market backed by the event's resource.
type IndexProcessor struct {
	cfg *IndexProcessorConfig
}

// NewIndexProcessor initializes a new index candle processor.
func NewIndexProcessor(cfg *IndexProcessorConfig) (*IndexProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating index processor config: %w", err)
	}

	return &IndexProcessor{cfg: cfg}, nil
}

// ProcessResourcePrice folds the provided price event into the open index
// candles of every market backed by the event's resource.
func (p *IndexProcessor) ProcessResourcePrice(ctx context.Context, price *shared.ResourcePrice, lastInBatch bool) error {
	for _, marketIdx := range p.cfg.Markets.MarketIndexesByResourceSlug(price.ResourceSlug) {
		info := p.cfg.Markets.MarketInfo(marketIdx)
		if info == nil {
			return fmt.Errorf("market %d not found", marketIdx)
		}

		active := p.cfg.Markets.IsMarketActive(marketIdx, price.Timestamp)

		for _, interval := range p.cfg.Intervals {
			bucketStart, bucketEnd := shared.CandleWindow(price.Timestamp, interval)
			current := p.cfg.Runtime.IndexCandle(marketIdx, interval)

			if !active {
				// A market that went inactive gets its open candle flushed
				// once its bucket rolls over, and is not extended further.
				// The runtime slot is cleared so it only flushes once.
				if current != nil && current.LastUpdatedTimestamp < price.Timestamp &&
					current.Timestamp < bucketStart {
					if err := p.cfg.Persist(ctx, current); err != nil {
						return err
					}
					p.cfg.Runtime.SetIndexCandle(marketIdx, interval, nil)
				}
				continue
			}

			seed := func() *shared.Candle {
				sumUsed, sumFeePaid := accumulate(current, price)
				ratio := shared.Ratio(sumFeePaid, sumUsed)
				return &shared.Candle{
					Type:                 shared.IndexCandle,
					Interval:             interval,
					MarketIdx:            marketIdx,
					MarketID:             info.MarketID,
					ResourceSlug:         info.ResourceSlug,
					Address:              info.MarketGroupAddress,
					ChainID:              info.MarketGroupChainID,
					Timestamp:            bucketStart,
					EndTimestamp:         bucketEnd,
					LastUpdatedTimestamp: price.Timestamp,
					Open:                 ratio,
					High:                 ratio,
					Low:                  ratio,
					Close:                ratio,
					SumUsed:              sumUsed,
					SumFeePaid:           sumFeePaid,
				}
			}
			update := func(candle *shared.Candle) {
				sumUsed, sumFeePaid := accumulate(candle, price)
				ratio := shared.Ratio(sumFeePaid, sumUsed)
				candle.High = ratio
				candle.Low = ratio
				candle.Close = ratio
				candle.SumUsed = sumUsed
				candle.SumFeePaid = sumFeePaid
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
				p.cfg.Runtime.SetIndexCandle(marketIdx, interval, candle)
			}

			if lastInBatch {
				if err := p.cfg.Persist(ctx, candle); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// accumulate extends the accumulate-forever totals of the provided candle
// with one event's contribution. A nil candle starts the totals from zero.
func accumulate(candle *shared.Candle, price *shared.ResourcePrice) (decimal.Decimal, decimal.Decimal) {
	sumUsed := price.Used
	sumFeePaid := price.FeePaid
	if candle != nil {
		sumUsed = candle.SumUsed.Add(price.Used)
		sumFeePaid = candle.SumFeePaid.Add(price.FeePaid)
	}

	return sumUsed, sumFeePaid
}
