package candles

import (
	"context"
	"errors"
	"fmt"

	"github.com/dnldd/candlecache/shared"
	"github.com/dnldd/candlecache/store"
)

// TrailingAvgProcessorConfig represents the trailing average candle
// processor configuration.
type TrailingAvgProcessorConfig struct {
	// Runtime holds the open candles being built.
	Runtime *store.RuntimeCandleStore
	// History is the trailing window ledger supplying the current sums.
	History *store.TrailingAvgHistoryStore
	// Persist persists closed or batch boundary candles.
	Persist PersistFunc
	// Intervals is the configured set of candle intervals in seconds.
	Intervals []int64
}

// Validate asserts the config has sane inputs.
func (cfg *TrailingAvgProcessorConfig) Validate() error {
	var errs error

	if cfg.Runtime == nil {
		errs = errors.Join(errs, fmt.Errorf("runtime candle store cannot be nil"))
	}
	if cfg.History == nil {
		errs = errors.Join(errs, fmt.Errorf("trailing history store cannot be nil"))
	}
	if cfg.Persist == nil {
		errs = errors.Join(errs, fmt.Errorf("persist function cannot be nil"))
	}
	if len(cfg.Intervals) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no candle intervals provided"))
	}

	return errs
}

// TrailingAvgProcessor builds trailing average candles from raw resource
// price events. Each configured trailing window gets its own independent set
// of per interval candles carrying the window's fee to usage ratio.
type TrailingAvgProcessor struct {
	cfg *TrailingAvgProcessorConfig
}

// NewTrailingAvgProcessor initializes a new trailing average candle processor.
func NewTrailingAvgProcessor(cfg *TrailingAvgProcessorConfig) (*TrailingAvgProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating trailing avg processor config: %w", err)
	}

	return &TrailingAvgProcessor{cfg: cfg}, nil
}

// ProcessResourcePrice folds the provided price event into the open trailing
// average candles for the provided trailing window across every configured
// interval. The event is expected to already be recorded in the history
// store so the window sums reflect it.
func (p *TrailingAvgProcessor) ProcessResourcePrice(ctx context.Context, price *shared.ResourcePrice, trailingAvgTime int64, lastInBatch bool) error {
	sums := p.cfg.History.Sums(price.ResourceSlug, trailingAvgTime)
	ratio := shared.Ratio(sums.SumFeePaid, sums.SumUsed)

	for _, interval := range p.cfg.Intervals {
		bucketStart, bucketEnd := shared.CandleWindow(price.Timestamp, interval)
		current := p.cfg.Runtime.TrailingAvgCandle(price.ResourceSlug, interval, trailingAvgTime)

		seed := func() *shared.Candle {
			return &shared.Candle{
				Type:                   shared.TrailingAvgCandle,
				Interval:               interval,
				ResourceSlug:           price.ResourceSlug,
				TrailingAvgTime:        trailingAvgTime,
				Timestamp:              bucketStart,
				EndTimestamp:           bucketEnd,
				LastUpdatedTimestamp:   price.Timestamp,
				Open:                   ratio,
				High:                   ratio,
				Low:                    ratio,
				Close:                  ratio,
				SumUsed:                sums.SumUsed,
				SumFeePaid:             sums.SumFeePaid,
				TrailingStartTimestamp: sums.StartOfTrailingWindow,
			}
		}
		update := func(candle *shared.Candle) {
			candle.Open = ratio
			candle.High = ratio
			candle.Low = ratio
			candle.Close = ratio
			candle.SumUsed = sums.SumUsed
			candle.SumFeePaid = sums.SumFeePaid
			candle.TrailingStartTimestamp = sums.StartOfTrailingWindow
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
			p.cfg.Runtime.SetTrailingAvgCandle(price.ResourceSlug, interval, trailingAvgTime, candle)
		}

		if lastInBatch {
			if err := p.cfg.Persist(ctx, candle); err != nil {
				return err
			}
		}
	}

	return nil
}
