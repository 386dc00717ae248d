package candles

import (
	"context"

	"github.com/dnldd/candlecache/shared"
)

// PersistFunc persists a candle to the backing store.
type PersistFunc func(ctx context.Context, candle *shared.Candle) error

// outcome describes what the rollover state machine decided for one event.
type outcome int

const (
	// outcomeSkipped indicates a stale event mutated nothing.
	outcomeSkipped outcome = iota
	// outcomeCreated indicates a new open candle was seeded.
	outcomeCreated
	// outcomeRolled indicates the prior candle was persisted and a new open
	// candle was seeded for the next bucket.
	outcomeRolled
	// outcomeUpdated indicates the open candle was extended in place.
	outcomeUpdated
)

// advanceSeries applies the skip/rollover/update state machine shared by all
// candle families for a single candle key. seed creates a new open candle for
// the event's bucket and update folds the event into the open candle in
// place; family policy lives entirely in those two callbacks.
func advanceSeries(ctx context.Context, current *shared.Candle, bucketStart int64,
	eventTimestamp int64, persist PersistFunc, seed func() *shared.Candle,
	update func(candle *shared.Candle)) (*shared.Candle, outcome, error) {
	// A stale or out of order event mutates nothing.
	if current != nil && current.LastUpdatedTimestamp >= eventTimestamp {
		return current, outcomeSkipped, nil
	}

	// Rollover, the prior candle is final for its bucket and must be
	// persisted before the new bucket opens.
	if current != nil && current.Timestamp < bucketStart {
		if err := persist(ctx, current); err != nil {
			return nil, outcomeSkipped, err
		}

		return seed(), outcomeRolled, nil
	}

	if current == nil {
		return seed(), outcomeCreated, nil
	}

	update(current)
	return current, outcomeUpdated, nil
}
