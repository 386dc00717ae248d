package store

import (
	"github.com/dnldd/candlecache/shared"
	"github.com/shopspring/decimal"
)

const (
	// retainedEntriesThreshold is the number of fully evicted ledger entries
	// tolerated before the ledger is truncated and pointers are rebased.
	// Rebasing on every insert would be quadratic over a build.
	retainedEntriesThreshold = 100_000
)

// TrailingSums represents the running aggregates for one trailing window.
type TrailingSums struct {
	SumUsed               decimal.Decimal
	SumFeePaid            decimal.Decimal
	StartOfTrailingWindow int64
}

// windowState tracks the running sums and eviction pointer for one
// configured trailing window length.
type windowState struct {
	sums    TrailingSums
	pointer int
}

// resourceHistory is the sliding window ledger for a single resource.
type resourceHistory struct {
	prices  []shared.PricePoint
	windows map[int64]*windowState
}

// TrailingAvgHistoryStore maintains a per resource chronological ledger of
// raw observations with amortized O(1) eviction per configured trailing
// window. All sums are exact decimal arithmetic.
type TrailingAvgHistoryStore struct {
	history map[string]*resourceHistory
}

// NewTrailingAvgHistoryStore initializes a new trailing average history store.
func NewTrailingAvgHistoryStore() *TrailingAvgHistoryStore {
	return &TrailingAvgHistoryStore{
		history: make(map[string]*resourceHistory),
	}
}

// IsEmpty reports whether no resource has any history yet.
func (s *TrailingAvgHistoryStore) IsEmpty() bool {
	return len(s.history) == 0
}

// CleanAll discards all accumulated history.
func (s *TrailingAvgHistoryStore) CleanAll() {
	s.history = make(map[string]*resourceHistory)
}

// AddPrice appends an observation to the resource's ledger and updates the
// running sums for every provided trailing window length. Observations at or
// before the resource's newest ledger entry are ignored, which makes replays
// of already processed rows after a crash restart harmless.
func (s *TrailingAvgHistoryStore) AddPrice(resourceSlug string, point shared.PricePoint, trailingAvgTimes []int64) {
	hist := s.history[resourceSlug]
	if hist == nil {
		hist = &resourceHistory{
			windows: make(map[int64]*windowState),
		}
		s.history[resourceSlug] = hist
	}

	if n := len(hist.prices); n > 0 && point.Timestamp <= hist.prices[n-1].Timestamp {
		return
	}

	hist.prices = append(hist.prices, point)

	for _, trailingAvgTime := range trailingAvgTimes {
		window := hist.windows[trailingAvgTime]
		if window == nil {
			window = &windowState{
				sums: TrailingSums{
					SumUsed:               decimal.Zero,
					SumFeePaid:            decimal.Zero,
					StartOfTrailingWindow: point.Timestamp,
				},
			}
			hist.windows[trailingAvgTime] = window
		}

		window.sums.SumUsed = window.sums.SumUsed.Add(point.Used)
		window.sums.SumFeePaid = window.sums.SumFeePaid.Add(point.Fee)

		// Evict every entry that fell out of the trailing window.
		cutoff := point.Timestamp - trailingAvgTime
		for window.pointer < len(hist.prices) && hist.prices[window.pointer].Timestamp <= cutoff {
			old := hist.prices[window.pointer]
			window.sums.SumUsed = window.sums.SumUsed.Sub(old.Used)
			window.sums.SumFeePaid = window.sums.SumFeePaid.Sub(old.Fee)
			window.pointer++
		}

		if window.pointer < len(hist.prices) {
			window.sums.StartOfTrailingWindow = hist.prices[window.pointer].Timestamp
		}
	}

	s.truncate(hist)
}

// Sums fetches the running aggregates for the provided resource and trailing
// window, zero valued defaults if either is unknown.
func (s *TrailingAvgHistoryStore) Sums(resourceSlug string, trailingAvgTime int64) TrailingSums {
	hist := s.history[resourceSlug]
	if hist == nil {
		return TrailingSums{SumUsed: decimal.Zero, SumFeePaid: decimal.Zero}
	}

	window := hist.windows[trailingAvgTime]
	if window == nil {
		return TrailingSums{SumUsed: decimal.Zero, SumFeePaid: decimal.Zero}
	}

	return window.sums
}

// truncate drops fully evicted ledger entries and rebases the window
// pointers once every window has moved past the retention threshold.
func (s *TrailingAvgHistoryStore) truncate(hist *resourceHistory) {
	earliest := len(hist.prices)
	for _, window := range hist.windows {
		if window.pointer < earliest {
			earliest = window.pointer
		}
	}

	if earliest <= retainedEntriesThreshold {
		return
	}

	hist.prices = append([]shared.PricePoint(nil), hist.prices[earliest:]...)
	for _, window := range hist.windows {
		window.pointer -= earliest
	}
}
