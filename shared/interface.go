package shared

import (
	"context"
)

// ResourcePriceParams represents the filters for a paginated resource price fetch.
type ResourcePriceParams struct {
	// InitialTimestamp fetches rows with a strictly greater timestamp.
	InitialTimestamp int64
	// Quantity is the maximum number of rows per page.
	Quantity int
	// ResourceSlug optionally restricts the fetch to one resource.
	ResourceSlug string
	// EndTimestamp optionally bounds the fetch range from above, inclusive.
	EndTimestamp int64
}

// MarketPriceParams represents the filters for a paginated market price fetch.
type MarketPriceParams struct {
	InitialTimestamp int64
	Quantity         int
	EndTimestamp     int64
}

// CandleQuery represents the composite key filters for candle lookups.
type CandleQuery struct {
	Type            CandleType
	Interval        int64
	ResourceSlug    string
	MarketIdx       int64
	TrailingAvgTime int64
	// From and To bound range queries, inclusive on both ends.
	From int64
	To   int64
}

// CandleStore defines the requirements for persisting and querying cached candles.
type CandleStore interface {
	// SaveCandle upserts the provided candle by its natural composite key.
	SaveCandle(ctx context.Context, candle *Candle) error
	// LastCandle fetches the most recent candle matching the provided query.
	LastCandle(ctx context.Context, query *CandleQuery) (*Candle, error)
	// Candles fetches candles in the provided query range, timestamp ascending.
	Candles(ctx context.Context, query *CandleQuery) ([]*Candle, error)
	// TruncateCandles empties the persisted candle table.
	TruncateCandles(ctx context.Context) error
}

// ParamStore defines the requirements for persisting checkpoints, flags and
// status parameters.
type ParamStore interface {
	// Param fetches the named integer parameter, zero if absent.
	Param(ctx context.Context, name string) (int64, error)
	// SetParam upserts the named integer parameter.
	SetParam(ctx context.Context, name string, value int64) error
	// StringParam fetches the named string parameter, empty if absent.
	StringParam(ctx context.Context, name string) (string, error)
	// SetStringParam upserts the named string parameter.
	SetStringParam(ctx context.Context, name string, value string) error
	// TruncateParams empties the persisted parameters table.
	TruncateParams(ctx context.Context) error
}

// PriceSource defines the requirements for streaming raw price events and
// the market directory from the backing store.
type PriceSource interface {
	// ResourcePrices fetches one page of resource prices, timestamp
	// ascending, reporting whether more pages remain.
	ResourcePrices(ctx context.Context, params *ResourcePriceParams) ([]*ResourcePrice, bool, error)
	// ResourcePricesCount counts resource prices matching the provided filters.
	ResourcePricesCount(ctx context.Context, params *ResourcePriceParams) (int64, error)
	// MarketPrices fetches one page of reduced market prices, timestamp
	// ascending, reporting whether more pages remain.
	MarketPrices(ctx context.Context, params *MarketPriceParams) ([]*MarketPrice, bool, error)
	// MarketPricesCount counts market prices with a timestamp greater than
	// the provided one.
	MarketPricesCount(ctx context.Context, initialTimestamp int64) (int64, error)
	// MarketGroups fetches all market groups with their nested markets and
	// resource affiliations.
	MarketGroups(ctx context.Context) ([]*MarketGroup, error)
}
