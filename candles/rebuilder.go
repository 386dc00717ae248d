package candles

import (
	"context"
	"fmt"

	"github.com/dnldd/candlecache/shared"
)

// PriceFilter narrows a rebuild to a resource or a time range. Zero values
// leave the corresponding dimension unbounded.
type PriceFilter struct {
	// ResourceSlug restricts resource price fetches to one resource.
	ResourceSlug string
	// StartTimestamp restricts fetches to rows at or after it.
	StartTimestamp int64
	// EndTimestamp restricts fetches to rows at or before it.
	EndTimestamp int64
}

// filteredPriceSource wraps a price source, folding a filter into every
// fetch so a rebuild only sees the rows inside its scope.
type filteredPriceSource struct {
	source shared.PriceSource
	filter *PriceFilter
}

// Ensure filteredPriceSource implements shared.PriceSource.
var _ shared.PriceSource = (*filteredPriceSource)(nil)

func (f *filteredPriceSource) apply(params *shared.ResourcePriceParams) *shared.ResourcePriceParams {
	scoped := *params
	if f.filter.ResourceSlug != "" {
		scoped.ResourceSlug = f.filter.ResourceSlug
	}
	// InitialTimestamp is a strictly greater bound, back off by one so the
	// filter start itself is included.
	if f.filter.StartTimestamp > 0 && scoped.InitialTimestamp < f.filter.StartTimestamp-1 {
		scoped.InitialTimestamp = f.filter.StartTimestamp - 1
	}
	if f.filter.EndTimestamp > 0 {
		scoped.EndTimestamp = f.filter.EndTimestamp
	}
	return &scoped
}

func (f *filteredPriceSource) ResourcePrices(ctx context.Context, params *shared.ResourcePriceParams) ([]*shared.ResourcePrice, bool, error) {
	return f.source.ResourcePrices(ctx, f.apply(params))
}

func (f *filteredPriceSource) ResourcePricesCount(ctx context.Context, params *shared.ResourcePriceParams) (int64, error) {
	return f.source.ResourcePricesCount(ctx, f.apply(params))
}

func (f *filteredPriceSource) MarketPrices(ctx context.Context, params *shared.MarketPriceParams) ([]*shared.MarketPrice, bool, error) {
	scoped := *params
	// InitialTimestamp is a strictly greater bound, back off by one so the
	// filter start itself is included.
	if f.filter.StartTimestamp > 0 && scoped.InitialTimestamp < f.filter.StartTimestamp-1 {
		scoped.InitialTimestamp = f.filter.StartTimestamp - 1
	}
	if f.filter.EndTimestamp > 0 {
		scoped.EndTimestamp = f.filter.EndTimestamp
	}
	return f.source.MarketPrices(ctx, &scoped)
}

func (f *filteredPriceSource) MarketPricesCount(ctx context.Context, initialTimestamp int64) (int64, error) {
	if f.filter.StartTimestamp-1 > initialTimestamp {
		initialTimestamp = f.filter.StartTimestamp - 1
	}
	return f.source.MarketPricesCount(ctx, initialTimestamp)
}

func (f *filteredPriceSource) MarketGroups(ctx context.Context) ([]*shared.MarketGroup, error) {
	return f.source.MarketGroups(ctx)
}

// scopedParamStore drops checkpoint writes. A rebuild limited to one
// resource or time range must not advance the global checkpoints, the
// incremental builder would then skip rows outside the rebuild's scope.
type scopedParamStore struct {
	shared.ParamStore
}

func (s *scopedParamStore) SetParam(ctx context.Context, name string, value int64) error {
	if name == LastProcessedResourcePriceParam || name == LastProcessedMarketPriceParam {
		return nil
	}
	return s.ParamStore.SetParam(ctx, name, value)
}

// RebuilderConfig represents the rebuilder configuration.
type RebuilderConfig = BuilderConfig

// Rebuilder reprocesses raw prices from the beginning of time, optionally
// scoped to a resource or a time range. Rebuilt candles overwrite the
// persisted rows they correspond to.
type Rebuilder struct {
	cfg *RebuilderConfig
}

// NewRebuilder initializes a new candle rebuilder.
func NewRebuilder(cfg *RebuilderConfig) (*Rebuilder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating rebuilder config: %w", err)
	}

	return &Rebuilder{cfg: cfg}, nil
}

// rebuild runs a full build pass from timestamp zero over the filtered
// price feed. Each rebuild gets fresh in-memory stores so prior state
// cannot leak into the reprocessed candles.
func (r *Rebuilder) rebuild(ctx context.Context, filter *PriceFilter) error {
	cfg := *r.cfg
	cfg.Prices = &filteredPriceSource{source: r.cfg.Prices, filter: filter}
	// A rebuild re-derives trailing history from scratch.
	cfg.PreFillLookback = 0
	if filter.ResourceSlug != "" || filter.StartTimestamp > 0 || filter.EndTimestamp > 0 {
		cfg.Params = &scopedParamStore{ParamStore: r.cfg.Params}
	}

	builder, err := NewBuilder(&cfg)
	if err != nil {
		return err
	}

	if err := builder.RefreshMarketDirectory(ctx); err != nil {
		return err
	}
	if err := builder.ProcessMarketPrices(ctx, 0); err != nil {
		return err
	}
	if err := builder.ProcessResourcePrices(ctx, 0); err != nil {
		return err
	}

	return builder.FlushAll(ctx)
}

// RebuildAllCandles reprocesses every raw price row into candles.
func (r *Rebuilder) RebuildAllCandles(ctx context.Context) error {
	r.cfg.Logger.Info().Msg("rebuilding all candles")
	return r.rebuild(ctx, &PriceFilter{})
}

// RebuildResourceCandles reprocesses candles for a single resource.
func (r *Rebuilder) RebuildResourceCandles(ctx context.Context, resourceSlug string) error {
	r.cfg.Logger.Info().Msgf("rebuilding candles for resource %s", resourceSlug)
	return r.rebuild(ctx, &PriceFilter{ResourceSlug: resourceSlug})
}

// RebuildCandlesInRange reprocesses candles whose source rows fall inside
// the provided inclusive time range.
func (r *Rebuilder) RebuildCandlesInRange(ctx context.Context, startTimestamp int64, endTimestamp int64) error {
	r.cfg.Logger.Info().Msgf("rebuilding candles from %d to %d", startTimestamp, endTimestamp)
	return r.rebuild(ctx, &PriceFilter{StartTimestamp: startTimestamp, EndTimestamp: endTimestamp})
}
