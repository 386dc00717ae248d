package candles

import (
	"context"
	"fmt"

	"github.com/dnldd/candlecache/shared"
)

// IncrementalBuilderConfig represents the incremental builder configuration.
type IncrementalBuilderConfig = BuilderConfig

// IncrementalBuilder extends persisted candles forward from the stored
// checkpoints on every run. Its in-memory stores survive across runs so
// successive runs amortize the trailing history pre-fill.
type IncrementalBuilder struct {
	cfg     *IncrementalBuilderConfig
	builder *Builder
}

// NewIncrementalBuilder initializes a new incremental candle builder.
func NewIncrementalBuilder(cfg *IncrementalBuilderConfig) (*IncrementalBuilder, error) {
	builder, err := NewBuilder(cfg)
	if err != nil {
		return nil, err
	}

	return &IncrementalBuilder{cfg: cfg, builder: builder}, nil
}

// BuildCandles runs one incremental build pass: honor pending refresh flags,
// refresh the market directory, warm runtime candles from persisted state,
// stream both price feeds from their checkpoints and flush open candles.
func (b *IncrementalBuilder) BuildCandles(ctx context.Context) error {
	hardRefresh, err := b.cfg.Params.Param(ctx, HardRefreshParam)
	if err != nil {
		return fmt.Errorf("reading hard refresh flag: %w", err)
	}
	if hardRefresh != 0 {
		if err := b.builder.HardRefresh(ctx); err != nil {
			return fmt.Errorf("hard refreshing: %w", err)
		}
	}

	rebuildHistory, err := b.cfg.Params.Param(ctx, RebuildTrailingAvgHistoryParam)
	if err != nil {
		return fmt.Errorf("reading trailing history rebuild flag: %w", err)
	}
	if rebuildHistory != 0 {
		b.builder.history.CleanAll()
		if err := b.cfg.Params.SetParam(ctx, RebuildTrailingAvgHistoryParam, 0); err != nil {
			return fmt.Errorf("clearing trailing history rebuild flag: %w", err)
		}
	}

	if err := b.builder.RefreshMarketDirectory(ctx); err != nil {
		return err
	}
	if err := b.builder.WarmRuntimeCandles(ctx); err != nil {
		return err
	}

	marketCheckpoint, err := b.cfg.Params.Param(ctx, LastProcessedMarketPriceParam)
	if err != nil {
		return fmt.Errorf("reading market price checkpoint: %w", err)
	}
	if err := b.builder.ProcessMarketPrices(ctx, marketCheckpoint); err != nil {
		return err
	}

	resourceCheckpoint, err := b.cfg.Params.Param(ctx, LastProcessedResourcePriceParam)
	if err != nil {
		return fmt.Errorf("reading resource price checkpoint: %w", err)
	}
	if err := b.builder.ProcessResourcePrices(ctx, resourceCheckpoint); err != nil {
		return err
	}

	if err := b.builder.FlushAll(ctx); err != nil {
		return err
	}

	b.cfg.Logger.Info().Msg("incremental candle build complete")
	return nil
}

// RetrieveStatus fetches the persisted process status record. Malformed
// records read as inactive idle defaults.
func (b *IncrementalBuilder) RetrieveStatus(ctx context.Context) (*shared.ProcessStatus, error) {
	blob, err := b.cfg.Params.StringParam(ctx, RebuildStatusParam)
	if err != nil {
		return nil, fmt.Errorf("reading process status: %w", err)
	}

	status, err := shared.ParseProcessStatus(blob)
	if err != nil {
		b.cfg.Logger.Warn().Msgf("parsing process status, using defaults: %v", err)
		return &shared.ProcessStatus{
			BuilderStatus: shared.BuilderStatus{Status: shared.StatusIdle},
		}, nil
	}

	return status, nil
}
