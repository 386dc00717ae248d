package candles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/candlecache/shared"
	"github.com/dnldd/candlecache/store"
	"github.com/rs/zerolog"
)

const (
	// LastProcessedResourcePriceParam is the resource price checkpoint parameter.
	LastProcessedResourcePriceParam = "lastProcessedResourcePrice"
	// LastProcessedMarketPriceParam is the market price checkpoint parameter.
	LastProcessedMarketPriceParam = "lastProcessedMarketPrice"
	// HardRefreshParam requests a full wipe and rebuild on the next run.
	HardRefreshParam = "hardRefresh"
	// RebuildTrailingAvgHistoryParam requests the trailing history ledger be
	// discarded and backfilled on the next run.
	RebuildTrailingAvgHistoryParam = "rebuildTrailingAvgHistory"
	// RebuildStatusParam is the persisted process status parameter.
	RebuildStatusParam = "candleRebuildStatus"
)

// BuilderConfig represents the candle cache builder configuration.
type BuilderConfig struct {
	// Candles is the persisted candle store.
	Candles shared.CandleStore
	// Params is the persisted checkpoint and status parameter store.
	Params shared.ParamStore
	// Prices streams raw price events and the market directory.
	Prices shared.PriceSource
	// Intervals is the configured set of candle intervals in seconds.
	Intervals []int64
	// TrailingAvgTimes is the configured set of trailing window lengths in seconds.
	TrailingAvgTimes []int64
	// PreFillLookback widens the first resource price fetch when no trailing
	// history exists yet, so trailing windows have data behind the checkpoint.
	PreFillLookback int64
	// BatchSize is the page size for price fetches.
	BatchSize int
	// StatusInterval throttles per batch status writes.
	StatusInterval time.Duration
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config has sane inputs.
func (cfg *BuilderConfig) Validate() error {
	var errs error

	if cfg.Candles == nil {
		errs = errors.Join(errs, fmt.Errorf("candle store cannot be nil"))
	}
	if cfg.Params == nil {
		errs = errors.Join(errs, fmt.Errorf("param store cannot be nil"))
	}
	if cfg.Prices == nil {
		errs = errors.Join(errs, fmt.Errorf("price source cannot be nil"))
	}
	if len(cfg.Intervals) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no candle intervals provided"))
	}
	if len(cfg.TrailingAvgTimes) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no trailing average windows provided"))
	}
	if cfg.BatchSize <= 0 {
		errs = errors.Join(errs, fmt.Errorf("batch size must be positive"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Builder orchestrates batched streaming of raw prices through the candle
// processors. It owns the in-memory stores for one build run and persists
// finalized candles, checkpoints and a live status record.
type Builder struct {
	cfg                 *BuilderConfig
	runtime             *store.RuntimeCandleStore
	history             *store.TrailingAvgHistoryStore
	markets             *store.MarketInfoStore
	resourceProcessor   *ResourceProcessor
	marketProcessor     *MarketProcessor
	indexProcessor      *IndexProcessor
	trailingProcessor   *TrailingAvgProcessor
	lastStatusWriteTime time.Time
}

// NewBuilder initializes a new candle cache builder.
func NewBuilder(cfg *BuilderConfig) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating builder config: %w", err)
	}

	b := &Builder{cfg: cfg}
	if err := b.resetStores(); err != nil {
		return nil, err
	}

	return b, nil
}

// resetStores reconstructs all in-memory stores and rebinds the processors
// to them. Used at construction and on hard refresh.
func (b *Builder) resetStores() error {
	b.runtime = store.NewRuntimeCandleStore()
	b.history = store.NewTrailingAvgHistoryStore()
	b.markets = store.NewMarketInfoStore()

	persist := func(ctx context.Context, candle *shared.Candle) error {
		return b.cfg.Candles.SaveCandle(ctx, candle)
	}

	var err error
	b.resourceProcessor, err = NewResourceProcessor(&ResourceProcessorConfig{
		Runtime:   b.runtime,
		Persist:   persist,
		Intervals: b.cfg.Intervals,
	})
	if err != nil {
		return fmt.Errorf("creating resource processor: %w", err)
	}

	b.marketProcessor, err = NewMarketProcessor(&MarketProcessorConfig{
		Runtime:   b.runtime,
		Markets:   b.markets,
		Persist:   persist,
		Intervals: b.cfg.Intervals,
	})
	if err != nil {
		return fmt.Errorf("creating market processor: %w", err)
	}

	b.indexProcessor, err = NewIndexProcessor(&IndexProcessorConfig{
		Runtime:   b.runtime,
		Markets:   b.markets,
		Persist:   persist,
		Intervals: b.cfg.Intervals,
	})
	if err != nil {
		return fmt.Errorf("creating index processor: %w", err)
	}

	b.trailingProcessor, err = NewTrailingAvgProcessor(&TrailingAvgProcessorConfig{
		Runtime:   b.runtime,
		History:   b.history,
		Persist:   persist,
		Intervals: b.cfg.Intervals,
	})
	if err != nil {
		return fmt.Errorf("creating trailing avg processor: %w", err)
	}

	return nil
}

// publishStatus writes the builder's live status, merged into the persisted
// process level status record so fields owned by the process manager are not
// clobbered. Failures are logged and swallowed, observability must never
// abort a build.
func (b *Builder) publishStatus(ctx context.Context, status string, description string, force bool) {
	now := time.Now()
	if !force && b.cfg.StatusInterval > 0 && now.Sub(b.lastStatusWriteTime) < b.cfg.StatusInterval {
		return
	}
	b.lastStatusWriteTime = now

	blob, err := b.cfg.Params.StringParam(ctx, RebuildStatusParam)
	if err != nil {
		b.cfg.Logger.Error().Msgf("reading process status for merge: %v", err)
		return
	}

	processStatus, err := shared.ParseProcessStatus(blob)
	if err != nil {
		b.cfg.Logger.Error().Msgf("parsing process status, using defaults: %v", err)
		processStatus = &shared.ProcessStatus{}
	}

	processStatus.BuilderStatus = shared.BuilderStatus{
		Status:      status,
		Description: description,
		Timestamp:   now.Unix(),
	}

	encoded, err := processStatus.Encode()
	if err != nil {
		b.cfg.Logger.Error().Msgf("encoding process status: %v", err)
		return
	}

	if err := b.cfg.Params.SetStringParam(ctx, RebuildStatusParam, encoded); err != nil {
		b.cfg.Logger.Error().Msgf("writing process status: %v", err)
	}
}

// RefreshMarketDirectory fetches all market groups from the backing store
// and folds them into the market directory.
func (b *Builder) RefreshMarketDirectory(ctx context.Context) error {
	b.publishStatus(ctx, shared.StatusProcessing, "refreshing market directory", true)

	groups, err := b.cfg.Prices.MarketGroups(ctx)
	if err != nil {
		return fmt.Errorf("fetching market groups: %w", err)
	}

	b.markets.UpdateMarketInfo(groups)
	return nil
}

// WarmRuntimeCandles seeds missing runtime candles from the last persisted
// candle per key, so a restarted process extends prior buckets instead of
// truncating them.
func (b *Builder) WarmRuntimeCandles(ctx context.Context) error {
	for _, info := range b.markets.AllMarkets() {
		if !b.runtime.HasMarketCandles(info.MarketIdx) {
			for _, interval := range b.cfg.Intervals {
				candle, err := b.cfg.Candles.LastCandle(ctx, &shared.CandleQuery{
					Type: shared.MarketCandle, MarketIdx: info.MarketIdx, Interval: interval,
				})
				if err != nil {
					return fmt.Errorf("warming market candle: %w", err)
				}
				if candle != nil {
					b.runtime.SetMarketCandle(info.MarketIdx, interval, candle)
				}
			}
		}

		if !b.runtime.HasIndexCandles(info.MarketIdx) {
			for _, interval := range b.cfg.Intervals {
				candle, err := b.cfg.Candles.LastCandle(ctx, &shared.CandleQuery{
					Type: shared.IndexCandle, MarketIdx: info.MarketIdx, Interval: interval,
				})
				if err != nil {
					return fmt.Errorf("warming index candle: %w", err)
				}
				if candle != nil {
					b.runtime.SetIndexCandle(info.MarketIdx, interval, candle)
				}
			}
		}

		if !b.runtime.HasResourceCandles(info.ResourceSlug) {
			for _, interval := range b.cfg.Intervals {
				candle, err := b.cfg.Candles.LastCandle(ctx, &shared.CandleQuery{
					Type: shared.ResourceCandle, ResourceSlug: info.ResourceSlug, Interval: interval,
				})
				if err != nil {
					return fmt.Errorf("warming resource candle: %w", err)
				}
				if candle != nil {
					b.runtime.SetResourceCandle(info.ResourceSlug, interval, candle)
				}
			}
		}

		if !b.runtime.HasTrailingAvgCandles(info.ResourceSlug) {
			for _, interval := range b.cfg.Intervals {
				for _, trailingAvgTime := range b.cfg.TrailingAvgTimes {
					candle, err := b.cfg.Candles.LastCandle(ctx, &shared.CandleQuery{
						Type: shared.TrailingAvgCandle, ResourceSlug: info.ResourceSlug,
						Interval: interval, TrailingAvgTime: trailingAvgTime,
					})
					if err != nil {
						return fmt.Errorf("warming trailing avg candle: %w", err)
					}
					if candle != nil {
						b.runtime.SetTrailingAvgCandle(info.ResourceSlug, interval, trailingAvgTime, candle)
					}
				}
			}
		}
	}

	return nil
}

// ProcessMarketPrices streams market price rows newer than the provided
// checkpoint through the market candle processor in fixed size batches,
// advancing the market price checkpoint after every batch.
func (b *Builder) ProcessMarketPrices(ctx context.Context, checkpoint int64) error {
	b.publishStatus(ctx, shared.StatusProcessing, "processing market prices", true)

	total, err := b.cfg.Prices.MarketPricesCount(ctx, checkpoint)
	if err != nil {
		return fmt.Errorf("counting market prices: %w", err)
	}
	totalBatches := (total + int64(b.cfg.BatchSize) - 1) / int64(b.cfg.BatchSize)

	initialTimestamp := checkpoint
	for iter := int64(1); ; iter++ {
		prices, hasMore, err := b.cfg.Prices.MarketPrices(ctx, &shared.MarketPriceParams{
			InitialTimestamp: initialTimestamp,
			Quantity:         b.cfg.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("fetching market prices: %w", err)
		}
		if len(prices) == 0 {
			break
		}

		// A full page may split rows sharing its final timestamp across the
		// page boundary. Hold those rows back so the next fetch, which
		// starts strictly after the preceding timestamp, sees the whole
		// group. A page made up of a single timestamp is processed as is.
		if hasMore {
			cut := len(prices)
			lastTimestamp := prices[len(prices)-1].Timestamp
			for cut > 0 && prices[cut-1].Timestamp == lastTimestamp {
				cut--
			}
			if cut > 0 {
				prices = prices[:cut]
			}
		}

		b.cfg.Logger.Info().Msgf("processing market price batch %d/%d of size %d",
			iter, totalBatches, len(prices))
		b.publishStatus(ctx, shared.StatusProcessing,
			fmt.Sprintf("processing market price batch %d/%d", iter, totalBatches), false)

		for idx := range prices {
			lastInBatch := !hasMore && idx == len(prices)-1
			if err := b.marketProcessor.ProcessMarketPrice(ctx, prices[idx], lastInBatch); err != nil {
				return fmt.Errorf("processing market price: %w", err)
			}
		}

		initialTimestamp = prices[len(prices)-1].Timestamp
		if err := b.cfg.Params.SetParam(ctx, LastProcessedMarketPriceParam, initialTimestamp); err != nil {
			return fmt.Errorf("advancing market price checkpoint: %w", err)
		}

		if !hasMore {
			break
		}
	}

	return nil
}

// ProcessResourcePrices streams resource price rows newer than the provided
// checkpoint through the resource, index and trailing average processors in
// fixed size batches, advancing the resource price checkpoint after every
// batch. When no trailing history exists yet the fetch window starts a
// pre-fill lookback behind the checkpoint; those older rows only feed the
// trailing ledger and do not re-enter the candle processors.
func (b *Builder) ProcessResourcePrices(ctx context.Context, checkpoint int64) error {
	b.publishStatus(ctx, shared.StatusProcessing, "processing resource prices", true)

	fetchFrom := checkpoint
	if b.history.IsEmpty() {
		fetchFrom = checkpoint - b.cfg.PreFillLookback
		if fetchFrom < 0 {
			fetchFrom = 0
		}
	}

	total, err := b.cfg.Prices.ResourcePricesCount(ctx, &shared.ResourcePriceParams{
		InitialTimestamp: fetchFrom,
	})
	if err != nil {
		return fmt.Errorf("counting resource prices: %w", err)
	}
	totalBatches := (total + int64(b.cfg.BatchSize) - 1) / int64(b.cfg.BatchSize)

	initialTimestamp := fetchFrom
	for iter := int64(1); ; iter++ {
		prices, hasMore, err := b.cfg.Prices.ResourcePrices(ctx, &shared.ResourcePriceParams{
			InitialTimestamp: initialTimestamp,
			Quantity:         b.cfg.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("fetching resource prices: %w", err)
		}
		if len(prices) == 0 {
			break
		}

		// Hold back rows sharing a full page's final timestamp, see
		// ProcessMarketPrices.
		if hasMore {
			cut := len(prices)
			lastTimestamp := prices[len(prices)-1].Timestamp
			for cut > 0 && prices[cut-1].Timestamp == lastTimestamp {
				cut--
			}
			if cut > 0 {
				prices = prices[:cut]
			}
		}

		b.cfg.Logger.Info().Msgf("processing resource price batch %d/%d of size %d",
			iter, totalBatches, len(prices))
		b.publishStatus(ctx, shared.StatusProcessing,
			fmt.Sprintf("processing resource price batch %d/%d", iter, totalBatches), false)

		for idx := range prices {
			price := prices[idx]
			lastInBatch := !hasMore && idx == len(prices)-1

			b.history.AddPrice(price.ResourceSlug, shared.PricePoint{
				Timestamp: price.Timestamp,
				Used:      price.Used,
				Fee:       price.FeePaid,
			}, b.cfg.TrailingAvgTimes)

			// Pre-fill rows behind the checkpoint only seed the ledger.
			if price.Timestamp <= checkpoint {
				continue
			}

			if err := b.resourceProcessor.ProcessResourcePrice(ctx, price, lastInBatch); err != nil {
				return fmt.Errorf("processing resource price: %w", err)
			}
			if err := b.indexProcessor.ProcessResourcePrice(ctx, price, lastInBatch); err != nil {
				return fmt.Errorf("processing index price: %w", err)
			}
			for _, trailingAvgTime := range b.cfg.TrailingAvgTimes {
				err := b.trailingProcessor.ProcessResourcePrice(ctx, price, trailingAvgTime, lastInBatch)
				if err != nil {
					return fmt.Errorf("processing trailing avg price: %w", err)
				}
			}
		}

		initialTimestamp = prices[len(prices)-1].Timestamp
		if initialTimestamp > checkpoint {
			checkpoint = initialTimestamp
			if err := b.cfg.Params.SetParam(ctx, LastProcessedResourcePriceParam, checkpoint); err != nil {
				return fmt.Errorf("advancing resource price checkpoint: %w", err)
			}
		}

		if !hasMore {
			break
		}
	}

	return nil
}

// FlushAll persists every still open candle across every candle family so
// no in-memory state is lost when a run completes.
func (b *Builder) FlushAll(ctx context.Context) error {
	b.publishStatus(ctx, shared.StatusProcessing, "flushing open candles", true)

	for _, marketIdx := range b.runtime.AllMarketIndices() {
		for _, candle := range b.runtime.AllMarketCandles(marketIdx) {
			if err := b.cfg.Candles.SaveCandle(ctx, candle); err != nil {
				return fmt.Errorf("flushing market candle: %w", err)
			}
		}
	}

	for _, resourceSlug := range b.runtime.AllResourceSlugs() {
		for _, candle := range b.runtime.AllResourceCandles(resourceSlug) {
			if err := b.cfg.Candles.SaveCandle(ctx, candle); err != nil {
				return fmt.Errorf("flushing resource candle: %w", err)
			}
		}

		for _, marketIdx := range b.markets.MarketIndexesByResourceSlug(resourceSlug) {
			for _, candle := range b.runtime.AllIndexCandles(marketIdx) {
				if err := b.cfg.Candles.SaveCandle(ctx, candle); err != nil {
					return fmt.Errorf("flushing index candle: %w", err)
				}
			}
		}

		for _, trailingAvgTime := range b.cfg.TrailingAvgTimes {
			for _, candle := range b.runtime.AllTrailingAvgCandles(resourceSlug, trailingAvgTime) {
				if err := b.cfg.Candles.SaveCandle(ctx, candle); err != nil {
					return fmt.Errorf("flushing trailing avg candle: %w", err)
				}
			}
		}
	}

	b.publishStatus(ctx, shared.StatusIdle, "build complete", true)
	return nil
}

// HardRefresh truncates the persisted candle and parameter tables, clears
// the refresh flag and checkpoints, and reconstructs all in-memory state.
func (b *Builder) HardRefresh(ctx context.Context) error {
	b.cfg.Logger.Info().Msg("hard refresh requested, wiping candle cache")

	if err := b.cfg.Candles.TruncateCandles(ctx); err != nil {
		return fmt.Errorf("truncating candles: %w", err)
	}
	if err := b.cfg.Params.TruncateParams(ctx); err != nil {
		return fmt.Errorf("truncating params: %w", err)
	}

	if err := b.cfg.Params.SetParam(ctx, HardRefreshParam, 0); err != nil {
		return fmt.Errorf("clearing hard refresh flag: %w", err)
	}
	if err := b.cfg.Params.SetParam(ctx, LastProcessedResourcePriceParam, 0); err != nil {
		return fmt.Errorf("resetting resource price checkpoint: %w", err)
	}
	if err := b.cfg.Params.SetParam(ctx, LastProcessedMarketPriceParam, 0); err != nil {
		return fmt.Errorf("resetting market price checkpoint: %w", err)
	}

	return b.resetStores()
}
