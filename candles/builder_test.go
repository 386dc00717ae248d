package candles

import (
	"context"
	"testing"

	"github.com/dnldd/candlecache/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

func testBuilderConfig(candleStore *fakeCandleStore, params *fakeParamStore, prices *fakePriceSource) *BuilderConfig {
	logger := zerolog.Nop()
	return &BuilderConfig{
		Candles:          candleStore,
		Params:           params,
		Prices:           prices,
		Intervals:        []int64{300, 900},
		TrailingAvgTimes: []int64{1000},
		PreFillLookback:  1000,
		BatchSize:        3,
		Logger:           &logger,
	}
}

func seedPrices(prices *fakePriceSource) {
	prices.groups = []*shared.MarketGroup{singleMarketGroup("base-fee", 3, 0, 0)}
	prices.resourcePrices = []*shared.ResourcePrice{
		resourcePrice("base-fee", 100, 10, 2, 10),
		resourcePrice("base-fee", 200, 20, 2, 10),
		resourcePrice("base-fee", 400, 15, 2, 10),
	}
	prices.marketPrices = []*shared.MarketPrice{
		{MarketIdx: 3, Timestamp: 100, Value: dec(5)},
		{MarketIdx: 3, Timestamp: 200, Value: dec(7)},
	}
}

func TestIncrementalBuildAdvancesCheckpoints(t *testing.T) {
	candleStore := newFakeCandleStore()
	params := newFakeParamStore()
	prices := &fakePriceSource{}
	seedPrices(prices)

	builder, err := NewIncrementalBuilder(testBuilderConfig(candleStore, params, prices))
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, builder.BuildCandles(ctx))

	// Ensure both checkpoints advanced to the newest processed row.
	assert.Equal(t, params.intParam(LastProcessedResourcePriceParam), int64(400))
	assert.Equal(t, params.intParam(LastProcessedMarketPriceParam), int64(200))

	// Ensure every family produced candles.
	assert.True(t, len(candleStore.savedOfType(shared.ResourceCandle)) > 0)
	assert.True(t, len(candleStore.savedOfType(shared.MarketCandle)) > 0)
	assert.True(t, len(candleStore.savedOfType(shared.IndexCandle)) > 0)
	assert.True(t, len(candleStore.savedOfType(shared.TrailingAvgCandle)) > 0)

	// Ensure the published status settled back to idle.
	status, err := builder.RetrieveStatus(ctx)
	assert.NoError(t, err)
	assert.Equal(t, status.BuilderStatus.Status, shared.StatusIdle)
}

func TestIncrementalBuildIsResumable(t *testing.T) {
	candleStore := newFakeCandleStore()
	params := newFakeParamStore()
	prices := &fakePriceSource{}
	seedPrices(prices)

	builder, err := NewIncrementalBuilder(testBuilderConfig(candleStore, params, prices))
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, builder.BuildCandles(ctx))
	firstRunSaves := candleStore.savedCount()

	// Ensure a second run with no new rows reprocesses nothing and leaves
	// the checkpoints where they were.
	assert.NoError(t, builder.BuildCandles(ctx))
	assert.Equal(t, params.intParam(LastProcessedResourcePriceParam), int64(400))

	// Only the final flush re-persists the still open candles.
	secondRunSaves := candleStore.savedCount() - firstRunSaves
	assert.True(t, secondRunSaves <= firstRunSaves)

	// Ensure a new row past the checkpoint extends the series.
	prices.resourcePrices = append(prices.resourcePrices, resourcePrice("base-fee", 500, 25, 2, 10))
	assert.NoError(t, builder.BuildCandles(ctx))
	assert.Equal(t, params.intParam(LastProcessedResourcePriceParam), int64(500))
}

func TestIncrementalBuildHardRefresh(t *testing.T) {
	candleStore := newFakeCandleStore()
	params := newFakeParamStore()
	prices := &fakePriceSource{}
	seedPrices(prices)

	builder, err := NewIncrementalBuilder(testBuilderConfig(candleStore, params, prices))
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, builder.BuildCandles(ctx))

	// Request a hard refresh for the next run.
	assert.NoError(t, params.SetParam(ctx, HardRefreshParam, 1))
	assert.NoError(t, builder.BuildCandles(ctx))

	// Ensure both tables were truncated and the flag cleared.
	assert.Equal(t, candleStore.truncated, 1)
	assert.Equal(t, params.truncated, 1)
	assert.Equal(t, params.intParam(HardRefreshParam), int64(0))

	// Ensure the run rebuilt from scratch, checkpoints land back at the
	// newest rows.
	assert.Equal(t, params.intParam(LastProcessedResourcePriceParam), int64(400))
	assert.Equal(t, params.intParam(LastProcessedMarketPriceParam), int64(200))
	assert.True(t, candleStore.savedCount() > 0)
}

func TestIncrementalBuildBatching(t *testing.T) {
	candleStore := newFakeCandleStore()
	params := newFakeParamStore()
	prices := &fakePriceSource{}
	prices.groups = []*shared.MarketGroup{singleMarketGroup("base-fee", 3, 0, 0)}

	// Five rows with a batch size of three forces exactly two fetches.
	prices.resourcePrices = []*shared.ResourcePrice{
		resourcePrice("base-fee", 100, 10, 2, 10),
		resourcePrice("base-fee", 200, 20, 2, 10),
		resourcePrice("base-fee", 300, 15, 2, 10),
		resourcePrice("base-fee", 400, 25, 2, 10),
		resourcePrice("base-fee", 500, 30, 2, 10),
	}

	builder, err := NewIncrementalBuilder(testBuilderConfig(candleStore, params, prices))
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, builder.BuildCandles(ctx))

	resourceFetches, _ := prices.fetchCalls()
	assert.Equal(t, resourceFetches, 2)
	assert.Equal(t, params.intParam(LastProcessedResourcePriceParam), int64(500))
}

func TestIncrementalBuildTrailingPreFill(t *testing.T) {
	candleStore := newFakeCandleStore()
	params := newFakeParamStore()
	prices := &fakePriceSource{}
	prices.groups = []*shared.MarketGroup{singleMarketGroup("base-fee", 3, 0, 0)}
	prices.resourcePrices = []*shared.ResourcePrice{
		resourcePrice("base-fee", 1500, 10, 2, 10),
		resourcePrice("base-fee", 2200, 20, 4, 10),
	}

	builder, err := NewIncrementalBuilder(testBuilderConfig(candleStore, params, prices))
	assert.NoError(t, err)

	ctx := context.Background()

	// Simulate a restart mid stream, the checkpoint sits past the first row.
	assert.NoError(t, params.SetParam(ctx, LastProcessedResourcePriceParam, 2000))

	assert.NoError(t, builder.BuildCandles(ctx))

	// Ensure the fetch reached back behind the checkpoint to rebuild the
	// trailing window, while the checkpoint itself only moved forward.
	assert.True(t, prices.lastResourceParams.InitialTimestamp < 2000)
	assert.Equal(t, params.intParam(LastProcessedResourcePriceParam), int64(2200))

	// Ensure the trailing candle's sums include the pre filled row.
	trailing := candleStore.savedOfType(shared.TrailingAvgCandle)
	assert.True(t, len(trailing) > 0)
	newest := trailing[len(trailing)-1]
	assert.True(t, newest.SumUsed.Equal(dec(6)))
	assert.True(t, newest.SumFeePaid.Equal(dec(20)))
}

func TestIncrementalBuildSplitTimestampPage(t *testing.T) {
	candleStore := newFakeCandleStore()
	params := newFakeParamStore()
	prices := &fakePriceSource{}
	prices.groups = []*shared.MarketGroup{
		singleMarketGroup("base-fee", 3, 0, 0),
		{
			MarketGroupIdx: 2,
			Address:        "0xdef",
			ChainID:        1,
			ResourceSlug:   "eth-gas",
			Markets:        []shared.Market{{MarketIdx: 4, MarketID: 9}},
		},
	}
	// Two rows share timestamp 300 and straddle the batch boundary.
	prices.resourcePrices = []*shared.ResourcePrice{
		resourcePrice("base-fee", 100, 10, 2, 10),
		resourcePrice("base-fee", 200, 12, 2, 10),
		resourcePrice("base-fee", 300, 14, 2, 10),
		resourcePrice("eth-gas", 300, 20, 2, 10),
		resourcePrice("base-fee", 400, 16, 2, 10),
	}

	builder, err := NewIncrementalBuilder(testBuilderConfig(candleStore, params, prices))
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, builder.BuildCandles(ctx))

	// Ensure the row sharing the boundary timestamp was not dropped by the
	// strictly greater refetch.
	var sawEthGas bool
	for _, candle := range candleStore.savedOfType(shared.ResourceCandle) {
		if candle.ResourceSlug == "eth-gas" {
			sawEthGas = true
			assert.True(t, candle.Close.Equal(dec(20)))
		}
	}
	assert.True(t, sawEthGas)

	// Ensure the checkpoint still reached the final row.
	assert.Equal(t, params.intParam(LastProcessedResourcePriceParam), int64(400))
}

func TestRebuilderScopedToResource(t *testing.T) {
	candleStore := newFakeCandleStore()
	params := newFakeParamStore()
	prices := &fakePriceSource{}
	prices.groups = []*shared.MarketGroup{
		singleMarketGroup("base-fee", 3, 0, 0),
		{
			MarketGroupIdx: 2,
			Address:        "0xdef",
			ChainID:        1,
			ResourceSlug:   "eth-gas",
			Markets:        []shared.Market{{MarketIdx: 4, MarketID: 9}},
		},
	}
	prices.resourcePrices = []*shared.ResourcePrice{
		resourcePrice("base-fee", 100, 10, 2, 10),
		resourcePrice("eth-gas", 200, 20, 2, 10),
	}

	rebuilder, err := NewRebuilder(testBuilderConfig(candleStore, params, prices))
	assert.NoError(t, err)

	ctx := context.Background()

	// Pretend the incremental builder already advanced the checkpoint.
	assert.NoError(t, params.SetParam(ctx, LastProcessedResourcePriceParam, 999))

	assert.NoError(t, rebuilder.RebuildResourceCandles(ctx, "base-fee"))

	// Ensure only the scoped resource's rows were reprocessed.
	for _, candle := range candleStore.savedOfType(shared.ResourceCandle) {
		assert.Equal(t, candle.ResourceSlug, "base-fee")
	}

	// Ensure the scoped rebuild left the global checkpoint untouched.
	assert.Equal(t, params.intParam(LastProcessedResourcePriceParam), int64(999))
}

func TestRebuilderRangeRebuild(t *testing.T) {
	candleStore := newFakeCandleStore()
	params := newFakeParamStore()
	prices := &fakePriceSource{}
	prices.groups = []*shared.MarketGroup{singleMarketGroup("base-fee", 3, 0, 0)}
	prices.resourcePrices = []*shared.ResourcePrice{
		resourcePrice("base-fee", 100, 10, 2, 10),
		resourcePrice("base-fee", 300, 20, 2, 10),
		resourcePrice("base-fee", 500, 30, 2, 10),
	}

	rebuilder, err := NewRebuilder(testBuilderConfig(candleStore, params, prices))
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, rebuilder.RebuildCandlesInRange(ctx, 300, 400))

	// Ensure both range bounds are inclusive, only the middle row was
	// reprocessed.
	resource := candleStore.savedOfType(shared.ResourceCandle)
	assert.True(t, len(resource) > 0)
	for _, candle := range resource {
		assert.True(t, candle.Close.Equal(dec(20)))
	}

	// Ensure the ranged rebuild left the global checkpoint untouched.
	assert.Equal(t, params.intParam(LastProcessedResourcePriceParam), int64(0))
}

func TestRebuilderFullRebuild(t *testing.T) {
	candleStore := newFakeCandleStore()
	params := newFakeParamStore()
	prices := &fakePriceSource{}
	seedPrices(prices)

	rebuilder, err := NewRebuilder(testBuilderConfig(candleStore, params, prices))
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, rebuilder.RebuildAllCandles(ctx))

	// Ensure every family was rebuilt from timestamp zero.
	assert.True(t, len(candleStore.savedOfType(shared.ResourceCandle)) > 0)
	assert.True(t, len(candleStore.savedOfType(shared.MarketCandle)) > 0)
	assert.Equal(t, params.intParam(LastProcessedResourcePriceParam), int64(400))
}
