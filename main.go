package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/dnldd/candlecache/service"
)

// Deploy-time candle cache settings.
var (
	// candleIntervals is the set of candle bucket sizes built, in seconds
	// (5m, 15m, 30m, 1h, 4h, 1d, 7d, 28d).
	candleIntervals = []int64{300, 900, 1800, 3600, 14400, 86400, 604800, 2419200}
	// trailingAvgTimes is the set of trailing window lengths, in seconds
	// (7d, 28d).
	trailingAvgTimes = []int64{604800, 2419200}
)

const (
	// preFillLookback matches the largest trailing window so restarted
	// processes can rebuild their window sums.
	preFillLookback = 2419200
	// batchSize is the page size for raw price fetches.
	batchSize = 500000
	// defaultBuildIntervalSeconds is the default period between incremental
	// build runs.
	defaultBuildIntervalSeconds = 60
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

func main() {
	var cfg Config
	err := loadConfig(&cfg, "")
	if err != nil {
		log.Printf("loading config: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cacheCfg := service.CandleCacheConfig{
		DBEndpoint:       cfg.DBEndpoint,
		DBUser:           cfg.DBUser,
		DBPass:           cfg.DBPass,
		Intervals:        candleIntervals,
		TrailingAvgTimes: trailingAvgTimes,
		PreFillLookback:  preFillLookback,
		BatchSize:        batchSize,
		BuildInterval:    time.Duration(cfg.BuildIntervalSeconds) * time.Second,
		Cancel:           cancel,
	}
	cache, err := service.NewCandleCache(ctx, &cacheCfg)
	if err != nil {
		log.Printf("creating candle cache service: %v", err)
		return
	}

	go handleTermination(ctx, cancel)
	cache.Run(ctx)
}
