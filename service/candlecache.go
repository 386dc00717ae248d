package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/candlecache/candles"
	"github.com/dnldd/candlecache/database"
	"github.com/dnldd/candlecache/retrieve"
	"github.com/dnldd/candlecache/shared"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// bufferSize is the default buffer size for channels.
const bufferSize = 8

// RebuildRequest represents a request to start a candle rebuild.
type RebuildRequest struct {
	// ProcessType selects the rebuild kind.
	ProcessType string
	// ResourceSlug scopes a resource rebuild, ignored otherwise.
	ResourceSlug string
	// Response receives the accepted or rejected result.
	Response chan *candles.ProcessResult
}

// CandleCacheConfig represents the configuration struct for the candle
// cache service.
type CandleCacheConfig struct {
	// DBEndpoint represents the database connection endpoint.
	DBEndpoint string
	// DBUser is the database user.
	DBUser string
	// DBPass is the database user pass.
	DBPass string
	// Intervals is the configured set of candle intervals in seconds.
	Intervals []int64
	// TrailingAvgTimes is the configured set of trailing window lengths in
	// seconds.
	TrailingAvgTimes []int64
	// PreFillLookback is the trailing history pre-fill lookback in seconds.
	PreFillLookback int64
	// BatchSize is the page size for price fetches.
	BatchSize int
	// BuildInterval is the period between incremental build runs.
	BuildInterval time.Duration
	// Cancel is the context cancellation function.
	Cancel context.CancelFunc
}

// Validate asserts the config has sane inputs.
func (cfg *CandleCacheConfig) Validate() error {
	var errs error

	if cfg.DBEndpoint == "" {
		errs = errors.Join(errs, fmt.Errorf("database endpoint cannot be an empty string"))
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
	if cfg.BuildInterval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("build interval must be positive"))
	}
	if cfg.Cancel == nil {
		errs = errors.Join(errs, fmt.Errorf("context cancellation function cannot be nil"))
	}

	return errs
}

// CandleCache represents the candle cache service. It owns one instance of
// every component and drives the periodic incremental builds.
type CandleCache struct {
	cfg             *CandleCacheConfig
	db              *database.Database
	builder         *candles.IncrementalBuilder
	rebuilder       *candles.Rebuilder
	processManager  *candles.ProcessManager
	retriever       *retrieve.Retriever
	jobScheduler    *gocron.Scheduler
	rebuildRequests chan RebuildRequest
	logger          *zerolog.Logger
}

// NewCandleCache initializes a new candle cache service.
func NewCandleCache(ctx context.Context, cfg *CandleCacheConfig) (*CandleCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating candle cache config: %w", err)
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logger := log.With().Str("service", "candlecache").Logger()

	dbLogger := logger.With().Str("component", "database").Logger()
	db, err := database.NewDatabase(ctx, &database.DatabaseConfig{
		Endpoint: cfg.DBEndpoint,
		User:     cfg.DBUser,
		Pass:     cfg.DBPass,
		Logger:   &dbLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	builderLogger := logger.With().Str("component", "builder").Logger()
	builder, err := candles.NewIncrementalBuilder(&candles.BuilderConfig{
		Candles:          db,
		Params:           db,
		Prices:           db,
		Intervals:        cfg.Intervals,
		TrailingAvgTimes: cfg.TrailingAvgTimes,
		PreFillLookback:  cfg.PreFillLookback,
		BatchSize:        cfg.BatchSize,
		StatusInterval:   time.Second * 10,
		Logger:           &builderLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating incremental builder: %w", err)
	}

	rebuilderLogger := logger.With().Str("component", "rebuilder").Logger()
	rebuilder, err := candles.NewRebuilder(&candles.BuilderConfig{
		Candles:          db,
		Params:           db,
		Prices:           db,
		Intervals:        cfg.Intervals,
		TrailingAvgTimes: cfg.TrailingAvgTimes,
		PreFillLookback:  cfg.PreFillLookback,
		BatchSize:        cfg.BatchSize,
		StatusInterval:   time.Second * 10,
		Logger:           &rebuilderLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating rebuilder: %w", err)
	}

	processManagerLogger := logger.With().Str("component", "processmanager").Logger()
	processManager, err := candles.NewProcessManager(&candles.ProcessManagerConfig{
		Params:    db,
		Rebuilder: rebuilder,
		Logger:    &processManagerLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating process manager: %w", err)
	}

	retrieverLogger := logger.With().Str("component", "retriever").Logger()
	retriever, err := retrieve.NewRetriever(&retrieve.RetrieverConfig{
		Candles:   db,
		Prices:    db,
		Intervals: cfg.Intervals,
		Logger:    &retrieverLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	service := &CandleCache{
		cfg:             cfg,
		db:              db,
		builder:         builder,
		rebuilder:       rebuilder,
		processManager:  processManager,
		retriever:       retriever,
		jobScheduler:    gocron.NewScheduler(time.UTC),
		rebuildRequests: make(chan RebuildRequest, bufferSize),
		logger:          &logger,
	}

	return service, nil
}

// Retriever returns the candle read path.
func (c *CandleCache) Retriever() *retrieve.Retriever {
	return c.retriever
}

// Status fetches the current rebuild process status.
func (c *CandleCache) Status(ctx context.Context) (*shared.ProcessStatus, error) {
	return c.processManager.Status(ctx)
}

// SendRebuildRequest relays the provided rebuild request for processing.
func (c *CandleCache) SendRebuildRequest(request RebuildRequest) {
	select {
	case c.rebuildRequests <- request:
		// do nothing.
	default:
		c.logger.Error().Msgf("rebuild request channel at capacity: %d/%d",
			len(c.rebuildRequests), bufferSize)
	}
}

// handleRebuildRequest processes the provided rebuild request.
func (c *CandleCache) handleRebuildRequest(ctx context.Context, request RebuildRequest) {
	var result *candles.ProcessResult
	var err error

	switch request.ProcessType {
	case shared.RebuildAllProcess:
		result, err = c.processManager.StartRebuildAllCandles(ctx)
	case shared.RebuildResourceProcess:
		result, err = c.processManager.StartRebuildResourceCandles(ctx, request.ResourceSlug)
	default:
		result = &candles.ProcessResult{
			Success: false,
			Message: fmt.Sprintf("unknown rebuild process type: %s", request.ProcessType),
		}
	}

	if err != nil {
		c.logger.Error().Msgf("starting %s: %v", request.ProcessType, err)
		result = &candles.ProcessResult{Success: false, Message: err.Error()}
	}

	if request.Response != nil {
		select {
		case request.Response <- result:
			// do nothing.
		default:
			c.logger.Error().Msg("rebuild response channel at capacity")
		}
	}
}

// buildCandles runs one incremental build pass.
func (c *CandleCache) buildCandles(ctx context.Context) {
	if err := c.builder.BuildCandles(ctx); err != nil {
		c.logger.Error().Msgf("building candles: %v", err)
	}
}

// Run handles the lifecycle processes of the candle cache service.
func (c *CandleCache) Run(ctx context.Context) {
	// Overlapping build runs would double process batches, the scheduler
	// skips ticks while a run is still going.
	_, err := c.jobScheduler.Every(c.cfg.BuildInterval).SingletonMode().Do(func() {
		c.buildCandles(ctx)
	})
	if err != nil {
		c.logger.Error().Msgf("scheduling incremental builds: %v", err)
		c.cfg.Cancel()
		return
	}

	c.jobScheduler.StartAsync()

	for {
		select {
		case request := <-c.rebuildRequests:
			c.handleRebuildRequest(ctx, request)
		case <-ctx.Done():
			c.jobScheduler.Stop()
			return
		}
	}
}
