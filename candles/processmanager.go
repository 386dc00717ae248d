package candles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/candlecache/shared"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// staleProcessThreshold is how long a process status may claim to be active
// before it is presumed dead and force cleared.
const staleProcessThreshold = time.Hour

// ProcessResult reports whether a rebuild request was accepted.
type ProcessResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ProcessManagerConfig represents the rebuild process manager configuration.
type ProcessManagerConfig struct {
	// Params is the persisted parameter store holding the process status.
	Params shared.ParamStore
	// Rebuilder runs the requested rebuilds.
	Rebuilder *Rebuilder
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config has sane inputs.
func (cfg *ProcessManagerConfig) Validate() error {
	var errs error

	if cfg.Params == nil {
		errs = errors.Join(errs, fmt.Errorf("param store cannot be nil"))
	}
	if cfg.Rebuilder == nil {
		errs = errors.Join(errs, fmt.Errorf("rebuilder cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// ProcessManager serializes candle rebuilds. At most one rebuild runs at a
// time, tracked through the persisted process status record so the guard
// holds across process restarts.
type ProcessManager struct {
	cfg *ProcessManagerConfig
}

// NewProcessManager initializes a new rebuild process manager.
func NewProcessManager(cfg *ProcessManagerConfig) (*ProcessManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating process manager config: %w", err)
	}

	return &ProcessManager{cfg: cfg}, nil
}

// Status fetches the persisted process status, force clearing an active
// claim older than the stale threshold.
func (m *ProcessManager) Status(ctx context.Context) (*shared.ProcessStatus, error) {
	blob, err := m.cfg.Params.StringParam(ctx, RebuildStatusParam)
	if err != nil {
		return nil, fmt.Errorf("reading process status: %w", err)
	}

	status, err := shared.ParseProcessStatus(blob)
	if err != nil {
		// A corrupt record would reject rebuilds forever, overwrite it
		// with inactive defaults.
		m.cfg.Logger.Warn().Msgf("discarding malformed process status: %v", err)
		status = &shared.ProcessStatus{
			BuilderStatus: shared.BuilderStatus{Status: shared.StatusIdle},
		}
		if err := m.writeStatus(ctx, status); err != nil {
			return nil, err
		}
		return status, nil
	}

	// Staleness is judged by the builder heartbeat rather than the claim's
	// start time, a long but live rebuild keeps refreshing it.
	heartbeat := status.BuilderStatus.Timestamp
	if heartbeat == 0 {
		heartbeat = status.StartTime
	}
	if status.Active && time.Since(time.Unix(heartbeat, 0)) > staleProcessThreshold {
		m.cfg.Logger.Warn().Msgf("clearing stale %s process started at %d",
			status.ProcessType, status.StartTime)
		status.Active = false
		if err := m.writeStatus(ctx, status); err != nil {
			return nil, err
		}
	}

	return status, nil
}

func (m *ProcessManager) writeStatus(ctx context.Context, status *shared.ProcessStatus) error {
	encoded, err := status.Encode()
	if err != nil {
		return fmt.Errorf("encoding process status: %w", err)
	}

	if err := m.cfg.Params.SetStringParam(ctx, RebuildStatusParam, encoded); err != nil {
		return fmt.Errorf("writing process status: %w", err)
	}

	return nil
}

// claim marks a rebuild process active if no other rebuild currently is.
// It returns the claimed status or a rejection result.
func (m *ProcessManager) claim(ctx context.Context, processType string, resourceSlug string) (*shared.ProcessStatus, *ProcessResult, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return nil, nil, err
	}

	if status.Active {
		return nil, &ProcessResult{
			Success: false,
			Message: fmt.Sprintf("a %s process is already running", status.ProcessType),
		}, nil
	}

	claimed := &shared.ProcessStatus{
		Active:       true,
		ProcessType:  processType,
		ResourceSlug: resourceSlug,
		RunID:        uuid.NewString(),
		StartTime:    time.Now().Unix(),
		BuilderStatus: shared.BuilderStatus{
			Status:      shared.StatusProcessing,
			Description: "rebuild starting",
			Timestamp:   time.Now().Unix(),
		},
	}
	if err := m.writeStatus(ctx, claimed); err != nil {
		return nil, nil, err
	}

	return claimed, nil, nil
}

// release marks the process inactive, preserving the run's identity fields
// for postmortem inspection.
func (m *ProcessManager) release(ctx context.Context, status *shared.ProcessStatus, runErr error) {
	status.Active = false
	status.BuilderStatus = shared.BuilderStatus{
		Status:      shared.StatusIdle,
		Description: "rebuild complete",
		Timestamp:   time.Now().Unix(),
	}
	if runErr != nil {
		status.BuilderStatus.Description = fmt.Sprintf("rebuild failed: %v", runErr)
	}

	if err := m.writeStatus(ctx, status); err != nil {
		m.cfg.Logger.Error().Msgf("releasing process status: %v", err)
	}
}

// run executes a claimed rebuild in the background.
func (m *ProcessManager) run(ctx context.Context, status *shared.ProcessStatus, rebuild func(context.Context) error) {
	go func() {
		err := rebuild(ctx)
		if err != nil {
			m.cfg.Logger.Error().Msgf("%s run %s: %v", status.ProcessType, status.RunID, err)
		}
		m.release(ctx, status, err)
	}()
}

// StartRebuildAllCandles kicks off a full candle rebuild in the background.
func (m *ProcessManager) StartRebuildAllCandles(ctx context.Context) (*ProcessResult, error) {
	status, rejection, err := m.claim(ctx, shared.RebuildAllProcess, "")
	if err != nil {
		return nil, err
	}
	if rejection != nil {
		return rejection, nil
	}

	m.run(ctx, status, m.cfg.Rebuilder.RebuildAllCandles)

	return &ProcessResult{
		Success: true,
		Message: fmt.Sprintf("full rebuild started, run %s", status.RunID),
	}, nil
}

// StartRebuildResourceCandles kicks off a rebuild scoped to one resource
// in the background.
func (m *ProcessManager) StartRebuildResourceCandles(ctx context.Context, resourceSlug string) (*ProcessResult, error) {
	if resourceSlug == "" {
		return &ProcessResult{Success: false, Message: "resource slug cannot be empty"}, nil
	}

	status, rejection, err := m.claim(ctx, shared.RebuildResourceProcess, resourceSlug)
	if err != nil {
		return nil, err
	}
	if rejection != nil {
		return rejection, nil
	}

	m.run(ctx, status, func(ctx context.Context) error {
		return m.cfg.Rebuilder.RebuildResourceCandles(ctx, resourceSlug)
	})

	return &ProcessResult{
		Success: true,
		Message: fmt.Sprintf("resource rebuild started for %s, run %s", resourceSlug, status.RunID),
	}, nil
}
