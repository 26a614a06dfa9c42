package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/scnms/monitor/alarm"
	"github.com/itskum47/scnms/monitor/coordination"
	"github.com/itskum47/scnms/monitor/dispatch"
	"github.com/itskum47/scnms/monitor/ingest"
	"github.com/itskum47/scnms/monitor/observability"
	"github.com/itskum47/scnms/monitor/resilience"
	"github.com/itskum47/scnms/monitor/scheduler"
	"github.com/itskum47/scnms/monitor/store"
	"github.com/itskum47/scnms/monitor/streaming"
	"github.com/itskum47/scnms/monitor/timeline"
)

var (
	// ErrRoundSkipped is returned while the store circuit is open.
	ErrRoundSkipped = errors.New("round skipped: store circuit open")
	// ErrUnknownDevice is returned for a trap no device can be matched to.
	ErrUnknownDevice = errors.New("unknown device")
)

// RecordErrorKind counts outcomes in RoundReport.Errors whose metrics or
// alarms could not be recorded.
const RecordErrorKind = "record_error"

// Inventory is the part of the store a round reads and stamps.
type Inventory interface {
	store.DeviceStore
	store.JobStore
	store.RuleStore
}

type Config struct {
	RoundInterval time.Duration
	// RoundTimeout bounds a round once started; shutdown does not cut it short.
	RoundTimeout time.Duration
	// Concurrency limits devices processed in parallel after dispatch.
	Concurrency int
	NodeID      string
}

func DefaultConfig() Config {
	return Config{
		RoundInterval: 60 * time.Second,
		RoundTimeout:  5 * time.Minute,
		Concurrency:   10,
	}
}

// Components are the collaborators a round drives.
type Components struct {
	Inventory  Inventory
	Scheduler  *scheduler.JobScheduler
	Dispatcher *dispatch.Dispatcher
	Writer     *ingest.Writer
	Evaluator  *alarm.Evaluator
	Alarms     *alarm.Manager
	Bus        streaming.Publisher
	Breaker    *resilience.CircuitBreaker
	Timeline   *timeline.Store
}

// Engine runs polling rounds: select due jobs, fetch, store metrics, evaluate
// alarms, reschedule.
type Engine struct {
	Components
	cfg    Config
	logger *zap.Logger
}

func New(c Components, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.RoundInterval <= 0 {
		cfg.RoundInterval = def.RoundInterval
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = def.RoundTimeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if c.Breaker == nil {
		c.Breaker = resilience.NewCircuitBreaker(3, cfg.RoundInterval)
	}
	if c.Timeline == nil {
		c.Timeline = timeline.NewStore(timeline.DefaultCapacity)
	}
	return &Engine{Components: c, cfg: cfg, logger: logger}
}

// Run executes a round immediately and then every RoundInterval until ctx
// ends. A round in progress when ctx ends runs to completion.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("polling engine started", zap.Duration("interval", e.cfg.RoundInterval))
	ticker := time.NewTicker(e.cfg.RoundInterval)
	defer ticker.Stop()

	for {
		e.runOnce(ctx)
		select {
		case <-ctx.Done():
			e.logger.Info("polling engine stopped")
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) runOnce(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.cfg.RoundTimeout)
	defer cancel()

	report, err := e.Round(ctx)
	switch {
	case errors.Is(err, ErrRoundSkipped):
		e.logger.Warn("round skipped, store circuit open")
	case err != nil:
		e.logger.Error("round failed", zap.String("round_id", report.RoundID), zap.Error(err))
	default:
		e.logger.Debug("round complete",
			zap.String("round_id", report.RoundID),
			zap.Int("due", report.Due),
			zap.Int("failed", report.Failed),
			zap.Duration("duration", report.Duration()))
	}
}

// roundState collects per-device results from concurrent workers.
type roundState struct {
	mu      sync.Mutex
	raised  int
	cleared int
	written int
	failed  int
	batches map[int64][]BatchResult
}

func (s *roundState) add(deviceID int64, r BatchResult, raised, cleared int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raised += raised
	s.cleared += cleared
	s.written += len(r.Metrics)
	s.batches[deviceID] = append(s.batches[deviceID], r)
}

func (s *roundState) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

// Round runs one polling pass.
func (e *Engine) Round(ctx context.Context) (timeline.RoundReport, error) {
	if !e.Breaker.Allow() {
		observability.Rounds.WithLabelValues("skipped").Inc()
		return timeline.RoundReport{}, ErrRoundSkipped
	}

	started := time.Now()
	now := e.Scheduler.Now()
	report := timeline.RoundReport{RoundID: uuid.NewString(), NodeID: e.cfg.NodeID, StartedAt: now}
	if epoch, ok := coordination.EpochFromContext(ctx); ok {
		report.Epoch = epoch
	}
	err := e.round(ctx, now, &report)

	report.FinishedAt = e.Scheduler.Now()
	if err != nil {
		report.Err = err.Error()
	}
	e.Timeline.Record(report)
	observability.RoundDuration.Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		e.Breaker.RecordSuccess()
		observability.Rounds.WithLabelValues("ok").Inc()
	case errors.Is(err, store.ErrStoreUnavailable):
		e.Breaker.RecordFailure()
		observability.Rounds.WithLabelValues("store_unavailable").Inc()
	default:
		e.Breaker.RecordNeutral()
		observability.Rounds.WithLabelValues("error").Inc()
	}
	return report, err
}

func (e *Engine) round(ctx context.Context, now time.Time, report *timeline.RoundReport) error {
	if defs, err := e.Inventory.ListJobs(ctx); err != nil {
		e.logger.Warn("reusing previous job set", zap.Error(err))
	} else {
		e.Scheduler.Sync(defs)
	}
	if err := e.Evaluator.Refresh(ctx, e.Inventory); err != nil {
		e.logger.Warn("reusing previous alarm rules", zap.Error(err))
	}

	due := e.Scheduler.SelectDue(now)
	report.Due = len(due)
	observability.DueJobs.Set(float64(len(due)))
	if len(due) == 0 {
		return nil
	}

	outcomes, err := e.Dispatcher.Dispatch(ctx, due, e.Inventory)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	for _, o := range outcomes {
		if o.Success {
			report.Succeeded++
			continue
		}
		report.Failed++
		if report.Errors == nil {
			report.Errors = make(map[string]int)
		}
		report.Errors[string(o.Err)]++
	}

	byDevice := make(map[int64][]int)
	var devices []int64
	for i, o := range outcomes {
		if _, ok := byDevice[o.DeviceID]; !ok {
			devices = append(devices, o.DeviceID)
		}
		byDevice[o.DeviceID] = append(byDevice[o.DeviceID], i)
	}

	state := &roundState{batches: make(map[int64][]BatchResult)}
	handled := make([]bool, len(outcomes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, id := range devices {
		idxs := byDevice[id]
		g.Go(func() error {
			for _, i := range idxs {
				if err := e.handle(gctx, outcomes[i], state); err != nil {
					if errors.Is(err, store.ErrStoreUnavailable) {
						return err
					}
					// Not retryable by polling again; the job keeps its interval.
					e.logger.Error("recording poll outcome failed",
						zap.Int64("job_id", outcomes[i].JobID),
						zap.Int64("device_id", outcomes[i].DeviceID),
						zap.Error(err))
					state.fail()
				}
				handled[i] = true
			}
			return nil
		})
	}
	groupErr := g.Wait()

	report.MetricsWritten = state.written
	report.AlarmsRaised = state.raised
	report.AlarmsCleared = state.cleared
	if state.failed > 0 {
		if report.Errors == nil {
			report.Errors = make(map[string]int)
		}
		report.Errors[RecordErrorKind] += state.failed
		observability.RecordFailures.Add(float64(state.failed))
	}

	// Jobs cut short by an unavailable store stay due.
	var done []store.PollingJob
	for i, o := range outcomes {
		if !handled[i] {
			continue
		}
		j, err := e.Scheduler.Reschedule(o.JobID, now)
		if err != nil {
			e.logger.Warn("reschedule", zap.Int64("job_id", o.JobID), zap.Error(err))
			continue
		}
		done = append(done, j)
	}
	if groupErr != nil {
		return groupErr
	}

	if err := e.stampDevices(ctx, outcomes, now); err != nil {
		return err
	}
	for _, j := range done {
		if err := e.Inventory.SaveJobSchedule(ctx, j.ID, *j.LastExecuted, *j.NextExecution); err != nil {
			return fmt.Errorf("save schedule for job %d: %w", j.ID, err)
		}
	}

	for _, id := range devices {
		e.publishBatch(ctx, report.RoundID, id, now, state.batches[id])
	}
	return nil
}

// handle stores one outcome's metrics and applies the resulting alarm decisions.
func (e *Engine) handle(ctx context.Context, o dispatch.PollOutcome, state *roundState) error {
	metrics, err := e.Writer.Write(ctx, o)
	if err != nil {
		return err
	}

	var raised, cleared int
	for _, m := range metrics {
		decisions, err := e.Evaluator.Evaluate(ctx, m)
		if err != nil {
			return err
		}
		for _, d := range decisions {
			a, err := e.Alarms.Apply(ctx, d)
			if err != nil {
				return err
			}
			if a == nil {
				continue
			}
			switch d.Kind {
			case alarm.DecisionRaise:
				raised++
			case alarm.DecisionAutoClear:
				cleared++
			}
		}
	}

	state.add(o.DeviceID, BatchResult{
		JobID:    o.JobID,
		Protocol: o.Protocol,
		Success:  o.Success,
		Error:    o.Err,
		Metrics:  metrics,
	}, raised, cleared)
	return nil
}

// stampDevices marks devices with a success as up and stamps last_polled on
// every device that was polled. All-failed devices keep their status.
func (e *Engine) stampDevices(ctx context.Context, outcomes []dispatch.PollOutcome, now time.Time) error {
	ok := dispatch.SucceededDevices(outcomes)
	seen := make(map[int64]bool)
	for _, o := range outcomes {
		if seen[o.DeviceID] || o.Err == dispatch.ErrUnknownDevice {
			continue
		}
		seen[o.DeviceID] = true

		var status *store.DeviceStatus
		if ok[o.DeviceID] {
			up := store.DeviceUp
			status = &up
		}
		err := e.Inventory.UpdateDeviceStatus(ctx, o.DeviceID, status, now)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update device %d: %w", o.DeviceID, err)
		}
	}
	return nil
}
