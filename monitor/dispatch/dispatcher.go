package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/observability"
	"github.com/itskum47/scnms/monitor/protocol"
	"github.com/itskum47/scnms/monitor/scheduler"
	"github.com/itskum47/scnms/monitor/store"
)

// ErrorKind classifies a failed poll.
type ErrorKind string

const (
	ErrProtocolTimeout ErrorKind = "protocol_timeout"
	ErrProtocolError   ErrorKind = "protocol_error"
	ErrUnknownDevice   ErrorKind = "unknown_device"
)

// ErrNotStarted is returned by Dispatch before Start or after Stop.
var ErrNotStarted = errors.New("dispatcher not running")

// PollOutcome is the result of one job's fetch.
type PollOutcome struct {
	JobID     int64             `json:"job_id"`
	DeviceID  int64             `json:"device_id"`
	Protocol  store.Protocol    `json:"protocol"`
	Success   bool              `json:"success"`
	Data      map[string]string `json:"data,omitempty"`
	Err       ErrorKind         `json:"error,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// DeviceLookup resolves a job's device.
type DeviceLookup interface {
	GetDevice(ctx context.Context, id int64) (*store.Device, error)
}

// Config holds dispatcher settings.
type Config struct {
	// Workers is the number of concurrent fetches. Default: 10
	Workers int
	// DefaultTimeout applies to protocols registered without one. Default: 30s
	DefaultTimeout time.Duration
	// DeviceRate and DeviceBurst bound request rate per device. A zero rate disables it.
	DeviceRate  float64
	DeviceBurst int
}

func DefaultConfig() Config {
	return Config{
		Workers:        10,
		DefaultTimeout: 30 * time.Second,
		DeviceRate:     0,
		DeviceBurst:    1,
	}
}

type task struct {
	ctx    context.Context
	job    store.PollingJob
	device *store.Device
	out    *PollOutcome
	done   *sync.WaitGroup
}

// Dispatcher runs polling jobs on a fixed pool of workers that lives for the
// whole process. Submissions beyond the pool size wait for a free worker.
type Dispatcher struct {
	table   *protocol.Table
	cfg     Config
	limiter *scheduler.DeviceLimiter
	clock   scheduler.Clock
	logger  *zap.Logger

	tasks   chan task
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	busy   atomic.Int64
	queued atomic.Int64
}

func New(table *protocol.Table, cfg Config, clock scheduler.Clock, logger *zap.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	return &Dispatcher{
		table:   table,
		cfg:     cfg,
		limiter: scheduler.NewDeviceLimiter(cfg.DeviceRate, cfg.DeviceBurst),
		clock:   clock,
		logger:  logger,
		tasks:   make(chan task),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("dispatcher started", zap.Int("workers", d.cfg.Workers))
}

// Stop closes the pool and waits for in-flight fetches to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.tasks)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.tasks {
		d.queued.Add(-1)
		observability.DispatchQueueDepth.Set(float64(d.queued.Load()))
		observability.WorkerSaturation.Set(float64(d.busy.Add(1)) / float64(d.cfg.Workers))

		*t.out = d.execute(t.ctx, t.job, t.device)

		observability.WorkerSaturation.Set(float64(d.busy.Add(-1)) / float64(d.cfg.Workers))
		t.done.Done()
	}
}

// Dispatch runs every job and returns one outcome per job, in job order.
// A failing job never affects the others. An error is returned only when the
// devices cannot be resolved at all (store failure) or the pool is not running.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []store.PollingJob, lookup DeviceLookup) ([]PollOutcome, error) {
	devices := make(map[int64]*store.Device)
	for _, j := range jobs {
		if _, seen := devices[j.DeviceID]; seen {
			continue
		}
		dev, err := lookup.GetDevice(ctx, j.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("resolve device %d: %w", j.DeviceID, err)
		}
		devices[j.DeviceID] = dev
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return nil, ErrNotStarted
	}

	outcomes := make([]PollOutcome, len(jobs))
	var done sync.WaitGroup
	for i := range jobs {
		done.Add(1)
		d.queued.Add(1)
		observability.DispatchQueueDepth.Set(float64(d.queued.Load()))
		t := task{ctx: ctx, job: jobs[i], device: devices[jobs[i].DeviceID], out: &outcomes[i], done: &done}
		select {
		case d.tasks <- t:
		case <-ctx.Done():
			d.queued.Add(-1)
			outcomes[i] = d.failed(jobs[i], ErrProtocolTimeout, fmt.Sprintf("not dispatched: %v", ctx.Err()))
			done.Done()
		}
	}
	done.Wait()
	return outcomes, nil
}

func (d *Dispatcher) failed(job store.PollingJob, kind ErrorKind, detail string) PollOutcome {
	observability.PollOutcomes.WithLabelValues(string(job.Protocol), string(kind)).Inc()
	return PollOutcome{
		JobID:     job.ID,
		DeviceID:  job.DeviceID,
		Protocol:  job.Protocol,
		Err:       kind,
		Detail:    detail,
		Timestamp: d.clock.Now(),
	}
}

func (d *Dispatcher) execute(ctx context.Context, job store.PollingJob, device *store.Device) PollOutcome {
	if device == nil {
		return d.failed(job, ErrUnknownDevice, fmt.Sprintf("device %d not found", job.DeviceID))
	}
	client, err := d.table.Lookup(job.Protocol)
	if err != nil {
		return d.failed(job, ErrProtocolError, err.Error())
	}
	if !device.Supports(job.Protocol) {
		return d.failed(job, ErrProtocolError, fmt.Sprintf("%s not enabled on device %d", job.Protocol, device.ID))
	}

	if err := d.limiter.Wait(ctx, strconv.FormatInt(device.ID, 10)); err != nil {
		return d.failed(job, ErrProtocolTimeout, fmt.Sprintf("rate limit wait: %v", err))
	}

	timeout := d.table.Timeout(job.Protocol)
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	data, err := d.safeFetch(fetchCtx, client, *device, job)
	observability.FetchDuration.WithLabelValues(string(job.Protocol)).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := Classify(err)
		d.logger.Warn("poll failed",
			zap.Int64("job_id", job.ID),
			zap.Int64("device_id", job.DeviceID),
			zap.String("protocol", string(job.Protocol)),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return d.failed(job, kind, err.Error())
	}

	observability.PollOutcomes.WithLabelValues(string(job.Protocol), "success").Inc()
	return PollOutcome{
		JobID:     job.ID,
		DeviceID:  job.DeviceID,
		Protocol:  job.Protocol,
		Success:   true,
		Data:      data,
		Timestamp: d.clock.Now(),
	}
}

// safeFetch turns a panicking client into a failed poll.
func (d *Dispatcher) safeFetch(ctx context.Context, client protocol.Client, device store.Device, job store.PollingJob) (data map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			id := uuid.NewString()
			d.logger.Error("protocol client panic",
				zap.String("correlation_id", id),
				zap.Int64("job_id", job.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			data, err = nil, fmt.Errorf("client panic (correlation_id=%s): %v", id, r)
		}
	}()
	return client.Fetch(ctx, device, job.Request)
}

// Classify maps a fetch error onto an ErrorKind.
func Classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrProtocolTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrProtocolTimeout
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return ErrProtocolTimeout
	}
	return ErrProtocolError
}

// SucceededDevices returns the devices with at least one successful outcome.
func SucceededDevices(outcomes []PollOutcome) map[int64]bool {
	ok := make(map[int64]bool)
	for _, o := range outcomes {
		if o.Success {
			ok[o.DeviceID] = true
		}
	}
	return ok
}
