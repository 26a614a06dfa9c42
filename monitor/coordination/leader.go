package coordination

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/observability"
	"github.com/itskum47/scnms/monitor/store"
)

// PollerLease is the resource id of the single poller lease.
const PollerLease = "poller"

type LockMetadata struct {
	OwnerNode string    `json:"owner_node"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaderElector keeps at most one monitor instance polling. The leader holds
// a Redis lease renewed every ttl/3; each acquisition takes a new epoch.
type LeaderElector struct {
	coordinator store.Coordinator
	nodeID      string
	lockKey     string
	ttl         time.Duration
	logger      *zap.Logger

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCancel context.CancelFunc
	transitions  int64

	onElected func(context.Context)
	onLost    func()

	renewFailures int
	done          chan struct{}
}

type LeaderState struct {
	IsLeader     bool   `json:"is_leader"`
	CurrentEpoch int64  `json:"current_epoch"`
	Transitions  int64  `json:"transitions"`
	NodeID       string `json:"node_id"`
}

type fencingKey string

const fencingEpochKey fencingKey = "fencing_epoch"

// WithEpoch returns a child of ctx carrying a fencing epoch.
func WithEpoch(ctx context.Context, epoch int64) context.Context {
	return context.WithValue(ctx, fencingEpochKey, epoch)
}

// EpochFromContext extracts the fencing epoch from a leader context.
func EpochFromContext(ctx context.Context) (int64, bool) {
	epoch, ok := ctx.Value(fencingEpochKey).(int64)
	return epoch, ok
}

func NewLeaderElector(c store.Coordinator, nodeID string, ttl time.Duration, logger *zap.Logger) *LeaderElector {
	return &LeaderElector{
		coordinator: c,
		nodeID:      nodeID,
		lockKey:     store.Key(store.ResourceLock, PollerLease),
		ttl:         ttl,
		logger:      logger.With(zap.String("node_id", nodeID)),
		done:        make(chan struct{}),
	}
}

// SetCallbacks registers leadership hooks. onElected runs on its own
// goroutine with a context cancelled when leadership ends.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) State() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:     l.isLeader,
		CurrentEpoch: l.currentEpoch,
		Transitions:  l.transitions,
		NodeID:       l.nodeID,
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// Start campaigns until ctx ends, then steps down and releases the lease.
// Done is closed once that has happened.
func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *LeaderElector) Done() <-chan struct{} { return l.done }

func (l *LeaderElector) loop(ctx context.Context) {
	defer close(l.done)

	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl
	interval := minInterval

	// First attempt right away.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.stepDown()
			l.release()
			return
		case <-timer.C:
			if err := l.step(ctx); err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				l.logger.Warn("leader election error, backing off", zap.Duration("backoff", interval), zap.Error(err))
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

const maxRenewFailures = 3

// step renews a held lease or tries to acquire a free one.
func (l *LeaderElector) step(ctx context.Context) error {
	if !l.IsLeader() {
		acquired, err := l.acquire(ctx)
		if err != nil {
			return err
		}
		if acquired {
			l.becomeLeader()
		}
		return nil
	}

	renewed, err := l.renew(ctx)
	if err != nil {
		l.renewFailures++
		l.logger.Warn("lease renew failed", zap.Int("failures", l.renewFailures), zap.Error(err))
		if l.renewFailures >= maxRenewFailures {
			l.logger.Error("too many renew failures, stepping down")
			l.stepDown()
			l.renewFailures = 0
		}
		return err
	}
	l.renewFailures = 0
	if !renewed {
		l.stepDown()
	}
	return nil
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	holder, err := l.coordinator.LeaseHolder(ctx, l.lockKey)
	if err != nil {
		return false, err
	}
	if holder != "" {
		return false, nil
	}

	epoch, err := l.coordinator.IncrementEpoch(ctx, l.lockKey)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	meta := LockMetadata{
		OwnerNode: l.nodeID,
		Epoch:     epoch,
		ReqID:     uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	valBytes, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(valBytes)

	acquired, err := l.coordinator.AcquireLease(ctx, l.lockKey, val, l.ttl)
	if err != nil || !acquired {
		return false, err
	}

	l.mu.Lock()
	if l.currentEpoch > 0 && epoch > l.currentEpoch+1 {
		l.logger.Warn("epoch drift", zap.Int64("from", l.currentEpoch), zap.Int64("to", epoch))
		observability.LeadershipTransitions.WithLabelValues(l.nodeID, "epoch_drift").Inc()
	}
	l.currentEpoch = epoch
	l.currentValue = val
	l.mu.Unlock()
	return true, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, l.lockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.Lock()
	val := l.currentValue
	l.currentValue = ""
	l.mu.Unlock()
	if val == "" {
		return
	}

	// The caller's context is usually already cancelled here.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLease(ctx, l.lockKey, val); err != nil {
		l.logger.Warn("lease release failed", zap.Error(err))
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	l.transitions++
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	leaderCtx := WithEpoch(ctx, l.currentEpoch)
	epoch := l.currentEpoch
	l.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	observability.LeadershipEpoch.WithLabelValues(l.nodeID).Set(float64(epoch))
	observability.LeaderStatus.Set(1)
	l.logger.Info("acquired poller leadership", zap.Int64("epoch", epoch))

	if l.onElected != nil {
		go l.onElected(leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	if l.leaderCancel != nil {
		l.leaderCancel()
		l.leaderCancel = nil
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	l.logger.Info("lost poller leadership")
	if l.onLost != nil {
		l.onLost()
	}
}
