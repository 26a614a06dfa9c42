package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itskum47/scnms/monitor/store"
)

// ErrUnknownJob is returned when rescheduling a job the scheduler does not hold.
var ErrUnknownJob = errors.New("unknown polling job")

// JobScheduler decides which polling jobs are due. It owns the in-process
// view of each job's timing; persistence of that view is the caller's job.
type JobScheduler struct {
	mu    sync.RWMutex
	clock Clock
	jobs  map[int64]*store.PollingJob
	order []int64
}

func NewJobScheduler(clock Clock) *JobScheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &JobScheduler{
		clock: clock,
		jobs:  make(map[int64]*store.PollingJob),
	}
}

// Now returns the scheduler's clock reading.
func (s *JobScheduler) Now() time.Time {
	return s.clock.Now()
}

// Sync replaces the active job set with defs, in order. Jobs already held keep
// their in-process LastExecuted/NextExecution; definition fields (enabled,
// interval, protocol, request, device) always come from defs.
func (s *JobScheduler) Sync(defs []*store.PollingJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[int64]*store.PollingJob, len(defs))
	order := make([]int64, 0, len(defs))
	for _, def := range defs {
		if _, dup := next[def.ID]; dup {
			continue
		}
		j := *def
		if held, ok := s.jobs[def.ID]; ok {
			j.LastExecuted = held.LastExecuted
			j.NextExecution = held.NextExecution
		}
		next[j.ID] = &j
		order = append(order, j.ID)
	}
	s.jobs = next
	s.order = order
}

// SelectDue returns copies of the jobs due at now, in insertion order.
// It has no side effects.
func (s *JobScheduler) SelectDue(now time.Time) []store.PollingJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []store.PollingJob
	for _, id := range s.order {
		j := s.jobs[id]
		if j.IsDue(now) {
			due = append(due, *j)
		}
	}
	return due
}

// Reschedule marks a job executed at now and sets its next run one interval later.
func (s *JobScheduler) Reschedule(jobID int64, now time.Time) (store.PollingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return store.PollingJob{}, fmt.Errorf("%w: %d", ErrUnknownJob, jobID)
	}
	last := now
	next := now.Add(j.Interval)
	j.LastExecuted = &last
	j.NextExecution = &next
	return *j, nil
}

// Snapshot returns copies of all held jobs in insertion order.
func (s *JobScheduler) Snapshot() []store.PollingJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.PollingJob, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.jobs[id])
	}
	return out
}

// Len returns the number of held jobs.
func (s *JobScheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
