package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/scnms/monitor/store"
)

type FakeClock struct{ now time.Time }

func (c *FakeClock) Now() time.Time { return c.now }
func (c *FakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func job(id int64, interval time.Duration) *store.PollingJob {
	return &store.PollingJob{ID: id, DeviceID: 1, Protocol: store.ProtocolSNMP, Request: "sysUpTime", Interval: interval, Enabled: true}
}

func ids(jobs []store.PollingJob) []int64 {
	out := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func TestSelectDueNeverRunIsDue(t *testing.T) {
	s := NewJobScheduler(&FakeClock{now: t0})
	s.Sync([]*store.PollingJob{job(3, time.Minute), job(1, time.Minute), job(2, time.Minute)})

	due := s.SelectDue(t0)
	assert.Equal(t, []int64{3, 1, 2}, ids(due), "insertion order")
}

func TestSelectDueIsIdempotent(t *testing.T) {
	s := NewJobScheduler(nil)
	s.Sync([]*store.PollingJob{job(1, time.Minute), job(2, time.Minute)})
	_, err := s.Reschedule(1, t0)
	require.NoError(t, err)

	first := s.SelectDue(t0.Add(10 * time.Second))
	second := s.SelectDue(t0.Add(10 * time.Second))
	assert.Equal(t, first, second)
	assert.Equal(t, []int64{2}, ids(first))
}

func TestSelectDueSkipsDisabled(t *testing.T) {
	s := NewJobScheduler(nil)
	off := job(1, time.Minute)
	off.Enabled = false
	s.Sync([]*store.PollingJob{off, job(2, time.Minute)})

	assert.Equal(t, []int64{2}, ids(s.SelectDue(t0)))
}

func TestRescheduleSetsTimestamps(t *testing.T) {
	s := NewJobScheduler(nil)
	s.Sync([]*store.PollingJob{job(1, 90*time.Second)})

	j, err := s.Reschedule(1, t0)
	require.NoError(t, err)
	require.NotNil(t, j.LastExecuted)
	require.NotNil(t, j.NextExecution)
	assert.True(t, j.LastExecuted.Equal(t0))
	assert.True(t, j.NextExecution.Equal(t0.Add(90*time.Second)))

	// due exactly at next_execution, not a moment before
	assert.Empty(t, s.SelectDue(t0.Add(89*time.Second)))
	assert.Len(t, s.SelectDue(t0.Add(90*time.Second)), 1)

	_, err = s.Reschedule(42, t0)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestJobDueAtEveryInterval(t *testing.T) {
	const interval = 5 * time.Minute
	s := NewJobScheduler(nil)
	s.Sync([]*store.PollingJob{job(1, interval)})

	// rounds every 30s for an hour; the job must run at each t0 + k*interval
	var ran []time.Time
	for now := t0; !now.After(t0.Add(time.Hour)); now = now.Add(30 * time.Second) {
		for _, j := range s.SelectDue(now) {
			ran = append(ran, now)
			_, err := s.Reschedule(j.ID, now)
			require.NoError(t, err)
		}
	}
	require.Len(t, ran, 13)
	for k, at := range ran {
		assert.True(t, at.Equal(t0.Add(time.Duration(k)*interval)), "run %d at %s", k, at)
	}
}

func TestSyncPreservesTimingAndPicksUpChanges(t *testing.T) {
	s := NewJobScheduler(nil)
	s.Sync([]*store.PollingJob{job(1, time.Minute), job(2, time.Minute)})
	_, err := s.Reschedule(1, t0)
	require.NoError(t, err)

	// interval changed externally, job 2 removed, job 3 added with a persisted schedule
	changed := job(1, 10*time.Minute)
	persisted := job(3, time.Minute)
	later := t0.Add(time.Hour)
	persisted.NextExecution = &later
	s.Sync([]*store.PollingJob{changed, persisted})

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 10*time.Minute, snap[0].Interval)
	require.NotNil(t, snap[0].NextExecution)
	assert.True(t, snap[0].NextExecution.Equal(t0.Add(time.Minute)), "timing kept across sync")
	assert.True(t, snap[1].NextExecution.Equal(later))
	assert.Empty(t, s.SelectDue(t0.Add(30*time.Second)))
}

func TestDeviceLimiterQueuesInsteadOfDropping(t *testing.T) {
	l := NewDeviceLimiter(50, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx, "device-1"))
	}
	// burst 1 at 50/s: the 2nd and 3rd calls wait ~20ms each
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// other devices have their own bucket
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "device-2"))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestDeviceLimiterUnlimited(t *testing.T) {
	l := NewDeviceLimiter(0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx, "d"))
	}
}
