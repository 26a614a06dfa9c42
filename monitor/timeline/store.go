package timeline

import (
	"sync"
	"time"
)

// RoundReport summarises one polling round.
type RoundReport struct {
	RoundID        string         `json:"round_id"`
	NodeID         string         `json:"node_id,omitempty"`
	Epoch          int64          `json:"epoch,omitempty"` // leadership epoch the round ran under
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	Due            int            `json:"due"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	Errors         map[string]int `json:"errors,omitempty"` // by error kind
	MetricsWritten int            `json:"metrics_written"`
	AlarmsRaised   int            `json:"alarms_raised"`
	AlarmsCleared  int            `json:"alarms_cleared"`
	Err            string         `json:"error,omitempty"`
}

func (r RoundReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

const DefaultCapacity = 256

// Store keeps the most recent round reports in a fixed-size ring.
type Store struct {
	reports []RoundReport
	next    int
	full    bool
	mu      sync.RWMutex
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{reports: make([]RoundReport, capacity)}
}

func (s *Store) Record(r RoundReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now().UTC()
	}
	s.reports[s.next] = r
	s.next = (s.next + 1) % len(s.reports)
	if s.next == 0 {
		s.full = true
	}
}

// Recent returns up to n reports, newest first. n <= 0 returns all held.
func (s *Store) Recent(n int) []RoundReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = len(s.reports)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]RoundReport, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.next - 1 - i + len(s.reports)) % len(s.reports)
		out = append(out, s.reports[idx])
	}
	return out
}

func (s *Store) Get(roundID string) (RoundReport, bool) {
	for _, r := range s.Recent(0) {
		if r.RoundID == roundID {
			return r, true
		}
	}
	return RoundReport{}, false
}
