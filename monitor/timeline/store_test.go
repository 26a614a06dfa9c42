package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecentNewestFirst(t *testing.T) {
	s := NewStore(3)
	assert.Empty(t, s.Recent(0))

	for i := 1; i <= 5; i++ {
		s.Record(RoundReport{RoundID: fmt.Sprint(i), Due: i})
	}

	got := s.Recent(0)
	assert.Len(t, got, 3, "ring keeps the last three")
	assert.Equal(t, "5", got[0].RoundID)
	assert.Equal(t, "3", got[2].RoundID)

	assert.Len(t, s.Recent(2), 2)

	_, ok := s.Get("1")
	assert.False(t, ok, "evicted")
	r, ok := s.Get("4")
	assert.True(t, ok)
	assert.Equal(t, 4, r.Due)
}

func TestRecordStampsFinish(t *testing.T) {
	s := NewStore(0)
	start := time.Now().UTC()
	s.Record(RoundReport{RoundID: "a", StartedAt: start})

	r, _ := s.Get("a")
	assert.False(t, r.FinishedAt.IsZero())
	assert.GreaterOrEqual(t, r.Duration(), time.Duration(0))
}
