package distributed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dermesser/clusterinvoke/invoke"
)

// reportingSender answers every dispatched piece right away.
type reportingSender struct {
	s  *Scheduler
	wg sync.WaitGroup
}

func (rs *reportingSender) Send(m *invoke.Invoke) error {
	uid, _ := m.NumberOf(ParamHistoryUID)
	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		rs.s.Report(uint64(uid), invoke.New(ListenerReportHistory))
	}()
	return nil
}

func TestProgressFraction(t *testing.T) {
	assert.Equal(t, 50, Progress{Numerator: 1, Denominator: 2}.Percent())
	assert.Equal(t, 1.0, Progress{}.Fraction())
}

func TestDispatchAll(t *testing.T) {
	s := NewScheduler(Config{})
	rs := &reportingSender{s: s}
	sys, err := s.AddSystem("a", rs)
	require.NoError(t, err)
	sys.AddProcess("work")

	pieces := []Piece{
		{In: invoke.New("work", invoke.Number("n", 1)), Weight: 1},
		{In: invoke.New("work", invoke.Number("n", 2)), Weight: 2},
		{In: invoke.New("work", invoke.Number("n", 3)), Weight: 1},
	}

	var seen []Progress
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := s.DispatchAll(ctx, "work", pieces, func(p Progress) { seen = append(seen, p) })
	require.NoError(t, err)
	rs.wg.Wait()

	require.Len(t, records, 3)
	for _, h := range records {
		assert.Equal(t, OutcomeReported, h.Outcome())
	}
	require.Len(t, seen, 3)
	last := seen[len(seen)-1]
	assert.Equal(t, Progress{Numerator: 4, Denominator: 4}, last)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i].Numerator, seen[i-1].Numerator)
	}
}

func TestDispatchAllNoCandidate(t *testing.T) {
	s := NewScheduler(Config{})
	records, err := s.DispatchAll(context.Background(), "work", []Piece{{In: invoke.New("work"), Weight: 1}}, nil)
	assert.True(t, errors.Is(err, ErrNoCandidate))
	require.Len(t, records, 1)
	assert.Nil(t, records[0])
}

func TestDispatchAllCanceled(t *testing.T) {
	s := NewScheduler(Config{})
	sys, err := s.AddSystem("a", &fakeSender{})
	require.NoError(t, err)
	sys.AddProcess("work")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	records, err := s.DispatchAll(ctx, "work", []Piece{{In: invoke.New("work"), Weight: 1}}, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Len(t, records, 1)
	assert.False(t, records[0].Completed())
}
