package distributed

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dermesser/clusterinvoke/invoke"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*invoke.Invoke
	err  error
}

func (fs *fakeSender) Send(m *invoke.Invoke) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.err != nil {
		return fs.err
	}
	fs.sent = append(fs.sent, m)
	return nil
}

func (fs *fakeSender) last() *invoke.Invoke {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.sent) == 0 {
		return nil
	}
	return fs.sent[len(fs.sent)-1]
}

func newTestScheduler(cfg Config) (*Scheduler, *fakeClock) {
	s := NewScheduler(cfg)
	clk := newFakeClock()
	s.SetClock(clk.now)
	return s, clk
}

func addProcess(t *testing.T, s *Scheduler, id, role string) (*Process, *fakeSender) {
	t.Helper()
	fs := &fakeSender{}
	sys, err := s.AddSystem(id, fs)
	require.NoError(t, err)
	return sys.AddProcess(role), fs
}

// record runs one piece of work of the given weight on p that takes elapsed.
func record(t *testing.T, s *Scheduler, clk *fakeClock, p *Process, weight float64, elapsed time.Duration) {
	t.Helper()
	h, err := s.Open(p, invoke.New("work"), weight)
	require.NoError(t, err)
	clk.advance(elapsed)
	require.NoError(t, s.Report(h.UID(), invoke.New("done")))
}

func TestSelectNoCandidate(t *testing.T) {
	s, _ := newTestScheduler(Config{})
	addProcess(t, s, "a", "render")

	_, err := s.Select("compile")
	assert.True(t, errors.Is(err, ErrNoCandidate))
}

func TestSelectBias(t *testing.T) {
	s, clk := newTestScheduler(Config{})
	a, _ := addProcess(t, s, "a", "work")
	b, _ := addProcess(t, s, "b", "work")

	a.res.add(sample{weight: 4, elapsed: time.Second})
	require.InDelta(t, 4.0, a.Score(), 1e-9)
	require.InDelta(t, 1.0, b.Score(), 1e-9)

	p, err := s.Select("work")
	require.NoError(t, err)
	assert.Equal(t, "a", p.System().ID())

	for i := 0; i < 10; i++ {
		record(t, s, clk, a, 1, 100*time.Second)
	}
	assert.Less(t, a.Score(), b.Score())

	p, err = s.Select("work")
	require.NoError(t, err)
	assert.Equal(t, "b", p.System().ID())
}

func TestSelectTieBreak(t *testing.T) {
	s, _ := newTestScheduler(Config{})
	b, _ := addProcess(t, s, "b", "work")
	a, _ := addProcess(t, s, "a", "work")

	p, err := s.Select("work")
	require.NoError(t, err)
	assert.Same(t, a, p, "equal scores and no pending work go to the lower id")

	_, err = s.Open(a, invoke.New("work"), 1)
	require.NoError(t, err)

	p, err = s.Select("work")
	require.NoError(t, err)
	assert.Same(t, b, p, "equal scores go to the process with less pending work")
}

func TestDispatchAndReport(t *testing.T) {
	s, clk := newTestScheduler(Config{})
	_, fs := addProcess(t, s, "a", "sum")

	in := invoke.New("sum", invoke.Number("x", 1), invoke.Number("y", 2))
	h, err := s.Dispatch(context.Background(), "sum", in, 3)
	require.NoError(t, err)
	assert.Equal(t, "a", h.SystemID())
	assert.Equal(t, 1, s.NumPending())

	sent := fs.last()
	require.NotNil(t, sent)
	uid, ok := sent.NumberOf(ParamHistoryUID)
	require.True(t, ok)
	assert.Equal(t, h.UID(), uint64(uid))
	role, ok := sent.TextOf(ParamProcess)
	require.True(t, ok)
	assert.Equal(t, "sum", role)
	assert.Equal(t, 2, in.Len(), "dispatch must not modify the caller's message")

	clk.advance(1500 * time.Millisecond)
	reply := invoke.New(ListenerReportHistory, invoke.Number(ParamHistoryUID, uid), invoke.Number("result", 3))
	require.NoError(t, s.Report(h.UID(), reply.Without(ParamHistoryUID)))

	select {
	case <-h.Done():
	default:
		t.Fatal("history not completed")
	}
	assert.Equal(t, OutcomeReported, h.Outcome())
	elapsed, ok := h.Elapsed()
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, elapsed)
	result, ok := h.Reply().NumberOf("result")
	require.True(t, ok)
	assert.Equal(t, 3.0, result)
	assert.Nil(t, h.Reply().Get(ParamHistoryUID))
	assert.Equal(t, 0, s.NumPending())

	err = s.Report(h.UID(), reply)
	assert.True(t, errors.Is(err, ErrUnknownHistory))
}

func TestDispatchSendFailure(t *testing.T) {
	s, _ := newTestScheduler(Config{TimeoutPenalty: time.Minute})
	p, fs := addProcess(t, s, "a", "work")
	fs.err = errors.New("connection reset")

	h, err := s.Dispatch(context.Background(), "work", invoke.New("work"), 1)
	require.Error(t, err)
	require.NotNil(t, h)
	assert.Equal(t, OutcomeSendFailed, h.Outcome())
	elapsed, _ := h.Elapsed()
	assert.Equal(t, time.Minute, elapsed)
	assert.Equal(t, 0, p.Pending())
	assert.InDelta(t, 1.0/60, p.ResourceIndex(), 1e-9)
}

func TestDispatchCanceled(t *testing.T) {
	s, _ := newTestScheduler(Config{})
	addProcess(t, s, "a", "work")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Dispatch(ctx, "work", invoke.New("work"), 1)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, s.NumPending())
}

func TestNegativeWeight(t *testing.T) {
	s, _ := newTestScheduler(Config{})
	addProcess(t, s, "a", "work")

	_, err := s.Dispatch(context.Background(), "work", invoke.New("work"), -1)
	assert.True(t, errors.Is(err, ErrNegativeWeight))
	assert.Equal(t, 0, s.NumPending())
}

func TestReapTimeout(t *testing.T) {
	s, clk := newTestScheduler(Config{PendingTimeout: time.Minute, TimeoutPenalty: time.Hour})
	p, _ := addProcess(t, s, "a", "work")

	h, err := s.Dispatch(context.Background(), "work", invoke.New("work"), 1)
	require.NoError(t, err)

	clk.advance(30 * time.Second)
	assert.Equal(t, 0, s.reap())
	assert.False(t, h.Completed())

	clk.advance(31 * time.Second)
	assert.Equal(t, 1, s.reap())
	assert.Equal(t, OutcomeTimeout, h.Outcome())
	elapsed, _ := h.Elapsed()
	assert.Equal(t, time.Hour, elapsed)
	assert.Equal(t, 0, p.Pending())

	// A late report is ignored.
	assert.True(t, errors.Is(s.Report(h.UID(), invoke.New("late")), ErrUnknownHistory))
}

func TestReapDisabled(t *testing.T) {
	s, clk := newTestScheduler(Config{PendingTimeout: 0})
	addProcess(t, s, "a", "work")

	_, err := s.Dispatch(context.Background(), "work", invoke.New("work"), 1)
	require.NoError(t, err)
	clk.advance(24 * time.Hour)
	assert.Equal(t, 0, s.reap())
	assert.Equal(t, 1, s.NumPending())
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewScheduler(Config{ReapInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRemoveSystem(t *testing.T) {
	s, _ := newTestScheduler(Config{TimeoutPenalty: time.Hour})
	addProcess(t, s, "a", "work")

	h, err := s.Dispatch(context.Background(), "work", invoke.New("work"), 1)
	require.NoError(t, err)

	s.RemoveSystem("a")
	assert.Equal(t, OutcomeDisconnected, h.Outcome())
	assert.Equal(t, 0, s.NumPending())

	_, err = s.Select("work")
	assert.True(t, errors.Is(err, ErrNoCandidate))

	// Removing twice is harmless.
	s.RemoveSystem("a")
}

func TestAddSystemTwice(t *testing.T) {
	s, _ := newTestScheduler(Config{})
	_, err := s.AddSystem("a", &fakeSender{})
	require.NoError(t, err)
	_, err = s.AddSystem("a", &fakeSender{})
	assert.True(t, errors.Is(err, ErrSystemExists))
}

func TestAddProcessTwice(t *testing.T) {
	s, _ := newTestScheduler(Config{})
	p, _ := addProcess(t, s, "a", "work")
	sys, ok := s.System("a")
	require.True(t, ok)
	assert.Same(t, p, sys.AddProcess("work"))
	assert.Equal(t, []string{"work"}, sys.Roles())
}

func TestWindowBounded(t *testing.T) {
	s, clk := newTestScheduler(Config{Window: 4})
	p, _ := addProcess(t, s, "a", "work")

	for i := 0; i < 4; i++ {
		record(t, s, clk, p, 1, 10*time.Second)
	}
	assert.InDelta(t, 0.1, p.ResourceIndex(), 1e-9)

	// Four fast samples push all slow ones out of the window.
	for i := 0; i < 4; i++ {
		record(t, s, clk, p, 1, time.Second)
	}
	assert.Equal(t, 4, p.res.len())
	assert.InDelta(t, 1.0, p.ResourceIndex(), 1e-9)
}

func TestSnapshot(t *testing.T) {
	s, clk := newTestScheduler(Config{})
	p, _ := addProcess(t, s, "b", "work")
	addProcess(t, s, "a", "other")
	record(t, s, clk, p, 2, time.Second)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)
	assert.InDelta(t, 2.0, snap[1].PerformanceIndex, 1e-9)
	require.Len(t, snap[1].Processes, 1)
	assert.InDelta(t, 4.0, snap[1].Processes[0].Score, 1e-9)
}

func TestDispatchNonFiniteWeight(t *testing.T) {
	s, _ := newTestScheduler(Config{})
	_, fs := addProcess(t, s, "n1", "r")

	_, err := s.Dispatch(context.Background(), "r", invoke.New("r"), math.NaN())
	assert.True(t, errors.Is(err, ErrInvalidWeight), "got %v", err)
	assert.Nil(t, fs.last())
	assert.Equal(t, 0, s.NumPending())
}
