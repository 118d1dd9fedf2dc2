/*
Package distributed tracks how fast connected worker nodes complete work and
routes new work to the fastest one.

Every dispatched piece is recorded as a History. When the worker reports back,
the record's weight and elapsed time feed two sliding windows: one of the
process that ran it (resource index) and one of its node (performance index).
Select picks the process with the highest product of both.
*/
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dermesser/clusterinvoke/invoke"
	"github.com/dermesser/clusterinvoke/log"
	"github.com/dermesser/clusterinvoke/metrics"
)

// Parameter names added to dispatched invocations and expected in reports.
const (
	ParamHistoryUID = invoke.ParamHistoryUID
	ParamProcess    = invoke.ParamProcess
	ParamRole       = invoke.ParamRole
)

var (
	ErrNoCandidate    = errors.New("no process serves the requested role")
	ErrSystemExists   = errors.New("system already registered")
	ErrUnknownHistory = errors.New("no pending history with that uid")
	ErrForeignHistory = errors.New("history was dispatched to another system")
)

type Config struct {
	// Completed samples kept per process and per node.
	Window int
	// Index of entities without completed samples.
	NeutralIndex float64
	// Pending records older than this are completed with TimeoutPenalty as
	// elapsed time. 0 disables the timeout.
	PendingTimeout time.Duration
	TimeoutPenalty time.Duration
	// How often Run looks for timed out records.
	ReapInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:         32,
		NeutralIndex:   1.0,
		PendingTimeout: 2 * time.Minute,
		TimeoutPenalty: time.Hour,
		ReapInterval:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.NeutralIndex <= 0 {
		c.NeutralIndex = d.NeutralIndex
	}
	if c.TimeoutPenalty <= 0 {
		c.TimeoutPenalty = d.TimeoutPenalty
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	return c
}

type Scheduler struct {
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.RWMutex
	systems map[string]*System

	pendingMu sync.Mutex
	pending   map[uint64]*History
	nextUID   atomic.Uint64
}

func NewScheduler(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		logger:  log.WithComponent("scheduler"),
		systems: make(map[string]*System),
		pending: make(map[uint64]*History),
	}
}

// SetClock replaces the time source. Only for use before the scheduler is shared.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) Config() Config {
	return s.cfg
}

// AddSystem registers a worker node that receives work through sender.
func (s *Scheduler) AddSystem(id string, sender Sender) (*System, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.systems[id]; ok {
		return nil, fmt.Errorf("%w: %q", ErrSystemExists, id)
	}
	sys := &System{id: id, sender: sender, sched: s, perf: newWindow(s.cfg.Window), processes: make(map[string]*Process)}
	s.systems[id] = sys
	metrics.SystemsConnected.Inc()
	s.logger.Info().Str("system_id", id).Msg("system registered")
	return sys, nil
}

/*
RemoveSystem unregisters a node. Its pending records are completed with the
timeout penalty, so that nobody waits for them forever.
*/
func (s *Scheduler) RemoveSystem(id string) {
	s.mu.Lock()
	_, ok := s.systems[id]
	delete(s.systems, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	metrics.SystemsConnected.Dec()

	s.pendingMu.Lock()
	var lost []*History
	for _, h := range s.pending {
		if h.systemID == id {
			lost = append(lost, h)
		}
	}
	s.pendingMu.Unlock()

	for _, h := range lost {
		s.finish(h, nil, OutcomeDisconnected)
	}
	s.logger.Info().Str("system_id", id).Int("lost", len(lost)).Msg("system removed")
}

func (s *Scheduler) System(id string) (*System, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sys, ok := s.systems[id]
	return sys, ok
}

// Systems in lexical id order.
func (s *Scheduler) sortedSystems() []*System {
	s.mu.RLock()
	list := make([]*System, 0, len(s.systems))
	for _, sys := range s.systems {
		list = append(list, sys)
	}
	s.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

/*
Select returns the process serving role with the highest score. Ties go to the
process with fewer pending records, then to the lexically smaller node id.
*/
func (s *Scheduler) Select(role string) (*Process, error) {
	var best *Process
	var bestScore float64
	var bestPending int

	for _, sys := range s.sortedSystems() {
		p, ok := sys.Process(role)
		if !ok {
			continue
		}
		score, pending := p.Score(), p.Pending()
		if best == nil || score > bestScore || (score == bestScore && pending < bestPending) {
			best, bestScore, bestPending = p, score, pending
		}
	}

	if best == nil {
		metrics.RecordSelection(role, "no_candidate")
		return nil, fmt.Errorf("%w: %q", ErrNoCandidate, role)
	}
	metrics.RecordSelection(role, "selected")
	return best, nil
}

/*
Dispatch selects a process for role, records a pending History and sends in,
extended by the history uid and the role, to the chosen node. The returned
record completes when the node reports back, times out or disconnects.

If sending fails, the record is completed with the timeout penalty and
returned together with the error.
*/
func (s *Scheduler) Dispatch(ctx context.Context, role string, in *invoke.Invoke, weight float64) (*History, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	proc, err := s.Select(role)
	if err != nil {
		return nil, err
	}

	h, err := s.Open(proc, in, weight)
	if err != nil {
		return nil, err
	}

	msg := in.With(
		invoke.Number(ParamHistoryUID, float64(h.uid)),
		invoke.Text(ParamProcess, role))

	if err := proc.system.sender.Send(msg); err != nil {
		s.logger.Warn().Err(err).Str("system_id", proc.system.id).Uint64("uid", h.uid).Msg("dispatch failed")
		s.finish(h, nil, OutcomeSendFailed)
		return h, err
	}

	s.logger.Debug().Str("system_id", proc.system.id).Str("role", role).Uint64("uid", h.uid).Float64("weight", weight).Msg("dispatched")
	return h, nil
}

// Open starts a pending record of in running on proc, without sending anything.
func (s *Scheduler) Open(proc *Process, in *invoke.Invoke, weight float64) (*History, error) {
	h, err := newHistory(s.nextUID.Add(1), proc, in, weight, s.now())
	if err != nil {
		return nil, err
	}

	s.pendingMu.Lock()
	s.pending[h.uid] = h
	s.pendingMu.Unlock()
	proc.pending.Add(1)
	metrics.HistoryPending.Inc()
	return h, nil
}

// Report completes the pending record uid with the worker's reply.
func (s *Scheduler) Report(uid uint64, reply *invoke.Invoke) error {
	s.pendingMu.Lock()
	h, ok := s.pending[uid]
	s.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHistory, uid)
	}
	return s.finish(h, reply, OutcomeReported)
}

// ReportFrom is Report for a reply received from the node systemID. A record
// dispatched to a different node stays pending.
func (s *Scheduler) ReportFrom(systemID string, uid uint64, reply *invoke.Invoke) error {
	s.pendingMu.Lock()
	h, ok := s.pending[uid]
	s.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHistory, uid)
	}
	if h.systemID != systemID {
		s.logger.Warn().Str("system_id", systemID).Str("owner", h.systemID).Uint64("uid", uid).Msg("rejected report for foreign history")
		return fmt.Errorf("%w: %d", ErrForeignHistory, uid)
	}
	return s.finish(h, reply, OutcomeReported)
}

/*
finish completes h and folds it into the windows of its process and node. A
record that is already completed is left alone; the error is logged and
returned.
*/
func (s *Scheduler) finish(h *History, reply *invoke.Invoke, outcome string) error {
	now := s.now()
	var err error
	if outcome == OutcomeReported {
		err = h.Complete(now, reply)
	} else {
		err = h.completeWith(now, s.cfg.TimeoutPenalty, nil, outcome)
	}
	if err != nil {
		s.logger.Warn().Err(err).Uint64("uid", h.uid).Msg("ignoring second completion")
		return err
	}

	s.pendingMu.Lock()
	delete(s.pending, h.uid)
	s.pendingMu.Unlock()
	h.proc.pending.Add(-1)
	metrics.HistoryPending.Dec()

	elapsed, _ := h.Elapsed()
	smp := sample{weight: h.weight, elapsed: elapsed}
	h.proc.res.add(smp)
	h.proc.system.perf.add(smp)

	metrics.RecordHistoryCompleted(h.role, outcome, elapsed.Seconds())
	s.logger.Debug().Uint64("uid", h.uid).Str("outcome", outcome).Dur("elapsed", elapsed).Msg("history completed")
	return nil
}

// reap completes every pending record older than the timeout. Returns how many.
func (s *Scheduler) reap() int {
	if s.cfg.PendingTimeout <= 0 {
		return 0
	}
	deadline := s.now().Add(-s.cfg.PendingTimeout)

	s.pendingMu.Lock()
	var expired []*History
	for _, h := range s.pending {
		if h.start.Before(deadline) {
			expired = append(expired, h)
		}
	}
	s.pendingMu.Unlock()

	for _, h := range expired {
		s.logger.Warn().Uint64("uid", h.uid).Str("system_id", h.systemID).Msg("history timed out")
		s.finish(h, nil, OutcomeTimeout)
	}
	return len(expired)
}

// Run reaps timed out records until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reap()
		}
	}
}

// NumPending returns the number of records awaiting completion.
func (s *Scheduler) NumPending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

type ProcessSnapshot struct {
	Role          string  `json:"role"`
	ResourceIndex float64 `json:"resource_index"`
	Score         float64 `json:"score"`
	Pending       int     `json:"pending"`
}

type SystemSnapshot struct {
	ID               string            `json:"id"`
	PerformanceIndex float64           `json:"performance_index"`
	Processes        []ProcessSnapshot `json:"processes"`
}

// Snapshot reports the current indices of every node and process.
func (s *Scheduler) Snapshot() []SystemSnapshot {
	systems := s.sortedSystems()
	out := make([]SystemSnapshot, 0, len(systems))
	for _, sys := range systems {
		snap := SystemSnapshot{ID: sys.id, PerformanceIndex: sys.PerformanceIndex()}
		for _, role := range sys.Roles() {
			p, ok := sys.Process(role)
			if !ok {
				continue
			}
			snap.Processes = append(snap.Processes, ProcessSnapshot{
				Role:          role,
				ResourceIndex: p.ResourceIndex(),
				Score:         p.Score(),
				Pending:       p.Pending(),
			})
		}
		out = append(out, snap)
	}
	return out
}
