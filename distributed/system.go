package distributed

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dermesser/clusterinvoke/invoke"
)

type sample struct {
	weight  float64
	elapsed time.Duration
}

// window keeps the most recent completed samples of one entity and derives
// its index: total weight per second of total elapsed time.
type window struct {
	mu         sync.Mutex
	samples    *ring[sample]
	sumWeight  float64
	sumElapsed time.Duration
}

func newWindow(size int) *window {
	return &window{samples: newRing[sample](size)}
}

func (w *window) add(s sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.samples.full() {
		w.samples.pop()
	}
	w.samples.push(s)

	// Recomputed instead of updated incrementally so that rounding errors do not accumulate.
	w.sumWeight, w.sumElapsed = 0, 0
	w.samples.each(func(s sample) {
		w.sumWeight += s.weight
		w.sumElapsed += s.elapsed
	})
}

// Returns neutral until the first sample is in.
func (w *window) index(neutral float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.samples.len() == 0 || w.sumElapsed <= 0 {
		return neutral
	}
	return w.sumWeight / w.sumElapsed.Seconds()
}

func (w *window) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samples.len()
}

// Sender delivers invocations to a worker node, usually its server.Session.
type Sender interface {
	Send(m *invoke.Invoke) error
}

// A System is one connected worker node. Its performance index covers all
// work it completed, whatever the role.
type System struct {
	id     string
	sender Sender
	sched  *Scheduler
	perf   *window

	mu        sync.Mutex
	processes map[string]*Process
}

func (sys *System) ID() string {
	return sys.id
}

func (sys *System) PerformanceIndex() float64 {
	return sys.perf.index(sys.sched.cfg.NeutralIndex)
}

// AddProcess announces that the node serves role. Adding a role twice
// returns the existing process.
func (sys *System) AddProcess(role string) *Process {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	if p, ok := sys.processes[role]; ok {
		return p
	}
	p := &Process{system: sys, role: role, res: newWindow(sys.sched.cfg.Window)}
	sys.processes[role] = p
	sys.sched.logger.Info().Str("system_id", sys.id).Str("role", role).Msg("process registered")
	return p
}

func (sys *System) Process(role string) (*Process, bool) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	p, ok := sys.processes[role]
	return p, ok
}

// Roles returns the roles served by the node in lexical order.
func (sys *System) Roles() []string {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	roles := make([]string, 0, len(sys.processes))
	for r := range sys.processes {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// A Process is one role served by a System.
type Process struct {
	system  *System
	role    string
	res     *window
	pending atomic.Int64
}

func (p *Process) System() *System {
	return p.system
}

func (p *Process) Role() string {
	return p.role
}

func (p *Process) ResourceIndex() float64 {
	return p.res.index(p.system.sched.cfg.NeutralIndex)
}

// Pending returns the number of dispatched records not completed yet.
func (p *Process) Pending() int {
	return int(p.pending.Load())
}

// Score is the selection score: resource index times the node's performance index.
func (p *Process) Score() float64 {
	return p.ResourceIndex() * p.system.PerformanceIndex()
}
