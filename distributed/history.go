package distributed

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dermesser/clusterinvoke/invoke"
)

// Elapsed time recorded for a history whose end lies before its start.
const MinElapsed = time.Microsecond

var (
	ErrNegativeWeight = errors.New("history weight must not be negative")
	ErrInvalidWeight  = errors.New("history weight must be a finite number")
)

// Returned when a history record is completed a second time.
type AlreadyCompletedError struct {
	UID uint64
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("history %d already completed", e.UID)
}

// Outcomes of a history record.
const (
	OutcomeReported     = "reported"
	OutcomeTimeout      = "timeout"
	OutcomeSendFailed   = "send_failed"
	OutcomeDisconnected = "disconnected"
)

/*
History records one piece of work dispatched to a process on a worker node:
what was sent, its weight and when it started and ended. It is pending until
completed, and completes exactly once.
*/
type History struct {
	uid      uint64
	systemID string
	role     string
	in       *invoke.Invoke
	weight   float64
	start    time.Time

	proc *Process

	mu        sync.Mutex
	completed bool
	end       time.Time
	elapsed   time.Duration
	outcome   string
	reply     *invoke.Invoke
	done      chan struct{}
}

func newHistory(uid uint64, proc *Process, in *invoke.Invoke, weight float64, start time.Time) (*History, error) {
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return nil, ErrInvalidWeight
	}
	if weight < 0 {
		return nil, ErrNegativeWeight
	}
	return &History{
		uid:      uid,
		systemID: proc.system.id,
		role:     proc.role,
		in:       in,
		weight:   weight,
		start:    start,
		proc:     proc,
		done:     make(chan struct{}),
	}, nil
}

func (h *History) UID() uint64 {
	return h.uid
}

func (h *History) SystemID() string {
	return h.systemID
}

func (h *History) Role() string {
	return h.role
}

func (h *History) Invoke() *invoke.Invoke {
	return h.in
}

func (h *History) Weight() float64 {
	return h.weight
}

func (h *History) Start() time.Time {
	return h.start
}

/*
Complete stamps the end time. If end lies before the start, the elapsed time
is clamped to MinElapsed. A second call returns *AlreadyCompletedError and
changes nothing.
*/
func (h *History) Complete(end time.Time, reply *invoke.Invoke) error {
	elapsed := end.Sub(h.start)
	return h.completeWith(end, elapsed, reply, OutcomeReported)
}

func (h *History) completeWith(end time.Time, elapsed time.Duration, reply *invoke.Invoke, outcome string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.completed {
		return &AlreadyCompletedError{UID: h.uid}
	}
	if elapsed < MinElapsed {
		elapsed = MinElapsed
	}
	h.completed = true
	h.end = end
	h.elapsed = elapsed
	h.reply = reply
	h.outcome = outcome
	close(h.done)
	return nil
}

// Done is closed when the record completes.
func (h *History) Done() <-chan struct{} {
	return h.done
}

func (h *History) Completed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

// Elapsed returns the recorded duration; ok is false while pending.
func (h *History) Elapsed() (elapsed time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.elapsed, h.completed
}

func (h *History) End() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.end
}

// Outcome is one of the Outcome* constants, or "" while pending.
func (h *History) Outcome() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Reply returns the worker's result message, without the history uid.
// It is nil unless the outcome is OutcomeReported.
func (h *History) Reply() *invoke.Invoke {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reply
}
