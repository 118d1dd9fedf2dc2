package server

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/dermesser/clusterinvoke/metrics"
)

/*
Semaphore bounds the number of concurrently running dispatches of one user.
A capacity of 0 or less means unbounded.

Acquire only ever blocks the dispatching goroutine, never a session's read loop.
*/
type Semaphore struct {
	capacity int64
	sem      *semaphore.Weighted

	inFlight atomic.Int64
	waiting  atomic.Int64
}

func NewSemaphore(capacity int) *Semaphore {
	s := &Semaphore{capacity: int64(capacity)}
	if capacity > 0 {
		s.sem = semaphore.NewWeighted(int64(capacity))
	}
	return s
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.sem != nil {
		s.waiting.Add(1)
		metrics.DispatchWaiting.Inc()
		err := s.sem.Acquire(ctx, 1)
		metrics.DispatchWaiting.Dec()
		s.waiting.Add(-1)
		if err != nil {
			return err
		}
	}
	s.inFlight.Add(1)
	metrics.DispatchInFlight.Inc()
	return nil
}

// Release frees a slot taken by Acquire. It never blocks.
func (s *Semaphore) Release() {
	s.inFlight.Add(-1)
	metrics.DispatchInFlight.Dec()
	if s.sem != nil {
		s.sem.Release(1)
	}
}

func (s *Semaphore) Capacity() int {
	return int(s.capacity)
}

func (s *Semaphore) InFlight() int {
	return int(s.inFlight.Load())
}

func (s *Semaphore) Waiting() int {
	return int(s.waiting.Load())
}
