package distributed

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/dermesser/clusterinvoke/invoke"
)

func testProcess() *Process {
	s := NewScheduler(Config{})
	sys, _ := s.AddSystem("node-1", &fakeSender{})
	return sys.AddProcess("work")
}

func TestHistoryComplete(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h, err := newHistory(7, testProcess(), invoke.New("work"), 2.5, start)
	if err != nil {
		t.Fatal(err)
	}
	if h.Completed() {
		t.Fatal("new history is completed")
	}
	if _, ok := h.Elapsed(); ok {
		t.Fatal("pending history reports elapsed time")
	}
	if h.SystemID() != "node-1" || h.Role() != "work" || h.Weight() != 2.5 {
		t.Fatal("bad record:", h.SystemID(), h.Role(), h.Weight())
	}

	if err := h.Complete(start.Add(3*time.Second), nil); err != nil {
		t.Fatal(err)
	}
	if e, ok := h.Elapsed(); !ok || e != 3*time.Second {
		t.Fatal("bad elapsed time:", e, ok)
	}

	err = h.Complete(start.Add(time.Hour), nil)
	var ace *AlreadyCompletedError
	if !errors.As(err, &ace) || ace.UID != 7 {
		t.Fatal("expected AlreadyCompletedError, got", err)
	}
	if e, _ := h.Elapsed(); e != 3*time.Second {
		t.Fatal("second completion changed the record:", e)
	}
	if !h.End().Equal(start.Add(3 * time.Second)) {
		t.Fatal("second completion changed the end:", h.End())
	}
}

func TestHistoryClampsNegativeElapsed(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h, _ := newHistory(1, testProcess(), invoke.New("work"), 1, start)

	if err := h.Complete(start.Add(-time.Second), nil); err != nil {
		t.Fatal(err)
	}
	if e, _ := h.Elapsed(); e != MinElapsed {
		t.Fatal("elapsed not clamped:", e)
	}
}

func TestHistoryNegativeWeight(t *testing.T) {
	if _, err := newHistory(1, testProcess(), invoke.New("work"), -0.5, time.Now()); !errors.Is(err, ErrNegativeWeight) {
		t.Fatal("negative weight accepted:", err)
	}
}

func TestHistoryNonFiniteWeight(t *testing.T) {
	for _, w := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := newHistory(1, testProcess(), invoke.New("work"), w, time.Now()); !errors.Is(err, ErrInvalidWeight) {
			t.Fatal("weight", w, "accepted:", err)
		}
	}
}
