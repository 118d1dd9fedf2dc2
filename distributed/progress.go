package distributed

import (
	"context"
	"errors"

	"github.com/dermesser/clusterinvoke/invoke"
)

// Progress of a batch: completed weight over total weight.
type Progress struct {
	Numerator   float64
	Denominator float64
}

func (p Progress) Fraction() float64 {
	if p.Denominator <= 0 {
		return 1
	}
	return p.Numerator / p.Denominator
}

func (p Progress) Percent() int {
	return int(p.Fraction() * 100)
}

// A Piece is one unit of work of a batch.
type Piece struct {
	In     *invoke.Invoke
	Weight float64
}

/*
DispatchAll dispatches every piece to role and waits until all records have
completed, calling onProgress (may be nil) after each one. The records are
returned in the order of pieces.

Pieces that could not be dispatched have a nil record; their errors are
joined into the returned error. Pieces whose send failed count as completed.
*/
func (s *Scheduler) DispatchAll(ctx context.Context, role string, pieces []Piece, onProgress func(Progress)) ([]*History, error) {
	records := make([]*History, len(pieces))
	var errs []error
	var total float64

	for i, piece := range pieces {
		h, err := s.Dispatch(ctx, role, piece.In, piece.Weight)
		if err != nil {
			errs = append(errs, err)
		}
		records[i] = h
		if h != nil {
			total += piece.Weight
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	completed := make(chan *History)
	waiting := 0
	for _, h := range records {
		if h == nil {
			continue
		}
		waiting++
		go func(h *History) {
			select {
			case <-h.Done():
				select {
				case completed <- h:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		}(h)
	}

	prog := Progress{Denominator: total}
	for ; waiting > 0; waiting-- {
		select {
		case h := <-completed:
			prog.Numerator += h.weight
			if onProgress != nil {
				onProgress(prog)
			}
		case <-ctx.Done():
			return records, errors.Join(append(errs, ctx.Err())...)
		}
	}
	return records, errors.Join(errs...)
}
