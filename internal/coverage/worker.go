package coverage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"polarview/internal/tile"
)

var ErrWorkerStopped = errors.New("coverage worker stopped")

// Request is one decode job. Reference, when set, replaces the pole table
// before Samples are decoded.
type Request struct {
	Reference *tile.LonLat
	Samples   []byte
}

// Result is the outcome of one Request. Set is nil when the request only
// carried a reference point.
type Result struct {
	Set     tile.Set
	Err     error
	Elapsed time.Duration
}

// Worker runs a Decoder on its own goroutine. The only traffic in and out is
// the request and result channels; samples are copied on submission.
type Worker struct {
	requests chan Request
	results  chan Result
	done     chan struct{}
	logger   *zap.Logger
}

// StartWorker launches the decode goroutine. It exits when ctx is done.
func StartWorker(ctx context.Context, maxZoom int, ref tile.LonLat, logger *zap.Logger) *Worker {
	w := &Worker{
		requests: make(chan Request),
		results:  make(chan Result, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go w.run(ctx, NewDecoder(maxZoom, ref))
	return w
}

func (w *Worker) run(ctx context.Context, d *Decoder) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			if req.Reference != nil {
				d.SetReference(*req.Reference)
				w.logger.Debug("Reference point updated",
					zap.Float64("lon", req.Reference.Lon),
					zap.Float64("lat", req.Reference.Lat),
				)
			}

			var res Result
			if req.Samples != nil {
				start := time.Now()
				res.Set, res.Err = d.Decode(req.Samples)
				res.Elapsed = time.Since(start)
			}

			select {
			case w.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Submit hands a request to the worker. Callers keep at most one request
// outstanding and read its Result before submitting the next.
func (w *Worker) Submit(ctx context.Context, req Request) error {
	if req.Samples != nil {
		req.Samples = append([]byte(nil), req.Samples...)
	}
	if req.Reference != nil {
		ref := *req.Reference
		req.Reference = &ref
	}

	select {
	case w.requests <- req:
		return nil
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results delivers one Result per submitted Request.
func (w *Worker) Results() <-chan Result {
	return w.results
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
