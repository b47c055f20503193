package fetch

import (
	"context"
	"image"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"polarview/internal/metrics"
	"polarview/internal/telemetry"
	"polarview/internal/tile"
)

// Source loads the imagery of one tile. Implementations make a single
// attempt; there is no retry.
type Source interface {
	Fetch(ctx context.Context, addr tile.Address) (image.Image, error)
}

// Result is one fetch completion. Exactly one of Image and Err is set.
type Result struct {
	Tile    tile.Address
	Image   image.Image
	Err     error
	Elapsed time.Duration
}

// Dispatcher runs fetches on a fixed pool of workers fed by a bounded queue.
// Completions are delivered on Results in whatever order they finish.
type Dispatcher struct {
	source  Source
	logger  *zap.Logger
	workers int
	jobs    chan tile.Address
	results chan Result
	wg      sync.WaitGroup
}

func NewDispatcher(source Source, workers, queueSize int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		source:  source,
		logger:  logger,
		workers: workers,
		jobs:    make(chan tile.Address, queueSize),
		results: make(chan Result, workers),
	}
}

// Start launches the workers. They stop when ctx is done; fetches already
// running see the same ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.logger.Info("Fetch workers started", zap.Int("workers", d.workers), zap.Int("queue", cap(d.jobs)))
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch queues a fetch without blocking. It returns false when the queue
// is full.
func (d *Dispatcher) Dispatch(addr tile.Address) bool {
	select {
	case d.jobs <- addr:
		return true
	default:
		metrics.FetchQueueFull.Inc()
		return false
	}
}

// Results delivers fetch completions.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case addr := <-d.jobs:
			res := d.fetch(ctx, addr)
			select {
			case d.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) fetch(ctx context.Context, addr tile.Address) Result {
	ctx, span := telemetry.Tracer().Start(ctx, "fetch.tile")
	defer span.End()
	span.SetAttributes(
		attribute.String("tile.hemisphere", addr.Hemisphere.String()),
		attribute.Int("tile.z", addr.Zoom),
		attribute.Int("tile.x", addr.X),
		attribute.Int("tile.y", addr.Y),
	)

	start := time.Now()
	img, err := d.source.Fetch(ctx, addr)
	elapsed := time.Since(start)
	metrics.FetchLatency.Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Debug("Tile fetch failed",
			zap.Stringer("tile", addr),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return Result{Tile: addr, Err: err, Elapsed: elapsed}
	}

	b := img.Bounds()
	span.SetAttributes(attribute.String("tile.size", strconv.Itoa(b.Dx())+"x"+strconv.Itoa(b.Dy())))
	return Result{Tile: addr, Image: img, Elapsed: elapsed}
}
