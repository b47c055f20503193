package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"polarview/internal/coverage"
	"polarview/internal/fetch"
	"polarview/internal/metrics"
	"polarview/internal/tile"
)

var (
	ErrThrottled   = errors.New("engine: sample submitted before the sampling interval elapsed")
	ErrDecodeBusy  = errors.New("engine: previous sample is still being decoded")
	ErrLoopStopped = errors.New("engine: loop stopped")
)

// Sample is a coverage submission from the renderer. Reference, when set,
// is applied before Samples are decoded; either may be empty.
type Sample struct {
	Reference *tile.LonLat
	Samples   []byte
}

type command struct {
	fn   func(*Engine)
	done chan struct{}
}

// Loop is the single goroutine that mutates the Engine. Coverage results,
// fetch completions and caller commands are all serialised through it.
type Loop struct {
	engine  *Engine
	worker  *coverage.Worker
	results <-chan fetch.Result
	limiter *rate.Limiter
	logger  *zap.Logger

	commands chan command
	stopped  chan struct{}
	decoding bool
}

// NewLoop builds a loop. interval is the minimum time between two decoded
// sample buffers; zero disables throttling.
func NewLoop(e *Engine, worker *coverage.Worker, results <-chan fetch.Result, interval time.Duration, logger *zap.Logger) *Loop {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Loop{
		engine:   e,
		worker:   worker,
		results:  results,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		commands: make(chan command),
		stopped:  make(chan struct{}),
	}
}

// Run processes events until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-l.worker.Results():
			l.decoding = false
			l.handleCoverage(res)
		case res := <-l.results:
			l.handleFetch(res)
		case cmd := <-l.commands:
			cmd.fn(l.engine)
			close(cmd.done)
		}
	}
}

// Do runs fn on the loop goroutine and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func(*Engine)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case l.commands <- cmd:
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.done
	return nil
}

// Submit hands a sample to the coverage worker. At most one decode is
// outstanding, and sample buffers are accepted at most once per interval.
// A throttled sample that carries a reference point still moves the
// reference; ErrThrottled reports that its samples were dropped.
func (l *Loop) Submit(ctx context.Context, s Sample) error {
	if len(s.Samples)%coverage.SampleSize != 0 {
		return fmt.Errorf("%w: got %d bytes", coverage.ErrMalformedSamples, len(s.Samples))
	}

	var err error
	if doErr := l.Do(ctx, func(*Engine) { err = l.submit(ctx, s) }); doErr != nil {
		return doErr
	}
	return err
}

func (l *Loop) submit(ctx context.Context, s Sample) error {
	if l.decoding {
		metrics.CoverageDropped.WithLabelValues("busy").Inc()
		return ErrDecodeBusy
	}
	req := coverage.Request{Reference: s.Reference, Samples: s.Samples}
	throttled := s.Samples != nil && !l.limiter.Allow()
	if throttled {
		metrics.CoverageDropped.WithLabelValues("throttled").Inc()
		if s.Reference == nil {
			return ErrThrottled
		}
		// The reference point still applies; only the samples are dropped.
		req.Samples = nil
	}
	if err := l.worker.Submit(ctx, req); err != nil {
		return err
	}
	l.decoding = true
	if throttled {
		return ErrThrottled
	}
	return nil
}

func (l *Loop) handleCoverage(res coverage.Result) {
	if res.Err != nil {
		l.logger.Warn("Coverage decode failed", zap.Error(res.Err))
		return
	}
	if res.Set == nil {
		return
	}
	metrics.DecodeDuration.Observe(res.Elapsed.Seconds())

	// Overflows are logged by the engine; the pass itself still applied.
	_ = l.engine.ApplyCoverage(res.Set)
}

func (l *Loop) handleFetch(res fetch.Result) {
	err := l.engine.Complete(res)
	if err != nil && !errors.Is(err, ErrCapacityExhausted) {
		l.logger.Error("Failed to apply fetch result", zap.Stringer("tile", res.Tile), zap.Error(err))
	}
}
