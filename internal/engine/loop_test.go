package engine

import (
	"context"
	"errors"
	"image/color"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"polarview/internal/coverage"
	"polarview/internal/fetch"
	"polarview/internal/tile"
	"polarview/internal/tilecache"
)

func encodeSamples(t *testing.T, ref tile.LonLat, addrs ...tile.Address) []byte {
	t.Helper()
	table := tile.NewPoleTable(ref)
	buf := make([]byte, 0, len(addrs)*coverage.SampleSize)
	for _, a := range addrs {
		p, err := table.Encode(a)
		if err != nil {
			t.Fatalf("encode %v: %v", a, err)
		}
		sample := []byte{0, 0, 0, 0xff}
		p.PutRGBA(sample)
		buf = append(buf, sample...)
	}
	return buf
}

type loopHarness struct {
	loop    *Loop
	fetcher *fakeFetcher
	results chan fetch.Result
	cancel  context.CancelFunc
	errc    chan error
}

func startLoop(t *testing.T, interval time.Duration) *loopHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := zap.NewNop()

	e, f := newTestEngine(t, threeSlots())
	worker := coverage.StartWorker(ctx, 5, tile.LonLat{}, logger)
	results := make(chan fetch.Result)
	h := &loopHarness{
		loop:    NewLoop(e, worker, results, interval, logger),
		fetcher: f,
		results: results,
		cancel:  cancel,
		errc:    make(chan error, 1),
	}
	go func() { h.errc <- h.loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.errc
	})
	return h
}

// waitFor polls the engine on the loop goroutine until cond holds.
func (h *loopHarness) waitFor(t *testing.T, cond func(*Engine) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		if err := h.loop.Do(context.Background(), func(e *Engine) { ok = cond(e) }); err != nil {
			t.Fatalf("do: %v", err)
		}
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestLoopAppliesSamplesAndCompletions(t *testing.T) {
	h := startLoop(t, 0)
	a := tile.Address{Zoom: 3, X: 4, Y: 4}

	if err := h.loop.Submit(context.Background(), Sample{Samples: encodeSamples(t, tile.LonLat{}, a, a)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitFor(t, func(e *Engine) bool { return e.Stats().Pass == 1 })

	var dispatched []tile.Address
	_ = h.loop.Do(context.Background(), func(*Engine) { dispatched = h.fetcher.take() })
	if len(dispatched) != 1 || dispatched[0] != a {
		t.Fatalf("dispatched %v, want [%v]", dispatched, a)
	}

	h.results <- fetch.Result{Tile: a, Image: solid(color.RGBA{R: 10, A: 255})}
	h.waitFor(t, func(e *Engine) bool {
		entry, _ := e.Entry(a)
		return entry.Status == tilecache.Loaded
	})
}

func TestLoopReferenceChangesDecoding(t *testing.T) {
	h := startLoop(t, 0)
	ref := tile.LonLat{Lon: 90, Lat: 0}
	a := tile.Address{Zoom: 3, X: 6, Y: 4}

	if err := h.loop.Submit(context.Background(), Sample{Reference: &ref}); err != nil {
		t.Fatalf("submit reference: %v", err)
	}
	h.waitFor(t, func(*Engine) bool { return !h.loop.decoding })

	if err := h.loop.Submit(context.Background(), Sample{Samples: encodeSamples(t, ref, a)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitFor(t, func(e *Engine) bool {
		_, ok := e.Entry(a)
		return ok
	})
}

func TestLoopThrottlesSamples(t *testing.T) {
	h := startLoop(t, time.Hour)
	samples := encodeSamples(t, tile.LonLat{}, tile.Address{Zoom: 2, X: 2, Y: 2})

	if err := h.loop.Submit(context.Background(), Sample{Samples: samples}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	h.waitFor(t, func(e *Engine) bool { return e.Stats().Pass == 1 })

	err := h.loop.Submit(context.Background(), Sample{Samples: samples})
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("got %v, want ErrThrottled", err)
	}

	// Reference updates are not throttled.
	ref := tile.LonLat{Lon: 1, Lat: 1}
	if err := h.loop.Submit(context.Background(), Sample{Reference: &ref}); err != nil {
		t.Fatalf("reference submit: %v", err)
	}
}

func TestLoopRejectsMalformedSamples(t *testing.T) {
	h := startLoop(t, 0)

	err := h.loop.Submit(context.Background(), Sample{Samples: make([]byte, 7)})
	if !errors.Is(err, coverage.ErrMalformedSamples) {
		t.Fatalf("got %v, want ErrMalformedSamples", err)
	}
}

func TestSubmitWhileDecoding(t *testing.T) {
	l := NewLoop(nil, nil, nil, 0, zap.NewNop())
	l.decoding = true

	if err := l.submit(context.Background(), Sample{Samples: make([]byte, 4)}); !errors.Is(err, ErrDecodeBusy) {
		t.Fatalf("got %v, want ErrDecodeBusy", err)
	}
}

func TestDoAfterStop(t *testing.T) {
	e, _ := newTestEngine(t, threeSlots())
	ctx, cancel := context.WithCancel(context.Background())
	worker := coverage.StartWorker(ctx, 5, tile.LonLat{}, zap.NewNop())
	l := NewLoop(e, worker, nil, 0, zap.NewNop())

	cancel()
	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
	if err := l.Do(context.Background(), func(*Engine) {}); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("got %v, want ErrLoopStopped", err)
	}
}

func TestThrottledSampleStillMovesReference(t *testing.T) {
	h := startLoop(t, time.Hour)
	ctx := context.Background()

	if err := h.loop.Submit(ctx, Sample{Samples: encodeSamples(t, tile.LonLat{}, tile.Address{Zoom: 2, X: 2, Y: 2})}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	h.waitFor(t, func(e *Engine) bool { return e.Stats().Pass == 1 })

	ref := tile.LonLat{Lon: 90, Lat: 0}
	a := tile.Address{Zoom: 3, X: 6, Y: 4}
	err := h.loop.Submit(ctx, Sample{Reference: &ref, Samples: encodeSamples(t, ref, a)})
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("got %v, want ErrThrottled", err)
	}
	h.waitFor(t, func(*Engine) bool { return !h.loop.decoding })
	if _, ok := entryOf(t, h, a); ok {
		t.Fatalf("throttled samples were applied")
	}

	_ = h.loop.Do(ctx, func(*Engine) { h.loop.limiter = rate.NewLimiter(rate.Inf, 1) })
	if err := h.loop.Submit(ctx, Sample{Samples: encodeSamples(t, ref, a)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// a only decodes to itself if the throttled request moved the reference.
	h.waitFor(t, func(e *Engine) bool {
		_, ok := e.Entry(a)
		return ok
	})
}

func entryOf(t *testing.T, h *loopHarness, a tile.Address) (tilecache.Entry, bool) {
	t.Helper()
	var entry tilecache.Entry
	var ok bool
	if err := h.loop.Do(context.Background(), func(e *Engine) { entry, ok = e.Entry(a) }); err != nil {
		t.Fatalf("do: %v", err)
	}
	return entry, ok
}
