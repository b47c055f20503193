package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"polarview/internal/cache"
	"polarview/internal/config"
	"polarview/internal/coverage"
	"polarview/internal/engine"
	"polarview/internal/fetch"
	httphandlers "polarview/internal/http"
	"polarview/internal/logger"
	"polarview/internal/telemetry"
	"polarview/internal/tile_source"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.Logger.Level)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if cfg.Source.Decoder == "vips" {
		startVips(cfg.Vips, log)
		defer vips.Shutdown()
	}

	shutdownTracer := func(context.Context) error { return nil }
	if cfg.Telemetry.Enabled {
		shutdownTracer, err = telemetry.InitTracer(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
	}

	log.Info("Starting polarview server",
		zap.Int("port", cfg.HTTP.Port),
		zap.Int("tile_size", cfg.Engine.TileSize),
		zap.Int("atlas_size", cfg.Engine.AtlasSize),
		zap.Int("max_atlases", cfg.Engine.MaxAtlases),
		zap.Int("max_zoom", cfg.Engine.MaxZoom),
		zap.Int("index_window", cfg.Engine.IndexWindow),
	)

	byteCache, err := cache.NewCache(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	source, err := tile_source.New(cfg, byteCache, log)
	if err != nil {
		log.Fatal("Failed to initialize tile source", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := fetch.NewDispatcher(source, cfg.Fetch.Workers, cfg.Fetch.QueueSize, log)
	dispatcher.Start(ctx)

	worker := coverage.StartWorker(ctx, cfg.Engine.MaxZoom, cfg.Reference(), log)

	eng := engine.New(engine.Options{
		TileSize:    cfg.Engine.TileSize,
		AtlasSize:   cfg.Engine.AtlasSize,
		MaxAtlases:  cfg.Engine.MaxAtlases,
		BaseSize:    cfg.Engine.BaseSize,
		MaxZoom:     cfg.Engine.MaxZoom,
		IndexWindow: cfg.Engine.IndexWindow,
	}, dispatcher, log)

	loop := engine.NewLoop(eng, worker, dispatcher.Results(), cfg.Engine.SampleInterval, log)
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	handlers := httphandlers.New(cfg.HTTP, log, loop, byteCache, validator.New())

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(telemetry.Middleware(mux)))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.HTTP.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-loopDone:
		log.Error("Engine loop exited", zap.Error(err))
	}

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	errs := server.Shutdown(shutdownCtx)

	cancel()
	dispatcher.Wait()
	<-worker.Done()

	errs = multierr.Append(errs, shutdownTracer(shutdownCtx))
	if closer, ok := byteCache.(io.Closer); ok {
		errs = multierr.Append(errs, closer.Close())
	}

	for _, err := range multierr.Errors(errs) {
		if !errors.Is(err, context.Canceled) {
			log.Error("Shutdown error", zap.Error(err))
		}
	}

	log.Info("Server stopped")
}

func startVips(cfg config.Vips, log *zap.Logger) {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.Concurrency,
		MaxCacheMem:      cfg.MaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                            // Disable disk cache
		MaxCacheSize:     0,                            // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.MaxCacheMB),
		zap.Int("concurrency", cfg.Concurrency),
	)
}
