package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"polarview/internal/cache"
	"polarview/internal/config"
	"polarview/internal/coverage"
	"polarview/internal/engine"
	"polarview/internal/index"
	"polarview/internal/tile"
)

// Controller is the engine loop as seen by the handlers.
type Controller interface {
	Submit(ctx context.Context, s engine.Sample) error
	Do(ctx context.Context, fn func(*engine.Engine)) error
}

type Handlers struct {
	config   config.HTTP
	logger   *zap.Logger
	loop     Controller
	cache    cache.Cache
	validate *validator.Validate
}

func New(cfg config.HTTP, logger *zap.Logger, loop Controller, byteCache cache.Cache, validate *validator.Validate) *Handlers {
	if byteCache == nil {
		byteCache = cache.NewNoopCache()
	}
	return &Handlers{
		config:   cfg,
		logger:   logger,
		loop:     loop,
		cache:    byteCache,
		validate: validate,
	}
}

type referenceRequest struct {
	Lon *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
}

type windowsResponse struct {
	WindowSize int            `json:"window_size"`
	Primary    []index.Window `json:"primary"`
	Antipodal  []index.Window `json:"antipodal"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)
		w.Header().Set("X-Request-Id", requestID)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Register installs the engine routes on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/reference", h.HandleReference)
	mux.HandleFunc("POST /api/coverage", h.HandleCoverage)
	mux.HandleFunc("GET /api/index.png", h.HandleIndex)
	mux.HandleFunc("GET /api/atlas/{n}", h.HandleAtlas)
	mux.HandleFunc("GET /api/base.png", h.HandleBase)
	mux.HandleFunc("GET /api/windows", h.HandleWindows)
	mux.HandleFunc("GET /api/stats", h.HandleStats)
	mux.HandleFunc("DELETE /api/cache", h.HandleClearCache)
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
}

func (h *Handlers) HandleReference(w http.ResponseWriter, r *http.Request) {
	var req referenceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref := tile.LonLat{Lon: *req.Lon, Lat: *req.Lat}
	if err := h.loop.Submit(r.Context(), engine.Sample{Reference: &ref}); err != nil {
		h.respondSubmitError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleCoverage accepts a raw RGBA sample buffer. lon and lat query
// parameters, when both present, move the reference point first.
func (h *Handlers) HandleCoverage(w http.ResponseWriter, r *http.Request) {
	var sample engine.Sample

	q := r.URL.Query()
	if q.Has("lon") || q.Has("lat") {
		lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
		lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
		if lonErr != nil || latErr != nil {
			h.respondError(w, http.StatusBadRequest, "lon and lat must both be numbers")
			return
		}
		ref := tile.LonLat{Lon: lon, Lat: lat}
		if err := h.validate.Struct(ref); err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		sample.Reference = &ref
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxSampleSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "sample buffer too large")
			return
		}
		h.respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	sample.Samples = body

	if err := h.loop.Submit(r.Context(), sample); err != nil {
		h.respondSubmitError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	var snap *image.RGBA
	var size int
	if err := h.loop.Do(r.Context(), func(e *engine.Engine) {
		snap = cloneRGBA(e.IndexTexture())
		size = e.IndexWindowSize()
	}); err != nil {
		h.respondSubmitError(w, err)
		return
	}
	w.Header().Set("X-Index-Window", strconv.Itoa(size))
	h.writePNG(w, snap)
}

func (h *Handlers) HandleAtlas(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(strings.TrimSuffix(r.PathValue("n"), ".png"))
	if err != nil || n < 0 {
		h.respondError(w, http.StatusBadRequest, "invalid atlas number")
		return
	}

	var snap *image.RGBA
	if err := h.loop.Do(r.Context(), func(e *engine.Engine) {
		if tex, ok := e.AtlasTexture(n); ok {
			snap = cloneRGBA(tex)
		}
	}); err != nil {
		h.respondSubmitError(w, err)
		return
	}
	if snap == nil {
		h.respondError(w, http.StatusNotFound, "atlas not allocated")
		return
	}
	h.writePNG(w, snap)
}

func (h *Handlers) HandleBase(w http.ResponseWriter, r *http.Request) {
	var snap *image.RGBA
	var loaded bool
	if err := h.loop.Do(r.Context(), func(e *engine.Engine) {
		snap = cloneRGBA(e.BaseTexture())
		loaded = e.Stats().BaseLoaded
	}); err != nil {
		h.respondSubmitError(w, err)
		return
	}
	w.Header().Set("X-Base-Loaded", strconv.FormatBool(loaded))
	h.writePNG(w, snap)
}

func (h *Handlers) HandleWindows(w http.ResponseWriter, r *http.Request) {
	var resp windowsResponse
	if err := h.loop.Do(r.Context(), func(e *engine.Engine) {
		windows := e.Windows()
		resp = windowsResponse{
			WindowSize: e.IndexWindowSize(),
			Primary:    windows[tile.Primary],
			Antipodal:  windows[tile.Antipodal],
		}
	}); err != nil {
		h.respondSubmitError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	var stats engine.Stats
	if err := h.loop.Do(r.Context(), func(e *engine.Engine) { stats = e.Stats() }); err != nil {
		h.respondSubmitError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// HandleClearCache drops the upstream tile bytes. Tiles already in the atlas
// are unaffected.
func (h *Handlers) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	h.cache.Clear()
	h.logger.Info("Tile byte cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) respondSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrThrottled):
		w.Header().Set("Retry-After", "1")
		h.respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrDecodeBusy):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, coverage.ErrMalformedSamples):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrLoopStopped), errors.Is(err, coverage.ErrWorkerStopped),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.respondError(w, http.StatusServiceUnavailable, "engine unavailable")
	default:
		h.logger.Error("Engine request failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, errorResponse{Error: msg})
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writePNG encodes losslessly; the index texture carries integer data.
func (h *Handlers) writePNG(w http.ResponseWriter, img *image.RGBA) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		h.logger.Error("Failed to encode texture", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to encode texture")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	return &image.RGBA{
		Pix:    append([]byte(nil), src.Pix...),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
