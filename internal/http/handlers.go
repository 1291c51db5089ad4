package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tilecascade/internal/cache"
	"tilecascade/internal/config"
	"tilecascade/internal/dataset"
	"tilecascade/internal/index"
	"tilecascade/internal/source"
	"tilecascade/internal/tile"
	"tilecascade/internal/tileset"
)

const (
	// maxWait bounds how long a viewport request may wait for loads to land.
	maxWait = 5 * time.Second

	defaultMaxViewportTiles = 1024
)

var (
	ErrFailedToDecodeRequestBody = errors.New("failed to decode request body")
	ErrInvalidCoordinate         = errors.New("invalid tile coordinate")
	ErrTooManyTiles              = errors.New("viewport selects too many tiles")
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	registry *dataset.Registry
	sessions *Sessions
	store    cache.Cache
	validate *validator.Validate
}

func New(cfg *config.Config, logger *zap.Logger, registry *dataset.Registry, sessions *Sessions, store cache.Cache) *Handlers {
	return &Handlers{
		config:   cfg,
		logger:   logger,
		registry: registry,
		sessions: sessions,
		store:    store,
		validate: validator.New(),
	}
}

// Routes registers every endpoint on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/datasets", h.HandleDatasets)
	mux.HandleFunc("POST /api/sessions", h.HandleCreateSession)
	mux.HandleFunc("POST /api/sessions/{id}/viewport", h.HandleViewport)
	mux.HandleFunc("GET /api/sessions/{id}/tiles/{z}/{x}/{y}", h.HandleTile)
	mux.HandleFunc("POST /api/sessions/{id}/reload", h.HandleReload)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.HandleDeleteSession)
	mux.HandleFunc("DELETE /api/cache", h.HandleClearCache)
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", requestID)
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		switch {
		case h.config.AllowedOrigin != "":
			allowedOrigin = h.config.AllowedOrigin
		case origin == "":
			allowedOrigin = "*"
		case strings.HasPrefix(origin, "http://"+r.Host) || strings.HasPrefix(origin, "https://"+r.Host):
			allowedOrigin = origin
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

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleDatasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

type createSessionRequest struct {
	Dataset  string `json:"dataset" validate:"required"`
	Strategy string `json:"strategy" validate:"omitempty,oneof=best-available no-overlap never"`
}

type sessionResponse struct {
	ID      string           `json:"id"`
	Dataset *dataset.Dataset `json:"dataset"`
}

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.sessions.Create(req.Dataset, req.Strategy)
	if errors.Is(err, dataset.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{ID: s.ID, Dataset: s.Dataset})
}

type viewportRequest struct {
	Bound     []float64 `json:"bound" validate:"required,len=4"`
	Zoom      *float64  `json:"zoom" validate:"required,gte=-2,lte=30"`
	ZRange    []float64 `json:"z_range" validate:"omitempty,len=2"`
	Transform []float64 `json:"transform" validate:"omitempty,len=16"`
}

type tileView struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Z        int    `json:"z"`
	State    string `json:"state"`
	Visible  bool   `json:"visible"`
	Selected bool   `json:"selected"`
	Bytes    int    `json:"bytes"`
}

type viewportResponse struct {
	Frame    int        `json:"frame"`
	Changed  bool       `json:"changed"`
	Resident int        `json:"resident"`
	Loading  int        `json:"loading"`
	Bytes    int64      `json:"bytes"`
	Tiles    []tileView `json:"tiles"`
}

// HandleViewport runs one update cycle. With ?wait=<duration> it also waits
// for at least one load to land and runs a second cycle, so polling clients
// see results without an extra round trip.
func (h *Handlers) HandleViewport(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req viewportRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Bound[0] > req.Bound[2] || req.Bound[1] > req.Bound[3] {
		writeError(w, http.StatusBadRequest, errors.New("bound must be [west, south, east, north]"))
		return
	}

	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		wait = min(d, maxWait)
	}

	viewport := index.Viewport{
		Bound: orb.Bound{
			Min: orb.Point{req.Bound[0], req.Bound[1]},
			Max: orb.Point{req.Bound[2], req.Bound[3]},
		},
		Zoom: *req.Zoom,
	}
	var opts []tileset.UpdateOption
	if len(req.ZRange) == 2 {
		opts = append(opts, tileset.WithZRange(index.ZRange{Min: req.ZRange[0], Max: req.ZRange[1]}))
	}
	if len(req.Transform) == 16 {
		var m index.Transform
		copy(m[:], req.Transform)
		opts = append(opts, tileset.WithTransform(m))
	}

	var (
		resp     viewportResponse
		tooMany  int
		maxTiles = h.maxViewportTiles()
	)
	s.With(func(ts *tileset.Tileset) {
		if n := countTiles(s.Dataset, ts.Options(), viewport, req.Transform); n > maxTiles {
			tooMany = n
			return
		}

		before := ts.Frame()
		frame := ts.Update(r.Context(), viewport, opts...)

		if wait > 0 && ts.Loading() > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), wait)
			if ts.WaitLoad(ctx) == nil {
				frame = ts.Update(r.Context(), viewport, opts...)
			}
			cancel()
		}

		resp = viewportResponse{
			Frame:    frame,
			Changed:  frame != before,
			Resident: ts.Len(),
			Loading:  ts.Loading(),
			Bytes:    ts.ByteSize(),
			Tiles:    views(ts.Tiles()),
		}
	})
	if tooMany > 0 {
		h.logger.Debug("viewport rejected", zap.String("session", s.ID), zap.Int("tiles", tooMany), zap.Int("max", maxTiles))
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %d > %d", ErrTooManyTiles, tooMany, maxTiles))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) maxViewportTiles() int {
	if h.config.MaxViewportTiles > 0 {
		return h.config.MaxViewportTiles
	}
	return defaultMaxViewportTiles
}

// countTiles sizes the selection a viewport would produce, or 0 when the
// dataset's generator cannot tell.
func countTiles(d *dataset.Dataset, opts tileset.Options, viewport index.Viewport, transform []float64) int {
	c, ok := d.Index.(index.Counter)
	if !ok {
		return 0
	}
	q := index.Query{Viewport: viewport, MinZoom: opts.MinZoom, MaxZoom: opts.MaxZoom}
	if len(transform) == 16 {
		var m index.Transform
		copy(m[:], transform)
		q.Transform = &m
	}
	return c.Count(q)
}

func views(hs []*tile.Header) []tileView {
	out := make([]tileView, 0, len(hs))
	for _, t := range hs {
		c := t.Coordinate()
		out = append(out, tileView{
			X:        c.X,
			Y:        c.Y,
			Z:        c.Z,
			State:    t.State().String(),
			Visible:  t.Visible(),
			Selected: t.Selected(),
			Bytes:    t.ByteLength(),
		})
	}
	return out
}

// HandleTile serves the payload of a resident tile. It never triggers a
// load: tiles become resident through viewport updates.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	c, err := parseCoordinate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		state   tile.LoadState
		content any
		loadErr error
		found   bool
	)
	s.With(func(ts *tileset.Tileset) {
		ts.ApplyLoads()
		if t := ts.Get(c); t != nil {
			found = true
			state, content, loadErr = t.State(), t.Content(), t.Err()
		}
	})

	switch {
	case !found:
		writeError(w, http.StatusNotFound, errors.New("tile not resident"))
		return
	case state == tile.Errored:
		writeError(w, http.StatusBadGateway, loadErr)
		return
	case content == nil:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusAccepted, map[string]string{"state": state.String()})
		return
	}

	p, ok := content.(*source.Payload)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("unexpected tile content"))
		return
	}

	w.Header().Set("ETag", `"`+p.ETag+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Length", strconv.Itoa(len(p.Data)))
	w.Header().Set("X-Tile-Bytes", strconv.Itoa(len(p.Data)))
	w.Header().Set("X-Tile-State", state.String())
	w.Header().Set("Content-Type", p.ContentType)

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(p.Data)
}

func parseCoordinate(r *http.Request) (tile.Coordinate, error) {
	y := r.PathValue("y")
	y = strings.TrimSuffix(y, filepath.Ext(y))

	var c tile.Coordinate
	var err error
	if c.Z, err = strconv.Atoi(r.PathValue("z")); err != nil {
		return c, ErrInvalidCoordinate
	}
	if c.X, err = strconv.Atoi(r.PathValue("x")); err != nil {
		return c, ErrInvalidCoordinate
	}
	if c.Y, err = strconv.Atoi(y); err != nil {
		return c, ErrInvalidCoordinate
	}
	if !c.Valid() {
		return c, ErrInvalidCoordinate
	}
	return c, nil
}

func (h *Handlers) HandleReload(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var resident int
	s.With(func(ts *tileset.Tileset) {
		ts.ReloadAll()
		resident = ts.Len()
	})
	writeJSON(w, http.StatusOK, map[string]int{"resident": resident})
}

func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearCache empties the payload store shared by every dataset.
// Resident session tiles are untouched; follow with a reload to refetch them.
func (h *Handlers) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(r.Context()); err != nil {
		h.logger.Error("Failed to clear payload store", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger.Info("Payload store cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return s, true
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrFailedToDecodeRequestBody)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Not for real production use due to potential spoofing.
func extractIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return strings.Split(ip, ":")[0]
	}
	if r.RemoteAddr != "" {
		return strings.Split(r.RemoteAddr, ":")[0]
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
