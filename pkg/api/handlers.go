// Package api serves the rendered artifact, the device handshake and the control endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"

	"github.com/niski84/TRMNL-POWER/pkg/config"
	"github.com/niski84/TRMNL-POWER/pkg/model"
	"github.com/niski84/TRMNL-POWER/pkg/pipeline"
)

const defaultRunsLimit = 50

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Renderer triggers renders and exposes the last successful stats
type Renderer interface {
	Render(ctx context.Context, trigger model.Trigger) (model.RenderStats, error)
	Stats() *model.RenderStats
}

// NextRunner reports the next scheduled render
type NextRunner interface {
	NextRun() time.Time
}

// RunLister reads run history
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]*model.Run, error)
}

// Handler handles HTTP API requests
type Handler struct {
	cfg       *config.Config
	renderer  Renderer
	scheduler NextRunner
	runs      RunLister
	logger    *log.Logger
	router    chi.Router
}

// NewHandler creates a new API handler. runs may be nil when history is disabled.
func NewHandler(cfg *config.Config, renderer Renderer, scheduler NextRunner, runs RunLister, logger *log.Logger) *Handler {
	h := &Handler{
		cfg:       cfg,
		renderer:  renderer,
		scheduler: scheduler,
		runs:      runs,
		logger:    logger,
		router:    chi.NewRouter(),
	}

	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// registerRoutes registers all HTTP routes
func (h *Handler) registerRoutes() {
	h.router.Use(middleware.Recoverer)
	h.router.Use(h.requestLogger)
	h.router.Use(cors)

	h.router.Get("/", h.handleIndex)
	h.router.Get("/api/setup", h.handleSetup)
	h.router.Get("/api/display", h.handleDisplay)
	h.router.Get("/screen.bmp", h.handleImage(".bmp", ".png"))
	h.router.Get("/screen.png", h.handleImage(".png", ".bmp"))
	h.router.Post("/api/render", h.handleRender)
	h.router.Get("/api/status", h.handleStatus)
	h.router.Get("/api/runs", h.handleRuns)
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Access-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// handleIndex handles GET /
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "TRMNL Renderer",
		"endpoints": map[string]string{
			"setup":   base + "/api/setup",
			"display": base + "/api/display",
			"image":   base + "/screen.bmp",
			"render":  base + "/api/render (POST)",
			"status":  base + "/api/status",
			"runs":    base + "/api/runs",
		},
	})
}

// handleSetup handles GET /api/setup
func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"api_key":     h.cfg.TRMNL.APIKey,
		"friendly_id": h.cfg.TRMNL.FriendlyID,
		"image_url":   baseURL(r) + "/screen.bmp",
	})
}

// handleDisplay handles GET /api/display. The device polls this, then fetches image_url.
func (h *Handler) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if h.cfg.TRMNL.APIKey != "" && r.Header.Get("Access-Token") != h.cfg.TRMNL.APIKey {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid Access-Token"})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          0,
		"image_url":       baseURL(r) + "/screen.bmp",
		"filename":        "current",
		"refresh_rate":    strconv.Itoa(h.cfg.TRMNL.RefreshRateSeconds),
		"update_firmware": false,
		"reset_firmware":  false,
	})
}

// handleImage serves the artifact, preferring the sibling with ext over the one with fallback
func (h *Handler) handleImage(ext, fallback string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		path, info := h.findArtifact(ext, fallback)
		if path == "" {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "Image not yet generated"})
			return
		}

		f, err := os.Open(path)
		if err != nil {
			h.logger.Error("failed to open artifact", "path", path, "err", err)
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to open image"})
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", contentType(path))
		w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(info.ModTime().UnixMilli(), 10)))
		http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
	}
}

func (h *Handler) findArtifact(exts ...string) (string, os.FileInfo) {
	out := h.cfg.Render.OutputPath
	stem := strings.TrimSuffix(out, filepath.Ext(out))
	for _, ext := range exts {
		path := stem + ext
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, info
		}
	}
	return "", nil
}

func contentType(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return "image/png"
	}
	return "image/bmp"
}

// handleRender handles POST /api/render
func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request) {
	stats, err := h.renderer.Render(r.Context(), model.TriggerManual)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunInProgress) {
			respondJSON(w, http.StatusConflict, map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
			return
		}

		resp := map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		}
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			resp["stage"] = stageErr.Stage
		}
		respondJSON(w, http.StatusInternalServerError, resp)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   stats,
	})
}

// handleStatus handles GET /api/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "running",
		"config": map[string]interface{}{
			"refreshIntervalMinutes": h.cfg.Render.RefreshIntervalMinutes,
			"outputPath":             h.cfg.Render.OutputPath,
			"schedule":               h.cfg.ScheduleSpec(),
		},
		"lastRender": nil,
	}
	if stats := h.renderer.Stats(); stats != nil {
		resp["lastRender"] = stats
	}
	if h.scheduler != nil {
		resp["nextRun"] = h.scheduler.NextRun().Format(time.RFC3339)
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleRuns handles GET /api/runs?limit=N
func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"runs": []*model.Run{}})
		return
	}

	limit := defaultRunsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list runs", "err", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonAPI.NewEncoder(w).Encode(data)
}
