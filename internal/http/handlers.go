package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/tank-level-service/internal/degraded"
	"github.com/kjstillabower/tank-level-service/internal/lifecycle"
	"github.com/kjstillabower/tank-level-service/internal/models"
	"github.com/kjstillabower/tank-level-service/internal/observability"
	"github.com/kjstillabower/tank-level-service/internal/render"
	"github.com/kjstillabower/tank-level-service/internal/validation"
	"github.com/kjstillabower/tank-level-service/internal/widget"
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	widgets      *widget.Set
	hub          *Hub
	wave         render.WaveParams
	healthConfig *HealthConfig
	logger       *zap.Logger
	now          func() time.Time

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. hub may be nil, in which case the
// WebSocket route answers 404. wave sizes the SVG endpoint.
func NewHandler(widgets *widget.Set, hub *Hub, wave render.WaveParams, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		widgets:      widgets,
		hub:          hub,
		wave:         wave,
		healthConfig: healthConfig,
		logger:       logger,
		now:          time.Now,
	}
}

// lookup resolves {tank} or writes the error response.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*widget.Controller, bool) {
	id, err := validation.ValidateTankID(mux.Vars(r)["tank"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_TANK", err.Error())
		return nil, false
	}
	c, ok := h.widgets.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "UNKNOWN_TANK", "unknown tank: "+id)
		return nil, false
	}
	return c, true
}

// ListTanks handles GET /api/tanks.
func (h *Handler) ListTanks(w http.ResponseWriter, r *http.Request) {
	all := h.widgets.All()
	states := make([]models.RenderState, 0, len(all))
	for _, c := range all {
		states = append(states, c.State())
	}
	writeJSON(w, http.StatusOK, states)
}

// GetTank handles GET /api/tanks/{tank}.
func (h *Handler) GetTank(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.State())
}

// RefreshTank handles POST /api/tanks/{tank}/refresh: one immediate poll.
// On failure the widget keeps its previous state and 503 is returned.
func (h *Handler) RefreshTank(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := c.Poll(r.Context()); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.State())
}

// GetWaveSVG handles GET /api/tanks/{tank}/wave.svg. When the widget has no
// animated frame (waves disabled or no data yet) a flat surface is drawn.
func (h *Handler) GetWaveSVG(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	st := c.State()
	frame := h.frameFor(st)

	var buf bytes.Buffer
	if err := writeWaveSVG(&buf, st, frame, h.waveWidth()); err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "render failed")
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) frameFor(st models.RenderState) models.WaveFrame {
	if st.Wave != nil {
		return *st.Wave
	}
	flat := h.wave
	flat.Amplitude = 0
	return render.Wave(flat, st.HeightPercent, h.now(), false)
}

func (h *Handler) waveWidth() float64 {
	if h.wave.Width > 0 {
		return h.wave.Width
	}
	return render.DefaultWaveParams().Width
}

// Index handles GET /: every tank with its status line.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	all := h.widgets.All()
	states := make([]models.RenderState, 0, len(all))
	for _, c := range all {
		states = append(states, c.State())
	}
	h.renderPage(w, r, func(buf *bytes.Buffer) error { return indexTemplate.Execute(buf, states) })
}

// TankPage handles GET /tanks/{tank}: the live widget.
func (h *Handler) TankPage(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	st := c.State()
	page := tankPage{
		State:      st,
		Width:      h.waveWidth(),
		Path:       h.frameFor(st).Path,
		SocketPath: "/tanks/" + c.ID() + "/ws",
	}
	h.renderPage(w, r, func(buf *bytes.Buffer) error { return tankTemplate.Execute(buf, page) })
}

func (h *Handler) renderPage(w http.ResponseWriter, r *http.Request, exec func(*bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := exec(&buf); err != nil {
		loggerFrom(r.Context(), h.logger).Error("template render failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// TankSocket handles GET /tanks/{tank}/ws.
func (h *Handler) TankSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "live updates disabled")
		return
	}
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.hub.Serve(w, r, c.ID(), c.State())
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"thingspeak": "healthy"}
	if result.reason == "error_rate_breach" {
		checks["thingspeak"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	tanks := make(map[string]string)
	for _, c := range h.widgets.All() {
		tanks[c.ID()] = c.Phase().String()
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"tanks":     tanks,
		"pollers":   lifecycle.RunningPollers(),
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig != nil && degraded.IsDegraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// NotFound answers unmatched routes in the standard error shape.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error":{"code","message","requestId"}}.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": CorrelationID(r.Context()),
		},
	})
}

// writeServiceError writes 503 for upstream failures and logs the cause at DEBUG.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch tank level")
	loggerFrom(r.Context(), zap.NewNop()).Debug("upstream error", zap.Error(err))
}
