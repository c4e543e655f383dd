package http

import (
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/tank-level-service/internal/observability"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// RequestTimeout bounds /api requests, including a manual refresh.
	RequestTimeout time.Duration
	// Limiter rate-limits /api; nil disables it.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// NewRouter wires the routes and middleware. Panics are recovered and
// responses gzip-compressed outside the router.
func NewRouter(h *Handler, o RouterOptions) http.Handler {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(NotFound)
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/", h.Index).Methods(http.MethodGet)
	router.HandleFunc("/tanks/{tank}", h.TankPage).Methods(http.MethodGet)
	router.HandleFunc("/tanks/{tank}/ws", h.TankSocket).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(o.Limiter))
	if o.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(o.RequestTimeout))
	}
	api.HandleFunc("/tanks", h.ListTanks).Methods(http.MethodGet)
	api.HandleFunc("/tanks/{tank}", h.GetTank).Methods(http.MethodGet)
	api.HandleFunc("/tanks/{tank}/wave.svg", h.GetWaveSVG).Methods(http.MethodGet)
	api.HandleFunc("/tanks/{tank}/refresh", h.RefreshTank).Methods(http.MethodPost)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger: logger}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(handlers.CompressHandler(router))
}
