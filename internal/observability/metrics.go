package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/tank-level-service/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// ThingSpeak call rate by outcome. Watch for: error vs success ratio.
	ThingSpeakCallsTotal *prometheus.CounterVec

	// ThingSpeak latency per request. Watch for: p99 close to the client timeout.
	ThingSpeakDuration *prometheus.HistogramVec

	// Failed polls per tank and error category. The widget keeps showing the last good state.
	LevelFetchErrorsTotal *prometheus.CounterVec

	// Latest successfully decoded level per tank (raw, may exceed 100).
	TankLevelPercent *prometheus.GaugeVec

	// Active color band per tank, 0 (A, critical) to 4 (E, full).
	TankBand *prometheus.GaugeVec

	// 1 while the tank is in the flashing alert band.
	TankAlert *prometheus.GaugeVec

	// 1 while the feed reports the sensor-missing sentinel.
	TankSensorMissing *prometheus.GaugeVec

	// Seconds since the last successful poll, updated every display tick.
	TankLastUpdateAgeSeconds *prometheus.GaugeVec

	// Slosh transients started (level changed between polls).
	TankSloshTotal *prometheus.CounterVec

	// Cache hits for level lookups.
	CacheHitsTotal *prometheus.CounterVec

	// Cache errors by operation.
	CacheErrorsTotal *prometheus.CounterVec

	// Fetches that joined an in-flight upstream call instead of making their own.
	CoalescedFetchesTotal prometheus.Counter

	// Sink publish failures (mqtt, kafka, websocket).
	PublishErrorsTotal *prometheus.CounterVec

	// Connected WebSocket viewers.
	WebSocketClients prometheus.Gauge

	// Rate limit denials on /api.
	RateLimitDeniedTotal prometheus.Counter

	// In-flight requests observed when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ThingSpeakCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thingspeakCallsTotal",
			Help: "Total number of ThingSpeak API calls",
		},
		[]string{"status"},
	)
	ThingSpeakDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thingspeakDurationSeconds",
			Help:    "ThingSpeak API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	LevelFetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelFetchErrorsTotal",
			Help: "Failed level polls by tank and error category",
		},
		[]string{"tank", "category"},
	)
	TankLevelPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tankLevelPercent",
			Help: "Latest decoded water level in percent",
		},
		[]string{"tank"},
	)
	TankBand = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tankBand",
			Help: "Active color band, 0 (critical) to 4 (full)",
		},
		[]string{"tank"},
	)
	TankAlert = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tankAlert",
			Help: "1 while the level is below the alert threshold",
		},
		[]string{"tank"},
	)
	TankSensorMissing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tankSensorMissing",
			Help: "1 while the feed reports the sensor as not detected",
		},
		[]string{"tank"},
	)
	TankLastUpdateAgeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tankLastUpdateAgeSeconds",
			Help: "Seconds since the last successful poll",
		},
		[]string{"tank"},
	)
	TankSloshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tankSloshTotal",
			Help: "Slosh animations started by a level change",
		},
		[]string{"tank"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache errors by operation",
		},
		[]string{"operation"},
	)
	CoalescedFetchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedFetchesTotal",
			Help: "Level fetches served by joining an in-flight upstream call",
		},
	)
	PublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publishErrorsTotal",
			Help: "Render state publish failures by sink",
		},
		[]string{"sink"},
	)
	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocketClients",
			Help: "Connected WebSocket viewers",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight HTTP requests when graceful shutdown started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ThingSpeakCallsTotal, ThingSpeakDuration,
		LevelFetchErrorsTotal,
		TankLevelPercent, TankBand, TankAlert, TankSensorMissing,
		TankLastUpdateAgeSeconds, TankSloshTotal,
		CacheHitsTotal, CacheErrorsTotal, CoalescedFetchesTotal,
		PublishErrorsTotal, WebSocketClients,
		RateLimitDeniedTotal, ShutdownInFlightRequests,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window",
				},
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
		)
	})
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// RecordTankState updates the per-tank gauges after a successful poll.
func RecordTankState(tank string, level float64, band int, alert, sensorMissing bool) {
	TankLevelPercent.WithLabelValues(tank).Set(level)
	TankBand.WithLabelValues(tank).Set(float64(band))
	TankAlert.WithLabelValues(tank).Set(boolGauge(alert))
	TankSensorMissing.WithLabelValues(tank).Set(boolGauge(sensorMissing))
}

// RecordShutdownInFlight records the in-flight count at shutdown.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
