package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Analysis metrics
	analysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_units_total",
			Help: "Analysis units processed, by modality, mode and outcome",
		},
		[]string{"modality", "mode", "outcome"},
	)

	inferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_duration_seconds",
			Help:    "Duration of multimodal inference calls",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"modality", "outcome"},
	)

	parseFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_parse_fallbacks_total",
			Help: "Model replies that needed the balanced-object fallback or default filling",
		},
		[]string{"modality", "kind"},
	)

	persistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_failures_total",
			Help: "Failed blob or document writes",
		},
		[]string{"operation"},
	)

	activeStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "live_streams_active",
			Help: "Live analysis streams currently running",
		},
		[]string{"modality"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count, duration and in-flight requests.
// Routes are labelled with the chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets Server-Sent Events pass through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RecordAnalysis counts one analysis unit. mode is oneshot or stream.
func RecordAnalysis(modality, mode string, err error) {
	analysesTotal.WithLabelValues(modality, mode, outcome(err)).Inc()
}

// RecordInference observes the duration of one model call.
func RecordInference(modality string, duration time.Duration, err error) {
	inferenceDuration.WithLabelValues(modality, outcome(err)).Observe(duration.Seconds())
}

// RecordParseFallback counts replies that were not clean JSON objects.
func RecordParseFallback(modality, kind string) {
	parseFallbacks.WithLabelValues(modality, kind).Inc()
}

func RecordPersistenceFailure(operation string) {
	persistenceFailures.WithLabelValues(operation).Inc()
}

// StreamStarted and StreamStopped track the live stream gauge.
func StreamStarted(modality string) {
	activeStreams.WithLabelValues(modality).Inc()
}

func StreamStopped(modality string) {
	activeStreams.WithLabelValues(modality).Dec()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
