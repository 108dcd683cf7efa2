// Package metrics holds the Prometheus collectors exported on /metrics.
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
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapish_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapish_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route", "method"},
	)

	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapish_inference_duration_seconds",
			Help:    "Detection model inference latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	InferenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapish_inference_errors_total",
			Help: "Failed detection model calls",
		},
		[]string{"backend"},
	)

	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapish_predictions_total",
			Help: "Pipeline runs by outcome (detected, no_detection, low_confidence) and plan",
		},
		[]string{"outcome", "plan"},
	)

	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapish_persistence_failures_total",
			Help: "Catch resolutions that failed while writing the file or the database row",
		},
	)

	AssistantLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapish_assistant_launches_total",
			Help: "Assistant job launches by result (ok, error, late)",
		},
		[]string{"result"},
	)

	AssistantPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapish_assistant_polls_total",
			Help: "Assistant poll calls by result (completed, failed, timeout, empty, error)",
		},
		[]string{"result"},
	)

	BotUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapish_telegram_updates_total",
			Help: "Telegram updates handled by kind (photo, command, other)",
		},
		[]string{"kind"},
	)
)

func RecordInference(backend string, d time.Duration, err error) {
	InferenceDuration.WithLabelValues(backend).Observe(d.Seconds())
	if err != nil {
		InferenceErrors.WithLabelValues(backend).Inc()
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency labelled with the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
