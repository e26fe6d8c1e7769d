package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Fraud pipeline metrics.
var (
	ingestRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraudgraph_ingest_records_total",
			Help: "Ingested transaction records by result.",
		},
		[]string{"result"},
	)

	detectionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraudgraph_detection_runs_total",
			Help: "Detection runs by result.",
		},
		[]string{"result"},
	)

	detectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fraudgraph_detection_run_duration_seconds",
		Help:    "Wall time of a full detection run.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	ruleEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraudgraph_rule_evaluations_total",
			Help: "Rule evaluations by rule name and result.",
		},
		[]string{"rule", "result"},
	)

	alertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraudgraph_alerts_created_total",
			Help: "Alerts created by rule and severity.",
		},
		[]string{"rule", "severity"},
	)

	alertsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraudgraph_alerts_resolved_total",
			Help: "Alerts resolved by target status.",
		},
		[]string{"status"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			ingestRecords, detectionRuns, detectionDuration,
			ruleEvaluations, alertsCreated, alertsResolved,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IngestRecord counts one ingested record; result is "ok" or "error".
func IngestRecord(result string) {
	ingestRecords.WithLabelValues(result).Inc()
}

// DetectionRun records the outcome and duration of a detection run.
func DetectionRun(result string, elapsed time.Duration) {
	detectionRuns.WithLabelValues(result).Inc()
	detectionDuration.Observe(elapsed.Seconds())
}

// RuleEvaluated counts one rule evaluation.
func RuleEvaluated(rule, result string) {
	ruleEvaluations.WithLabelValues(rule, result).Inc()
}

// AlertCreated counts one new alert.
func AlertCreated(rule, severity string) {
	alertsCreated.WithLabelValues(rule, severity).Inc()
}

// AlertResolved counts one alert resolution.
func AlertResolved(status string) {
	alertsResolved.WithLabelValues(status).Inc()
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// resourceRoutes lists collections whose second segment is an identifier.
var resourceRoutes = map[string]bool{
	"rules":        true,
	"alerts":       true,
	"transactions": true,
	"users":        true,
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && resourceRoutes[parts[1]] {
		if parts[1] == "alerts" && parts[2] == "stream" {
			return raw
		}
		parts[2] = ":id"
		if len(parts) > 4 {
			return raw
		}
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter remembers the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
