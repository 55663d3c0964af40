package obs

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

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

	authOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_operations_total",
			Help: "Authentication and authorization operations by outcome and reason.",
		},
		[]string{"operation", "outcome", "reason"},
	)

	// buildInfo is a constant 1 gauge describing the running instance.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "authcore_build_info",
			Help: "Build and storage backends of the running authcore instance.",
		},
		[]string{"version", "commit", "go_version", "identity_store", "state_store"},
	)
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, authOperations, buildInfo)
	})
}

// BuildInfo labels authcore_build_info. Empty store names read as "memory".
type BuildInfo struct {
	Version       string
	Commit        string
	IdentityStore string
	StateStore    string
}

// SetBuildInfo replaces the build_info series.
func SetBuildInfo(b BuildInfo) {
	if b.IdentityStore == "" {
		b.IdentityStore = "memory"
	}
	if b.StateStore == "" {
		b.StateStore = "memory"
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(b.Version, b.Commit, runtime.Version(), b.IdentityStore, b.StateStore).Set(1)
}

// Handler exposes the Prometheus endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AuthMetrics counts auth operations. The zero value is ready to use.
type AuthMetrics struct{}

// Inc increments the operation counter.
func (AuthMetrics) Inc(operation, outcome, reason string) {
	if reason == "" {
		reason = "none"
	}
	authOperations.WithLabelValues(operation, outcome, reason).Inc()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "oauth":
		// /v1/oauth/{provider}/{start|callback}
		parts[2] = ":provider"
	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "principals":
		parts[2] = ":id"
		if len(parts) == 5 && parts[3] == "roles" {
			parts[4] = ":role"
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
