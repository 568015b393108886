package obs

import (
	"net/http"
	"strconv"
	"strings"
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

// Auth domain metrics.
var (
	tokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_tokens_issued_total",
		Help: "Access/refresh token pairs issued.",
	})

	refreshRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_rotations_total",
			Help: "Refresh token rotation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	permissionChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_permission_checks_total",
			Help: "Live permission checks by decision.",
		},
		[]string{"decision"},
	)

	flagCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flag_cache_events_total",
			Help: "Feature-flag cache events.",
		},
		[]string{"event"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		tokensIssuedTotal, refreshRotationsTotal, permissionChecksTotal, flagCacheTotal,
	)
}

// TokenIssued counts a minted token pair.
func TokenIssued() { tokensIssuedTotal.Inc() }

// RefreshRotation counts a rotation attempt outcome
// (ok, miss, inactive, no_user, inactive_user, stale, lost_race).
func RefreshRotation(outcome string) { refreshRotationsTotal.WithLabelValues(outcome).Inc() }

// PermissionCheck counts a resolver decision (allow, deny, bypass).
func PermissionCheck(decision string) { permissionChecksTotal.WithLabelValues(decision).Inc() }

// FlagCache counts a cache event (hit, miss, evict).
func FlagCache(event string) { flagCacheTotal.WithLabelValues(event).Inc() }

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath collapses identifier segments so metric labels stay
// low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/users/<id>... and /v1/roles/<id>... keep their shape with the id
	// replaced by a placeholder.
	if len(parts) >= 4 && parts[1] == "v1" && (parts[2] == "users" || parts[2] == "roles") {
		parts[3] = ":id"
		return strings.Join(parts, "/")
	}
	return path
}

// Instrument wraps a handler with in-flight, RPS, and latency metrics.
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

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
