package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Index/Storage/Auth backend metrics
	BackendOperationsTotal   *prometheus.CounterVec
	BackendOperationDuration *prometheus.HistogramVec
	BackendErrorsTotal       *prometheus.CounterVec

	// Publish pipeline metrics
	PublishTotal          *prometheus.CounterVec
	PublishDuration       *prometheus.HistogramVec
	TarballBytesTotal     prometheus.Counter
	CompensatingDeletes   *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsActive prometheus.Gauge
	RedisCommandsTotal     *prometheus.CounterVec
	RedisCommandDuration   *prometheus.HistogramVec

	// Registry-level gauges
	PackagesTotal   prometheus.Gauge
	VersionsTotal   prometheus.Gauge
	ActiveUsersTotal prometheus.Gauge
	TokensActive    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registry_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registry_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registry_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		BackendOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_backend_operations_total",
				Help: "Total number of Index/Storage/Auth backend operations",
			},
			[]string{"component", "operation", "backend", "status"},
		),
		BackendOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registry_backend_operation_duration_seconds",
				Help:    "Backend operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"component", "operation", "backend"},
		),
		BackendErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_backend_errors_total",
				Help: "Total number of backend errors",
			},
			[]string{"component", "operation", "backend", "error_kind"},
		),

		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_publish_total",
				Help: "Total number of publish attempts",
			},
			[]string{"status"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registry_publish_duration_seconds",
				Help:    "Publish pipeline duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		TarballBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_tarball_bytes_total",
				Help: "Total bytes of tarball content accepted by publish",
			},
		),
		CompensatingDeletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_compensating_deletes_total",
				Help: "Total number of compensating tarball deletes issued after a failed publish",
			},
			[]string{"reason"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_cache_evictions_total",
				Help: "Total number of cache evictions",
			},
			[]string{"cache_type", "reason"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		RedisConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_redis_connections_active",
				Help: "Number of active Redis connections",
			},
		),
		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),
		RedisCommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registry_redis_command_duration_seconds",
				Help:    "Redis command duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"command"},
		),

		PackagesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_packages_total",
				Help: "Total number of packages",
			},
		),
		VersionsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_versions_total",
				Help: "Total number of versions",
			},
		),
		ActiveUsersTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_active_users_total",
				Help: "Total number of active users",
			},
		),
		TokensActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_tokens_active",
				Help: "Number of active API tokens",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.BackendOperationsTotal,
		m.BackendOperationDuration,
		m.BackendErrorsTotal,
		m.PublishTotal,
		m.PublishDuration,
		m.TarballBytesTotal,
		m.CompensatingDeletes,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictionsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsActive,
		m.RedisCommandsTotal,
		m.RedisCommandDuration,
		m.PackagesTotal,
		m.VersionsTotal,
		m.ActiveUsersTotal,
		m.TokensActive,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
