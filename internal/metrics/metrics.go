package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_http_requests_total",
			Help: "HTTP requests by route pattern, method and status",
		},
		[]string{"route", "method", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auth_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	authOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_operations_total",
			Help: "Auth flow outcomes by operation and result kind",
		},
		[]string{"operation", "result"},
	)

	otpIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_otp_issued_total",
			Help: "One-time codes issued by purpose",
		},
		[]string{"purpose"},
	)

	otpVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_otp_verifications_total",
			Help: "One-time code verification outcomes by purpose",
		},
		[]string{"purpose", "result"},
	)

	rateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_rate_limited_total",
			Help: "Requests rejected by the rate limiter by scope",
		},
		[]string{"scope"},
	)

	notifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_notification_failures_total",
			Help: "Failed email deliveries by kind",
		},
		[]string{"kind"},
	)

	redisPoolOnce sync.Once
)

func ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// AuthOperation counts one orchestrator call. result is "ok" or an error kind.
func AuthOperation(operation, result string) {
	authOperations.WithLabelValues(operation, result).Inc()
}

func OTPIssued(purpose string) {
	otpIssued.WithLabelValues(purpose).Inc()
}

func OTPVerification(purpose, result string) {
	otpVerifications.WithLabelValues(purpose, result).Inc()
}

func RateLimited(scope string) {
	rateLimited.WithLabelValues(scope).Inc()
}

func NotificationFailed(kind string) {
	notifyFailures.WithLabelValues(kind).Inc()
}

// RegisterRedisPool exports pool statistics from stats. Only the first call
// registers.
func RegisterRedisPool(stats func() *redis.PoolStats) {
	redisPoolOnce.Do(func() {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "auth_redis_pool_total_conns",
			Help: "Connections in the redis pool",
		}, func() float64 { return float64(stats().TotalConns) })
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "auth_redis_pool_idle_conns",
			Help: "Idle connections in the redis pool",
		}, func() float64 { return float64(stats().IdleConns) })
		promauto.NewCounterFunc(prometheus.CounterOpts{
			Name: "auth_redis_pool_timeouts_total",
			Help: "Times a redis pool wait timed out",
		}, func() float64 { return float64(stats().Timeouts) })
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
