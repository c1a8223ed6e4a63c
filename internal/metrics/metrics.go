package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindly_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remindly_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	actionsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindly_actions_dispatched_total",
			Help: "Notification actions dispatched by action and outcome (sent, deferred, failed)",
		},
		[]string{"action", "outcome"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remindly_offline_queue_depth",
			Help: "Items currently in the offline action queue",
		},
	)

	queuePasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindly_queue_passes_total",
			Help: "Queue processing pass item outcomes",
		},
		[]string{"outcome"},
	)

	cacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindly_cache_requests_total",
			Help: "Cache router decisions by route (bypass, hit, miss, fallback)",
		},
		[]string{"route"},
	)

	protocolMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindly_protocol_messages_total",
			Help: "Protocol envelopes handled by type and direction",
		},
		[]string{"type", "direction"},
	)

	protocolTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindly_protocol_timeouts_total",
			Help: "Correlated requests that timed out waiting for a reply",
		},
	)

	pollOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindly_push_status_polls_total",
			Help: "Push status reconciliation poll outcomes",
		},
		[]string{"outcome"},
	)

	historyRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindly_history_records_removed_total",
			Help: "History records removed by the retention engine, by pass",
		},
		[]string{"pass"},
	)

	onlineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remindly_network_online",
			Help: "1 when the network monitor reports online, 0 otherwise",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordActionDispatched records the outcome of a dispatch call.
func RecordActionDispatched(action, outcome string) {
	actionsDispatched.WithLabelValues(action, outcome).Inc()
}

// SetQueueDepth sets the current offline queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordQueuePassItem records one item outcome within a queue pass.
func RecordQueuePassItem(outcome string) {
	queuePasses.WithLabelValues(outcome).Inc()
}

// RecordCacheRoute records a cache router decision.
func RecordCacheRoute(route string) {
	cacheRequests.WithLabelValues(route).Inc()
}

// RecordProtocolMessage records a handled protocol envelope.
func RecordProtocolMessage(msgType, direction string) {
	protocolMessages.WithLabelValues(msgType, direction).Inc()
}

// RecordProtocolTimeout records a correlated request timeout.
func RecordProtocolTimeout() {
	protocolTimeouts.Inc()
}

// RecordPoll records a reconciliation poll outcome.
func RecordPoll(outcome string) {
	pollOutcomes.WithLabelValues(outcome).Inc()
}

// RecordHistoryRemoved records retention engine removals for one pass.
func RecordHistoryRemoved(pass string, n int) {
	historyRemoved.WithLabelValues(pass).Add(float64(n))
}

// SetOnline records the current connectivity state.
func SetOnline(online bool) {
	if online {
		onlineState.Set(1)
	} else {
		onlineState.Set(0)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so websocket upgrades
// work behind the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
