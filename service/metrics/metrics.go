package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vechat_connections",
			Help: "Live WebSocket connections on this node",
		},
	)

	OnlineIdentities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vechat_online_identities",
			Help: "Identities with at least one live connection on this node",
		},
	)

	HandshakeRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vechat_handshake_rejected_total",
			Help: "Connections refused before upgrade",
		},
	)

	SweptConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vechat_connections_evicted_total",
			Help: "Connections closed by the server",
		},
		[]string{"reason"}, // "stale" or "limit"
	)

	// Event metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vechat_frames_received_total",
			Help: "Inbound frames by event",
		},
		[]string{"event"},
	)

	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vechat_handler_errors_total",
			Help: "Handler failures by event and error code",
		},
		[]string{"event", "code"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vechat_handler_duration_seconds",
			Help:    "Inbound event handling latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"event"},
	)

	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vechat_frames_dropped_total",
			Help: "Outbound frames dropped because a send queue was full",
		},
	)

	// Business metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vechat_messages_sent_total",
			Help: "Messages persisted",
		},
		[]string{"type"},
	)

	MessagesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vechat_messages_read_total",
			Help: "Messages transitioned to read",
		},
	)

	StateSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vechat_state_syncs_total",
			Help: "stateSync payloads built",
		},
		[]string{"type"},
	)

	UnreadRecomputes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vechat_unread_recomputes_total",
			Help: "Unread counter recomputations",
		},
		[]string{"result"}, // "changed" or "unchanged"
	)

	// Backend metrics
	BackendUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vechat_backend_up",
			Help: "1 while the last health check of a backend succeeded",
		},
		[]string{"backend"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vechat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vechat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)
)

// Handler 暴露 /metrics
func Handler() http.Handler { return promhttp.Handler() }

// Middleware 按路由模板记录请求数与耗时
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
