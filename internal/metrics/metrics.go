package metrics

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay routing metrics
var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "termrelay_sessions_active",
			Help: "Number of registered agent sessions",
		},
	)

	ViewersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "termrelay_viewers_active",
			Help: "Number of attached viewer connections",
		},
	)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_connections_total",
			Help: "Classified connections by role",
		},
		[]string{"role"},
	)

	HandshakeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_handshake_failures_total",
			Help: "Connections closed before classification",
		},
		[]string{"reason"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_auth_attempts_total",
			Help: "Viewer auth attempts by result",
		},
		[]string{"result"},
	)

	FramesRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_frames_routed_total",
			Help: "Binary frames routed",
		},
		[]string{"direction"},
	)

	BytesRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_bytes_routed_total",
			Help: "Binary frame bytes routed",
		},
		[]string{"direction"},
	)

	SlowConsumerEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "termrelay_slow_consumer_evictions_total",
			Help: "Viewers closed because their outbound queue stayed full",
		},
	)

	LivenessEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_liveness_evictions_total",
			Help: "Connections closed after missing a ping cycle",
		},
		[]string{"role"},
	)

	ProtocolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_protocol_errors_total",
			Help: "Connections closed for malformed frames",
		},
		[]string{"role"},
	)
)

// HTTP surface metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

const (
	DirectionAgentToViewer = "agent_to_viewer"
	DirectionViewerToAgent = "viewer_to_agent"
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		ViewersActive,
		ConnectionsTotal,
		HandshakeFailuresTotal,
		AuthAttemptsTotal,
		FramesRoutedTotal,
		BytesRoutedTotal,
		SlowConsumerEvictionsTotal,
		LivenessEvictionsTotal,
		ProtocolErrorsTotal,
		HTTPRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware counts requests by route and status.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			return err
		}
	}
}
