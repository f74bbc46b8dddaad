package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the HTTP and chat collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ChannelsOpen    prometheus.Gauge
	FramesSent      prometheus.Counter
	ChatExchanges   *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medichat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests, labeled by method, route and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medichat",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method", "route"}),
		ChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "medichat",
			Subsystem: "chat",
			Name:      "channels_open",
			Help:      "Number of open chat WebSocket channels.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medichat",
			Subsystem: "chat",
			Name:      "stream_frames_sent_total",
			Help:      "Total number of stream frames written to chat channels.",
		}),
		ChatExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medichat",
			Subsystem: "chat",
			Name:      "exchanges_total",
			Help:      "Total number of chat exchanges, labeled by transport and result.",
		}, []string{"transport", "result"}),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ChannelsOpen,
		m.FramesSent,
		m.ChatExchanges,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument records request counts and latency per route
func (m *Metrics) Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
