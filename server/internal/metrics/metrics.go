// Package metrics 服务的 Prometheus 指标与健康检查。
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postpulse"

// Collector 汇总 HTTP、网关与事务指标
//
// 使用独立的 Registry，同一进程（包括测试）里可以创建多个实例。
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	wsConnections       prometheus.Gauge
	eventsPublished     *prometheus.CounterVec
	eventRecipients     *prometheus.HistogramVec
	deliveriesDropped   *prometheus.CounterVec
	transactions        *prometheus.CounterVec
	relayMessages       *prometheus.CounterVec
}

// New 创建并注册全部指标
func New(version string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	c.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	c.wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections_active",
		Help:      "Number of open realtime connections",
	})
	c.eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Notification events routed, by kind",
		},
		[]string{"kind"},
	)
	c.eventRecipients = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_recipients",
			Help:      "Connections an event was queued to",
			Buckets:   []float64{0, 1, 2, 5, 10, 50, 100},
		},
		[]string{"kind"},
	)
	c.deliveriesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Per-connection deliveries that failed",
		},
		[]string{"kind", "reason"},
	)
	c.transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_transactions_total",
			Help:      "Database transactions by outcome",
		},
		[]string{"outcome"},
	)
	c.relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Cross-instance relay traffic",
		},
		[]string{"direction"},
	)
	info := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_info",
			Help:      "Service information",
		},
		[]string{"version"},
	)

	c.registry.MustRegister(
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.wsConnections,
		c.eventsPublished,
		c.eventRecipients,
		c.deliveriesDropped,
		c.transactions,
		c.relayMessages,
		info,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	info.WithLabelValues(version).Set(1)
	return c
}

// Registry 暴露底层 registry，测试用
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Middleware 记录每个 HTTP 请求
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		endpoint := ctx.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		method := ctx.Request.Method
		status := strconv.Itoa(ctx.Writer.Status())
		c.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		c.httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return func(ctx *gin.Context) {
		handler.ServeHTTP(ctx.Writer, ctx.Request)
	}
}

// 以下方法实现 gateway.Observer

func (c *Collector) ConnectionOpened() {
	c.wsConnections.Inc()
}

func (c *Collector) ConnectionClosed() {
	c.wsConnections.Dec()
}

func (c *Collector) EventPublished(kind string, recipients int) {
	c.eventsPublished.WithLabelValues(kind).Inc()
	c.eventRecipients.WithLabelValues(kind).Observe(float64(recipients))
}

func (c *Collector) DeliveryDropped(kind, reason string) {
	c.deliveriesDropped.WithLabelValues(kind, reason).Inc()
}

// ObserveTx 作为 storage.TxObserver 使用
func (c *Collector) ObserveTx(outcome string) {
	c.transactions.WithLabelValues(outcome).Inc()
}

// RelayMessage direction 为 out 或 in
func (c *Collector) RelayMessage(direction string) {
	c.relayMessages.WithLabelValues(direction).Inc()
}
