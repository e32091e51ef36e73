package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Gateway: перезапросы агрегата по уведомлениям наблюдателя
	RequeryTotal    *prometheus.CounterVec
	RequeryDuration *prometheus.HistogramVec

	// Сколько подписок сейчас держит шлюз
	ActiveSubscriptions prometheus.Gauge

	// Bridge: отправка по пути (direct/fallback) и статусу
	BridgeSent     *prometheus.CounterVec
	BridgeReceived *prometheus.CounterVec
	BridgeDropped  *prometheus.CounterVec

	// Состояние Circuit Breaker прямого канала (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState prometheus.Gauge

	// Ingest: заполненность буфера (backpressure) и потери
	IngestBufferFill prometheus.Gauge
	IngestDropped    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequeryTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_requery_total",
			Help: "Aggregate re-queries triggered by change notifications.",
		}, []string{"metric", "status"}),

		RequeryDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "healthsync_requery_duration_seconds",
			Help:    "Histogram of aggregate re-query latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"metric"}),

		ActiveSubscriptions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "healthsync_active_subscriptions",
			Help: "Number of active observer registrations.",
		}),

		BridgeSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_bridge_sent_total",
			Help: "Messages sent to the peer device by path and status.",
		}, []string{"path", "status"}),

		BridgeReceived: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_bridge_received_total",
			Help: "Messages received from the peer device by path.",
		}, []string{"path"}),

		BridgeDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_bridge_dropped_total",
			Help: "Inbound messages dropped by reason.",
		}, []string{"reason"}), // malformed, duplicate, overflow, closed

		CircuitBreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "healthsync_bridge_circuit_breaker_state",
			Help: "Direct channel circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		IngestBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "healthsync_ingest_buffer_utilization",
			Help: "Current number of measurements waiting in the ingest buffer.",
		}),

		IngestDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "healthsync_ingest_dropped_total",
			Help: "Measurements dropped because the ingest buffer was full or closed.",
		}),
	}
}
