package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器
// A nil *Collector is valid and records nothing, so callers never need
// to guard instrumentation sites.
type Collector struct {
	// Agent 指标
	stateTransitions *prometheus.CounterVec

	// 任务指标
	callbackRestarts *prometheus.CounterVec
	taskStops        *prometheus.CounterVec

	// 消息指标
	deliveries    *prometheus.CounterVec
	publishes     *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
// A nil registerer falls back to the default prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Agent operation state transitions",
		},
		[]string{"from", "to"},
	)

	c.callbackRestarts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_restarts_total",
			Help:      "Supervised task respawns after a callback failure",
		},
		[]string{"task"},
	)

	c.taskStops = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_stops_total",
			Help:      "Supervised task stops by outcome",
		},
		[]string{"task", "outcome"},
	)

	c.deliveries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages handed to a primitive callback",
		},
		[]string{"primitive"},
	)

	c.publishes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Payloads accepted by the session for publication",
		},
		[]string{"primitive"},
	)

	c.queryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Round-trip latency of request-style calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"topic", "outcome"},
	)

	return c
}

// StateTransition 记录一次状态转换
func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// CallbackRestart 记录一次任务重启
func (c *Collector) CallbackRestart(task string) {
	if c == nil {
		return
	}
	c.callbackRestarts.WithLabelValues(task).Inc()
}

// TaskStop 记录一次任务停止
func (c *Collector) TaskStop(task, outcome string) {
	if c == nil {
		return
	}
	c.taskStops.WithLabelValues(task, outcome).Inc()
}

// Delivered 记录一次消息投递
func (c *Collector) Delivered(primitive string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(primitive).Inc()
}

// Published 记录一次消息发布
func (c *Collector) Published(primitive string) {
	if c == nil {
		return
	}
	c.publishes.WithLabelValues(primitive).Inc()
}

// QueryDuration 记录一次请求耗时
func (c *Collector) QueryDuration(topic, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.queryDuration.WithLabelValues(topic, outcome).Observe(d.Seconds())
}
