// Package metrics exposes scheduling and delivery measurements to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// Collector records coordinator and message bus metrics. It implements
// coordinator.Metrics and bus.Observer.
type Collector struct {
	// Task metrics
	tasksSubmitted  prometheus.Counter
	taskTransitions *prometheus.CounterVec
	tasksByStatus   *prometheus.GaugeVec
	dispatches      *prometheus.CounterVec
	readyQueueDepth prometheus.Gauge

	// Agent metrics
	agentLoad     *prometheus.GaugeVec
	agentCapacity *prometheus.GaugeVec

	// Bus metrics
	messagesDelivered    *prometheus.CounterVec
	deliveryAttempts     *prometheus.HistogramVec
	messagesRetried      *prometheus.CounterVec
	messagesDeadLettered *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the metrics with reg under namespace. A nil reg
// uses the default Prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.tasksSubmitted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_submitted_total",
		Help:      "Total number of submitted tasks",
	})
	c.taskTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task status transitions",
	}, []string{"from", "to"})
	c.tasksByStatus = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks",
		Help:      "Current number of tasks per status",
	}, []string{"status"})
	c.dispatches = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_dispatches_total",
		Help:      "Task assignments per agent",
	}, []string{"agent_id"})
	c.readyQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ready_queue_depth",
		Help:      "Ready tasks waiting for an agent after the last dispatch pass",
	})

	c.agentLoad = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agent_load",
		Help:      "Tasks currently running on an agent",
	}, []string{"agent_id"})
	c.agentCapacity = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agent_capacity",
		Help:      "Maximum concurrent tasks of an agent",
	}, []string{"agent_id"})

	c.messagesDelivered = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_delivered_total",
		Help:      "Messages delivered, by type",
	}, []string{"type"})
	c.deliveryAttempts = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_delivery_attempts",
		Help:      "Attempts needed to deliver a message",
		Buckets:   []float64{1, 2, 3, 5, 8},
	}, []string{"type"})
	c.messagesRetried = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_retried_total",
		Help:      "Failed delivery attempts scheduled for redelivery",
	}, []string{"type"})
	c.messagesDeadLettered = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dead_lettered_total",
		Help:      "Messages given up on after the last attempt",
	}, []string{"type"})

	c.logger.Debug("metrics registered", zap.String("namespace", namespace))
	return c
}

func (c *Collector) TaskSubmitted() {
	c.tasksSubmitted.Inc()
	c.tasksByStatus.WithLabelValues(scheduler.TaskPending.String()).Inc()
}

func (c *Collector) TaskTransition(from, to scheduler.TaskStatus) {
	c.taskTransitions.WithLabelValues(from.String(), to.String()).Inc()
	c.tasksByStatus.WithLabelValues(from.String()).Dec()
	c.tasksByStatus.WithLabelValues(to.String()).Inc()
}

func (c *Collector) TaskDispatched(agentID string) {
	c.dispatches.WithLabelValues(agentID).Inc()
}

func (c *Collector) ReadyQueueDepth(n int) {
	c.readyQueueDepth.Set(float64(n))
}

func (c *Collector) AgentLoad(agentID string, load, capacity int) {
	c.agentLoad.WithLabelValues(agentID).Set(float64(load))
	c.agentCapacity.WithLabelValues(agentID).Set(float64(capacity))
}

// AgentRemoved drops the per-agent series of a deregistered agent.
func (c *Collector) AgentRemoved(agentID string) {
	c.agentLoad.DeleteLabelValues(agentID)
	c.agentCapacity.DeleteLabelValues(agentID)
	c.dispatches.DeleteLabelValues(agentID)
}

func (c *Collector) MessageDelivered(msgType string, attempts int) {
	c.messagesDelivered.WithLabelValues(msgType).Inc()
	c.deliveryAttempts.WithLabelValues(msgType).Observe(float64(attempts))
}

func (c *Collector) MessageRetried(msgType string) {
	c.messagesRetried.WithLabelValues(msgType).Inc()
}

func (c *Collector) MessageDeadLettered(msgType string) {
	c.messagesDeadLettered.WithLabelValues(msgType).Inc()
}
