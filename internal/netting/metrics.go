package netting

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Transitions         *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	InstructionsPerPlan prometheus.Histogram
	Compression         prometheus.Histogram
	InvariantViolations *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netting_operations_total",
				Help: "Total netting engine operations by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netting_operation_duration_seconds",
				Help:    "Netting engine operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		InstructionsPerPlan: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "netting_instructions_per_session",
				Help:    "Settlement instructions generated per approved session.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		Compression: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "netting_compression_ratio",
				Help:    "Instructions generated divided by gross transactions.",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		),
		InvariantViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netting_invariant_violations_total",
				Help: "Operations rejected because positions did not conserve money.",
			},
			[]string{"action"},
		),
	}

	registry.MustRegister(
		m.Transitions,
		m.OperationDuration,
		m.InstructionsPerPlan,
		m.Compression,
		m.InvariantViolations,
	)
	return m
}

func (m *Metrics) observe(action string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.Transitions.WithLabelValues(action, outcome).Inc()
	m.OperationDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observePlan(instructions, transactions int) {
	if m == nil {
		return
	}
	m.InstructionsPerPlan.Observe(float64(instructions))
	if transactions > 0 {
		m.Compression.Observe(float64(instructions) / float64(transactions))
	}
}

func (m *Metrics) incInvariantViolation(action string) {
	if m == nil {
		return
	}
	m.InvariantViolations.WithLabelValues(action).Inc()
}
