package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	CirculationOps *prometheus.CounterVec   // op, result=ok|invalid|rejected|not_found|error
	OpLatencyMS    *prometheus.HistogramVec // op

	FinesAssessed   prometheus.Counter
	FineAmountTotal prometheus.Counter
	HoldsExpired    prometheus.Counter

	FollowupTasks *prometheus.CounterVec // task, result=ok|skipped|failed|dropped
	StoreRetries  *prometheus.CounterVec // reason=busy|serialization
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		CirculationOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "library_circulation_ops_total",
				Help: "Circulation operations by result",
			},
			[]string{"op", "result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "library_op_latency_ms",
				Help:    "Latency of circulation operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		FinesAssessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_fines_assessed_total",
			Help: "Overdue fines created on return",
		}),
		FineAmountTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_fine_amount_total",
			Help: "Sum of assessed fine amounts",
		}),
		HoldsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_holds_expired_total",
			Help: "Uncollected holds expired by the monitor",
		}),
		FollowupTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "library_followup_tasks_total",
				Help: "Post-commit follow-up tasks by result",
			},
			[]string{"task", "result"},
		),
		StoreRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "library_store_retries_total",
				Help: "Transactions retried after busy or serialization errors",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		m.CirculationOps,
		m.OpLatencyMS,
		m.FinesAssessed,
		m.FineAmountTotal,
		m.HoldsExpired,
		m.FollowupTasks,
		m.StoreRetries,
	)

	return m
}
