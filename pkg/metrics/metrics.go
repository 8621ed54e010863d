package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PendingCorrelations     prometheus.Gauge
	DispatchesTotal         *prometheus.CounterVec
	CorrelationOutcomes     *prometheus.CounterVec
	CorrelationWaitDuration *prometheus.HistogramVec
	CorrelationPolls        prometheus.Histogram
	InboundMessages         *prometheus.CounterVec
	DeliveryReports         *prometheus.CounterVec
	ParseOutcomes           *prometheus.CounterVec
	PersistenceWrites       *prometheus.CounterVec
	RedisOperationDuration  *prometheus.HistogramVec
	SweeperLeaderChanges    prometheus.Counter
	SweepDuration           prometheus.Histogram
}

// NewMetrics registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PendingCorrelations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pending_correlations",
			Help: "Current number of correlations waiting for a provider reply",
		}),
		DispatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "command_dispatches_total",
			Help: "Total number of command dispatch attempts",
		}, []string{"kind", "result"}),
		CorrelationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "correlation_outcomes_total",
			Help: "Total number of resolved correlations by source",
		}, []string{"kind", "source"}),
		CorrelationWaitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "correlation_wait_duration_seconds",
			Help:    "Time from dispatch to correlation resolution",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120, 180},
		}, []string{"kind", "source"}),
		CorrelationPolls: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "correlation_polls",
			Help:    "Number of store polls per correlation",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_messages_total",
			Help: "Total number of inbound messages ingested by classification",
		}, []string{"kind"}),
		DeliveryReports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_reports_total",
			Help: "Total number of delivery reports by normalized status",
		}, []string{"status"}),
		ParseOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parse_outcomes_total",
			Help: "Total number of parsed replies by outcome",
		}, []string{"kind", "outcome"}),
		PersistenceWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "persistence_writes_total",
			Help: "Total number of result persistence attempts",
		}, []string{"stage", "status"}),
		RedisOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		SweeperLeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "sweeper_leader_changes_total",
			Help: "Total number of sweeper leader changes",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Time taken to sweep expired correlations",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
