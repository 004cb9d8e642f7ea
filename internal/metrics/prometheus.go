package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus metrics
type Metrics struct {
	PaymentsIngested prometheus.Counter
	FlightsIngested  prometheus.Counter
	Transitions      *prometheus.CounterVec
	Offenses         prometheus.Counter
	DeliveryFailures prometheus.Counter
	CycleDuration    *prometheus.HistogramVec
	CycleErrors      *prometheus.CounterVec
	CyclesSkipped    *prometheus.CounterVec
}

// New creates the metrics and registers them with reg
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PaymentsIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_ingested_total",
			Help:      "The total number of newly stored bank payments",
		}),
		FlightsIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flights_ingested_total",
			Help:      "The total number of newly stored flights",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flight_transitions_total",
			Help:      "Flight payment status transitions by target status",
		}, []string{"to"}),
		Offenses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offenses_total",
			Help:      "The total number of flights flagged as unpaid",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "The total number of chat notifications that could not be delivered",
		}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "watch_cycle_duration_seconds",
			Help:      "Time taken by one watch cycle",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		CycleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_cycle_errors_total",
			Help:      "The total number of failed watch cycles",
		}, []string{"job"}),
		CyclesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_cycles_skipped_total",
			Help:      "Ticks skipped because the previous cycle was still running",
		}, []string{"job"}),
	}
}

// Unregistered creates metrics that are collected but never exported
func Unregistered() *Metrics {
	return New("cashier", prometheus.NewRegistry())
}
