// Package metrics exposes Prometheus instruments for the billing engine.
// Helpers are no-ops until Init is called, so packages can record freely in
// tests.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "cobranca_"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	transitionsTotal *prometheus.CounterVec

	assembleTotal   *prometheus.CounterVec
	assembleCharges prometheus.Counter

	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	ingestTotal     *prometheus.CounterVec
	ingestLatency   *prometheus.HistogramVec
	reconciledItems *prometheus.CounterVec
)

// Init registers all instruments with reg, or the default registerer when reg is nil.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}

		transitionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transitions_total",
				Help: "Total ledger state transitions by entity and target state",
			},
			[]string{"entity", "to"},
		)
		assembleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_assemble_total",
				Help: "Total batch assembly attempts by result",
			},
			[]string{"result"},
		)
		assembleCharges = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_assembled_charges_total",
				Help: "Total charges reserved into batches",
			},
		)
		dispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_dispatch_total",
				Help: "Total batch dispatch operations by result",
			},
			[]string{"result"},
		)
		dispatchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "batch_dispatch_latency_seconds",
				Help:    "Batch dispatch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		ingestTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "return_ingest_total",
				Help: "Total return file ingestions by result",
			},
			[]string{"result"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "return_ingest_latency_seconds",
				Help:    "Return file ingestion latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		reconciledItems = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconciled_items_total",
				Help: "Total return file items by outcome",
			},
			[]string{"outcome"},
		)

		reg.MustRegister(
			transitionsTotal,
			assembleTotal,
			assembleCharges,
			dispatchTotal,
			dispatchLatency,
			ingestTotal,
			ingestLatency,
			reconciledItems,
		)
	})
}

// IncTransition counts one committed state transition.
func IncTransition(entity, to string) {
	if to == "" {
		to = "deleted"
	}
	if transitionsTotal != nil {
		transitionsTotal.WithLabelValues(entity, to).Inc()
	}
}

// ObserveAssemble records an assembly attempt and how many charges it reserved.
func ObserveAssemble(result string, charges int) {
	if result == "" {
		result = ResultSuccess
	}
	if assembleTotal != nil {
		assembleTotal.WithLabelValues(result).Inc()
	}
	if assembleCharges != nil && charges > 0 {
		assembleCharges.Add(float64(charges))
	}
}

// ObserveDispatch records dispatch duration and result.
func ObserveDispatch(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if dispatchTotal != nil {
		dispatchTotal.WithLabelValues(result).Inc()
	}
	if dispatchLatency != nil {
		dispatchLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveIngest records return file ingestion duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if ingestTotal != nil {
		ingestTotal.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddReconciled counts return file items by outcome.
func AddReconciled(outcome string, n int) {
	if n <= 0 {
		return
	}
	if reconciledItems != nil {
		reconciledItems.WithLabelValues(outcome).Add(float64(n))
	}
}
