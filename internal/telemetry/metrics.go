package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalbot_items_total", Help: "Items processed by the consumer, by kind and outcome",
	}, []string{"kind", "outcome"})
	ClaimContention   = prometheus.NewCounter(prometheus.CounterOpts{Name: "signalbot_claim_contention_total", Help: "Claims lost to another consumer"})
	LedgerErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "signalbot_ledger_errors_total", Help: "Cadence ledger updates that failed after a publish"})
	FailureRecords    = prometheus.NewCounter(prometheus.CounterOpts{Name: "signalbot_failure_records_total", Help: "Delivery failure records written"})
	SendErrors        = prometheus.NewCounter(prometheus.CounterOpts{Name: "signalbot_send_errors_total", Help: "Transport sends that returned an error"})
	TickDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "signalbot_tick_duration_seconds", Help: "Consumer tick duration", Buckets: prometheus.DefBuckets})
	SendDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "signalbot_send_duration_seconds", Help: "Transport send duration", Buckets: prometheus.DefBuckets})
	LastTickTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{Name: "signalbot_last_tick_timestamp_seconds", Help: "Unix time of the last completed tick"})
)

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsTotal,
			ClaimContention,
			LedgerErrors,
			FailureRecords,
			SendErrors,
			TickDuration,
			SendDuration,
			LastTickTimestamp,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
