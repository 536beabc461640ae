// Package observability exposes the Prometheus counters and histograms
// the core components update, so the ambient /metrics endpoint can scrape
// production-shape signal without the core importing any HTTP concern.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_sends_total", Help: "Dispatcher send attempts"},
		[]string{"result"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "chatrelay_send_latency_seconds", Help: "ChatClient.Send latency"},
	)
	DailyCapHits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chatrelay_daily_cap_hits_total", Help: "Sends rejected by the daily cap"},
	)
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_reconnects_total", Help: "Connection Manager reconnect attempts"},
		[]string{"disconnect_code"},
	)
	JobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_job_retries_total", Help: "Job Runtime retry/backoff events"},
		[]string{"kind"},
	)
	SweepDeletions = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chatrelay_sweep_deletions_total", Help: "Intents removed by the Retention Sweeper"},
	)
)

// Register attaches every metric to reg, so cmd/worker and cmd/api can
// wire their own registries instead of sharing the global default one.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(SendsTotal, SendLatency, DailyCapHits, Reconnects, JobRetries, SweepDeletions)
}
