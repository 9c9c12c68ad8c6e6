package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	IntentCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_intents_total", Help: "Intent events accepted by the scheduler"})
	RateLimitDeferrals = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_rate_limit_deferrals_total", Help: "Jobs deferred by the quota tracker"})
	Confirmations      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_confirmations_total", Help: "Operations confirmed against the gateway"})
	ExecutionFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_execution_failures_total", Help: "Operations that ended in a fatal error"})
	RetryCounter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_retries_total", Help: "Retryable gateway failures rescheduled with backoff"})
	SupersededJobs     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_superseded_jobs_total", Help: "Stale jobs removed in favor of a newer intent"})
	DriftCorrections   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_drift_corrections_total", Help: "Out-of-band moves reverted by the guardian"})
	ReadyDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_ready_depth", Help: "Jobs eligible for immediate execution"})
	PendingJobsGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_pending_jobs", Help: "Jobs waiting out a quota delay"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			IntentCounter,
			RateLimitDeferrals,
			Confirmations,
			ExecutionFailures,
			RetryCounter,
			SupersededJobs,
			DriftCorrections,
			ReadyDepthGauge,
			PendingJobsGauge,
		)
	})
	return promhttp.Handler()
}
