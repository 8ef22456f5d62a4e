package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAdmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_jobs_admitted_total", Help: "Jobs accepted by the admission controller"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_rate_limit_rejects_total", Help: "Requests rejected by the sliding-window rate limiter"})
	AuthFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_auth_failures_total", Help: "Requests rejected for missing, invalid, or expired API keys"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_jobs_failed_total", Help: "Jobs that reached terminal failed"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_jobs_retried_total", Help: "Jobs requeued for retry"})
	LeaseExpiries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_lease_expiries_total", Help: "Processing leases reclaimed after worker loss"})
	LLMCalls         = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_llm_calls_total", Help: "LLM completion calls attempted"})
	LLMFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_llm_failures_total", Help: "LLM completion calls that failed"})
	BreakerOpens     = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_breaker_opens_total", Help: "Circuit breaker transitions to open"})
	WebhooksSent     = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_webhooks_delivered_total", Help: "Webhook deliveries acknowledged by the target"})
	WebhooksDropped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_webhooks_abandoned_total", Help: "Webhook deliveries abandoned after the attempt cap"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mail_queue_depth", Help: "Pending jobs awaiting a worker"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mail_jobs_inflight", Help: "Jobs currently leased by workers"})
	TokensUsed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_llm_tokens_total", Help: "Cumulative LLM tokens consumed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAdmitted,
			RateLimitRejects,
			AuthFailures,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			LeaseExpiries,
			LLMCalls,
			LLMFailures,
			BreakerOpens,
			WebhooksSent,
			WebhooksDropped,
			QueueDepthGauge,
			InFlightGauge,
			TokensUsed,
		)
	})
	return promhttp.Handler()
}
