package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larkrelay_webhook_events_total",
		Help: "Inbound webhook calls by classification",
	}, []string{"kind"})

	StageResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larkrelay_stage_results_total",
		Help: "Pipeline stage outcomes by stage and result",
	}, []string{"stage", "result"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "larkrelay_stage_duration_seconds",
		Help:    "Pipeline stage latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})

	CompletionFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larkrelay_completion_fallbacks_total",
		Help: "Completion replies replaced by fallback text, by reason",
	}, []string{"reason"})

	CompletionTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larkrelay_completion_tokens_total",
		Help: "Tokens reported by the completion provider",
	}, []string{"type"})

	TokenFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "larkrelay_tenant_token_fetches_total",
		Help: "Tenant access token requests by result",
	}, []string{"result"})
)

// IncWebhookEvent records one classified inbound call.
func IncWebhookEvent(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	WebhookEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveStage records the outcome and latency of one pipeline stage.
// result is "ok", "error" or "skipped".
func ObserveStage(stage, result string, d time.Duration) {
	StageResultsTotal.WithLabelValues(stage, result).Inc()
	if result != "skipped" {
		StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func IncCompletionFallback(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	CompletionFallbacksTotal.WithLabelValues(reason).Inc()
}

func AddCompletionTokens(prompt, completion int64) {
	if prompt > 0 {
		CompletionTokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		CompletionTokensTotal.WithLabelValues("completion").Add(float64(completion))
	}
}

func IncTokenFetch(result string) {
	TokenFetchesTotal.WithLabelValues(result).Inc()
}
