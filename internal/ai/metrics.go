package ai

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	aiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_graph_ai_requests_total",
			Help: "Total number of requests to the AI provider.",
		},
		[]string{"provider", "model", "status"},
	)
	aiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "story_graph_ai_request_duration_seconds",
			Help:    "Histogram of AI provider request durations.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"provider", "model"},
	)
	aiPromptTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "story_graph_ai_prompt_tokens",
			Help:    "Histogram of prompt token counts.",
			Buckets: prometheus.LinearBuckets(250, 250, 12),
		},
		[]string{"provider", "model"},
	)
	aiCompletionTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "story_graph_ai_completion_tokens",
			Help:    "Histogram of completion token counts.",
			Buckets: prometheus.LinearBuckets(100, 100, 15),
		},
		[]string{"provider", "model"},
	)
)

func observeSuccess(provider, model string, resp *Response) {
	aiRequestsTotal.WithLabelValues(provider, model, "success").Inc()
	aiRequestDuration.WithLabelValues(provider, model).Observe(resp.Duration.Seconds())
	if resp.Usage.TotalTokens > 0 {
		aiPromptTokens.WithLabelValues(provider, model).Observe(float64(resp.Usage.PromptTokens))
		aiCompletionTokens.WithLabelValues(provider, model).Observe(float64(resp.Usage.CompletionTokens))
	}
}

func observeFailure(provider, model, status string) {
	aiRequestsTotal.WithLabelValues(provider, model, status).Inc()
}
