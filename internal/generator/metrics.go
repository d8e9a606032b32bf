package generator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var generationAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "story_graph_generation_attempts_total",
		Help: "Node generation attempts by kind and outcome.",
	},
	[]string{"kind", "result"},
)
