package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	engineOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "story_graph_engine_operations_total",
		Help: "Story engine operations by result.",
	}, []string{"operation", "result"})

	engineOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "story_graph_engine_operation_duration_seconds",
		Help:    "Duration of story engine operations.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"operation"})

	// outcome: created, reused, lost_race, deduplicated, failed
	materializations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "story_graph_materializations_total",
		Help: "Choice target resolutions by outcome.",
	}, []string{"outcome"})

	orphanNodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "story_graph_orphan_nodes_total",
		Help: "Persisted nodes that were never linked to their choice.",
	})

	invariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "story_graph_invariant_violations_total",
		Help: "Data integrity violations detected while traversing the graph.",
	})
)

const (
	outcomeCreated      = "created"
	outcomeReused       = "reused"
	outcomeLostRace     = "lost_race"
	outcomeDeduplicated = "deduplicated"
	outcomeFailed       = "failed"
)
