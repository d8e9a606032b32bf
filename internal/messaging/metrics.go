package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	taskResultOK        = "ok"
	taskResultError     = "error"
	taskResultMalformed = "malformed"
	taskResultPanic     = "panic"
)

var tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "story_graph_generation_tasks_total",
	Help: "Generation tasks consumed from the queue, by result.",
}, []string{"result"})
