package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultFinished = "finished"
	resultIdle     = "idle"
	resultError    = "error"
)

var stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "flowdesk",
	Subsystem: "engine",
	Name:      "steps_total",
	Help:      "Step executions handled, by node type and result.",
}, []string{"type", "result"})

func resultFor(outcome stepOutcome) string {
	if outcome.idle {
		return resultIdle
	}
	return resultFinished
}
