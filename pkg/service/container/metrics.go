package container

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
)

// Metrics are the counters updated by a Container. Each counter is given a
// "route" label.
type Metrics struct {
	Delivered    metrics.Counter
	Committed    metrics.Counter
	Redelivered  metrics.Counter
	DeadLettered metrics.Counter
	Throttled    metrics.Counter
	FetchErrors  metrics.Counter
}

// DiscardMetrics returns Metrics that record nothing.
func DiscardMetrics() Metrics {
	return Metrics{
		Delivered:    discard.NewCounter(),
		Committed:    discard.NewCounter(),
		Redelivered:  discard.NewCounter(),
		DeadLettered: discard.NewCounter(),
		Throttled:    discard.NewCounter(),
		FetchErrors:  discard.NewCounter(),
	}
}

func (m Metrics) withDefaults() Metrics {
	d := DiscardMetrics()
	if m.Delivered == nil {
		m.Delivered = d.Delivered
	}
	if m.Committed == nil {
		m.Committed = d.Committed
	}
	if m.Redelivered == nil {
		m.Redelivered = d.Redelivered
	}
	if m.DeadLettered == nil {
		m.DeadLettered = d.DeadLettered
	}
	if m.Throttled == nil {
		m.Throttled = d.Throttled
	}
	if m.FetchErrors == nil {
		m.FetchErrors = d.FetchErrors
	}
	return m
}
