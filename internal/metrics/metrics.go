// Package metrics exposes prometheus collectors for the rollout engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the engine's prometheus collectors.
type Metrics struct {
	EventsAccepted  *prometheus.CounterVec
	EventsDuplicate prometheus.Counter
	EventsDropped   prometheus.Counter
	ActivePollers   prometheus.Gauge
	LogLinesStored  prometheus.Counter
	DeployOutcomes  *prometheus.CounterVec
}

// New registers and returns the engine collectors. Registration conflicts
// resolve to the already-registered collector so repeated construction in
// tests is safe.
func New() *Metrics {
	m := &Metrics{
		EventsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "gateway",
			Name:      "events_accepted_total",
			Help:      "Count of first-seen events accepted per source",
		}, []string{"source"}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "gateway",
			Name:      "events_duplicate_total",
			Help:      "Count of events short-circuited by the idempotency store",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "gateway",
			Name:      "events_dropped_total",
			Help:      "Count of events dropped for unknown sources or undecodable payloads",
		}),
		ActivePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "otto",
			Subsystem: "logstream",
			Name:      "active_pollers",
			Help:      "Number of log pollers currently running",
		}),
		LogLinesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "logstream",
			Name:      "log_lines_stored_total",
			Help:      "Count of log lines persisted across all executions",
		}),
		DeployOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "deploy",
			Name:      "deployment_outcomes_total",
			Help:      "Number of deployments reaching a terminal status",
		}, []string{"outcome"}),
	}

	m.EventsAccepted = registerCounterVec(m.EventsAccepted)
	m.EventsDuplicate = registerCounter(m.EventsDuplicate)
	m.EventsDropped = registerCounter(m.EventsDropped)
	m.ActivePollers = registerGauge(m.ActivePollers)
	m.LogLinesStored = registerCounter(m.LogLinesStored)
	m.DeployOutcomes = registerCounterVec(m.DeployOutcomes)
	return m
}

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return c
}

func registerCounter(c prometheus.Counter) prometheus.Counter {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}

func registerGauge(g prometheus.Gauge) prometheus.Gauge {
	if err := prometheus.Register(g); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Gauge)
		}
	}
	return g
}
