// Package metrics exposes live import activity as prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ts-factory/bublik-sub000/internal/domain"
	"github.com/ts-factory/bublik-sub000/internal/livelog"
)

// Collectors implements livelog.Observer.
type Collectors struct {
	Events         *prometheus.CounterVec
	LostItems      *prometheus.CounterVec
	FailedSessions *prometheus.CounterVec
	ReapedRuns     prometheus.Counter
	ActiveSessions prometheus.Gauge
}

var _ livelog.Observer = (*Collectors)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bublik",
			Subsystem: "livelog",
			Name:      "events_total",
			Help:      "Live log events processed, by type.",
		}, []string{"type"}),
		LostItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bublik",
			Subsystem: "livelog",
			Name:      "lost_items_total",
			Help:      "Placeholder results created for lost plan items, by node type.",
		}, []string{"node_type"}),
		FailedSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bublik",
			Subsystem: "livelog",
			Name:      "failed_sessions_total",
			Help:      "Live imports closed because of an error, by error kind.",
		}, []string{"kind"}),
		ReapedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bublik",
			Subsystem: "livelog",
			Name:      "reaped_runs_total",
			Help:      "Abandoned live runs closed by the timeout reaper.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bublik",
			Subsystem: "livelog",
			Name:      "active_sessions",
			Help:      "Live imports started by this process and not yet finished or reaped.",
		}),
	}
	reg.MustRegister(c.Events, c.LostItems, c.FailedSessions, c.ReapedRuns, c.ActiveSessions)
	return c
}

func (c *Collectors) EventProcessed(eventType string) {
	c.Events.WithLabelValues(eventType).Inc()
}

func (c *Collectors) LostSynthesized(nodeType domain.NodeType) {
	c.LostItems.WithLabelValues(nodeType.String()).Inc()
}

func (c *Collectors) SessionFailed(kind livelog.Kind) {
	c.FailedSessions.WithLabelValues(kind.String()).Inc()
}

// RunReaped also ends the session whose cache entry expired.
func (c *Collectors) RunReaped() {
	c.ReapedRuns.Inc()
	c.ActiveSessions.Dec()
}

// SessionStarted and SessionFinished track ActiveSessions.
func (c *Collectors) SessionStarted() {
	c.ActiveSessions.Inc()
}

func (c *Collectors) SessionFinished() {
	c.ActiveSessions.Dec()
}
