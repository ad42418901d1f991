// Package metrics exposes the suite's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/gorouted/internal/bfd"
)

const namespace = "gorouted"

// Label names.
const (
	labelProtocol  = "protocol"
	labelPeer      = "peer"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelReason    = "reason"
)

// Collector holds the suite-wide Prometheus metrics. Per-protocol
// counters carry a protocol label instead of one metric family each.
type Collector struct {
	// Sessions tracks live sessions/neighbors/adjacencies per protocol.
	Sessions *prometheus.GaugeVec

	// PacketsReceived counts accepted PDUs per protocol.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts PDUs rejected before processing (decode,
	// auth, demux) per protocol and reason.
	PacketsDropped *prometheus.CounterVec

	// StateTransitions counts FSM transitions per protocol, labelled
	// with the old and new state for precise alerting.
	StateTransitions *prometheus.CounterVec

	// SpfRuns counts SPF computations per protocol.
	SpfRuns *prometheus.CounterVec

	// RibRoutes gauges the active routes per source protocol.
	RibRoutes *prometheus.GaugeVec
}

// NewCollector registers the suite metrics against reg. A nil reg uses
// the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Currently active sessions, neighbors, or adjacencies.",
		}, []string{labelProtocol}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Accepted protocol PDUs.",
		}, []string{labelProtocol}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "PDUs dropped before processing.",
		}, []string{labelProtocol, labelReason}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "FSM state transitions.",
		}, []string{labelProtocol, labelFromState, labelToState}),
		SpfRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spf_runs_total",
			Help:      "Shortest-path-first computations.",
		}, []string{labelProtocol}),
		RibRoutes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rib_routes",
			Help:      "Active routes in the central RIB per source protocol.",
		}, []string{labelProtocol}),
	}

	reg.MustRegister(
		c.Sessions,
		c.PacketsReceived,
		c.PacketsDropped,
		c.StateTransitions,
		c.SpfRuns,
		c.RibRoutes,
	)
	return c
}

// BFDReporter adapts the collector to the bfd.MetricsReporter interface.
type BFDReporter struct {
	c *Collector
}

// BFD returns the BFD-facing reporter.
func (c *Collector) BFD() *BFDReporter { return &BFDReporter{c: c} }

// SessionCreated implements bfd.MetricsReporter.
func (r *BFDReporter) SessionCreated(bfd.SessionKey) {
	r.c.Sessions.WithLabelValues("bfd").Inc()
}

// SessionDestroyed implements bfd.MetricsReporter.
func (r *BFDReporter) SessionDestroyed(bfd.SessionKey) {
	r.c.Sessions.WithLabelValues("bfd").Dec()
}

// PacketReceived implements bfd.MetricsReporter.
func (r *BFDReporter) PacketReceived(bfd.SessionKey) {
	r.c.PacketsReceived.WithLabelValues("bfd").Inc()
}

// PacketDropped implements bfd.MetricsReporter.
func (r *BFDReporter) PacketDropped(reason string) {
	r.c.PacketsDropped.WithLabelValues("bfd", reason).Inc()
}

// StateTransition implements bfd.MetricsReporter.
func (r *BFDReporter) StateTransition(_ bfd.SessionKey, from, to bfd.State) {
	r.c.StateTransitions.WithLabelValues("bfd", from.String(), to.String()).Inc()
}
