// Package metrics exposes the counters and gauges the consensus engine's
// roles report on, in the direct client_golang style (plain
// prometheus.Counter/Gauge fields on a holder struct), rather than through
// a tracing/metrics facade.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge a Roles set reports to. A nil
// *Metrics is valid everywhere it's accepted: every increment/set method
// below is a no-op on a nil receiver, so wiring metrics in is opt-in.
type Metrics struct {
	reg *prometheus.Registry

	InstancesConfirmed prometheus.Counter
	InstancesApplied    prometheus.Counter
	PrepareRefusals    prometheus.Counter
	AcceptRefusals     prometheus.Counter
	Elections          prometheus.Counter
	IsMaster           prometheus.Gauge
	ApplyLag           prometheus.Gauge
	HeartbeatsSent     prometheus.Counter
}

// New builds a Metrics bound to a fresh registry, labeled with this node's
// id so a single scraper can tell cluster members apart.
func New(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"node_id": nodeID}

	m := &Metrics{
		reg: reg,
		InstancesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paxos", Name: "instances_confirmed_total",
			Help: "Instances this node has seen reach CONFIRMED.", ConstLabels: labels,
		}),
		InstancesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paxos", Name: "instances_applied_total",
			Help: "Instances this node's Learner has applied to the state machine.", ConstLabels: labels,
		}),
		PrepareRefusals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paxos", Name: "prepare_refusals_total",
			Help: "Phase 1 rounds this node's Proposer lost to a higher promise.", ConstLabels: labels,
		}),
		AcceptRefusals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paxos", Name: "accept_refusals_total",
			Help: "Phase 2 rounds this node's Proposer lost to a higher promise.", ConstLabels: labels,
		}),
		Elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paxos", Name: "elections_called_total",
			Help: "Elections this node has called after its election timer lapsed.", ConstLabels: labels,
		}),
		IsMaster: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "paxos", Name: "is_master",
			Help: "1 if this node currently believes it is master, else 0.", ConstLabels: labels,
		}),
		ApplyLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "paxos", Name: "apply_lag",
			Help: "Highest confirmed instance id minus the next instance id the Learner is waiting to apply.", ConstLabels: labels,
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paxos", Name: "heartbeats_sent_total",
			Help: "Pings broadcast while this node held mastership.", ConstLabels: labels,
		}),
	}

	reg.MustRegister(m.InstancesConfirmed, m.InstancesApplied, m.PrepareRefusals,
		m.AcceptRefusals, m.Elections, m.IsMaster, m.ApplyLag, m.HeartbeatsSent)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) incConfirmed() {
	if m != nil {
		m.InstancesConfirmed.Inc()
	}
}

func (m *Metrics) incApplied() {
	if m != nil {
		m.InstancesApplied.Inc()
	}
}

func (m *Metrics) incPrepareRefusal() {
	if m != nil {
		m.PrepareRefusals.Inc()
	}
}

func (m *Metrics) incAcceptRefusal() {
	if m != nil {
		m.AcceptRefusals.Inc()
	}
}

func (m *Metrics) incElection() {
	if m != nil {
		m.Elections.Inc()
	}
}

func (m *Metrics) setIsMaster(v bool) {
	if m == nil {
		return
	}
	if v {
		m.IsMaster.Set(1)
	} else {
		m.IsMaster.Set(0)
	}
}

func (m *Metrics) setApplyLag(v float64) {
	if m != nil {
		m.ApplyLag.Set(v)
	}
}

func (m *Metrics) incHeartbeat() {
	if m != nil {
		m.HeartbeatsSent.Inc()
	}
}

// IncConfirmed, IncApplied, ... are the exported forms the paxos package
// calls; they exist so a nil *Metrics never needs a guard at the call site.
func (m *Metrics) IncConfirmed()             { m.incConfirmed() }
func (m *Metrics) IncApplied()               { m.incApplied() }
func (m *Metrics) IncPrepareRefusal()        { m.incPrepareRefusal() }
func (m *Metrics) IncAcceptRefusal()         { m.incAcceptRefusal() }
func (m *Metrics) IncElection()              { m.incElection() }
func (m *Metrics) SetIsMaster(v bool)        { m.setIsMaster(v) }
func (m *Metrics) SetApplyLag(v float64)     { m.setApplyLag(v) }
func (m *Metrics) IncHeartbeat()             { m.incHeartbeat() }
