package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of Prometheus collectors the platform exposes.
// One instance is built at process start and threaded to the services
// that record into it.
type Metrics struct {
	Registry *prometheus.Registry

	IncidentsAccepted prometheus.Counter
	IncidentsRejected prometheus.Counter
	IncidentsResolved prometheus.Counter
	IncidentsFailed   prometheus.Counter
	IncidentDuration  prometheus.Histogram

	EventsAppended   prometheus.Counter
	AppendConflicts  prometheus.Counter
	ReplicationLag   *prometheus.GaugeVec
	SnapshotsCreated prometheus.Counter

	ConsensusRounds    *prometheus.CounterVec
	ConsensusDecisions prometheus.Counter
	ViewChanges        prometheus.Counter
	IsolatedPeers      prometheus.Gauge

	AgentInvocations *prometheus.CounterVec
	AgentLatency     *prometheus.HistogramVec
	BreakerState     *prometheus.GaugeVec

	BusQueueDepth  *prometheus.GaugeVec
	BusDeadLetters prometheus.Counter

	ReplicaCount       *prometheus.GaugeVec
	ReplicaUtilization *prometheus.GaugeVec
	ScalingActions     *prometheus.CounterVec

	Escalations prometheus.Counter
	Recoveries  *prometheus.CounterVec
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel", Name: name, Help: help,
		})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		Registry:          reg,
		IncidentsAccepted: factory("incidents_accepted_total", "Incidents admitted by the coordinator."),
		IncidentsRejected: factory("incidents_rejected_total", "Incidents rejected with overload."),
		IncidentsResolved: factory("incidents_resolved_total", "Incidents that reached RESOLVED."),
		IncidentsFailed:   factory("incidents_failed_total", "Incidents that reached FAILED or ESCALATED."),
		IncidentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "incident_duration_seconds",
			Help:      "Wall time from admission to a terminal phase.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),

		EventsAppended:  factory("store_events_appended_total", "Events sealed into incident chains."),
		AppendConflicts: factory("store_append_conflicts_total", "Optimistic lock losses on append."),
		ReplicationLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "store_replication_lag_events",
			Help:      "Events the region trails the primary by.",
		}, []string{"region"}),
		SnapshotsCreated: factory("store_snapshots_created_total", "Snapshots taken of incident state."),

		ConsensusRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "consensus_rounds_total",
			Help:      "Consensus rounds by outcome.",
		}, []string{"outcome"}),
		ConsensusDecisions: factory("consensus_decisions_total", "Proposals that reached a decision."),
		ViewChanges:        factory("consensus_view_changes_total", "Completed view changes."),
		IsolatedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "consensus_isolated_peers",
			Help:      "Peers currently isolated for byzantine behavior.",
		}),

		AgentInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "agent_invocations_total",
			Help:      "Agent calls by type and outcome.",
		}, []string{"agent_type", "outcome"}),
		AgentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "agent_latency_seconds",
			Help:      "Agent call latency by type.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"agent_type"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"target"}),

		BusQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "bus_queue_depth",
			Help:      "Pending messages per subscriber.",
		}, []string{"agent_id"}),
		BusDeadLetters: factory("bus_dead_letters_total", "Messages moved to the dead letter queue."),

		ReplicaCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "pool_replicas",
			Help:      "Replicas per agent type and status.",
		}, []string{"agent_type", "status"}),
		ReplicaUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "pool_utilization",
			Help:      "Average load fraction per agent type.",
		}, []string{"agent_type"}),
		ScalingActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "pool_scaling_actions_total",
			Help:      "Autoscaler actions by agent type and direction.",
		}, []string{"agent_type", "direction"}),

		Escalations: factory("recovery_escalations_total", "Failures handed to human operators."),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "recovery_strategies_total",
			Help:      "Recovery strategy executions by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
	}

	reg.MustRegister(
		m.IncidentDuration,
		m.ReplicationLag,
		m.ConsensusRounds,
		m.IsolatedPeers,
		m.AgentInvocations,
		m.AgentLatency,
		m.BreakerState,
		m.BusQueueDepth,
		m.ReplicaCount,
		m.ReplicaUtilization,
		m.ScalingActions,
		m.Recoveries,
	)
	return m
}

// The Record* methods below are nil-safe: subsystems carry an optional
// *Metrics, and a nil receiver turns every recorder into a no-op so
// tests and tools can run without a registry.

// RecordAppend counts an event sealed into an incident chain.
func (m *Metrics) RecordAppend() {
	if m == nil {
		return
	}
	m.EventsAppended.Inc()
}

// RecordAppendConflict counts an optimistic lock loss on append.
func (m *Metrics) RecordAppendConflict() {
	if m == nil {
		return
	}
	m.AppendConflicts.Inc()
}

// RecordReplicationLag sets how many events a region trails the primary by.
func (m *Metrics) RecordReplicationLag(region string, events float64) {
	if m == nil {
		return
	}
	m.ReplicationLag.WithLabelValues(region).Set(events)
}

// RecordSnapshot counts a snapshot of incident state.
func (m *Metrics) RecordSnapshot() {
	if m == nil {
		return
	}
	m.SnapshotsCreated.Inc()
}

// RecordRound counts a finished consensus round by outcome.
func (m *Metrics) RecordRound(outcome string) {
	if m == nil {
		return
	}
	m.ConsensusRounds.WithLabelValues(outcome).Inc()
}

// RecordDecision counts a proposal that reached a decision.
func (m *Metrics) RecordDecision() {
	if m == nil {
		return
	}
	m.ConsensusDecisions.Inc()
	m.ConsensusRounds.WithLabelValues("decided").Inc()
}

// RecordViewChange counts a completed view change.
func (m *Metrics) RecordViewChange() {
	if m == nil {
		return
	}
	m.ViewChanges.Inc()
}

// RecordIsolation bumps the isolated peer gauge.
func (m *Metrics) RecordIsolation() {
	if m == nil {
		return
	}
	m.IsolatedPeers.Inc()
}

// RecordAgentCall counts an agent invocation and observes its latency.
func (m *Metrics) RecordAgentCall(agentType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.AgentInvocations.WithLabelValues(agentType, outcome).Inc()
	m.AgentLatency.WithLabelValues(agentType).Observe(seconds)
}

// RecordBreakerState mirrors a circuit breaker state into its gauge.
func (m *Metrics) RecordBreakerState(target, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "open":
		v = 1
	case "half_open":
		v = 2
	}
	m.BreakerState.WithLabelValues(target).Set(v)
}

// RecordQueueDepth sets the pending message count for a subscriber.
func (m *Metrics) RecordQueueDepth(agentID string, depth int) {
	if m == nil {
		return
	}
	m.BusQueueDepth.WithLabelValues(agentID).Set(float64(depth))
}

// DropQueueDepth removes the gauge series for an unsubscribed agent.
func (m *Metrics) DropQueueDepth(agentID string) {
	if m == nil {
		return
	}
	m.BusQueueDepth.DeleteLabelValues(agentID)
}

// RecordDeadLetter counts a message moved to the dead letter queue.
func (m *Metrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.BusDeadLetters.Inc()
}

// RecordScaling counts an autoscaler action.
func (m *Metrics) RecordScaling(agentType, direction string) {
	if m == nil {
		return
	}
	m.ScalingActions.WithLabelValues(agentType, direction).Inc()
}

// RecordRecovery counts a recovery strategy execution by outcome.
func (m *Metrics) RecordRecovery(strategy, outcome string) {
	if m == nil {
		return
	}
	m.Recoveries.WithLabelValues(strategy, outcome).Inc()
}

// ObservePool refreshes the pool gauges from a snapshot walk.
func (m *Metrics) ObservePool(counts map[string]map[string]int, utilization map[string]float64) {
	for agentType, byStatus := range counts {
		for status, n := range byStatus {
			m.ReplicaCount.WithLabelValues(agentType, status).Set(float64(n))
		}
	}
	for agentType, u := range utilization {
		m.ReplicaUtilization.WithLabelValues(agentType).Set(u)
	}
}
