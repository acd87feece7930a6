package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/consensus"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/domain/ledger"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/bus"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/config"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/store"
	"github.com/sentinelops/sentinel-backend/internal/service/agents"
	"github.com/sentinelops/sentinel-backend/internal/service/pool"
	"github.com/sentinelops/sentinel-backend/internal/service/recovery"
)

// Phase is the coordinator's per-incident state machine position.
type Phase string

const (
	PhaseNew        Phase = "NEW"
	PhaseDispatched Phase = "DISPATCHED"
	PhaseAwaiting   Phase = "AWAITING_RECOMMENDATIONS"
	PhaseConsensus  Phase = "CONSENSUS"
	PhaseExecuting  Phase = "EXECUTING"
	PhaseResolved   Phase = "RESOLVED"
	PhaseEscalated  Phase = "ESCALATED"
	PhaseFailed     Phase = "FAILED"
)

// AgentDirectory resolves a pool replica to the agent instance behind
// it.
type AgentDirectory interface {
	Lookup(replicaID string) (agents.Agent, bool)
}

// Decider is the slice of the consensus engine the coordinator drives.
type Decider interface {
	Propose(ctx context.Context, rec *agent.Recommendation) (*consensus.Proposal, error)
	WaitForProposal(ctx context.Context, digest string) (*consensus.Proposal, error)
}

// Executor performs decided actions against the affected systems.
type Executor interface {
	Execute(ctx context.Context, inc *incident.Incident, rec *agent.Recommendation) error
	Rollback(ctx context.Context, inc *incident.Incident, rec *agent.Recommendation) error
}

// Recoverer is the slice of the recovery manager the coordinator feeds.
type Recoverer interface {
	Track(ctx context.Context, f recovery.Failure) error
	Escalated(incidentID uuid.UUID) bool
}

// Notifier publishes swarm messages; nil disables notification.
type Notifier interface {
	Publish(ctx context.Context, m *bus.Message) error
}

// run is the in-flight bookkeeping for one incident.
type run struct {
	mu      sync.Mutex
	phase   Phase
	version uint64
}

func (r *run) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// Coordinator orchestrates one incident end to end: persist, fan out
// to the swarm, promote a proposal, run consensus, execute the decided
// action, and record every transition in the event store.
type Coordinator struct {
	cfg      config.CoordinatorConfig
	events   store.EventStore
	replicas *pool.ReplicaPool
	dir      AgentDirectory
	invoker  *agents.Invoker
	decider  Decider
	executor Executor
	recovery Recoverer
	notifier Notifier
	leases   *Leases
	log      *slog.Logger

	nodeID string
	sem    chan struct{}

	mu        sync.Mutex
	runs      map[uuid.UUID]*run
	latency   map[agent.AgentType]time.Duration
	successes map[string]float64
}

// Deps wires the coordinator's collaborators.
type Deps struct {
	Events   store.EventStore
	Replicas *pool.ReplicaPool
	Agents   AgentDirectory
	Invoker  *agents.Invoker
	Decider  Decider
	Executor Executor
	Recovery Recoverer
	Notifier Notifier
	NodeID   string
	Logger   *slog.Logger
}

// New builds the coordinator.
func New(cfg config.CoordinatorConfig, deps Deps) (*Coordinator, error) {
	if deps.Events == nil || deps.Replicas == nil || deps.Agents == nil ||
		deps.Invoker == nil || deps.Decider == nil || deps.Executor == nil {
		return nil, errors.NewValidationError("MISSING_DEPENDENCY",
			"coordinator requires events, replicas, agents, invoker, decider and executor")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxConcurrentIncidents <= 0 {
		cfg.MaxConcurrentIncidents = 32
	}
	if cfg.QueueMaxWait <= 0 {
		cfg.QueueMaxWait = 30 * time.Second
	}
	if cfg.AgentDeadlineMax <= 0 {
		cfg.AgentDeadlineMax = 60 * time.Second
	}
	if cfg.IncidentDeadline <= 0 {
		cfg.IncidentDeadline = 10 * time.Minute
	}
	if len(cfg.RequiredAgentTypes) == 0 {
		cfg.RequiredAgentTypes = []string{
			string(agent.TypeDiagnosis), string(agent.TypeResolution),
		}
	}
	return &Coordinator{
		cfg:       cfg,
		events:    deps.Events,
		replicas:  deps.Replicas,
		dir:       deps.Agents,
		invoker:   deps.Invoker,
		decider:   deps.Decider,
		executor:  deps.Executor,
		recovery:  deps.Recovery,
		notifier:  deps.Notifier,
		leases:    NewLeases(),
		log:       deps.Logger,
		nodeID:    deps.NodeID,
		sem:       make(chan struct{}, cfg.MaxConcurrentIncidents),
		runs:      make(map[uuid.UUID]*run),
		latency:   make(map[agent.AgentType]time.Duration),
		successes: make(map[string]float64),
	}, nil
}

// Phase reports the state machine position for an incident; empty if
// the coordinator never saw it.
func (c *Coordinator) Phase(incidentID uuid.UUID) Phase {
	c.mu.Lock()
	r, ok := c.runs[incidentID]
	c.mu.Unlock()
	if !ok {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// HandleIncident runs the full pipeline for one incident. Admission is
// bounded: past the concurrency budget, incidents queue FIFO up to the
// max wait and are then rejected with overload.
func (c *Coordinator) HandleIncident(ctx context.Context, inc *incident.Incident) error {
	if c.recovery != nil && c.recovery.Escalated(inc.ID) {
		return errors.NewEscalationRequiredError(
			"incident is escalated, automated handling suspended").
			WithDetail("incident_id", inc.ID.String())
	}

	if err := c.admit(ctx); err != nil {
		return err
	}
	defer func() { <-c.sem }()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.IncidentDeadline)
	defer cancel()

	r := &run{phase: PhaseNew}
	c.mu.Lock()
	c.runs[inc.ID] = r
	c.mu.Unlock()

	c.log.Info("incident accepted",
		slog.String("incident_id", inc.ID.String()),
		slog.String("severity", string(inc.Severity)),
		slog.String("service", inc.Tags.Service))

	if err := c.appendEvent(ctx, r, inc.ID, ledger.EventCreated, map[string]interface{}{
		"title":    inc.Title,
		"severity": string(inc.Severity),
		"source":   inc.Source,
		"service":  inc.Tags.Service,
		"region":   inc.Tags.Region,
	}); err != nil {
		r.setPhase(PhaseFailed)
		return err
	}

	r.setPhase(PhaseDispatched)
	recs, err := c.gather(ctx, r, inc)
	if err != nil {
		return c.failIncident(ctx, r, inc, err)
	}

	for _, rec := range recs {
		if err := c.appendEvent(ctx, r, inc.ID, ledger.EventRecommendation, map[string]interface{}{
			"agent_id":   rec.AgentID,
			"action_id":  rec.ActionID,
			"confidence": rec.Confidence,
			"risk_level": string(rec.RiskLevel),
		}); err != nil {
			return c.failIncident(ctx, r, inc, err)
		}
	}

	candidates := c.rank(inc, recs)
	r.setPhase(PhaseConsensus)
	return c.decideAndExecute(ctx, r, inc, candidates)
}

func (c *Coordinator) admit(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(c.cfg.QueueMaxWait)
	defer timer.Stop()
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return errors.NewOverloadError("incident queue wait exceeded").
			WithDetail("max_wait", c.cfg.QueueMaxWait.String())
	case <-ctx.Done():
		return errors.NewOverloadError("canceled while queued").WithCause(ctx.Err())
	}
}

// failIncident routes a pipeline error to the right terminal phase and
// ledger event.
func (c *Coordinator) failIncident(ctx context.Context, r *run, inc *incident.Incident, cause error) error {
	// The deadline may already be gone; terminal events still append.
	ctx = context.WithoutCancel(ctx)

	switch {
	case errors.IsType(cause, errors.ErrorTypeEscalationRequired):
		r.setPhase(PhaseEscalated)
		_ = c.appendEvent(ctx, r, inc.ID, ledger.EventEscalated, map[string]interface{}{
			"reason": cause.Error(),
		})
	default:
		r.setPhase(PhaseFailed)
		_ = inc.AdvanceStatus(incident.StatusFailed)
		_ = c.appendEvent(ctx, r, inc.ID, ledger.EventFailed, map[string]interface{}{
			"reason": cause.Error(),
		})
	}
	return cause
}

// appendEvent writes one ledger event, retrying version races.
func (c *Coordinator) appendEvent(ctx context.Context, r *run, incidentID uuid.UUID, eventType ledger.EventType, payload map[string]interface{}) error {
	for attempt := 0; attempt < 3; attempt++ {
		e, err := ledger.NewEvent(incidentID, eventType, payload)
		if err != nil {
			return err
		}
		r.mu.Lock()
		expected := r.version
		r.mu.Unlock()

		version, err := c.events.Append(ctx, incidentID, expected, e)
		if err == nil {
			r.mu.Lock()
			r.version = version
			r.mu.Unlock()
			return nil
		}
		if !errors.IsType(err, errors.ErrorTypeOptimisticLock) {
			return err
		}
		current, verr := c.events.CurrentVersion(ctx, incidentID)
		if verr != nil {
			return verr
		}
		r.mu.Lock()
		r.version = current
		r.mu.Unlock()
	}
	return errors.NewOptimisticLockError(
		"event append kept losing version races for incident " + incidentID.String())
}

// observeLatency folds a successful agent call into the type's typical
// latency estimate.
func (c *Coordinator) observeLatency(agentType agent.AgentType, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.latency[agentType]
	if !ok {
		c.latency[agentType] = d
		return
	}
	c.latency[agentType] = (prev*4 + d) / 5
}

// agentDeadline is min(3x typical latency, configured max).
func (c *Coordinator) agentDeadline(agentType agent.AgentType) time.Duration {
	c.mu.Lock()
	typical, ok := c.latency[agentType]
	c.mu.Unlock()
	if !ok || typical <= 0 {
		return c.cfg.AgentDeadlineMax
	}
	d := typical * 3
	if d > c.cfg.AgentDeadlineMax {
		d = c.cfg.AgentDeadlineMax
	}
	return d
}

// successRate is the historical success fraction for an action,
// optimistic 0.5 prior for actions never executed.
func (c *Coordinator) successRate(actionID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	rate, ok := c.successes[actionID]
	if !ok {
		return 0.5
	}
	return rate
}

func (c *Coordinator) recordOutcome(actionID string, success bool) {
	sample := 0.0
	if success {
		sample = 1.0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.successes[actionID]
	if !ok {
		prev = 0.5
	}
	const alpha = 0.3
	c.successes[actionID] = (1-alpha)*prev + alpha*sample
}
