package coordinator

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeDirectory map[string]agents.Agent

func (d fakeDirectory) Lookup(replicaID string) (agents.Agent, bool) {
	a, ok := d[replicaID]
	return a, ok
}

// fakeDecider decides every proposal immediately unless told to time
// out.
type fakeDecider struct {
	mu        sync.Mutex
	timeouts  int
	proposals map[string]*consensus.Proposal
}

func newFakeDecider() *fakeDecider {
	return &fakeDecider{proposals: make(map[string]*consensus.Proposal)}
}

func (d *fakeDecider) Propose(ctx context.Context, rec *agent.Recommendation) (*consensus.Proposal, error) {
	p, err := consensus.NewProposal(rec, "node-a")
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.proposals[p.Digest] = p
	d.mu.Unlock()
	return p, nil
}

func (d *fakeDecider) WaitForProposal(ctx context.Context, digest string) (*consensus.Proposal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timeouts > 0 {
		d.timeouts--
		return nil, errors.NewConsensusTimeoutError("round timed out")
	}
	return d.proposals[digest], nil
}

type fakeExecutor struct {
	mu        sync.Mutex
	fail      map[string]bool
	gate      chan struct{}
	executed  []string
	rollbacks []string
}

func (e *fakeExecutor) Execute(ctx context.Context, inc *incident.Incident, rec *agent.Recommendation) error {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, rec.ActionID)
	if e.fail[rec.ActionID] {
		return stderrors.New("remediation backend rejected " + rec.ActionID)
	}
	return nil
}

func (e *fakeExecutor) Rollback(ctx context.Context, inc *incident.Incident, rec *agent.Recommendation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollbacks = append(e.rollbacks, rec.ActionID)
	return nil
}

func (e *fakeExecutor) actions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

// slowAgent never answers inside the call timeout.
type slowAgent struct {
	id string
}

func (s *slowAgent) ID() string            { return s.id }
func (s *slowAgent) Type() agent.AgentType { return agent.TypeDiagnosis }
func (s *slowAgent) HealthCheck(ctx context.Context) bool {
	return true
}
func (s *slowAgent) HandleMessage(ctx context.Context, m *bus.Message) (*bus.Message, error) {
	return nil, nil
}
func (s *slowAgent) ProcessIncident(ctx context.Context, inc *incident.Incident) (*agent.Recommendation, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type testHarness struct {
	coord    *Coordinator
	events   store.EventStore
	replicas *pool.ReplicaPool
	decider  *fakeDecider
	executor *fakeExecutor
	recovery *recovery.Manager
}

type harnessOptions struct {
	cfg        config.CoordinatorConfig
	directory  fakeDirectory
	poolSetup  func(t *testing.T, p *pool.ReplicaPool)
	noRecovery bool
}

func addTestReplica(t *testing.T, p *pool.ReplicaPool, id string, agentType agent.AgentType) {
	t.Helper()
	r, err := agent.NewReplica(id, agentType, "us-east-1", 8)
	require.NoError(t, err)
	require.NoError(t, p.Add(r))
}

func defaultDirectory() fakeDirectory {
	return fakeDirectory{
		"detection-r1":  agents.NewDetectionAgent("detection-r1"),
		"diagnosis-r1":  agents.NewDiagnosisAgent("diagnosis-r1", nil, nil),
		"prediction-r1": agents.NewPredictionAgent("prediction-r1"),
		"resolution-r1": agents.NewResolutionAgent("resolution-r1"),
	}
}

func defaultPoolSetup(t *testing.T, p *pool.ReplicaPool) {
	addTestReplica(t, p, "detection-r1", agent.TypeDetection)
	addTestReplica(t, p, "diagnosis-r1", agent.TypeDiagnosis)
	addTestReplica(t, p, "prediction-r1", agent.TypePrediction)
	addTestReplica(t, p, "resolution-r1", agent.TypeResolution)
}

func newHarness(t *testing.T, opts harnessOptions) *testHarness {
	t.Helper()

	events := store.NewMemoryStore(store.Options{SnapshotThreshold: 1000}, nil)
	replicas := pool.NewReplicaPool(nil)
	if opts.poolSetup == nil {
		opts.poolSetup = defaultPoolSetup
	}
	opts.poolSetup(t, replicas)
	if opts.directory == nil {
		opts.directory = defaultDirectory()
	}

	invoker := agents.NewInvoker(config.AgentsConfig{
		CallTimeout:        100 * time.Millisecond,
		MaxRetries:         0,
		RetryBaseDelay:     time.Millisecond,
		BreakerFailureRate: 0.99,
		BreakerMinRequests: 1000,
		BreakerCooldown:    time.Hour,
	}, nil)

	decider := newFakeDecider()
	executor := &fakeExecutor{}

	var rec *recovery.Manager
	var recoverer Recoverer
	if !opts.noRecovery {
		rec = recovery.NewManager(config.RecoveryConfig{
			CorrelationWindow:   time.Minute,
			CorrelatedThreshold: 3,
			FailedRecoveryLimit: 5,
			EscalationTokenKey:  "coordinator-test-key",
			EscalationTokenTTL:  time.Hour,
		}, nil, nil, nil, nil)
		recoverer = rec
	}

	cfg := opts.cfg
	if cfg.MaxConcurrentIncidents == 0 {
		cfg.MaxConcurrentIncidents = 8
	}
	if cfg.QueueMaxWait == 0 {
		cfg.QueueMaxWait = 100 * time.Millisecond
	}
	if cfg.AgentDeadlineMax == 0 {
		cfg.AgentDeadlineMax = time.Second
	}
	if cfg.IncidentDeadline == 0 {
		cfg.IncidentDeadline = 30 * time.Second
	}

	coord, err := New(cfg, Deps{
		Events:   events,
		Replicas: replicas,
		Agents:   opts.directory,
		Invoker:  invoker,
		Decider:  decider,
		Executor: executor,
		Recovery: recoverer,
		NodeID:   "coordinator-a",
	})
	require.NoError(t, err)

	return &testHarness{
		coord:    coord,
		events:   events,
		replicas: replicas,
		decider:  decider,
		executor: executor,
		recovery: rec,
	}
}

func newTestIncident(t *testing.T, severity incident.Severity) *incident.Incident {
	t.Helper()
	inc, err := incident.New("database connection pool exhausted", severity,
		"prometheus", incident.Tags{Service: "payments", Region: "us-east-1", Tier: "1"})
	require.NoError(t, err)
	return inc
}

func eventTypes(t *testing.T, s store.EventStore, inc *incident.Incident) []ledger.EventType {
	t.Helper()
	events, err := s.Events(context.Background(), inc.ID, 1)
	require.NoError(t, err)
	out := make([]ledger.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestCoordinatorHappyPath(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	inc := newTestIncident(t, incident.SeverityHigh)

	err := h.coord.HandleIncident(context.Background(), inc)
	require.NoError(t, err)

	assert.Equal(t, PhaseResolved, h.coord.Phase(inc.ID))
	assert.Equal(t, incident.StatusResolved, inc.Status)

	types := eventTypes(t, h.events, inc)
	require.Equal(t, []ledger.EventType{
		ledger.EventCreated,
		ledger.EventRecommendation,
		ledger.EventRecommendation,
		ledger.EventRecommendation,
		ledger.EventRecommendation,
		ledger.EventConsensusDecided,
		ledger.EventActionStarted,
		ledger.EventActionSucceeded,
		ledger.EventResolved,
	}, types)

	intact, err := h.events.VerifyIntegrity(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.True(t, intact)

	// The resolution agent's recommendation scores highest for a
	// high-severity incident.
	require.Len(t, h.executor.actions(), 1)
	assert.Equal(t, "restart-service", h.executor.actions()[0])
}

func TestCoordinatorFailedActionReentersWithNextBest(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.executor.fail = map[string]bool{"restart-service": true}
	inc := newTestIncident(t, incident.SeverityHigh)

	err := h.coord.HandleIncident(context.Background(), inc)
	require.NoError(t, err)
	assert.Equal(t, PhaseResolved, h.coord.Phase(inc.ID))

	actions := h.executor.actions()
	require.Len(t, actions, 2)
	assert.Equal(t, "restart-service", actions[0])
	assert.Equal(t, "failover-db", actions[1])
	assert.Equal(t, []string{"restart-service"}, h.executor.rollbacks)

	types := eventTypes(t, h.events, inc)
	assert.Contains(t, types, ledger.EventActionFailed)
	assert.Equal(t, ledger.EventResolved, types[len(types)-1])

	intact, err := h.events.VerifyIntegrity(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.True(t, intact)
}

func TestCoordinatorRequiredTypeExhausted(t *testing.T) {
	h := newHarness(t, harnessOptions{
		noRecovery: true,
		poolSetup: func(t *testing.T, p *pool.ReplicaPool) {
			addTestReplica(t, p, "diagnosis-r1", agent.TypeDiagnosis)
			addTestReplica(t, p, "resolution-r1", agent.TypeResolution)
		},
		directory: fakeDirectory{
			"diagnosis-r1":  &slowAgent{id: "diagnosis-r1"},
			"resolution-r1": &slowAgent{id: "resolution-r1"},
		},
	})
	inc := newTestIncident(t, incident.SeverityMedium)

	err := h.coord.HandleIncident(context.Background(), inc)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFallbacksExhausted))
	assert.Equal(t, PhaseFailed, h.coord.Phase(inc.ID))
	assert.Equal(t, incident.StatusFailed, inc.Status)

	types := eventTypes(t, h.events, inc)
	assert.Equal(t, ledger.EventFailed, types[len(types)-1])
}

func TestCoordinatorEscalatesOnCascadingAgentTimeouts(t *testing.T) {
	h := newHarness(t, harnessOptions{
		cfg: config.CoordinatorConfig{
			RequiredAgentTypes: []string{string(agent.TypeDiagnosis)},
		},
		poolSetup: func(t *testing.T, p *pool.ReplicaPool) {
			addTestReplica(t, p, "diagnosis-r1", agent.TypeDiagnosis)
			addTestReplica(t, p, "diagnosis-r2", agent.TypeDiagnosis)
			addTestReplica(t, p, "diagnosis-r3", agent.TypeDiagnosis)
		},
		directory: fakeDirectory{
			"diagnosis-r1": &slowAgent{id: "diagnosis-r1"},
			"diagnosis-r2": &slowAgent{id: "diagnosis-r2"},
			"diagnosis-r3": &slowAgent{id: "diagnosis-r3"},
		},
	})
	inc := newTestIncident(t, incident.SeverityHigh)

	err := h.coord.HandleIncident(context.Background(), inc)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEscalationRequired))
	assert.Equal(t, PhaseEscalated, h.coord.Phase(inc.ID))
	assert.True(t, h.recovery.Escalated(inc.ID))

	types := eventTypes(t, h.events, inc)
	require.Equal(t, []ledger.EventType{
		ledger.EventCreated,
		ledger.EventEscalated,
	}, types)

	// No further automated handling for the escalated incident.
	err = h.coord.HandleIncident(context.Background(), inc)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEscalationRequired))
	assert.Len(t, eventTypes(t, h.events, inc), 2)
}

func TestCoordinatorConsensusTimeoutFailsIncident(t *testing.T) {
	h := newHarness(t, harnessOptions{noRecovery: true})
	h.decider.timeouts = 100
	inc := newTestIncident(t, incident.SeverityHigh)

	err := h.coord.HandleIncident(context.Background(), inc)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFallbacksExhausted))
	assert.Equal(t, PhaseFailed, h.coord.Phase(inc.ID))

	types := eventTypes(t, h.events, inc)
	assert.Contains(t, types, ledger.EventConsensusAborted)
	assert.Equal(t, ledger.EventFailed, types[len(types)-1])
	assert.Empty(t, h.executor.actions())
}

func TestCoordinatorOverloadPastConcurrencyBudget(t *testing.T) {
	h := newHarness(t, harnessOptions{
		cfg: config.CoordinatorConfig{
			MaxConcurrentIncidents: 2,
			QueueMaxWait:           50 * time.Millisecond,
		},
	})
	h.executor.gate = make(chan struct{})

	const total = 4
	results := make(chan error, total)
	incidents := make([]*incident.Incident, total)
	for i := 0; i < total; i++ {
		incidents[i] = newTestIncident(t, incident.SeverityHigh)
	}
	for i := 0; i < total; i++ {
		go func(inc *incident.Incident) {
			results <- h.coord.HandleIncident(context.Background(), inc)
		}(incidents[i])
	}

	// Two submissions past the budget overflow the wait queue.
	overloaded := 0
	for overloaded < total-2 {
		err := <-results
		require.Error(t, err)
		require.True(t, errors.IsType(err, errors.ErrorTypeOverload))
		overloaded++
	}

	// The accepted incidents complete once the remediation backend
	// unblocks.
	close(h.executor.gate)
	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}
	resolved := 0
	for _, inc := range incidents {
		if h.coord.Phase(inc.ID) == PhaseResolved {
			resolved++
		}
	}
	assert.Equal(t, 2, resolved)
}

func TestLeasesBlockOverlappingAcquisition(t *testing.T) {
	leases := NewLeases()

	release, err := leases.Acquire(context.Background(), []string{"service:payments", "action:restart"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = leases.Acquire(ctx, []string{"action:restart", "service:billing"})
	require.Error(t, err)

	// The failed acquisition must not leak its partial locks.
	release()
	release2, err := leases.Acquire(context.Background(), []string{"service:billing", "action:restart"})
	require.NoError(t, err)
	release2()
}

func TestCoordinatorFallsToNextReplicaOfSameType(t *testing.T) {
	// diagnosis-r1 never answers; under least-loaded routing the tie
	// always breaks to it, so resolving the incident requires the
	// fallback chain to move on to diagnosis-r2.
	h := newHarness(t, harnessOptions{
		cfg: config.CoordinatorConfig{
			RequiredAgentTypes: []string{string(agent.TypeDiagnosis)},
		},
		poolSetup: func(t *testing.T, p *pool.ReplicaPool) {
			addTestReplica(t, p, "diagnosis-r1", agent.TypeDiagnosis)
			addTestReplica(t, p, "diagnosis-r2", agent.TypeDiagnosis)
		},
		directory: fakeDirectory{
			"diagnosis-r1": &slowAgent{id: "diagnosis-r1"},
			"diagnosis-r2": agents.NewDiagnosisAgent("diagnosis-r2", nil, nil),
		},
	})
	inc := newTestIncident(t, incident.SeverityMedium)

	err := h.coord.HandleIncident(context.Background(), inc)
	require.NoError(t, err)
	assert.Equal(t, PhaseResolved, h.coord.Phase(inc.ID))

	types := eventTypes(t, h.events, inc)
	assert.Contains(t, types, ledger.EventRecommendation)
	assert.Equal(t, ledger.EventResolved, types[len(types)-1])
}
