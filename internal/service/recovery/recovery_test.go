package recovery

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/config"
	"github.com/sentinelops/sentinel-backend/internal/metrics"
)

type fakeActions struct {
	mu            sync.Mutex
	retryErrs     []error
	fallbackErr   error
	degradeErr    error
	restartErr    error
	retryCalls    int
	fallbackCalls int
	degradeCalls  int
	resetTargets  []string
	restartCalls  int
}

func (a *fakeActions) Retry(ctx context.Context, f Failure) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retryCalls++
	if len(a.retryErrs) > 0 {
		err := a.retryErrs[0]
		a.retryErrs = a.retryErrs[1:]
		return err
	}
	return nil
}

func (a *fakeActions) Fallback(ctx context.Context, f Failure) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallbackCalls++
	return a.fallbackErr
}

func (a *fakeActions) Degrade(ctx context.Context, component string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.degradeCalls++
	return a.degradeErr
}

func (a *fakeActions) ResetBreaker(target string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetTargets = append(a.resetTargets, target)
	return nil
}

func (a *fakeActions) Restart(ctx context.Context, component string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restartCalls++
	return a.restartErr
}

func (a *fakeActions) totalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retryCalls + a.fallbackCalls + a.degradeCalls + a.restartCalls
}

type escalationSink struct {
	mu   sync.Mutex
	seen []*Escalation
}

func (s *escalationSink) collect(ctx context.Context, e *Escalation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, e)
}

func (s *escalationSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *escalationSink) last() *Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) == 0 {
		return nil
	}
	return s.seen[len(s.seen)-1]
}

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		CorrelationWindow:   5 * time.Minute,
		CorrelatedThreshold: 3,
		FailedRecoveryLimit: 5,
		AutoEscalationDelay: 0,
		EscalationTokenKey:  "test-escalation-key",
		EscalationTokenTTL:  time.Hour,
	}
}

func TestClassifySeverities(t *testing.T) {
	cases := []struct {
		err  error
		want incident.Severity
	}{
		{errors.NewCorruptionError("chain broken"), incident.SeverityCritical},
		{errors.NewQuorumUnavailableError("too few peers"), incident.SeverityCritical},
		{errors.NewStorageUnavailableError("db down"), incident.SeverityHigh},
		{errors.NewAgentTimeoutError("diag-1", "slow"), incident.SeverityMedium},
		{errors.NewCircuitOpenError("diag-1"), incident.SeverityMedium},
		{errors.NewValidationError("BAD", "bad input"), incident.SeverityLow},
		{stderrors.New("plain"), incident.SeverityHigh},
	}
	for _, tc := range cases {
		f := NewFailure("event-store", nil, "", tc.err)
		assert.Equal(t, tc.want, Classify(f), "error %v", tc.err)
	}
}

func TestCorrelatorWindowAndMatching(t *testing.T) {
	c := newCorrelator(5 * time.Minute)
	incidentID := uuid.New()
	now := time.Now().UTC()

	old := NewFailure("event-store", nil, "", errors.NewStorageUnavailableError("db"))
	old.OccurredAt = now.Add(-10 * time.Minute)
	c.observe(old)

	first := NewFailure("event-store", &incidentID, "", errors.NewStorageUnavailableError("db"))
	first.OccurredAt = now.Add(-time.Minute)
	require.Empty(t, c.observe(first), "expired history must not correlate")

	// Same component.
	second := NewFailure("event-store", nil, "", errors.NewInternalError("boom"))
	second.OccurredAt = now
	assert.Len(t, c.observe(second), 1)

	// Same incident, different component and error type.
	third := NewFailure("consensus", &incidentID, "", errors.NewConsensusTimeoutError("round"))
	third.OccurredAt = now
	related := c.observe(third)
	require.Len(t, related, 1)
	assert.Equal(t, first.ID, related[0].ID)
}

func TestManagerRetryRecovers(t *testing.T) {
	actions := &fakeActions{retryErrs: []error{stderrors.New("again")}}
	m := NewManager(testRecoveryConfig(), actions, nil, nil, nil)

	f := NewFailure("event-store", nil, "", errors.NewStorageUnavailableError("db hiccup"))
	err := m.Handle(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 2, actions.retryCalls)
	assert.Zero(t, actions.fallbackCalls)
}

func TestManagerFallsThroughToFallback(t *testing.T) {
	actions := &fakeActions{
		retryErrs: []error{stderrors.New("1"), stderrors.New("2"), stderrors.New("3")},
	}
	m := NewManager(testRecoveryConfig(), actions, nil, nil, nil)

	f := NewFailure("event-store", nil, "", errors.NewStorageUnavailableError("db down"))
	err := m.Handle(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 3, actions.retryCalls)
	assert.Equal(t, 1, actions.fallbackCalls)
}

func TestManagerResetsBreakerForOpenCircuit(t *testing.T) {
	actions := &fakeActions{}
	m := NewManager(testRecoveryConfig(), actions, nil, nil, nil)

	f := NewFailure("agent-invoker", nil, "diagnosis-1", errors.NewCircuitOpenError("diagnosis-1"))
	err := m.Handle(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, []string{"diagnosis-1"}, actions.resetTargets)
	assert.Equal(t, 1, actions.retryCalls)
}

func TestManagerEscalatesCriticalImmediately(t *testing.T) {
	actions := &fakeActions{}
	sink := &escalationSink{}
	m := NewManager(testRecoveryConfig(), actions, sink.collect,
		func() map[string]string { return map[string]string{"live_replicas": "7"} }, nil)

	incidentID := uuid.New()
	f := NewFailure("event-store", &incidentID, "", errors.NewCorruptionError("hash mismatch"))
	err := m.Handle(context.Background(), f)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEscalationRequired))
	assert.Zero(t, actions.totalCalls(), "no automated action on critical failures")

	require.Equal(t, 1, sink.count())
	e := sink.last()
	assert.Equal(t, "critical failure severity", e.Reason)
	assert.Equal(t, "7", e.SystemState["live_replicas"])
	require.NotEmpty(t, e.Token)

	claims, err := m.issuer.Verify(e.Token)
	require.NoError(t, err)
	assert.Equal(t, incidentID.String(), claims.IncidentID)
	assert.Equal(t, string(incident.SeverityCritical), claims.Severity)
}

func TestManagerEscalatesOnCascadingAgentFailures(t *testing.T) {
	actions := &fakeActions{}
	sink := &escalationSink{}
	m := NewManager(testRecoveryConfig(), actions, sink.collect, nil, nil)

	incidentID := uuid.New()
	for i, agentID := range []string{"diagnosis-1", "prediction-1"} {
		f := NewFailure("agent-invoker", &incidentID, agentID,
			errors.NewAgentTimeoutError(agentID, "timed out"))
		require.NoError(t, m.Handle(context.Background(), f), "failure %d should auto-recover", i)
	}

	// The third timeout within the window crosses the correlation
	// threshold and hands the incident to humans.
	f := NewFailure("agent-invoker", &incidentID, "resolution-1",
		errors.NewAgentTimeoutError("resolution-1", "timed out"))
	err := m.Handle(context.Background(), f)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEscalationRequired))
	assert.True(t, m.Escalated(incidentID))

	require.Equal(t, 1, sink.count())
	e := sink.last()
	assert.Equal(t, "correlated agent failure threshold reached", e.Reason)
	assert.Len(t, e.Correlated, 2)

	// No further automated actions for the escalated incident.
	before := actions.totalCalls()
	f = NewFailure("agent-invoker", &incidentID, "diagnosis-1",
		errors.NewAgentTimeoutError("diagnosis-1", "timed out"))
	err = m.Handle(context.Background(), f)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEscalationRequired))
	assert.Equal(t, before, actions.totalCalls())
	assert.Equal(t, 1, sink.count(), "escalation fires once per incident")
}

func TestManagerExhaustsChainThenEscalates(t *testing.T) {
	boom := stderrors.New("still broken")
	actions := &fakeActions{
		retryErrs:   []error{boom, boom, boom},
		fallbackErr: boom,
		degradeErr:  boom,
	}
	sink := &escalationSink{}
	m := NewManager(testRecoveryConfig(), actions, sink.collect, nil, nil)

	f := NewFailure("event-store", nil, "", errors.NewStorageUnavailableError("db down"))
	err := m.Handle(context.Background(), f)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEscalationRequired))
	assert.Equal(t, 3, actions.retryCalls)
	assert.Equal(t, 1, actions.fallbackCalls)
	assert.Equal(t, 1, actions.degradeCalls)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "recovery strategies exhausted", sink.last().Reason)
}

func TestManagerDelayedEscalationDelivery(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.AutoEscalationDelay = 20 * time.Millisecond
	sink := &escalationSink{}
	m := NewManager(cfg, &fakeActions{}, sink.collect, nil, nil)

	f := NewFailure("consensus", nil, "", errors.NewByzantineError("node-x", "equivocation"))
	err := m.Handle(context.Background(), f)
	require.Error(t, err)

	assert.Zero(t, sink.count(), "delivery waits for the auto-escalation delay")
	require.Eventually(t, func() bool { return sink.count() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestTokenRejectsTampering(t *testing.T) {
	issuer := NewTokenIssuer([]byte("key-a"), time.Hour)
	e := &Escalation{
		ID:        uuid.New(),
		Failure:   NewFailure("event-store", nil, "", errors.NewCorruptionError("bad")),
		Severity:  incident.SeverityCritical,
		Reason:    "critical failure severity",
		CreatedAt: time.Now().UTC(),
	}
	token, err := issuer.Issue(e)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	require.NoError(t, err)

	other := NewTokenIssuer([]byte("key-b"), time.Hour)
	_, err = other.Verify(token)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestManagerRecordsRecoveryMetrics(t *testing.T) {
	mx := metrics.New()
	actions := &fakeActions{
		retryErrs: []error{stderrors.New("1"), stderrors.New("2"), stderrors.New("3")},
	}
	m := NewManager(testRecoveryConfig(), actions, nil, nil, nil)
	m.SetMetrics(mx)

	// Retry exhausts its attempts and fails over to fallback, which
	// succeeds on the first try.
	f := NewFailure("event-store", nil, "", errors.NewStorageUnavailableError("db down"))
	require.NoError(t, m.Handle(context.Background(), f))

	assert.Equal(t, 1.0, testutil.ToFloat64(mx.Recoveries.WithLabelValues("retry", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.Recoveries.WithLabelValues("fallback", "ok")))
}
