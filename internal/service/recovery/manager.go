package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/config"
	"github.com/sentinelops/sentinel-backend/internal/metrics"
)

// Escalation is the full context handed to humans when automation
// stops.
type Escalation struct {
	ID          uuid.UUID
	Failure     Failure
	Severity    incident.Severity
	Correlated  []Failure
	Reason      string
	SystemState map[string]string
	Token       string
	CreatedAt   time.Time
}

// EscalateFunc delivers an escalation to the paging path.
type EscalateFunc func(ctx context.Context, e *Escalation)

// StateFunc captures a system snapshot for escalation context.
type StateFunc func() map[string]string

// Manager owns failure handling: classify, correlate, pick a recovery
// strategy, and escalate to humans when the triggers fire. Once an
// incident escalates, no further automated actions run for it.
type Manager struct {
	cfg        config.RecoveryConfig
	actions    Actions
	issuer     *TokenIssuer
	log        *slog.Logger
	onEscalate EscalateFunc
	state      StateFunc
	correlator *correlator
	metrics    *metrics.Metrics

	mu               sync.Mutex
	failedRecoveries map[string]int
	escalated        map[uuid.UUID]bool
}

// NewManager builds the recovery manager.
func NewManager(cfg config.RecoveryConfig, actions Actions, onEscalate EscalateFunc, state StateFunc, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CorrelatedThreshold <= 0 {
		cfg.CorrelatedThreshold = 3
	}
	if cfg.FailedRecoveryLimit <= 0 {
		cfg.FailedRecoveryLimit = 5
	}
	return &Manager{
		cfg:              cfg,
		actions:          actions,
		issuer:           NewTokenIssuer([]byte(cfg.EscalationTokenKey), cfg.EscalationTokenTTL),
		log:              log,
		onEscalate:       onEscalate,
		state:            state,
		correlator:       newCorrelator(cfg.CorrelationWindow),
		failedRecoveries: make(map[string]int),
		escalated:        make(map[uuid.UUID]bool),
	}
}

// SetMetrics attaches the process registry.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.metrics = mx
}

// Escalated reports whether an incident has been handed to humans.
func (m *Manager) Escalated(incidentID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalated[incidentID]
}

// Handle processes one failure end to end. It returns nil when a
// strategy recovered, an escalation-required error when the failure
// went to humans, and the last strategy error otherwise.
func (m *Manager) Handle(ctx context.Context, f Failure) error {
	if f.IncidentID != nil && m.Escalated(*f.IncidentID) {
		return errors.NewEscalationRequiredError(
			"incident already escalated, automated recovery suspended").
			WithDetail("incident_id", f.IncidentID.String())
	}

	severity := Classify(f)
	correlated := m.correlator.observe(f)

	if reason := m.escalationReason(f, severity, correlated); reason != "" {
		m.escalate(f, severity, correlated, reason)
		return errors.NewEscalationRequiredError(reason).
			WithDetail("component", f.Component).
			WithDetail("correlated_failures", len(correlated))
	}

	return m.runStrategies(ctx, f, severity, correlated)
}

// Track records a failure whose immediate recovery the caller owns
// (the coordinator's dispatch fallback chain handles agent failures
// in-line). The failure still feeds correlation and can still trip the
// escalation triggers.
func (m *Manager) Track(ctx context.Context, f Failure) error {
	if f.IncidentID != nil && m.Escalated(*f.IncidentID) {
		return errors.NewEscalationRequiredError(
			"incident already escalated, automated recovery suspended").
			WithDetail("incident_id", f.IncidentID.String())
	}

	severity := Classify(f)
	correlated := m.correlator.observe(f)
	if reason := m.escalationReason(f, severity, correlated); reason != "" {
		m.escalate(f, severity, correlated, reason)
		return errors.NewEscalationRequiredError(reason).
			WithDetail("component", f.Component).
			WithDetail("correlated_failures", len(correlated))
	}
	return nil
}

func (m *Manager) runStrategies(ctx context.Context, f Failure, severity incident.Severity, correlated []Failure) error {
	key := m.recoveryKey(f)
	kind := selectStrategy(f)
	visited := make(map[StrategyKind]bool)
	var lastErr error

	for kind != "" && !visited[kind] {
		visited[kind] = true
		if kind == StrategyHumanEscalation {
			m.escalate(f, severity, correlated, "recovery strategies exhausted")
			return errors.NewEscalationRequiredError("recovery strategies exhausted").
				WithDetail("component", f.Component)
		}

		spec := strategyTable[kind]
		for attempt := 0; attempt < spec.MaxAttempts; attempt++ {
			err := m.execute(ctx, kind, f)
			if err == nil {
				m.mu.Lock()
				delete(m.failedRecoveries, key)
				m.mu.Unlock()
				m.metrics.RecordRecovery(string(kind), "ok")
				m.log.Info("recovery succeeded",
					slog.String("strategy", string(kind)),
					slog.String("component", f.Component),
					slog.Int("attempt", attempt+1))
				return nil
			}
			lastErr = err
		}

		m.mu.Lock()
		m.failedRecoveries[key]++
		failed := m.failedRecoveries[key]
		m.mu.Unlock()
		m.metrics.RecordRecovery(string(kind), "failed")
		m.log.Warn("recovery strategy exhausted",
			slog.String("strategy", string(kind)),
			slog.String("component", f.Component),
			slog.Int("failed_recoveries", failed))

		if failed >= m.cfg.FailedRecoveryLimit {
			m.escalate(f, severity, correlated, "failed recovery limit reached")
			return errors.NewEscalationRequiredError("failed recovery limit reached").
				WithDetail("component", f.Component).
				WithDetail("failed_recoveries", failed)
		}
		kind = spec.Fallback
	}
	return lastErr
}

// escalationReason returns a non-empty reason when a trigger fires.
func (m *Manager) escalationReason(f Failure, severity incident.Severity, correlated []Failure) string {
	if severity == incident.SeverityCritical {
		return "critical failure severity"
	}

	agentFailures := 0
	if f.AgentID != "" {
		agentFailures++
	}
	for _, c := range correlated {
		if c.AgentID != "" {
			agentFailures++
		}
	}
	if agentFailures >= m.cfg.CorrelatedThreshold {
		return "correlated agent failure threshold reached"
	}

	m.mu.Lock()
	failed := m.failedRecoveries[m.recoveryKey(f)]
	m.mu.Unlock()
	if failed >= m.cfg.FailedRecoveryLimit {
		return "failed recovery limit reached"
	}
	return ""
}

// escalate builds the handoff and schedules delivery after the
// auto-escalation delay. The incident is marked immediately so no
// further automated actions run while the delay elapses.
func (m *Manager) escalate(f Failure, severity incident.Severity, correlated []Failure, reason string) {
	if f.IncidentID != nil {
		m.mu.Lock()
		m.escalated[*f.IncidentID] = true
		m.mu.Unlock()
	}

	e := &Escalation{
		ID:         uuid.New(),
		Failure:    f,
		Severity:   severity,
		Correlated: correlated,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
	if m.state != nil {
		e.SystemState = m.state()
	}
	token, err := m.issuer.Issue(e)
	if err != nil {
		m.log.Warn("escalation token not issued", slog.String("error", err.Error()))
	} else {
		e.Token = token
	}

	m.log.Error("escalating to human operators",
		slog.String("escalation_id", e.ID.String()),
		slog.String("component", f.Component),
		slog.String("severity", string(severity)),
		slog.String("reason", reason),
		slog.Int("correlated_failures", len(correlated)))

	if m.onEscalate == nil {
		return
	}
	delay := m.cfg.AutoEscalationDelay
	if delay <= 0 {
		m.onEscalate(context.Background(), e)
		return
	}
	time.AfterFunc(delay, func() {
		m.onEscalate(context.Background(), e)
	})
}

func (m *Manager) recoveryKey(f Failure) string {
	if f.IncidentID != nil {
		return f.IncidentID.String()
	}
	return f.Component
}
