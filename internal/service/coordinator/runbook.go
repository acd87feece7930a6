package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
)

// ActionFunc performs one remediation action against the affected
// system. Implementations live outside the core: infrastructure
// runbooks register themselves at startup.
type ActionFunc func(ctx context.Context, inc *incident.Incident, rec *agent.Recommendation) error

// Runbook is the Executor the daemon runs: a registry of remediation
// handlers keyed by action id. An unregistered action fails the
// execution attempt so the coordinator falls back to the next
// candidate instead of pretending the action ran.
type Runbook struct {
	log *slog.Logger

	mu       sync.RWMutex
	execute  map[string]ActionFunc
	rollback map[string]ActionFunc
}

// NewRunbook builds an empty registry.
func NewRunbook(log *slog.Logger) *Runbook {
	if log == nil {
		log = slog.Default()
	}
	return &Runbook{
		log:      log,
		execute:  make(map[string]ActionFunc),
		rollback: make(map[string]ActionFunc),
	}
}

// Register installs the execute handler for an action; rollback may be
// nil for actions with no meaningful inverse.
func (b *Runbook) Register(actionID string, execute, rollback ActionFunc) error {
	if actionID == "" || execute == nil {
		return errors.NewValidationError("INVALID_RUNBOOK_ENTRY",
			"runbook entries need an action id and an execute handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.execute[actionID]; exists {
		return errors.NewValidationError("DUPLICATE_RUNBOOK_ENTRY",
			"action already registered: "+actionID)
	}
	b.execute[actionID] = execute
	if rollback != nil {
		b.rollback[actionID] = rollback
	}
	return nil
}

// Actions lists the registered action ids.
func (b *Runbook) Actions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.execute))
	for id := range b.execute {
		out = append(out, id)
	}
	return out
}

func (b *Runbook) Execute(ctx context.Context, inc *incident.Incident, rec *agent.Recommendation) error {
	b.mu.RLock()
	fn, ok := b.execute[rec.ActionID]
	b.mu.RUnlock()
	if !ok {
		return errors.NewNotFoundError("runbook for action " + rec.ActionID)
	}
	b.log.Info("executing remediation action",
		slog.String("incident_id", inc.ID.String()),
		slog.String("action_id", rec.ActionID))
	return fn(ctx, inc, rec)
}

func (b *Runbook) Rollback(ctx context.Context, inc *incident.Incident, rec *agent.Recommendation) error {
	b.mu.RLock()
	fn, ok := b.rollback[rec.ActionID]
	b.mu.RUnlock()
	if !ok {
		// No inverse registered; nothing to undo.
		return nil
	}
	b.log.Warn("rolling back remediation action",
		slog.String("incident_id", inc.ID.String()),
		slog.String("action_id", rec.ActionID))
	return fn(ctx, inc, rec)
}
