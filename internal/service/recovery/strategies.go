package recovery

import (
	"context"
	"time"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

// StrategyKind names one recovery strategy.
type StrategyKind string

const (
	StrategyRetry               StrategyKind = "retry"
	StrategyFallback            StrategyKind = "fallback"
	StrategyGracefulDegradation StrategyKind = "graceful_degradation"
	StrategyBreakerReset        StrategyKind = "circuit_breaker_reset"
	StrategyHumanEscalation     StrategyKind = "human_escalation"
	StrategySystemRestart       StrategyKind = "system_restart"
)

// Actions is what the strategies operate through; the coordinator
// provides the real implementations.
type Actions interface {
	// Retry re-runs the failed operation.
	Retry(ctx context.Context, f Failure) error
	// Fallback routes the operation to an alternate path.
	Fallback(ctx context.Context, f Failure) error
	// Degrade puts a component into reduced-fidelity mode.
	Degrade(ctx context.Context, component string) error
	// ResetBreaker force-closes the circuit breaker for a target.
	ResetBreaker(target string) error
	// Restart bounces a component.
	Restart(ctx context.Context, component string) error
}

// strategySpec bounds one strategy and declares where it falls through
// on exhaustion.
type strategySpec struct {
	MaxAttempts int
	Timeout     time.Duration
	Fallback    StrategyKind
}

var strategyTable = map[StrategyKind]strategySpec{
	StrategyRetry:               {MaxAttempts: 3, Timeout: 10 * time.Second, Fallback: StrategyFallback},
	StrategyFallback:            {MaxAttempts: 1, Timeout: 10 * time.Second, Fallback: StrategyGracefulDegradation},
	StrategyGracefulDegradation: {MaxAttempts: 1, Timeout: 5 * time.Second, Fallback: StrategyHumanEscalation},
	StrategyBreakerReset:        {MaxAttempts: 1, Timeout: 10 * time.Second, Fallback: StrategyFallback},
	StrategySystemRestart:       {MaxAttempts: 1, Timeout: 30 * time.Second, Fallback: StrategyHumanEscalation},
	StrategyHumanEscalation:     {MaxAttempts: 1},
}

// selectStrategy picks the first strategy for a failure. Escalation
// triggers are checked before this; by the time we are here the
// failure is recoverable in principle.
func selectStrategy(f Failure) StrategyKind {
	switch f.ErrorType {
	case errors.ErrorTypeCircuitOpen:
		return StrategyBreakerReset
	case errors.ErrorTypeAgentTimeout,
		errors.ErrorTypeStorageUnavailable,
		errors.ErrorTypeOptimisticLock,
		errors.ErrorTypeConsensusTimeout,
		errors.ErrorTypeOverload:
		return StrategyRetry
	case errors.ErrorTypeFallbacksExhausted:
		return StrategyGracefulDegradation
	case errors.ErrorTypeInternal:
		return StrategySystemRestart
	default:
		return StrategyFallback
	}
}

// execute runs one strategy attempt.
func (m *Manager) execute(ctx context.Context, kind StrategyKind, f Failure) error {
	spec := strategyTable[kind]
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	switch kind {
	case StrategyRetry:
		return m.actions.Retry(ctx, f)
	case StrategyFallback:
		return m.actions.Fallback(ctx, f)
	case StrategyGracefulDegradation:
		return m.actions.Degrade(ctx, f.Component)
	case StrategyBreakerReset:
		target := f.AgentID
		if target == "" {
			target = f.Component
		}
		if err := m.actions.ResetBreaker(target); err != nil {
			return err
		}
		return m.actions.Retry(ctx, f)
	case StrategySystemRestart:
		return m.actions.Restart(ctx, f.Component)
	default:
		return errors.NewInternalError("unknown recovery strategy: " + string(kind))
	}
}
