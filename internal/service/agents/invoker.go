package agents

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/breaker"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/config"
	"github.com/sentinelops/sentinel-backend/internal/metrics"
)

// Invoker wraps every agent call with a circuit breaker, a timeout, and
// a bounded retry loop with jittered backoff. One breaker per agent id.
type Invoker struct {
	cfg     config.AgentsConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
}

// NewInvoker builds the invoker from config.
func NewInvoker(cfg config.AgentsConfig, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	return &Invoker{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*breaker.Breaker),
	}
}

// SetMetrics attaches the process registry. Must be called before
// traffic flows; a nil invoker metrics handle is a no-op.
func (i *Invoker) SetMetrics(m *metrics.Metrics) {
	i.metrics = m
}

// BreakerFor returns the agent's breaker, creating it on first use.
func (i *Invoker) BreakerFor(agentID string) *breaker.Breaker {
	i.mu.Lock()
	defer i.mu.Unlock()
	b, ok := i.breakers[agentID]
	if !ok {
		b = breaker.New(agentID, breaker.Config{
			FailureRateThreshold: i.cfg.BreakerFailureRate,
			MinRequests:          i.cfg.BreakerMinRequests,
			Cooldown:             i.cfg.BreakerCooldown,
		})
		i.breakers[agentID] = b
	}
	return b
}

// ResetBreaker force-closes an agent's breaker; used by the recovery
// strategies.
func (i *Invoker) ResetBreaker(agentID string) {
	b := i.BreakerFor(agentID)
	b.Reset()
	i.metrics.RecordBreakerState(agentID, string(b.State()))
}

// ProcessIncident invokes the agent under the full protection stack.
// A deadline overrun surfaces as agent-timeout; an open breaker fails
// fast with circuit-open.
func (i *Invoker) ProcessIncident(ctx context.Context, a Agent, inc *incident.Incident) (*agent.Recommendation, error) {
	start := time.Now()
	rec, err := i.processIncident(ctx, a, inc)
	i.metrics.RecordAgentCall(string(a.Type()), invocationOutcome(err), time.Since(start).Seconds())
	i.metrics.RecordBreakerState(a.ID(), string(i.BreakerFor(a.ID()).State()))
	return rec, err
}

func invocationOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.IsType(err, errors.ErrorTypeCircuitOpen):
		return "circuit_open"
	case errors.IsType(err, errors.ErrorTypeAgentTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func (i *Invoker) processIncident(ctx context.Context, a Agent, inc *incident.Incident) (*agent.Recommendation, error) {
	b := i.BreakerFor(a.ID())

	var rec *agent.Recommendation
	var lastErr error
	for attempt := 0; attempt <= i.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewAgentTimeoutError(a.ID(), "incident deadline reached").WithCause(err)
		}

		err := b.Execute(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, i.cfg.CallTimeout)
			defer cancel()

			done := make(chan struct{})
			var callRec *agent.Recommendation
			var callErr error
			go func() {
				callRec, callErr = a.ProcessIncident(callCtx, inc)
				close(done)
			}()

			select {
			case <-done:
				if callErr != nil {
					return callErr
				}
				rec = callRec
				return nil
			case <-callCtx.Done():
				return errors.NewAgentTimeoutError(a.ID(), "agent call timed out")
			}
		})
		if err == nil {
			return rec, nil
		}
		lastErr = err

		// Fail fast on an open circuit: retrying would only hammer it.
		if errors.IsType(err, errors.ErrorTypeCircuitOpen) {
			return nil, err
		}
		if attempt == i.cfg.MaxRetries {
			break
		}

		delay := i.backoff(attempt)
		i.log.Debug("agent call failed, retrying",
			slog.String("agent_id", a.ID()),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errors.NewAgentTimeoutError(a.ID(), "incident deadline reached").WithCause(ctx.Err())
		}
	}
	return nil, lastErr
}

func (i *Invoker) backoff(attempt int) time.Duration {
	d := i.cfg.RetryBaseDelay << uint(attempt)
	if d <= 0 || d > 10*time.Second {
		d = 10 * time.Second
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
