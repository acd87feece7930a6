package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/breaker"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/config"
)

// ModelClient is the raw transport to one model provider. Implementations
// must tolerate retried calls: the gateway re-invokes on transient errors.
type ModelClient interface {
	Complete(ctx context.Context, modelID, prompt string, maxTokens int, temperature float64) (string, error)
}

// LLMGateway fronts model providers with per-model circuit breakers and
// a shared rate limit. Agents never talk to a provider directly.
type LLMGateway struct {
	client  ModelClient
	limiter *rate.Limiter
	log     *slog.Logger

	defaultModel   string
	fallbackModels []string
	requestTimeout time.Duration
	breakerCfg     breaker.Config

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
}

// NewLLMGateway wires the gateway from config.
func NewLLMGateway(client ModelClient, cfg *config.GatewayConfig, log *slog.Logger) *LLMGateway {
	if log == nil {
		log = slog.Default()
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMGateway{
		client:         client,
		limiter:        rate.NewLimiter(rate.Limit(rps), burst),
		log:            log,
		defaultModel:   cfg.DefaultModel,
		fallbackModels: cfg.FallbackModels,
		requestTimeout: timeout,
		breakerCfg: breaker.Config{
			FailureThreshold: cfg.BreakerThreshold,
			Cooldown:         cfg.BreakerCooldown,
		},
		breakers: make(map[string]*breaker.Breaker),
	}
}

func (g *LLMGateway) breakerFor(modelID string) *breaker.Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[modelID]
	if !ok {
		b = breaker.New(modelID, g.breakerCfg)
		g.breakers[modelID] = b
	}
	return b
}

// Invoke calls one model through its breaker, honoring the shared rate
// limit and per-request timeout.
func (g *LLMGateway) Invoke(ctx context.Context, modelID, prompt string, maxTokens int, temperature float64) (string, error) {
	if modelID == "" {
		modelID = g.defaultModel
	}
	if modelID == "" {
		return "", errors.NewValidationError("MISSING_MODEL", "model id is required")
	}
	if prompt == "" {
		return "", errors.NewValidationError("MISSING_PROMPT", "prompt is required")
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", errors.NewOverloadError("model rate limit wait canceled").WithCause(err)
	}

	var text string
	err := g.breakerFor(modelID).Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
		defer cancel()
		var cerr error
		text, cerr = g.client.Complete(callCtx, modelID, prompt, maxTokens, temperature)
		return cerr
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// InvokeWithFallback tries the default model, then each fallback in
// order. Models with open breakers are skipped without burning a call.
// Exhaustion surfaces as all-fallbacks-exhausted.
func (g *LLMGateway) InvokeWithFallback(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	chain := make([]string, 0, 1+len(g.fallbackModels))
	if g.defaultModel != "" {
		chain = append(chain, g.defaultModel)
	}
	chain = append(chain, g.fallbackModels...)
	if len(chain) == 0 {
		return "", errors.NewValidationError("NO_MODELS", "no models configured")
	}

	var lastErr error
	for _, modelID := range chain {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := g.Invoke(ctx, modelID, prompt, maxTokens, temperature)
		if err == nil {
			return text, nil
		}
		lastErr = err
		g.log.Warn("model invocation failed, trying fallback",
			slog.String("model_id", modelID),
			slog.String("error", err.Error()))
	}
	return "", errors.NewFallbacksExhaustedError("all configured models failed").WithCause(lastErr)
}

// BreakerState exposes a model breaker's position for diagnostics.
func (g *LLMGateway) BreakerState(modelID string) breaker.State {
	return g.breakerFor(modelID).State()
}
