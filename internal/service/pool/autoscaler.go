package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/config"
	"github.com/sentinelops/sentinel-backend/internal/metrics"
)

// Launcher provisions and retires replica instances. The production
// launcher talks to the container scheduler; tests use a fake.
type Launcher interface {
	Launch(ctx context.Context, agentType agent.AgentType, region string) (*agent.Replica, error)
	Retire(ctx context.Context, replicaID string) error
}

// ScaleDirection says which way a decision moves the pool.
type ScaleDirection int

const (
	ScaleUp ScaleDirection = iota + 1
	ScaleDown
)

func (d ScaleDirection) String() string {
	if d == ScaleDown {
		return "down"
	}
	return "up"
}

// Decision is one scaling action for one agent type.
type Decision struct {
	AgentType agent.AgentType
	Direction ScaleDirection
	Region    string
	Reason    string
}

// Autoscaler applies the per-type scaling policy: stay inside
// [min, max], chase target utilization, respect the cooldown, and
// never run two scaling actions for the same type at once.
type Autoscaler struct {
	pool     *ReplicaPool
	cfg      config.PoolConfig
	launcher Launcher
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	lastAction map[agent.AgentType]time.Time
	inFlight   map[agent.AgentType]bool
}

// NewAutoscaler builds the scaler.
func NewAutoscaler(p *ReplicaPool, cfg config.PoolConfig, launcher Launcher, log *slog.Logger) *Autoscaler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MinReplicas <= 0 {
		cfg.MinReplicas = 1
	}
	if cfg.MaxReplicas < cfg.MinReplicas {
		cfg.MaxReplicas = cfg.MinReplicas
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Minute
	}
	return &Autoscaler{
		pool:       p,
		cfg:        cfg,
		launcher:   launcher,
		log:        log,
		lastAction: make(map[agent.AgentType]time.Time),
		inFlight:   make(map[agent.AgentType]bool),
	}
}

// SetMetrics attaches the process registry.
func (a *Autoscaler) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// Evaluate computes the scaling decision for one agent type at a given
// instant. Nil means hold. Evaluate never mutates state; Apply does.
func (a *Autoscaler) Evaluate(agentType agent.AgentType, now time.Time) *Decision {
	a.mu.Lock()
	if a.inFlight[agentType] {
		a.mu.Unlock()
		return nil
	}
	last := a.lastAction[agentType]
	a.mu.Unlock()

	count := a.pool.CountByType(agentType)

	// Replacing a pool below its floor does not wait for cooldown.
	if count < a.cfg.MinReplicas {
		return &Decision{
			AgentType: agentType,
			Direction: ScaleUp,
			Region:    a.leastPopulatedRegion(agentType),
			Reason:    "below minimum replica count",
		}
	}
	if !last.IsZero() && now.Sub(last) < a.cfg.Cooldown {
		return nil
	}

	util := a.pool.UtilizationByType(agentType)
	switch {
	case util >= a.cfg.ScaleUpThreshold && count < a.cfg.MaxReplicas:
		return &Decision{
			AgentType: agentType,
			Direction: ScaleUp,
			Region:    a.leastPopulatedRegion(agentType),
			Reason:    "utilization above scale-up threshold",
		}
	case util <= a.cfg.ScaleDownThreshold && count > a.cfg.MinReplicas:
		return &Decision{
			AgentType: agentType,
			Direction: ScaleDown,
			Reason:    "utilization below scale-down threshold",
		}
	}
	return nil
}

// Apply evaluates and executes at most one scaling action for the
// type. It returns the decision taken, or nil when the pool holds.
func (a *Autoscaler) Apply(ctx context.Context, agentType agent.AgentType, now time.Time) (*Decision, error) {
	decision := a.Evaluate(agentType, now)
	if decision == nil {
		return nil, nil
	}

	a.mu.Lock()
	if a.inFlight[agentType] {
		a.mu.Unlock()
		return nil, nil
	}
	a.inFlight[agentType] = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.inFlight[agentType] = false
		a.mu.Unlock()
	}()

	var err error
	switch decision.Direction {
	case ScaleUp:
		err = a.scaleUp(ctx, decision)
	case ScaleDown:
		err = a.scaleDown(ctx, decision)
	}
	if err != nil {
		a.log.Error("scaling action failed",
			slog.String("agent_type", string(agentType)),
			slog.String("reason", decision.Reason),
			slog.String("error", err.Error()))
		return nil, err
	}

	a.metrics.RecordScaling(string(agentType), decision.Direction.String())
	a.mu.Lock()
	a.lastAction[agentType] = now
	a.mu.Unlock()
	return decision, nil
}

// Run evaluates every type on an interval until the context ends.
func (a *Autoscaler) Run(ctx context.Context, types []agent.AgentType, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, agentType := range types {
				if _, err := a.Apply(ctx, agentType, time.Now().UTC()); err != nil {
					continue
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Autoscaler) scaleUp(ctx context.Context, decision *Decision) error {
	replica, err := a.launcher.Launch(ctx, decision.AgentType, decision.Region)
	if err != nil {
		return err
	}
	if err := a.pool.Add(replica); err != nil {
		return err
	}
	a.log.Info("scaled up",
		slog.String("agent_type", string(decision.AgentType)),
		slog.String("replica_id", replica.ID),
		slog.String("region", decision.Region),
		slog.String("reason", decision.Reason))
	return nil
}

func (a *Autoscaler) scaleDown(ctx context.Context, decision *Decision) error {
	victim := a.drainCandidate(decision.AgentType)
	if victim == "" {
		return nil
	}
	// Drain first so routing stops handing it work, then retire.
	if err := a.pool.SetStatus(victim, agent.ReplicaDraining); err != nil {
		return err
	}
	if err := a.launcher.Retire(ctx, victim); err != nil {
		return err
	}
	if err := a.pool.Remove(victim); err != nil {
		return err
	}
	a.log.Info("scaled down",
		slog.String("agent_type", string(decision.AgentType)),
		slog.String("replica_id", victim),
		slog.String("reason", decision.Reason))
	return nil
}

// drainCandidate picks the least-loaded serving replica of the type.
func (a *Autoscaler) drainCandidate(agentType agent.AgentType) string {
	var candidates []*agent.Replica
	for _, r := range a.pool.Snapshot() {
		if r.AgentType != agentType {
			continue
		}
		if r.Status != agent.ReplicaHealthy && r.Status != agent.ReplicaDegraded {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CurrentLoad != candidates[j].CurrentLoad {
			return candidates[i].CurrentLoad < candidates[j].CurrentLoad
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID
}

// leastPopulatedRegion balances new replicas across the configured
// regions.
func (a *Autoscaler) leastPopulatedRegion(agentType agent.AgentType) string {
	if len(a.cfg.Regions) == 0 {
		return ""
	}
	counts := a.pool.RegionCounts(agentType)
	best := a.cfg.Regions[0]
	for _, region := range a.cfg.Regions[1:] {
		if counts[region] < counts[best] ||
			(counts[region] == counts[best] && region < best) {
			best = region
		}
	}
	return best
}
