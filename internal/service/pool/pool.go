package pool

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

// ReplicaPool tracks the live agent replicas per type and region.
// Selection reads a copy-on-write view without taking the pool lock;
// every mutation rebuilds the view under a short lock.
type ReplicaPool struct {
	log *slog.Logger

	mu       sync.Mutex
	replicas map[string]*agent.Replica
	view     atomic.Pointer[[]*agent.Replica]

	rrMu     sync.Mutex
	rrCursor map[agent.AgentType]int
}

// NewReplicaPool builds an empty pool.
func NewReplicaPool(log *slog.Logger) *ReplicaPool {
	if log == nil {
		log = slog.Default()
	}
	p := &ReplicaPool{
		log:      log,
		replicas: make(map[string]*agent.Replica),
		rrCursor: make(map[agent.AgentType]int),
	}
	empty := make([]*agent.Replica, 0)
	p.view.Store(&empty)
	return p
}

// Add registers a replica. Duplicate ids are rejected.
func (p *ReplicaPool) Add(replica *agent.Replica) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.replicas[replica.ID]; ok {
		return errors.NewValidationError("DUPLICATE_REPLICA",
			"replica already registered: "+replica.ID)
	}
	p.replicas[replica.ID] = replica.Clone()
	p.rebuildViewLocked()
	p.log.Info("replica registered",
		slog.String("replica_id", replica.ID),
		slog.String("agent_type", string(replica.AgentType)),
		slog.String("region", replica.Region))
	return nil
}

// Remove drops a replica from the pool entirely.
func (p *ReplicaPool) Remove(replicaID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.replicas[replicaID]; !ok {
		return errors.NewNotFoundError("replica " + replicaID)
	}
	delete(p.replicas, replicaID)
	p.rebuildViewLocked()
	return nil
}

// Snapshot returns clones of every replica; callers may not mutate the
// pool through them.
func (p *ReplicaPool) Snapshot() []*agent.Replica {
	view := *p.view.Load()
	out := make([]*agent.Replica, len(view))
	for i, r := range view {
		out[i] = r.Clone()
	}
	return out
}

// SetStatus moves a replica to a new health state.
func (p *ReplicaPool) SetStatus(replicaID string, status agent.ReplicaStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.replicas[replicaID]
	if !ok {
		return errors.NewNotFoundError("replica " + replicaID)
	}
	r.Status = status
	p.rebuildViewLocked()
	return nil
}

// Heartbeat records a liveness signal from a replica.
func (p *ReplicaPool) Heartbeat(replicaID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.replicas[replicaID]
	if !ok {
		return errors.NewNotFoundError("replica " + replicaID)
	}
	r.LastHeartbeat = at
	p.rebuildViewLocked()
	return nil
}

// Acquire selects one available replica of the given type and reserves
// a unit of its capacity. The returned release func gives the unit back
// and must be called on every exit path.
func (p *ReplicaPool) Acquire(agentType agent.AgentType, sel Selection) (*agent.Replica, func(), error) {
	candidates := p.candidates(agentType, sel.Exclude)
	if len(candidates) == 0 {
		return nil, nil, errors.NewOverloadError(
			"no available replica for agent type " + string(agentType))
	}
	chosen := p.pick(agentType, candidates, sel)

	p.mu.Lock()
	r, ok := p.replicas[chosen.ID]
	if !ok || !r.Available() {
		p.mu.Unlock()
		// The view raced a mutation; retry once against the fresh view.
		candidates = p.candidates(agentType, sel.Exclude)
		if len(candidates) == 0 {
			return nil, nil, errors.NewOverloadError(
				"no available replica for agent type " + string(agentType))
		}
		chosen = p.pick(agentType, candidates, sel)
		p.mu.Lock()
		r, ok = p.replicas[chosen.ID]
		if !ok || !r.Available() {
			p.mu.Unlock()
			return nil, nil, errors.NewOverloadError(
				"no available replica for agent type " + string(agentType))
		}
	}
	r.CurrentLoad++
	clone := r.Clone()
	p.rebuildViewLocked()
	p.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			if live, ok := p.replicas[clone.ID]; ok && live.CurrentLoad > 0 {
				live.CurrentLoad--
			}
			p.rebuildViewLocked()
			p.mu.Unlock()
		})
	}
	return clone, release, nil
}

// ReportOutcome folds one call result into the replica's performance
// score with an exponential moving average.
func (p *ReplicaPool) ReportOutcome(replicaID string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.replicas[replicaID]
	if !ok {
		return
	}
	sample := 0.0
	if success {
		sample = 1.0
	}
	const alpha = 0.2
	r.PerformanceScore = (1-alpha)*r.PerformanceScore + alpha*sample
	p.rebuildViewLocked()
}

// CountByType counts replicas of a type that are not dead.
func (p *ReplicaPool) CountByType(agentType agent.AgentType) int {
	n := 0
	for _, r := range *p.view.Load() {
		if r.AgentType == agentType && r.Status != agent.ReplicaDead {
			n++
		}
	}
	return n
}

// UtilizationByType averages load across serving replicas of a type.
// An empty pool reads as fully utilized so the scaler reacts.
func (p *ReplicaPool) UtilizationByType(agentType agent.AgentType) float64 {
	var sum float64
	n := 0
	for _, r := range *p.view.Load() {
		if r.AgentType != agentType {
			continue
		}
		if r.Status != agent.ReplicaHealthy && r.Status != agent.ReplicaDegraded {
			continue
		}
		sum += r.Utilization()
		n++
	}
	if n == 0 {
		return 1.0
	}
	return sum / float64(n)
}

// RegionCounts counts non-dead replicas of a type per region.
func (p *ReplicaPool) RegionCounts(agentType agent.AgentType) map[string]int {
	counts := make(map[string]int)
	for _, r := range *p.view.Load() {
		if r.AgentType == agentType && r.Status != agent.ReplicaDead {
			counts[r.Region]++
		}
	}
	return counts
}

// candidates returns the available replicas of a type from the current
// view, minus the excluded ids, sorted by id for deterministic strategy
// behavior.
func (p *ReplicaPool) candidates(agentType agent.AgentType, exclude map[string]bool) []*agent.Replica {
	view := *p.view.Load()
	out := make([]*agent.Replica, 0, len(view))
	for _, r := range view {
		if r.AgentType == agentType && r.Available() && !exclude[r.ID] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *ReplicaPool) rebuildViewLocked() {
	view := make([]*agent.Replica, 0, len(p.replicas))
	for _, r := range p.replicas {
		view = append(view, r.Clone())
	}
	p.view.Store(&view)
}
