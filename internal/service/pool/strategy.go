package pool

import (
	"sort"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
)

// Strategy names a replica selection policy.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyLeastLoaded    Strategy = "least_loaded"
	StrategyWeighted       Strategy = "weighted_by_performance"
	StrategyRegionAffinity Strategy = "region_affinity"
	StrategySeverityAware  Strategy = "severity_aware"
)

// Selection carries the per-request routing inputs. Exclude removes
// replicas already tried for this request, so a fallback chain walks
// distinct replicas instead of re-drawing the same one.
type Selection struct {
	Strategy Strategy
	Region   string
	Severity incident.Severity
	Exclude  map[string]bool
}

// pick applies the strategy to a non-empty candidate slice sorted by
// id. Ties always break toward the lexically smallest id so routing is
// reproducible.
func (p *ReplicaPool) pick(agentType agent.AgentType, candidates []*agent.Replica, sel Selection) *agent.Replica {
	switch sel.Strategy {
	case StrategyLeastLoaded:
		return leastLoaded(candidates)
	case StrategyWeighted:
		return bestPerforming(candidates)
	case StrategyRegionAffinity:
		if local := inRegion(candidates, sel.Region); len(local) > 0 {
			return leastLoaded(local)
		}
		return leastLoaded(candidates)
	case StrategySeverityAware:
		// Critical traffic goes to the strongest replicas; the rest
		// spreads by load.
		if sel.Severity.AtLeast(incident.SeverityHigh) {
			return bestPerforming(candidates)
		}
		return leastLoaded(candidates)
	default:
		return p.roundRobin(agentType, candidates)
	}
}

func (p *ReplicaPool) roundRobin(agentType agent.AgentType, candidates []*agent.Replica) *agent.Replica {
	p.rrMu.Lock()
	cursor := p.rrCursor[agentType]
	p.rrCursor[agentType] = cursor + 1
	p.rrMu.Unlock()
	return candidates[cursor%len(candidates)]
}

func leastLoaded(candidates []*agent.Replica) *agent.Replica {
	sorted := append([]*agent.Replica(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		ui, uj := sorted[i].Utilization(), sorted[j].Utilization()
		if ui != uj {
			return ui < uj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

func bestPerforming(candidates []*agent.Replica) *agent.Replica {
	sorted := append([]*agent.Replica(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PerformanceScore != sorted[j].PerformanceScore {
			return sorted[i].PerformanceScore > sorted[j].PerformanceScore
		}
		ui, uj := sorted[i].Utilization(), sorted[j].Utilization()
		if ui != uj {
			return ui < uj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

func inRegion(candidates []*agent.Replica, region string) []*agent.Replica {
	if region == "" {
		return nil
	}
	out := make([]*agent.Replica, 0, len(candidates))
	for _, r := range candidates {
		if r.Region == region {
			out = append(out, r)
		}
	}
	return out
}
