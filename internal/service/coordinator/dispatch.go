package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/domain/ledger"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/bus"
	"github.com/sentinelops/sentinel-backend/internal/service/pool"
	"github.com/sentinelops/sentinel-backend/internal/service/recovery"
)

// substitutes maps an agent type to its lower-fidelity stand-in, tried
// when every replica of the primary type fails.
var substitutes = map[agent.AgentType]agent.AgentType{
	agent.TypeDiagnosis:  agent.TypeDetection,
	agent.TypePrediction: agent.TypeDetection,
	agent.TypeResolution: agent.TypeDiagnosis,
}

// gather fans the incident out to one replica per agent type and
// collects recommendations under per-agent deadlines. A failed agent
// walks its fallback chain: next healthy replica of the same type,
// then the lower-fidelity substitute, then nothing. A required type
// that produces nothing fails the incident.
func (c *Coordinator) gather(ctx context.Context, r *run, inc *incident.Incident) ([]*agent.Recommendation, error) {
	types := c.dispatchTypes()
	r.setPhase(PhaseAwaiting)

	var mu sync.Mutex
	results := make(map[agent.AgentType]*agent.Recommendation)

	g, gctx := errgroup.WithContext(ctx)
	for _, agentType := range types {
		agentType := agentType
		g.Go(func() error {
			rec, err := c.gatherType(gctx, inc, agentType)
			if err != nil {
				// Only escalation aborts the whole fan-out; other
				// failures just mean no recommendation from this type.
				if errors.IsType(err, errors.ErrorTypeEscalationRequired) {
					return err
				}
				return nil
			}
			if rec != nil {
				mu.Lock()
				results[agentType] = rec
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = c.appendEvent(context.WithoutCancel(ctx), r, inc.ID,
			ledger.EventAbortedDispatch, map[string]interface{}{
				"reason": err.Error(),
			})
		r.setPhase(PhaseFailed)
		return nil, errors.NewInternalError("incident dispatch aborted").WithCause(err)
	}

	for _, required := range c.cfg.RequiredAgentTypes {
		if results[agent.AgentType(required)] == nil {
			return nil, errors.NewFallbacksExhaustedError(
				"no recommendation from required agent type " + required).
				WithDetail("agent_type", required)
		}
	}

	recs := make([]*agent.Recommendation, 0, len(results))
	for _, rec := range results {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].AgentID < recs[j].AgentID })
	return recs, nil
}

// dispatchTypes is the union of the required types and every type the
// pool currently serves.
func (c *Coordinator) dispatchTypes() []agent.AgentType {
	seen := make(map[agent.AgentType]bool)
	var types []agent.AgentType
	for _, t := range c.cfg.RequiredAgentTypes {
		agentType := agent.AgentType(t)
		if !seen[agentType] {
			seen[agentType] = true
			types = append(types, agentType)
		}
	}
	for _, replica := range c.replicas.Snapshot() {
		if !seen[replica.AgentType] && replica.Available() {
			seen[replica.AgentType] = true
			types = append(types, replica.AgentType)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// gatherType runs one type's fallback chain. A nil recommendation with
// a nil error means the chain exhausted without an answer.
func (c *Coordinator) gatherType(ctx context.Context, inc *incident.Incident, agentType agent.AgentType) (*agent.Recommendation, error) {
	rec, err := c.tryReplicas(ctx, inc, agentType)
	if rec != nil || err != nil {
		return rec, err
	}
	if sub, ok := substitutes[agentType]; ok {
		c.log.Warn("agent type exhausted, trying substitute",
			"incident_id", inc.ID.String(),
			"agent_type", string(agentType),
			"substitute", string(sub))
		return c.tryReplicas(ctx, inc, sub)
	}
	return nil, nil
}

// tryReplicas walks distinct replicas of a type until one answers.
// Tried replicas are excluded from each draw, so the chain exhausts
// every available replica before giving up.
func (c *Coordinator) tryReplicas(ctx context.Context, inc *incident.Incident, agentType agent.AgentType) (*agent.Recommendation, error) {
	tried := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			return nil, nil
		}
		replica, release, err := c.replicas.Acquire(agentType, pool.Selection{
			Strategy: pool.StrategySeverityAware,
			Region:   inc.Tags.Region,
			Severity: inc.Severity,
			Exclude:  tried,
		})
		if err != nil {
			return nil, nil
		}
		tried[replica.ID] = true

		rec, err := c.invokeReplica(ctx, inc, agentType, replica.ID)
		release()
		if err == nil {
			return rec, nil
		}
		if errors.IsType(err, errors.ErrorTypeEscalationRequired) {
			return nil, err
		}
	}
}

func (c *Coordinator) invokeReplica(ctx context.Context, inc *incident.Incident, agentType agent.AgentType, replicaID string) (*agent.Recommendation, error) {
	a, ok := c.dir.Lookup(replicaID)
	if !ok {
		c.replicas.ReportOutcome(replicaID, false)
		return nil, errors.NewNotFoundError("agent behind replica " + replicaID)
	}

	if c.notifier != nil {
		if m, err := bus.NewMessage(c.nodeID, replicaID, bus.MessageProcessIncident, inc); err == nil {
			_ = c.notifier.Publish(ctx, m)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.agentDeadline(agentType))
	defer cancel()

	start := time.Now()
	rec, err := c.invoker.ProcessIncident(callCtx, a, inc.Clone())
	if err != nil {
		c.replicas.ReportOutcome(replicaID, false)
		c.log.Warn("agent invocation failed",
			"incident_id", inc.ID.String(),
			"replica_id", replicaID,
			"error", err.Error())
		if c.recovery != nil {
			f := recovery.NewFailure("agents/"+string(agentType), &inc.ID, replicaID, err)
			if terr := c.recovery.Track(ctx, f); terr != nil {
				return nil, terr
			}
		}
		return nil, err
	}

	c.replicas.ReportOutcome(replicaID, true)
	c.observeLatency(agentType, time.Since(start))
	return rec, nil
}

// rank orders recommendations by composite score: confidence weighted
// 0.5, risk fit 0.3, historical success for the action 0.2. Ties break
// by lowest estimated impact, then action id.
func (c *Coordinator) rank(inc *incident.Incident, recs []*agent.Recommendation) []*agent.Recommendation {
	type scored struct {
		rec   *agent.Recommendation
		score float64
	}
	list := make([]scored, 0, len(recs))
	for _, rec := range recs {
		score := 0.5*rec.Confidence +
			0.3*riskFit(inc.Severity, rec.RiskLevel) +
			0.2*c.successRate(rec.ActionID)
		list = append(list, scored{rec: rec, score: score})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		if cmp := list[i].rec.EstimatedImpact.Cmp(list[j].rec.EstimatedImpact); cmp != 0 {
			return cmp < 0
		}
		return list[i].rec.ActionID < list[j].rec.ActionID
	})
	out := make([]*agent.Recommendation, len(list))
	for i, s := range list {
		out[i] = s.rec
	}
	return out
}

var severityRank = map[incident.Severity]float64{
	incident.SeverityLow:      0,
	incident.SeverityMedium:   1,
	incident.SeverityHigh:     2,
	incident.SeverityCritical: 3,
}

// riskFit is 1 when the action's risk matches what the incident's
// severity warrants and decays as they diverge.
func riskFit(severity incident.Severity, risk incident.Severity) float64 {
	diff := severityRank[severity] - severityRank[risk]
	if diff < 0 {
		diff = -diff
	}
	return 1 - diff/3
}
