package coordinator

import (
	"context"
	"log/slog"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/consensus"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/domain/ledger"
	"github.com/sentinelops/sentinel-backend/internal/service/recovery"
)

// decideAndExecute runs consensus over the ranked candidates and
// executes the decided action. A failed action rolls back and
// re-enters consensus with the next-best candidate.
func (c *Coordinator) decideAndExecute(ctx context.Context, r *run, inc *incident.Incident, candidates []*agent.Recommendation) error {
	if len(candidates) == 0 {
		return c.failIncident(ctx, r, inc,
			errors.NewFallbacksExhaustedError("no candidate actions for incident"))
	}

	var lastErr error
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			_ = c.appendEvent(context.WithoutCancel(ctx), r, inc.ID,
				ledger.EventAbortedExecution, map[string]interface{}{
					"reason": err.Error(),
				})
			r.setPhase(PhaseFailed)
			return errors.NewInternalError("incident execution aborted").WithCause(err)
		}

		r.setPhase(PhaseConsensus)
		proposal, err := c.runConsensus(ctx, r, inc, rec)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeEscalationRequired) {
				return c.failIncident(ctx, r, inc, err)
			}
			lastErr = err
			continue
		}

		done, err := c.executeDecision(ctx, r, inc, proposal)
		if done {
			return err
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.NewFallbacksExhaustedError("every decided action failed")
	} else if !errors.IsType(lastErr, errors.ErrorTypeEscalationRequired) {
		lastErr = errors.NewFallbacksExhaustedError("every decided action failed").
			WithCause(lastErr)
	}
	return c.failIncident(ctx, r, inc, lastErr)
}

// runConsensus proposes a recommendation and waits for its decision,
// retrying once on a timed-out round before handing the failure to the
// recovery policy.
func (c *Coordinator) runConsensus(ctx context.Context, r *run, inc *incident.Incident, rec *agent.Recommendation) (*consensus.Proposal, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		proposal, err := c.decider.Propose(ctx, rec)
		if err == nil {
			proposal, err = c.decider.WaitForProposal(ctx, proposal.Digest)
		}
		if err == nil {
			if aerr := c.appendEvent(ctx, r, inc.ID, ledger.EventConsensusDecided, map[string]interface{}{
				"digest":      proposal.Digest,
				"action_id":   proposal.Recommendation.ActionID,
				"proposed_by": proposal.ProposedBy,
			}); aerr != nil {
				return nil, aerr
			}
			return proposal, nil
		}
		lastErr = err

		_ = c.appendEvent(ctx, r, inc.ID, ledger.EventConsensusAborted, map[string]interface{}{
			"reason": err.Error(),
		})
		if c.recovery != nil {
			f := recovery.NewFailure("consensus", &inc.ID, "", err)
			if terr := c.recovery.Track(ctx, f); terr != nil {
				return nil, terr
			}
		}
		if !errors.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

// executeDecision dispatches the decided action under scoped resource
// acquisition. The bool result says whether the incident run is over;
// false means the caller should re-enter consensus with the next
// candidate.
func (c *Coordinator) executeDecision(ctx context.Context, r *run, inc *incident.Incident, proposal *consensus.Proposal) (bool, error) {
	rec := proposal.Recommendation
	r.setPhase(PhaseExecuting)

	release, err := c.leases.Acquire(ctx, []string{
		"service:" + inc.Tags.Service,
		"action:" + rec.ActionID,
	})
	if err != nil {
		return true, c.failIncident(ctx, r, inc, err)
	}
	defer release()

	if err := c.appendEvent(ctx, r, inc.ID, ledger.EventActionStarted, map[string]interface{}{
		"action_id": rec.ActionID,
		"agent_id":  rec.AgentID,
	}); err != nil {
		return true, c.failIncident(ctx, r, inc, err)
	}

	execErr := c.executor.Execute(ctx, inc.Clone(), rec)
	if execErr == nil {
		c.recordOutcome(rec.ActionID, true)
		if err := c.appendEvent(ctx, r, inc.ID, ledger.EventActionSucceeded, map[string]interface{}{
			"action_id": rec.ActionID,
		}); err != nil {
			return true, err
		}
		if err := c.appendEvent(ctx, r, inc.ID, ledger.EventResolved, map[string]interface{}{
			"action_id": rec.ActionID,
		}); err != nil {
			return true, err
		}
		_ = inc.AdvanceStatus(incident.StatusResolved)
		r.setPhase(PhaseResolved)
		c.log.Info("incident resolved",
			slog.String("incident_id", inc.ID.String()),
			slog.String("action_id", rec.ActionID))
		return true, nil
	}

	c.recordOutcome(rec.ActionID, false)
	_ = c.appendEvent(context.WithoutCancel(ctx), r, inc.ID, ledger.EventActionFailed, map[string]interface{}{
		"action_id": rec.ActionID,
		"error":     execErr.Error(),
	})
	if rbErr := c.executor.Rollback(context.WithoutCancel(ctx), inc.Clone(), rec); rbErr != nil {
		c.log.Error("rollback failed",
			slog.String("incident_id", inc.ID.String()),
			slog.String("action_id", rec.ActionID),
			slog.String("error", rbErr.Error()))
	}
	if c.recovery != nil {
		f := recovery.NewFailure("action-execution", &inc.ID, "", execErr)
		if terr := c.recovery.Track(ctx, f); terr != nil {
			return true, c.failIncident(ctx, r, inc, terr)
		}
	}
	return false, execErr
}
