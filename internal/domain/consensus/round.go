package consensus

import (
	"time"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

// Phase is the protocol phase a round is in. Transitions are monotonic:
// PRE_PREPARE -> PREPARE -> COMMIT -> DECIDED | ABORTED.
type Phase string

const (
	PhasePrePrepare Phase = "PRE_PREPARE"
	PhasePrepare    Phase = "PREPARE"
	PhaseCommit     Phase = "COMMIT"
	PhaseDecided    Phase = "DECIDED"
	PhaseAborted    Phase = "ABORTED"
)

// Terminal reports whether the round has finished.
func (p Phase) Terminal() bool {
	return p == PhaseDecided || p == PhaseAborted
}

var phaseOrder = map[Phase]int{
	PhasePrePrepare: 0,
	PhasePrepare:    1,
	PhaseCommit:     2,
	PhaseDecided:    3,
	PhaseAborted:    3,
}

// Round tracks one (view, sequence) instance of the protocol on one node.
// Callers synchronize access; the round itself holds no lock.
type Round struct {
	View     uint64
	Sequence uint64
	Proposal *Proposal
	Digest   string
	Phase    Phase

	// Vote sets keyed by sender id. Only matching-digest votes are
	// recorded, so len() is the vote count.
	Prepares map[string]*Message
	Commits  map[string]*Message

	StartTime    time.Time
	Deadline     time.Time
	DecidedValue *Proposal
}

// NewRound opens a round from an accepted pre-prepare.
func NewRound(view, sequence uint64, proposal *Proposal, deadline time.Time) *Round {
	return &Round{
		View:      view,
		Sequence:  sequence,
		Proposal:  proposal,
		Digest:    proposal.Digest,
		Phase:     PhasePrePrepare,
		Prepares:  make(map[string]*Message),
		Commits:   make(map[string]*Message),
		StartTime: time.Now().UTC(),
		Deadline:  deadline,
	}
}

// advance moves the round forward; backwards transitions are rejected so a
// phase is never re-entered once left.
func (r *Round) advance(next Phase) error {
	if r.Phase.Terminal() {
		return errors.NewValidationError("ROUND_TERMINAL", "round already finished")
	}
	if phaseOrder[next] <= phaseOrder[r.Phase] {
		return errors.NewValidationError("PHASE_REGRESSION",
			"round phase can only advance")
	}
	r.Phase = next
	return nil
}

// RecordPrepare records a matching prepare vote. Duplicates and mismatched
// digests are ignored; the bool reports whether the vote was counted.
func (r *Round) RecordPrepare(msg *Message) bool {
	if r.Phase.Terminal() || msg.Digest != r.Digest {
		return false
	}
	if _, seen := r.Prepares[msg.SenderID]; seen {
		return false
	}
	r.Prepares[msg.SenderID] = msg
	return true
}

// RecordCommit records a matching commit vote.
func (r *Round) RecordCommit(msg *Message) bool {
	if r.Phase.Terminal() || msg.Digest != r.Digest {
		return false
	}
	if _, seen := r.Commits[msg.SenderID]; seen {
		return false
	}
	r.Commits[msg.SenderID] = msg
	return true
}

// Prepared reports whether the prepare quorum is met.
func (r *Round) Prepared(quorum int) bool {
	return len(r.Prepares) >= quorum
}

// Committed reports whether the commit quorum is met.
func (r *Round) Committed(quorum int) bool {
	return len(r.Commits) >= quorum
}

// EnterPrepare marks the node's own prepare broadcast.
func (r *Round) EnterPrepare() error {
	return r.advance(PhasePrepare)
}

// EnterCommit marks the node's own commit broadcast.
func (r *Round) EnterCommit() error {
	return r.advance(PhaseCommit)
}

// Decide terminates the round with the agreed value. Exactly one of
// Decide/Abort succeeds per round.
func (r *Round) Decide() error {
	if err := r.advance(PhaseDecided); err != nil {
		return err
	}
	r.DecidedValue = r.Proposal
	return nil
}

// Abort terminates the round without a decision.
func (r *Round) Abort() error {
	if r.Phase.Terminal() {
		return errors.NewValidationError("ROUND_TERMINAL", "round already finished")
	}
	r.Phase = PhaseAborted
	return nil
}

// Expired reports whether the round deadline has elapsed.
func (r *Round) Expired(now time.Time) bool {
	return !r.Phase.Terminal() && now.After(r.Deadline)
}

// PruneVoter removes an isolated peer's votes so they can no longer
// contribute to a quorum.
func (r *Round) PruneVoter(senderID string) {
	delete(r.Prepares, senderID)
	delete(r.Commits, senderID)
}
