package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
)

// DefaultSnapshotTTL bounds how long a snapshot stays usable.
const DefaultSnapshotTTL = 30 * 24 * time.Hour

// Snapshot captures an incident's reconstructed state up to a sequence
// number. Combined with the events above UpToSequence it reproduces the
// current state.
type Snapshot struct {
	IncidentID   uuid.UUID       `json:"incident_id"`
	UpToSequence uint64          `json:"up_to_sequence"`
	State        json.RawMessage `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	TTL          int64           `json:"ttl"`
}

// NewSnapshot serializes state as canonical JSON so snapshots are
// bit-stable across processes.
func NewSnapshot(incidentID uuid.UUID, upToSequence uint64, state *IncidentState) (*Snapshot, error) {
	if incidentID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_INCIDENT_ID", "incident id is required")
	}
	if upToSequence == 0 {
		return nil, errors.NewValidationError("EMPTY_SNAPSHOT",
			"snapshot must cover at least one event")
	}

	raw, err := crypto.CanonicalMarshal(state)
	if err != nil {
		return nil, errors.NewInternalError("snapshot state serialization failed").WithCause(err)
	}

	now := time.Now().UTC()
	return &Snapshot{
		IncidentID:   incidentID,
		UpToSequence: upToSequence,
		State:        raw,
		CreatedAt:    now,
		TTL:          now.Add(DefaultSnapshotTTL).Unix(),
	}, nil
}

// Expired reports whether the snapshot is past its TTL.
func (s *Snapshot) Expired(now time.Time) bool {
	return now.Unix() >= s.TTL
}

// DecodeState unmarshals the snapshot state.
func (s *Snapshot) DecodeState() (*IncidentState, error) {
	var state IncidentState
	if err := json.Unmarshal(s.State, &state); err != nil {
		return nil, errors.NewCorruptionError("snapshot state is unreadable").WithCause(err)
	}
	return &state, nil
}

// IncidentState is the replayable projection of an incident. It is an
// explicit struct so its serialized form is portable.
type IncidentState struct {
	IncidentID      uuid.UUID         `json:"incident_id"`
	Status          incident.Status   `json:"status"`
	Severity        incident.Severity `json:"severity"`
	LastSequence    uint64            `json:"last_sequence"`
	Recommendations int               `json:"recommendations"`
	DecidedActionID string            `json:"decided_action_id,omitempty"`
	ActionsStarted  int               `json:"actions_started"`
	ActionsFailed   int               `json:"actions_failed"`
	Escalated       bool              `json:"escalated"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Apply folds one event into the state. Replaying events 1..N through
// Apply yields the same state regardless of snapshot boundaries.
func (s *IncidentState) Apply(e *Event) {
	s.IncidentID = e.IncidentID
	s.LastSequence = e.Sequence
	s.UpdatedAt = e.Timestamp

	switch e.Type {
	case EventCreated:
		s.Status = incident.StatusNew
		var payload struct {
			Severity incident.Severity `json:"severity"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err == nil {
			s.Severity = payload.Severity
		}
	case EventRecommendation:
		s.Recommendations++
		if s.Status == incident.StatusNew {
			s.Status = incident.StatusInvestigating
		}
	case EventConsensusDecided:
		var payload struct {
			ActionID string `json:"action_id"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err == nil {
			s.DecidedActionID = payload.ActionID
		}
		if !s.Status.Terminal() {
			s.Status = incident.StatusMitigating
		}
	case EventActionStarted:
		s.ActionsStarted++
	case EventActionFailed:
		s.ActionsFailed++
	case EventResolved:
		s.Status = incident.StatusResolved
	case EventEscalated:
		s.Escalated = true
	case EventFailed:
		s.Status = incident.StatusFailed
	}
}

// ReplayState folds a slice of events into a fresh state, optionally
// starting from a snapshot's decoded state.
func ReplayState(base *IncidentState, events []*Event) *IncidentState {
	state := &IncidentState{}
	if base != nil {
		copied := *base
		state = &copied
	}
	for _, e := range events {
		state.Apply(e)
	}
	return state
}
