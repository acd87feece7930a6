package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
)

// EventType classifies what happened to an incident.
type EventType string

const (
	EventCreated          EventType = "CREATED"
	EventRecommendation   EventType = "RECOMMENDATION"
	EventConsensusDecided EventType = "CONSENSUS_DECIDED"
	EventConsensusAborted EventType = "CONSENSUS_ABORTED"
	EventActionStarted    EventType = "ACTION_STARTED"
	EventActionSucceeded  EventType = "ACTION_SUCCEEDED"
	EventActionFailed     EventType = "ACTION_FAILED"
	EventResolved         EventType = "RESOLVED"
	EventEscalated        EventType = "ESCALATED"
	EventFailed           EventType = "FAILED"
	EventAbortedDispatch  EventType = "ABORTED_DISPATCH"
	EventAbortedExecution EventType = "ABORTED_EXECUTION"
)

var knownEventTypes = map[EventType]bool{
	EventCreated:          true,
	EventRecommendation:   true,
	EventConsensusDecided: true,
	EventConsensusAborted: true,
	EventActionStarted:    true,
	EventActionSucceeded:  true,
	EventActionFailed:     true,
	EventResolved:         true,
	EventEscalated:        true,
	EventFailed:           true,
	EventAbortedDispatch:  true,
	EventAbortedExecution: true,
}

// Valid reports whether the event type is known.
func (t EventType) Valid() bool {
	return knownEventTypes[t]
}

// DefaultEventTTL bounds how long event records are retained before archival.
const DefaultEventTTL = 90 * 24 * time.Hour

// Event is one immutable entry in an incident's hash-chained log.
//
// IntegrityHash = SHA256(incident_id || event_type || canonical(payload) || timestamp)
// PreviousHash links to the integrity hash of the prior sequence number, or
// the zero hash for sequence 1.
type Event struct {
	IncidentID    uuid.UUID       `json:"incident_id"`
	Sequence      uint64          `json:"sequence"`
	Type          EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	IntegrityHash string          `json:"integrity_hash"`
	PreviousHash  string          `json:"previous_hash"`
	PartitionKey  string          `json:"partition_key"`
	TTL           int64           `json:"ttl"`
}

// NewEvent builds an unsealed event: sequence and hash fields are assigned
// by the store on append.
func NewEvent(incidentID uuid.UUID, eventType EventType, payload interface{}) (*Event, error) {
	if incidentID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_INCIDENT_ID", "incident id is required")
	}
	if !eventType.Valid() {
		return nil, errors.NewValidationError("INVALID_EVENT_TYPE",
			"unknown event type: "+string(eventType))
	}

	raw, err := crypto.CanonicalMarshal(payload)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_PAYLOAD",
			"payload is not serializable").WithCause(err)
	}

	now := time.Now().UTC()
	return &Event{
		IncidentID:   incidentID,
		Type:         eventType,
		Payload:      raw,
		Timestamp:    now,
		PartitionKey: PartitionKey(incidentID),
		TTL:          now.Add(DefaultEventTTL).Unix(),
	}, nil
}

// PartitionKey spreads incidents across storage partitions to avoid hot
// partitions; records for one incident share a key.
func PartitionKey(incidentID uuid.UUID) string {
	return crypto.SHA256Hex([]byte(incidentID.String()))[:8]
}

// ComputeIntegrityHash derives the event's hash from its immutable fields.
// The payload is canonicalized first so the hash is bit-stable.
func (e *Event) ComputeIntegrityHash() (string, error) {
	canonical, err := crypto.CanonicalJSON(e.Payload)
	if err != nil {
		return "", errors.NewValidationError("INVALID_PAYLOAD",
			"payload is not canonical JSON").WithCause(err)
	}
	return crypto.SHA256Hex(
		[]byte(e.IncidentID.String()),
		[]byte(e.Type),
		canonical,
		[]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)),
	), nil
}

// Seal assigns the sequence number and hash links. Called exactly once by
// the store inside the append path.
func (e *Event) Seal(sequence uint64, previousHash string) error {
	if e.IntegrityHash != "" {
		return errors.NewValidationError("EVENT_SEALED", "event is already sealed")
	}
	if sequence == 0 {
		return errors.NewValidationError("INVALID_SEQUENCE", "sequence starts at 1")
	}
	if sequence == 1 && previousHash != crypto.ZeroHash {
		return errors.NewValidationError("INVALID_PREVIOUS_HASH",
			"first event must link to the zero hash")
	}

	hash, err := e.ComputeIntegrityHash()
	if err != nil {
		return err
	}

	e.Sequence = sequence
	e.PreviousHash = previousHash
	e.IntegrityHash = hash
	return nil
}

// Sealed reports whether the event has been assigned its chain position.
func (e *Event) Sealed() bool {
	return e.IntegrityHash != ""
}

// Verify recomputes the integrity hash and checks the link to the expected
// previous hash.
func (e *Event) Verify(expectedPreviousHash string) (bool, error) {
	if !e.Sealed() {
		return false, errors.NewValidationError("EVENT_NOT_SEALED",
			"cannot verify an unsealed event")
	}
	if e.PreviousHash != expectedPreviousHash {
		return false, nil
	}
	hash, err := e.ComputeIntegrityHash()
	if err != nil {
		return false, err
	}
	return hash == e.IntegrityHash, nil
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	c := *e
	if e.Payload != nil {
		c.Payload = make(json.RawMessage, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	return &c
}
