package consensus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
)

// MessageType is the PBFT protocol phase a message belongs to.
type MessageType string

const (
	MsgPrePrepare MessageType = "PRE_PREPARE"
	MsgPrepare    MessageType = "PREPARE"
	MsgCommit     MessageType = "COMMIT"
	MsgViewChange MessageType = "VIEW_CHANGE"
	MsgNewView    MessageType = "NEW_VIEW"
)

// Valid reports whether the message type is part of the protocol.
func (t MessageType) Valid() bool {
	switch t {
	case MsgPrePrepare, MsgPrepare, MsgCommit, MsgViewChange, MsgNewView:
		return true
	}
	return false
}

// Proposal is a recommendation promoted for consensus. The digest is the
// stable identity of the proposal across all protocol messages.
type Proposal struct {
	IncidentID     uuid.UUID             `json:"incident_id"`
	Recommendation *agent.Recommendation `json:"recommendation"`
	Digest         string                `json:"digest"`
	ProposedBy     string                `json:"proposed_by"`
	ProposedAt     time.Time             `json:"proposed_at"`
}

// NewProposal promotes a recommendation and computes its content digest.
func NewProposal(rec *agent.Recommendation, proposedBy string) (*Proposal, error) {
	if rec == nil {
		return nil, errors.NewValidationError("MISSING_RECOMMENDATION",
			"proposal needs a recommendation")
	}
	digest, err := rec.Digest()
	if err != nil {
		return nil, err
	}
	return &Proposal{
		IncidentID:     rec.IncidentID,
		Recommendation: rec,
		Digest:         digest,
		ProposedBy:     proposedBy,
		ProposedAt:     time.Now().UTC(),
	}, nil
}

// Message is one PBFT protocol message. Every message is signed by its
// sender and verified against the sender's certificate on receipt.
type Message struct {
	Type      MessageType `json:"type"`
	View      uint64      `json:"view"`
	Sequence  uint64      `json:"sequence"`
	Digest    string      `json:"digest"`
	SenderID  string      `json:"sender_id"`
	Timestamp time.Time   `json:"timestamp"`
	Signature string      `json:"signature,omitempty"`

	// Proposal rides only on PRE_PREPARE.
	Proposal *Proposal `json:"proposal,omitempty"`

	// ViewChange proof: the highest sequence the sender has decided, so the
	// new primary can merge undecided sequences.
	LastDecidedSequence uint64 `json:"last_decided_sequence,omitempty"`

	// NewView carries the undecided sequences the new primary re-proposes.
	PendingSequences []uint64 `json:"pending_sequences,omitempty"`
}

// Validate performs structural checks before a message enters the engine.
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return errors.NewValidationError("INVALID_MESSAGE_TYPE",
			"unknown consensus message type")
	}
	if m.SenderID == "" {
		return errors.NewValidationError("MISSING_SENDER", "sender id is required")
	}
	switch m.Type {
	case MsgPrePrepare:
		if m.Proposal == nil {
			return errors.NewValidationError("MISSING_PROPOSAL",
				"pre-prepare must carry a proposal")
		}
		if m.Digest == "" || m.Proposal.Digest != m.Digest {
			return errors.NewValidationError("DIGEST_MISMATCH",
				"pre-prepare digest does not match proposal")
		}
	case MsgPrepare, MsgCommit:
		if m.Digest == "" {
			return errors.NewValidationError("MISSING_DIGEST",
				"prepare/commit must carry a digest")
		}
	}
	return nil
}

// SigningBytes returns the canonical bytes covered by the signature.
func (m *Message) SigningBytes() ([]byte, error) {
	unsigned := *m
	unsigned.Signature = ""
	return crypto.CanonicalMarshal(&unsigned)
}

// MarshalPayload encodes the message for bus transport.
func (m *Message) MarshalPayload() (json.RawMessage, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.NewInternalError("consensus message encode failed").WithCause(err)
	}
	return raw, nil
}
