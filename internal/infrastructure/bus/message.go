package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
)

// MessageType classifies bus traffic. Consensus traffic is privileged
// under backpressure: overflow evicts other types first.
type MessageType string

const (
	MessageProcessIncident MessageType = "PROCESS_INCIDENT"
	MessageRecommendation  MessageType = "RECOMMENDATION"
	MessageConsensus       MessageType = "CONSENSUS"
	MessageHeartbeat       MessageType = "HEARTBEAT"
	MessageControl         MessageType = "CONTROL"
)

// BroadcastRecipient addresses a message to every subscriber.
const BroadcastRecipient = "*"

// Message is one signed, typed envelope. Delivery is at-least-once;
// handlers deduplicate on ID.
type Message struct {
	ID          uuid.UUID       `json:"id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	Type        MessageType     `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	Signature   string          `json:"signature,omitempty"`
}

// NewMessage builds an unsigned envelope with a canonical payload.
func NewMessage(senderID, recipientID string, messageType MessageType, payload interface{}) (*Message, error) {
	if senderID == "" {
		return nil, errors.NewValidationError("MISSING_SENDER", "sender id is required")
	}
	if recipientID == "" {
		return nil, errors.NewValidationError("MISSING_RECIPIENT", "recipient id is required")
	}

	raw, err := crypto.CanonicalMarshal(payload)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_PAYLOAD",
			"payload is not serializable").WithCause(err)
	}

	return &Message{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Type:        messageType,
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// SigningBytes is the canonical form covered by the signature. The
// signature field itself is excluded.
func (m *Message) SigningBytes() ([]byte, error) {
	unsigned := *m
	unsigned.Signature = ""
	return crypto.CanonicalMarshal(unsigned)
}

// Broadcast reports whether the message addresses all subscribers.
func (m *Message) Broadcast() bool {
	return m.RecipientID == BroadcastRecipient
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errors.NewValidationError("INVALID_PAYLOAD",
			"payload does not match expected shape").WithCause(err)
	}
	return nil
}

func (m *Message) clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = make(json.RawMessage, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	return &c
}
