package agent

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
)

// AgentType distinguishes the specialist roles in the swarm. All types
// expose the same capability set; only the internal computation differs.
type AgentType string

const (
	TypeDetection     AgentType = "detection"
	TypeDiagnosis     AgentType = "diagnosis"
	TypePrediction    AgentType = "prediction"
	TypeResolution    AgentType = "resolution"
	TypeCommunication AgentType = "communication"
)

// Valid reports whether the agent type is known.
func (t AgentType) Valid() bool {
	switch t {
	case TypeDetection, TypeDiagnosis, TypePrediction, TypeResolution, TypeCommunication:
		return true
	}
	return false
}

// Urgency expresses how soon a recommended action should run.
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencySoon      Urgency = "soon"
	UrgencyScheduled Urgency = "scheduled"
)

// Recommendation is a candidate resolution action produced by an agent.
// Never mutated after creation.
type Recommendation struct {
	IncidentID      uuid.UUID         `json:"incident_id"`
	AgentID         string            `json:"agent_id"`
	ActionID        string            `json:"action_id"`
	ActionType      string            `json:"action_type"`
	Parameters      json.RawMessage   `json:"parameters,omitempty"`
	Confidence      float64           `json:"confidence"`
	RiskLevel       incident.Severity `json:"risk_level"`
	Rationale       string            `json:"rationale"`
	Urgency         Urgency           `json:"urgency"`
	EstimatedImpact decimal.Decimal   `json:"estimated_impact"`
	CreatedAt       time.Time         `json:"created_at"`
	Signature       string            `json:"signature,omitempty"`
}

// NewRecommendation creates a recommendation with validation.
func NewRecommendation(incidentID uuid.UUID, agentID, actionID, actionType string,
	confidence float64, riskLevel incident.Severity) (*Recommendation, error) {

	if incidentID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_INCIDENT_ID", "incident id is required")
	}
	if agentID == "" {
		return nil, errors.NewValidationError("MISSING_AGENT_ID", "agent id is required")
	}
	if actionID == "" {
		return nil, errors.NewValidationError("MISSING_ACTION_ID", "action id is required")
	}
	if confidence < 0 || confidence > 1 {
		return nil, errors.NewValidationError("INVALID_CONFIDENCE",
			"confidence must be in [0,1]")
	}
	if !riskLevel.Valid() {
		return nil, errors.NewValidationError("INVALID_RISK_LEVEL",
			"risk level must be a valid severity")
	}

	return &Recommendation{
		IncidentID: incidentID,
		AgentID:    agentID,
		ActionID:   actionID,
		ActionType: actionType,
		Confidence: confidence,
		RiskLevel:  riskLevel,
		Urgency:    UrgencySoon,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// SigningBytes returns the canonical bytes covered by the agent's
// signature. The signature field itself is excluded.
func (r *Recommendation) SigningBytes() ([]byte, error) {
	unsigned := *r
	unsigned.Signature = ""
	return crypto.CanonicalMarshal(&unsigned)
}

// Digest is the stable content identity used as the consensus payload id.
func (r *Recommendation) Digest() (string, error) {
	bytes, err := r.SigningBytes()
	if err != nil {
		return "", err
	}
	return crypto.SHA256Hex(bytes), nil
}
