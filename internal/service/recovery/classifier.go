package recovery

import (
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
)

// Failure is one observed fault, normalized for correlation.
type Failure struct {
	ID         uuid.UUID
	Component  string
	ErrorType  errors.ErrorType
	IncidentID *uuid.UUID
	AgentID    string
	OccurredAt time.Time
	Err        error
}

// NewFailure captures a fault against a component. The error's type is
// extracted when it is an AppError; anything else classifies as
// internal.
func NewFailure(component string, incidentID *uuid.UUID, agentID string, err error) Failure {
	errType := errors.ErrorTypeInternal
	for _, t := range []errors.ErrorType{
		errors.ErrorTypeValidation,
		errors.ErrorTypeAuthentication,
		errors.ErrorTypeAuthorization,
		errors.ErrorTypeOptimisticLock,
		errors.ErrorTypeCorruption,
		errors.ErrorTypeStorageUnavailable,
		errors.ErrorTypeConsensusTimeout,
		errors.ErrorTypeQuorumUnavailable,
		errors.ErrorTypeByzantine,
		errors.ErrorTypeAgentTimeout,
		errors.ErrorTypeCircuitOpen,
		errors.ErrorTypeOverload,
		errors.ErrorTypeFallbacksExhausted,
		errors.ErrorTypeEscalationRequired,
		errors.ErrorTypeNotFound,
	} {
		if errors.IsType(err, t) {
			errType = t
			break
		}
	}
	return Failure{
		ID:         uuid.New(),
		Component:  component,
		ErrorType:  errType,
		IncidentID: incidentID,
		AgentID:    agentID,
		OccurredAt: time.Now().UTC(),
		Err:        err,
	}
}

// Classify maps a failure to the severity the recovery policy keys on.
func Classify(f Failure) incident.Severity {
	switch f.ErrorType {
	case errors.ErrorTypeCorruption,
		errors.ErrorTypeQuorumUnavailable,
		errors.ErrorTypeByzantine,
		errors.ErrorTypeEscalationRequired:
		return incident.SeverityCritical
	case errors.ErrorTypeStorageUnavailable,
		errors.ErrorTypeConsensusTimeout,
		errors.ErrorTypeFallbacksExhausted,
		errors.ErrorTypeInternal:
		return incident.SeverityHigh
	case errors.ErrorTypeAgentTimeout,
		errors.ErrorTypeCircuitOpen,
		errors.ErrorTypeOverload,
		errors.ErrorTypeOptimisticLock:
		return incident.SeverityMedium
	default:
		return incident.SeverityLow
	}
}
