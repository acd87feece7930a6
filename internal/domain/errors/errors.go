package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types for different failure domains
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeAuthentication     ErrorType = "authentication"
	ErrorTypeAuthorization      ErrorType = "authorization"
	ErrorTypeOptimisticLock     ErrorType = "optimistic_lock"
	ErrorTypeCorruption         ErrorType = "corruption"
	ErrorTypeStorageUnavailable ErrorType = "storage_unavailable"
	ErrorTypeConsensusTimeout   ErrorType = "consensus_timeout"
	ErrorTypeQuorumUnavailable  ErrorType = "quorum_unavailable"
	ErrorTypeByzantine          ErrorType = "byzantine_detected"
	ErrorTypeAgentTimeout       ErrorType = "agent_timeout"
	ErrorTypeCircuitOpen        ErrorType = "circuit_open"
	ErrorTypeOverload           ErrorType = "overload"
	ErrorTypeFallbacksExhausted ErrorType = "all_fallbacks_exhausted"
	ErrorTypeEscalationRequired ErrorType = "human_escalation_required"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeInternal           ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type          ErrorType              `json:"type"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Cause         error                  `json:"-"`
	Retryable     bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithCorrelationID(id string) *AppError {
	e.CorrelationID = id
	return e
}

// sensitiveKeys are scrubbed from details before they cross the boundary.
var sensitiveKeys = map[string]bool{
	"secret":        true,
	"private_key":   true,
	"token":         true,
	"password":      true,
	"api_key":       true,
	"authorization": true,
}

// SafeDetails returns a copy of the details with sensitive keys scrubbed.
func (e *AppError) SafeDetails() map[string]interface{} {
	if e.Details == nil {
		return nil
	}
	safe := make(map[string]interface{}, len(e.Details))
	for k, v := range e.Details {
		if sensitiveKeys[k] {
			safe[k] = "[REDACTED]"
			continue
		}
		safe[k] = v
	}
	return safe
}

func newError(errType ErrorType, code, message string, retryable bool) *AppError {
	return &AppError{
		Type:          errType,
		Code:          code,
		Message:       message,
		CorrelationID: uuid.NewString(),
		Retryable:     retryable,
	}
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return newError(ErrorTypeValidation, code, message, false)
}

func NewAuthenticationError(message string) *AppError {
	return newError(ErrorTypeAuthentication, "AUTHENTICATION_FAILED", message, false)
}

func NewAuthorizationError(message string) *AppError {
	return newError(ErrorTypeAuthorization, "FORBIDDEN", message, false)
}

func NewOptimisticLockError(message string) *AppError {
	return newError(ErrorTypeOptimisticLock, "VERSION_CONFLICT", message, true)
}

func NewCorruptionError(message string) *AppError {
	return newError(ErrorTypeCorruption, "CORRUPTION_DETECTED", message, false)
}

func NewStorageUnavailableError(message string) *AppError {
	return newError(ErrorTypeStorageUnavailable, "STORAGE_UNAVAILABLE", message, true)
}

func NewConsensusTimeoutError(message string) *AppError {
	return newError(ErrorTypeConsensusTimeout, "CONSENSUS_TIMEOUT", message, true)
}

func NewQuorumUnavailableError(message string) *AppError {
	return newError(ErrorTypeQuorumUnavailable, "QUORUM_UNAVAILABLE", message, false)
}

func NewByzantineError(peerID, message string) *AppError {
	return newError(ErrorTypeByzantine, "BYZANTINE_DETECTED", message, false).
		WithDetail("peer_id", peerID)
}

func NewAgentTimeoutError(agentID, message string) *AppError {
	return newError(ErrorTypeAgentTimeout, "AGENT_TIMEOUT", message, true).
		WithDetail("agent_id", agentID)
}

func NewCircuitOpenError(target string) *AppError {
	return newError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker open for %s", target), true).
		WithDetail("target", target)
}

func NewOverloadError(message string) *AppError {
	return newError(ErrorTypeOverload, "OVERLOAD", message, true)
}

func NewFallbacksExhaustedError(message string) *AppError {
	return newError(ErrorTypeFallbacksExhausted, "ALL_FALLBACKS_EXHAUSTED", message, false)
}

func NewEscalationRequiredError(message string) *AppError {
	return newError(ErrorTypeEscalationRequired, "HUMAN_ESCALATION_REQUIRED", message, false)
}

func NewNotFoundError(resource string) *AppError {
	return newError(ErrorTypeNotFound, "RESOURCE_NOT_FOUND",
		fmt.Sprintf("%s not found", resource), false)
}

func NewInternalError(message string) *AppError {
	return newError(ErrorTypeInternal, "INTERNAL_ERROR", message, true)
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// CorrelationID extracts the correlation id from an error, empty if untyped.
func CorrelationID(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.CorrelationID
	}
	return ""
}
