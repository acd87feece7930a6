package recovery

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

// HandoffClaims is the context a human responder receives when the
// platform gives up on automated recovery.
type HandoffClaims struct {
	jwt.RegisteredClaims

	IncidentID    string              `json:"incident_id,omitempty"`
	Component     string              `json:"component"`
	ErrorType     string              `json:"error_type"`
	Severity      string              `json:"severity"`
	Reason        string              `json:"reason"`
	Correlated    []string            `json:"correlated_failures,omitempty"`
	RecentHistory []string            `json:"recent_history,omitempty"`
	SystemState   map[string]string   `json:"system_state,omitempty"`
}

// TokenIssuer signs and verifies escalation handoff tokens.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

// NewTokenIssuer builds an issuer. An empty key disables issuing.
func NewTokenIssuer(key []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{key: key, ttl: ttl}
}

// Issue signs the escalation context into a compact token.
func (t *TokenIssuer) Issue(e *Escalation) (string, error) {
	if len(t.key) == 0 {
		return "", errors.NewInternalError("escalation token key not configured")
	}

	correlated := make([]string, 0, len(e.Correlated))
	for _, f := range e.Correlated {
		correlated = append(correlated, f.ID.String())
	}
	claims := HandoffClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    "sentinel-recovery",
			Subject:   e.Failure.Component,
			IssuedAt:  jwt.NewNumericDate(e.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(e.CreatedAt.Add(t.ttl)),
		},
		Component:   e.Failure.Component,
		ErrorType:   string(e.Failure.ErrorType),
		Severity:    string(e.Severity),
		Reason:      e.Reason,
		Correlated:  correlated,
		SystemState: e.SystemState,
	}
	if e.Failure.IncidentID != nil {
		claims.IncidentID = e.Failure.IncidentID.String()
	}
	if e.Failure.Err != nil {
		claims.RecentHistory = append(claims.RecentHistory, e.Failure.Err.Error())
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", errors.NewInternalError("signing escalation token").WithCause(err)
	}
	return signed, nil
}

// Verify parses a handoff token and returns its claims.
func (t *TokenIssuer) Verify(signed string) (*HandoffClaims, error) {
	var claims HandoffClaims
	_, err := jwt.ParseWithClaims(signed, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.NewAuthenticationError("unexpected signing method")
		}
		return t.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.NewAuthenticationError("invalid escalation token").WithCause(err)
	}
	return &claims, nil
}
