package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

// CertificateStatus is the lifecycle state of an agent identity certificate.
type CertificateStatus string

const (
	CertificateActive  CertificateStatus = "active"
	CertificateRevoked CertificateStatus = "revoked"
	CertificateExpired CertificateStatus = "expired"
)

// DefaultCertificateLifetime is how long a certificate is valid before it
// must be rotated.
const DefaultCertificateLifetime = 30 * 24 * time.Hour

// Certificate binds an agent id to a public key. Every recommendation and
// consensus message is verified against the sender's active certificate.
type Certificate struct {
	AgentID          string            `json:"agent_id"`
	CertificateID    uuid.UUID         `json:"certificate_id"`
	PublicKeyPEM     string            `json:"public_key"`
	IssuedAt         time.Time         `json:"issued_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	Status           CertificateStatus `json:"status"`
	RevokedAt        *time.Time        `json:"revoked_at,omitempty"`
	RevocationReason string            `json:"revocation_reason,omitempty"`
}

// NewCertificate issues a certificate for an agent's public key.
func NewCertificate(agentID, publicKeyPEM string, lifetime time.Duration) (*Certificate, error) {
	if agentID == "" {
		return nil, errors.NewValidationError("MISSING_AGENT_ID", "agent id is required")
	}
	if publicKeyPEM == "" {
		return nil, errors.NewValidationError("MISSING_PUBLIC_KEY", "public key is required")
	}
	if lifetime <= 0 {
		lifetime = DefaultCertificateLifetime
	}

	now := time.Now().UTC()
	return &Certificate{
		AgentID:       agentID,
		CertificateID: uuid.New(),
		PublicKeyPEM:  publicKeyPEM,
		IssuedAt:      now,
		ExpiresAt:     now.Add(lifetime),
		Status:        CertificateActive,
	}, nil
}

// Usable reports whether the certificate can vouch for signatures at the
// given time. Revoked and expired certificates never contribute to quorums.
func (c *Certificate) Usable(at time.Time) bool {
	if c.Status != CertificateActive {
		return false
	}
	return at.Before(c.ExpiresAt)
}

// Revoke marks the certificate compromised. Idempotent.
func (c *Certificate) Revoke(reason string) {
	if c.Status == CertificateRevoked {
		return
	}
	now := time.Now().UTC()
	c.Status = CertificateRevoked
	c.RevokedAt = &now
	c.RevocationReason = reason
}

// MarkExpiredIfPast moves the certificate to expired once its lifetime has
// elapsed. Revocation takes precedence.
func (c *Certificate) MarkExpiredIfPast(at time.Time) {
	if c.Status == CertificateActive && !at.Before(c.ExpiresAt) {
		c.Status = CertificateExpired
	}
}

// NeedsRotation reports whether the certificate is close enough to expiry
// that a replacement should be issued.
func (c *Certificate) NeedsRotation(at time.Time, window time.Duration) bool {
	return c.Status == CertificateActive && at.Add(window).After(c.ExpiresAt)
}
