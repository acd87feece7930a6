package agent

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
)

func TestNewRecommendation(t *testing.T) {
	incidentID := uuid.New()

	t.Run("valid", func(t *testing.T) {
		rec, err := NewRecommendation(incidentID, "diag-1", "restart-pods",
			"rollout_restart", 0.85, incident.SeverityLow)
		require.NoError(t, err)
		assert.Equal(t, UrgencySoon, rec.Urgency)
		assert.False(t, rec.CreatedAt.IsZero())
	})

	t.Run("confidence bounds", func(t *testing.T) {
		_, err := NewRecommendation(incidentID, "a", "x", "t", 1.2, incident.SeverityLow)
		assert.Error(t, err)
		_, err = NewRecommendation(incidentID, "a", "x", "t", -0.1, incident.SeverityLow)
		assert.Error(t, err)
	})

	t.Run("invalid risk level", func(t *testing.T) {
		_, err := NewRecommendation(incidentID, "a", "x", "t", 0.5, incident.Severity("none"))
		assert.Error(t, err)
	})
}

func TestRecommendationDigest(t *testing.T) {
	incidentID := uuid.New()
	rec, err := NewRecommendation(incidentID, "diag-1", "restart-pods",
		"rollout_restart", 0.85, incident.SeverityLow)
	require.NoError(t, err)

	d1, err := rec.Digest()
	require.NoError(t, err)
	assert.Len(t, d1, 64)

	// Digest ignores the signature field
	rec.Signature = "some-signature"
	d2, err := rec.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	// But covers content
	other := *rec
	other.ActionID = "scale-up"
	d3, err := other.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestReplica(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		_, err := NewReplica("", TypeDetection, "us-east-1", 4)
		assert.Error(t, err)
		_, err = NewReplica("r1", AgentType("oracle"), "us-east-1", 4)
		assert.Error(t, err)
		_, err = NewReplica("r1", TypeDetection, "us-east-1", 0)
		assert.Error(t, err)
	})

	t.Run("availability", func(t *testing.T) {
		r, err := NewReplica("r1", TypeDetection, "us-east-1", 2)
		require.NoError(t, err)
		assert.True(t, r.Available())

		r.CurrentLoad = 2
		assert.False(t, r.Available())
		assert.Equal(t, 1.0, r.Utilization())

		r.CurrentLoad = 1
		r.Status = ReplicaDead
		assert.False(t, r.Available())

		r.Status = ReplicaDegraded
		assert.True(t, r.Available())
	})
}

func TestCertificate(t *testing.T) {
	now := time.Now().UTC()

	t.Run("active certificate is usable", func(t *testing.T) {
		cert, err := NewCertificate("agent-1", "-----BEGIN PUBLIC KEY-----\n...", 0)
		require.NoError(t, err)
		assert.Equal(t, CertificateActive, cert.Status)
		assert.True(t, cert.Usable(now))
	})

	t.Run("revocation is immediate and idempotent", func(t *testing.T) {
		cert, err := NewCertificate("agent-1", "pem", time.Hour)
		require.NoError(t, err)

		cert.Revoke("key compromise")
		assert.Equal(t, CertificateRevoked, cert.Status)
		assert.False(t, cert.Usable(now))
		firstRevokedAt := *cert.RevokedAt

		cert.Revoke("again")
		assert.Equal(t, firstRevokedAt, *cert.RevokedAt)
		assert.Equal(t, "key compromise", cert.RevocationReason)
	})

	t.Run("expiry", func(t *testing.T) {
		cert, err := NewCertificate("agent-1", "pem", time.Hour)
		require.NoError(t, err)

		later := now.Add(2 * time.Hour)
		assert.False(t, cert.Usable(later))

		cert.MarkExpiredIfPast(later)
		assert.Equal(t, CertificateExpired, cert.Status)
	})

	t.Run("rotation window", func(t *testing.T) {
		cert, err := NewCertificate("agent-1", "pem", time.Hour)
		require.NoError(t, err)
		assert.False(t, cert.NeedsRotation(now, 10*time.Minute))
		assert.True(t, cert.NeedsRotation(now.Add(55*time.Minute), 10*time.Minute))
	})
}
