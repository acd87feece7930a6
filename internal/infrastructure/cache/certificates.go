package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
)

// CertificateLoader fetches a certificate from the authority of record
// on a cache miss.
type CertificateLoader func(ctx context.Context, agentID string) (*agent.Certificate, error)

// CertificateCache is a read-through cache of agent certificates.
// Signature verification sits on every consensus message, so lookups
// must not hit the issuing authority each time. Revocation invalidates
// immediately; the TTL bounds staleness for everything else.
type CertificateCache struct {
	cache  Cache
	loader CertificateLoader
	ttl    time.Duration
	logger *zap.Logger
}

// NewCertificateCache builds the cache. ttl <= 0 falls back to 5 minutes.
func NewCertificateCache(cache Cache, loader CertificateLoader, ttl time.Duration, logger *zap.Logger) *CertificateCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CertificateCache{cache: cache, loader: loader, ttl: ttl, logger: logger}
}

func certificateKey(agentID string) string {
	return "cert:agent:" + agentID
}

// Get returns the agent's certificate, loading and caching it on a miss.
// A cache transport failure degrades to a direct load rather than
// failing the verification path.
func (c *CertificateCache) Get(ctx context.Context, agentID string) (*agent.Certificate, error) {
	raw, err := c.cache.Get(ctx, certificateKey(agentID))
	if err == nil {
		var cert agent.Certificate
		if uerr := json.Unmarshal([]byte(raw), &cert); uerr == nil {
			return &cert, nil
		}
		// Unreadable entry: drop it and fall through to the loader.
		_ = c.cache.Delete(ctx, certificateKey(agentID))
	} else if !IsMiss(err) {
		c.logger.Warn("certificate cache unavailable, loading directly",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}

	cert, err := c.loader(ctx, agentID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, cert)
	return cert, nil
}

// Put caches a freshly issued or rotated certificate.
func (c *CertificateCache) Put(ctx context.Context, cert *agent.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is required")
	}
	c.store(ctx, cert)
	return nil
}

// Invalidate drops the cached entry. Called on revocation so a
// compromised certificate stops vouching for signatures at once.
func (c *CertificateCache) Invalidate(ctx context.Context, agentID string) error {
	return c.cache.Delete(ctx, certificateKey(agentID))
}

func (c *CertificateCache) store(ctx context.Context, cert *agent.Certificate) {
	raw, err := json.Marshal(cert)
	if err != nil {
		c.logger.Warn("certificate not cacheable",
			zap.String("agent_id", cert.AgentID),
			zap.Error(err))
		return
	}

	ttl := c.ttl
	// Never cache past the certificate's own expiry.
	if remaining := time.Until(cert.ExpiresAt); remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	if err := c.cache.Set(ctx, certificateKey(cert.AgentID), string(raw), ttl); err != nil {
		c.logger.Warn("certificate cache write failed",
			zap.String("agent_id", cert.AgentID),
			zap.Error(err))
	}
}
