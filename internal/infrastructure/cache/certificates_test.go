package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
)

func newMiniredisCache(t *testing.T) Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func issueCert(t *testing.T, agentID string) *agent.Certificate {
	t.Helper()
	cert, err := agent.NewCertificate(agentID, "-----BEGIN PUBLIC KEY-----\nstub\n-----END PUBLIC KEY-----", 0)
	require.NoError(t, err)
	return cert
}

func TestCertificateCacheReadThrough(t *testing.T) {
	cert := issueCert(t, "diagnosis-1")
	loads := 0
	loader := func(ctx context.Context, agentID string) (*agent.Certificate, error) {
		loads++
		require.Equal(t, "diagnosis-1", agentID)
		return cert, nil
	}

	cc := NewCertificateCache(newMiniredisCache(t), loader, time.Minute, nil)

	got, err := cc.Get(context.Background(), "diagnosis-1")
	require.NoError(t, err)
	assert.Equal(t, cert.CertificateID, got.CertificateID)
	assert.Equal(t, 1, loads)

	// Second read is served from the cache.
	got, err = cc.Get(context.Background(), "diagnosis-1")
	require.NoError(t, err)
	assert.Equal(t, cert.CertificateID, got.CertificateID)
	assert.Equal(t, 1, loads)
}

func TestCertificateCacheInvalidateOnRevocation(t *testing.T) {
	cert := issueCert(t, "resolution-1")
	loads := 0
	loader := func(ctx context.Context, agentID string) (*agent.Certificate, error) {
		loads++
		return cert, nil
	}

	cc := NewCertificateCache(newMiniredisCache(t), loader, time.Minute, nil)

	_, err := cc.Get(context.Background(), "resolution-1")
	require.NoError(t, err)
	require.Equal(t, 1, loads)

	cert.Revoke("key compromise")
	require.NoError(t, cc.Invalidate(context.Background(), "resolution-1"))

	got, err := cc.Get(context.Background(), "resolution-1")
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
	assert.Equal(t, agent.CertificateRevoked, got.Status)
	assert.False(t, got.Usable(time.Now().UTC()))
}

func TestCertificateCachePut(t *testing.T) {
	cert := issueCert(t, "prediction-1")
	loader := func(ctx context.Context, agentID string) (*agent.Certificate, error) {
		t.Fatal("loader should not run after an explicit Put")
		return nil, nil
	}

	cc := NewCertificateCache(newMiniredisCache(t), loader, time.Minute, nil)
	require.NoError(t, cc.Put(context.Background(), cert))

	got, err := cc.Get(context.Background(), "prediction-1")
	require.NoError(t, err)
	assert.Equal(t, cert.CertificateID, got.CertificateID)
}

func TestCertificateCacheTTLCappedByExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client, nil)
	t.Cleanup(func() { _ = c.Close() })

	cert, err := agent.NewCertificate("comm-1", "pem", 10*time.Second)
	require.NoError(t, err)

	cc := NewCertificateCache(c, nil, time.Hour, nil)
	require.NoError(t, cc.Put(context.Background(), cert))

	ttl := mr.TTL("cert:agent:comm-1")
	assert.LessOrEqual(t, ttl, 10*time.Second)
	assert.Greater(t, ttl, time.Duration(0))
}
