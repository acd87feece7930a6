package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel-backend/internal/domain/consensus"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/metrics"
)

func TestLocalClusterDecidesProposal(t *testing.T) {
	cluster, err := NewLocalCluster(Options{
		NodeID:       "node-a",
		Peers:        testPeers,
		RoundTimeout: 2 * time.Second,
	}, []byte("swarm-signing-key"), nil)
	require.NoError(t, err)
	defer cluster.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proposal, err := cluster.Propose(ctx, testRecommendation(t, "restart-service"))
	require.NoError(t, err)

	decided, err := cluster.WaitForProposal(ctx, proposal.Digest)
	require.NoError(t, err)
	assert.Equal(t, proposal.Digest, decided.Digest)

	statuses := cluster.Status()
	require.Len(t, statuses, len(testPeers))
	for _, s := range statuses {
		assert.Equal(t, statuses[0].Primary, s.Primary)
		assert.Len(t, s.Peers, len(testPeers))
	}
}

func TestLocalClusterRequiresSigningKey(t *testing.T) {
	_, err := NewLocalCluster(Options{NodeID: "node-a", Peers: testPeers}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestHMACSignerRejectsTampering(t *testing.T) {
	signer, err := NewHMACSigner([]byte("swarm-signing-key"))
	require.NoError(t, err)

	m := &consensus.Message{
		Type:      consensus.MsgPrepare,
		View:      1,
		Sequence:  7,
		Digest:    "abc",
		SenderID:  "node-b",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, signer.Sign(context.Background(), m))
	require.NoError(t, signer.Verify(context.Background(), m))

	m.Sequence = 8
	err = signer.Verify(context.Background(), m)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))

	m.Sequence = 7
	m.Signature = ""
	require.Error(t, signer.Verify(context.Background(), m))
}

func TestLocalClusterRecordsLocalMetricsOnly(t *testing.T) {
	m := metrics.New()
	cluster, err := NewLocalCluster(Options{
		NodeID:         "node-a",
		Peers:          testPeers,
		RoundTimeout:   2 * time.Second,
		SuspicionLimit: 1,
		Metrics:        m,
	}, []byte("swarm-signing-key"), nil)
	require.NoError(t, err)
	defer cluster.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proposal, err := cluster.Propose(ctx, testRecommendation(t, "restart-service"))
	require.NoError(t, err)
	_, err = cluster.WaitForProposal(ctx, proposal.Digest)
	require.NoError(t, err)

	// Four in-process engines decide, but only the local node records.
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsensusDecisions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsensusRounds.WithLabelValues("decided")))

	cluster.Local().Suspect("node-d", "invalid signature")
	require.Eventually(t, func() bool {
		return cluster.Local().Isolated("node-d")
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IsolatedPeers))
}
