package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/consensus"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
)

var testPeers = []string{"node-a", "node-b", "node-c", "node-d"}

// cluster wires engines through a synchronous in-memory transport.
type cluster struct {
	mu      sync.RWMutex
	engines map[string]*Engine

	decisionMu sync.Mutex
	decisions  map[string][]*consensus.Proposal
}

func newCluster(t *testing.T, opts Options) *cluster {
	t.Helper()
	c := &cluster{
		engines:   make(map[string]*Engine),
		decisions: make(map[string][]*consensus.Proposal),
	}
	for _, id := range testPeers {
		nodeOpts := opts
		nodeOpts.NodeID = id
		nodeOpts.Peers = testPeers
		engine, err := NewEngine(nodeOpts, &clusterTransport{c: c, self: id}, nil, nil)
		require.NoError(t, err)
		nodeID := id
		engine.OnDecided(func(ctx context.Context, sequence uint64, p *consensus.Proposal) {
			c.decisionMu.Lock()
			c.decisions[nodeID] = append(c.decisions[nodeID], p)
			c.decisionMu.Unlock()
		})
		c.mu.Lock()
		c.engines[id] = engine
		c.mu.Unlock()
		t.Cleanup(engine.Close)
	}
	return c
}

func (c *cluster) engine(id string) *Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engines[id]
}

func (c *cluster) decided(nodeID string) []*consensus.Proposal {
	c.decisionMu.Lock()
	defer c.decisionMu.Unlock()
	out := make([]*consensus.Proposal, len(c.decisions[nodeID]))
	copy(out, c.decisions[nodeID])
	return out
}

type clusterTransport struct {
	c    *cluster
	self string
}

func (t *clusterTransport) Broadcast(ctx context.Context, m *consensus.Message) error {
	t.c.mu.RLock()
	targets := make([]*Engine, 0, len(t.c.engines))
	for id, engine := range t.c.engines {
		if id == t.self {
			continue
		}
		targets = append(targets, engine)
	}
	t.c.mu.RUnlock()
	for _, engine := range targets {
		_ = engine.HandleMessage(ctx, m)
	}
	return nil
}

func testRecommendation(t *testing.T, actionID string) *agent.Recommendation {
	t.Helper()
	rec, err := agent.NewRecommendation(uuid.New(), "diagnosis-1", actionID,
		"remediation", 0.9, incident.SeverityMedium)
	require.NoError(t, err)
	rec.EstimatedImpact = decimal.NewFromInt(1000)
	return rec
}

func waitAllDecided(t *testing.T, c *cluster, digest string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range testPeers {
			if c.engine(id).Isolated("") {
				continue
			}
			found := false
			for _, p := range c.decided(id) {
				if p.Digest == digest {
					found = true
					break
				}
			}
			if !found && !c.engine(id).Isolated(id) {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "not all nodes decided digest %s", digest)
}

func TestEngineHappyPath(t *testing.T) {
	c := newCluster(t, Options{RoundTimeout: 5 * time.Second})
	primary := c.engine("node-a")
	require.True(t, primary.IsPrimary())

	rec := testRecommendation(t, "restart-pods")
	proposal, err := primary.Propose(context.Background(), rec)
	require.NoError(t, err)

	waitAllDecided(t, c, proposal.Digest)

	// Exactly one decision per node.
	for _, id := range testPeers {
		decisions := c.decided(id)
		require.Len(t, decisions, 1, "node %s", id)
		assert.Equal(t, proposal.Digest, decisions[0].Digest)
		assert.Equal(t, rec.IncidentID, decisions[0].IncidentID)
	}
}

func TestEngineProposeRequiresPrimary(t *testing.T) {
	c := newCluster(t, Options{RoundTimeout: 5 * time.Second})
	replica := c.engine("node-b")
	require.False(t, replica.IsPrimary())

	_, err := replica.Propose(context.Background(), testRecommendation(t, "scale-up"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestEngineQuorumUnavailable(t *testing.T) {
	c := newCluster(t, Options{RoundTimeout: 5 * time.Second, SuspicionLimit: 1})
	primary := c.engine("node-a")

	// Isolating two of four peers leaves 2 live nodes < quorum 3.
	primary.Suspect("node-c", "invalid signature")
	primary.Suspect("node-d", "invalid signature")
	require.Eventually(t, func() bool {
		return primary.Isolated("node-c") && primary.Isolated("node-d")
	}, time.Second, 5*time.Millisecond)

	_, err := primary.Propose(context.Background(), testRecommendation(t, "scale-up"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuorumUnavailable))
}

func TestEngineDecidedRoundIdempotent(t *testing.T) {
	c := newCluster(t, Options{RoundTimeout: 5 * time.Second})
	primary := c.engine("node-a")

	proposal, err := primary.Propose(context.Background(), testRecommendation(t, "restart-pods"))
	require.NoError(t, err)
	waitAllDecided(t, c, proposal.Digest)

	// Redeliver a commit for the decided round: no second decision.
	replica := c.engine("node-b")
	require.NoError(t, replica.HandleMessage(context.Background(), &consensus.Message{
		Type:      consensus.MsgCommit,
		View:      0,
		Sequence:  1,
		Digest:    proposal.Digest,
		SenderID:  "node-c",
		Timestamp: time.Now().UTC(),
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.decided("node-b"), 1)
}

// With exactly f byzantine peers isolated, consensus still decides.
func TestEngineDecidesWithFByzantinePeers(t *testing.T) {
	c := newCluster(t, Options{RoundTimeout: 5 * time.Second, SuspicionLimit: 1})

	// f = 1 for n = 4: every honest node isolates node-d.
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		c.engine(id).Suspect("node-d", "conflicting message")
	}
	require.Eventually(t, func() bool {
		return c.engine("node-a").Isolated("node-d")
	}, time.Second, 5*time.Millisecond)

	proposal, err := c.engine("node-a").Propose(context.Background(), testRecommendation(t, "failover-db"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, id := range []string{"node-a", "node-b", "node-c"} {
			if len(c.decided(id)) == 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, proposal.Digest, c.decided("node-b")[0].Digest)
}

// A byzantine primary sends conflicting pre-prepares for the same slot.
// The replicas isolate it, complete a view change to view 1, and the new
// primary re-proposes the original value to a decision.
func TestEngineByzantinePrimaryViewChange(t *testing.T) {
	c := newCluster(t, Options{RoundTimeout: time.Minute, SuspicionLimit: 3})
	replicas := []string{"node-b", "node-c", "node-d"}

	rec := testRecommendation(t, "restart-pods")
	proposal, err := consensus.NewProposal(rec, "node-a")
	require.NoError(t, err)

	sendToReplicas := func(m *consensus.Message) {
		for _, id := range replicas {
			_ = c.engine(id).HandleMessage(context.Background(), m)
		}
	}

	// The legitimate pre-prepare from the view-0 primary.
	sendToReplicas(&consensus.Message{
		Type:      consensus.MsgPrePrepare,
		View:      0,
		Sequence:  1,
		Digest:    proposal.Digest,
		SenderID:  "node-a",
		Timestamp: time.Now().UTC(),
		Proposal:  proposal,
	})

	// Three conflicting pre-prepares for the same (view, sequence) cross
	// the suspicion threshold at every replica.
	for i := 0; i < 3; i++ {
		conflicting, err := consensus.NewProposal(
			testRecommendation(t, fmt.Sprintf("malicious-action-%d", i)), "node-a")
		require.NoError(t, err)
		sendToReplicas(&consensus.Message{
			Type:      consensus.MsgPrePrepare,
			View:      0,
			Sequence:  1,
			Digest:    conflicting.Digest,
			SenderID:  "node-a",
			Timestamp: time.Now().UTC(),
			Proposal:  conflicting,
		})
	}

	require.Eventually(t, func() bool {
		for _, id := range replicas {
			if !c.engine(id).Isolated("node-a") {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "replicas never isolated the primary")

	// View change completes and the new primary re-proposes the original
	// value; all replicas decide it.
	require.Eventually(t, func() bool {
		for _, id := range replicas {
			decided := false
			for _, p := range c.decided(id) {
				if p.Digest == proposal.Digest {
					decided = true
				}
			}
			if !decided {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "replicas never decided after view change")

	for _, id := range replicas {
		status := c.engine(id).Status()
		assert.Equal(t, uint64(1), status.View, "node %s", id)
		assert.Equal(t, "node-b", status.Primary, "node %s", id)
		assert.Contains(t, status.Isolated, "node-a")
	}
}

func TestEngineWaitForDecision(t *testing.T) {
	c := newCluster(t, Options{RoundTimeout: 5 * time.Second})
	primary := c.engine("node-a")

	rec := testRecommendation(t, "restart-pods")
	_, err := primary.Propose(context.Background(), rec)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	decided, err := primary.WaitForDecision(ctx, rec.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, rec.IncidentID, decided.IncidentID)

	t.Run("timeout surfaces consensus-timeout", func(t *testing.T) {
		shortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := primary.WaitForDecision(shortCtx, uuid.New())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConsensusTimeout))
	})
}

func TestEngineRejectsTooFewPeers(t *testing.T) {
	_, err := NewEngine(Options{NodeID: "a", Peers: []string{"a", "b", "c"}}, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
