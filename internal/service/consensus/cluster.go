package consensus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/consensus"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

// LocalCluster runs the full peer set in one process, the deployment
// shape a single sentineld uses: the swarm's consensus nodes are the
// in-process agent coordinators, wired through a synchronous loopback
// transport. Proposals are routed to whichever engine is primary for
// the current view, so the caller never has to track view changes.
type LocalCluster struct {
	local string
	log   *slog.Logger

	mu      sync.RWMutex
	engines map[string]*Engine
	order   []string
}

// NewLocalCluster builds one engine per peer, all signing with the
// shared swarm key.
func NewLocalCluster(opts Options, signingKey []byte, log *slog.Logger) (*LocalCluster, error) {
	if log == nil {
		log = slog.Default()
	}
	signer, err := NewHMACSigner(signingKey)
	if err != nil {
		return nil, err
	}
	c := &LocalCluster{
		local:   opts.NodeID,
		log:     log,
		engines: make(map[string]*Engine, len(opts.Peers)),
	}
	for _, id := range opts.Peers {
		nodeOpts := opts
		nodeOpts.NodeID = id
		if id != opts.NodeID {
			// Only the local engine records into the process registry;
			// counting every in-process peer would multiply the series.
			nodeOpts.Metrics = nil
		}
		engine, err := NewEngine(nodeOpts, &loopbackTransport{cluster: c, self: id}, signer, log)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.engines[id] = engine
		c.order = append(c.order, id)
	}
	if _, ok := c.engines[opts.NodeID]; !ok {
		c.Close()
		return nil, errors.NewValidationError("NODE_NOT_IN_PEERS",
			"local node must be in the peer set")
	}
	return c, nil
}

// OnIsolate registers the isolation callback on every engine, so a
// peer isolated by any node's suspicion count triggers it. Must be set
// before traffic flows.
func (c *LocalCluster) OnIsolate(fn IsolationFunc) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, engine := range c.engines {
		engine.OnIsolate(fn)
	}
}

// Local returns the engine for this node.
func (c *LocalCluster) Local() *Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engines[c.local]
}

// Propose routes the recommendation to the primary for the current
// view and starts a round.
func (c *LocalCluster) Propose(ctx context.Context, rec *agent.Recommendation) (*consensus.Proposal, error) {
	local := c.Local()
	primary := local.Primary()

	c.mu.RLock()
	engine, ok := c.engines[primary]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.NewQuorumUnavailableError(
			"primary is not a member of this cluster").
			WithDetail("primary", primary)
	}
	return engine.Propose(ctx, rec)
}

// WaitForProposal blocks until the local node decides the proposal
// with the given digest.
func (c *LocalCluster) WaitForProposal(ctx context.Context, digest string) (*consensus.Proposal, error) {
	return c.Local().WaitForProposal(ctx, digest)
}

// Status reports every node's view of the protocol, primary first.
func (c *LocalCluster) Status() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.engines[id].Status())
	}
	return out
}

// Close stops every engine.
func (c *LocalCluster) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, engine := range c.engines {
		engine.Close()
	}
}

// loopbackTransport delivers a broadcast synchronously to every other
// engine in the cluster.
type loopbackTransport struct {
	cluster *LocalCluster
	self    string
}

func (t *loopbackTransport) Broadcast(ctx context.Context, m *consensus.Message) error {
	t.cluster.mu.RLock()
	targets := make([]*Engine, 0, len(t.cluster.engines))
	for id, engine := range t.cluster.engines {
		if id == t.self {
			continue
		}
		targets = append(targets, engine)
	}
	t.cluster.mu.RUnlock()

	for _, engine := range targets {
		// Delivery failures are the receiver's problem: a node that
		// rejects a valid message looks byzantine to its own peers.
		_ = engine.HandleMessage(ctx, m)
	}
	return nil
}
