package agents

import (
	"context"
	"log/slog"
	"time"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/config"
)

// ReplicaRegistry is the slice of the replica pool the monitor drives.
type ReplicaRegistry interface {
	Snapshot() []*agent.Replica
	SetStatus(replicaID string, status agent.ReplicaStatus) error
}

// DeadReplicaFunc is notified when a replica is declared dead so the
// scaling layer can replace it.
type DeadReplicaFunc func(replica *agent.Replica)

// HeartbeatMonitor walks the replica pool and demotes replicas whose
// heartbeats stop: healthy -> degraded -> dead. A heartbeat that
// resumes before death restores the replica to healthy.
type HeartbeatMonitor struct {
	registry ReplicaRegistry
	cfg      config.AgentsConfig
	log      *slog.Logger
	onDead   DeadReplicaFunc
}

// NewHeartbeatMonitor builds the monitor.
func NewHeartbeatMonitor(registry ReplicaRegistry, cfg config.AgentsConfig, log *slog.Logger, onDead DeadReplicaFunc) *HeartbeatMonitor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 15 * time.Second
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = time.Minute
	}
	return &HeartbeatMonitor{registry: registry, cfg: cfg, log: log, onDead: onDead}
}

// Run sweeps on the heartbeat interval until the context is canceled.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Sweep(time.Now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

// Sweep applies the heartbeat policy once. Exposed for tests and for
// forced sweeps during recovery.
func (h *HeartbeatMonitor) Sweep(now time.Time) {
	for _, replica := range h.registry.Snapshot() {
		// Draining, isolated and dead replicas are out of the monitor's
		// hands.
		if replica.Status != agent.ReplicaHealthy && replica.Status != agent.ReplicaDegraded {
			continue
		}

		silence := now.Sub(replica.LastHeartbeat)
		switch {
		case silence >= h.cfg.DeadAfter:
			if err := h.registry.SetStatus(replica.ID, agent.ReplicaDead); err == nil {
				h.log.Warn("replica declared dead",
					slog.String("replica_id", replica.ID),
					slog.String("agent_type", string(replica.AgentType)),
					slog.Duration("silence", silence))
				if h.onDead != nil {
					h.onDead(replica)
				}
			}
		case silence >= h.cfg.DegradedAfter:
			if replica.Status == agent.ReplicaHealthy {
				if err := h.registry.SetStatus(replica.ID, agent.ReplicaDegraded); err == nil {
					h.log.Warn("replica degraded on missed heartbeats",
						slog.String("replica_id", replica.ID),
						slog.Duration("silence", silence))
				}
			}
		default:
			if replica.Status == agent.ReplicaDegraded {
				_ = h.registry.SetStatus(replica.ID, agent.ReplicaHealthy)
			}
		}
	}
}
