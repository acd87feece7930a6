package agent

import (
	"time"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

// ReplicaStatus is the health state of one agent instance.
type ReplicaStatus string

const (
	ReplicaHealthy  ReplicaStatus = "healthy"
	ReplicaDegraded ReplicaStatus = "degraded"
	ReplicaDraining ReplicaStatus = "draining"
	ReplicaDead     ReplicaStatus = "dead"
	ReplicaIsolated ReplicaStatus = "isolated"
)

// Replica is one running instance of an agent type in a region.
type Replica struct {
	ID               string        `json:"replica_id"`
	AgentType        AgentType     `json:"agent_type"`
	Region           string        `json:"region"`
	Status           ReplicaStatus `json:"status"`
	CurrentLoad      int           `json:"current_load"`
	MaxCapacity      int           `json:"max_capacity"`
	PerformanceScore float64       `json:"performance_score"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
}

// NewReplica creates a healthy replica with validation.
func NewReplica(id string, agentType AgentType, region string, maxCapacity int) (*Replica, error) {
	if id == "" {
		return nil, errors.NewValidationError("MISSING_REPLICA_ID", "replica id is required")
	}
	if !agentType.Valid() {
		return nil, errors.NewValidationError("INVALID_AGENT_TYPE",
			"unknown agent type: "+string(agentType))
	}
	if maxCapacity <= 0 {
		return nil, errors.NewValidationError("INVALID_CAPACITY",
			"max capacity must be positive")
	}

	return &Replica{
		ID:               id,
		AgentType:        agentType,
		Region:           region,
		Status:           ReplicaHealthy,
		MaxCapacity:      maxCapacity,
		PerformanceScore: 1.0,
		LastHeartbeat:    time.Now().UTC(),
	}, nil
}

// Available reports whether the replica can take new work.
func (r *Replica) Available() bool {
	if r.Status != ReplicaHealthy && r.Status != ReplicaDegraded {
		return false
	}
	return r.CurrentLoad < r.MaxCapacity
}

// Utilization is the load fraction in [0,1].
func (r *Replica) Utilization() float64 {
	if r.MaxCapacity == 0 {
		return 1.0
	}
	return float64(r.CurrentLoad) / float64(r.MaxCapacity)
}

// Clone returns a copy; the pool hands copies out of its read path.
func (r *Replica) Clone() *Replica {
	c := *r
	return &c
}
