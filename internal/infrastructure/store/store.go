package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/ledger"
	"github.com/sentinelops/sentinel-backend/internal/metrics"
)

// EventStore is the authoritative, tamper-evident, ordered log of what
// happened to each incident.
type EventStore interface {
	// Append writes an unsealed event at expectedVersion+1. Fails with an
	// optimistic-lock error when the stored version moved.
	Append(ctx context.Context, incidentID uuid.UUID, expectedVersion uint64, e *ledger.Event) (uint64, error)

	// Events returns the ordered events from fromSequence (inclusive).
	Events(ctx context.Context, incidentID uuid.UUID, fromSequence uint64) ([]*ledger.Event, error)

	// CurrentVersion returns the last sequence number, 0 if none.
	CurrentVersion(ctx context.Context, incidentID uuid.UUID) (uint64, error)

	// Replay reconstructs the incident state, starting from a snapshot
	// when one is fresh enough.
	Replay(ctx context.Context, incidentID uuid.UUID) (*ledger.IncidentState, error)

	// Stream delivers events in commit order from the given timestamp
	// until the context is canceled.
	Stream(ctx context.Context, from time.Time) (<-chan *ledger.Event, error)

	// CreateSnapshot captures the state up to the current version.
	CreateSnapshot(ctx context.Context, incidentID uuid.UUID, state *ledger.IncidentState) (*ledger.Snapshot, error)

	// Snapshot returns the latest usable snapshot, nil if none.
	Snapshot(ctx context.Context, incidentID uuid.UUID) (*ledger.Snapshot, error)

	// VerifyIntegrity walks the incident's chain.
	VerifyIntegrity(ctx context.Context, incidentID uuid.UUID) (bool, error)

	// DetectCorruption scans all incidents and returns the corrupted ones.
	DetectCorruption(ctx context.Context) ([]uuid.UUID, error)

	// RepairFromReplica restores the primary chain from a replica region.
	RepairFromReplica(ctx context.Context, incidentID uuid.UUID, region string) error

	// ReplicationStatus reports per-region replication progress.
	ReplicationStatus(incidentID uuid.UUID) map[string]RegionStatus
}

// RegionStatus is the replication progress of one region for one incident.
type RegionStatus struct {
	Region       string    `json:"region"`
	LastSequence uint64    `json:"last_sequence"`
	LastAttempt  time.Time `json:"last_attempt"`
	LastError    string    `json:"last_error,omitempty"`
	Healthy      bool      `json:"healthy"`
}

// Options tune store behavior; zero values fall back to defaults.
type Options struct {
	ReplicaRegions     []string
	ReplicationTimeout time.Duration
	AppendRetries      int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	SnapshotThreshold  uint64
	StreamBuffer       int
	Metrics            *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.ReplicationTimeout <= 0 {
		o.ReplicationTimeout = 5 * time.Second
	}
	if o.AppendRetries <= 0 {
		o.AppendRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 50 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 2 * time.Second
	}
	if o.SnapshotThreshold == 0 {
		o.SnapshotThreshold = 100
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = 256
	}
	return o
}
