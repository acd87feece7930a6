package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/ledger"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
)

// MemoryStore is the in-process EventStore: the primary chain per
// incident plus asynchronously replicated copies in named regions.
// Appends serialize per incident; reads return deep copies.
type MemoryStore struct {
	opts   Options
	log    *slog.Logger
	stream *streamLog
	repl   *replicator

	mu        sync.RWMutex
	incidents map[uuid.UUID]*incidentLog
	snapshots map[uuid.UUID]*ledger.Snapshot
}

type incidentLog struct {
	mu     sync.Mutex
	events []*ledger.Event
}

// NewMemoryStore builds a store with the given options. Close releases
// the replication workers.
func NewMemoryStore(opts Options, log *slog.Logger) *MemoryStore {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &MemoryStore{
		opts:      opts,
		log:       log,
		stream:    newStreamLog(opts.StreamBuffer),
		repl:      newReplicator(opts.ReplicaRegions, opts.ReplicationTimeout, log, opts.Metrics),
		incidents: make(map[uuid.UUID]*incidentLog),
		snapshots: make(map[uuid.UUID]*ledger.Snapshot),
	}
}

// Close stops background replication.
func (s *MemoryStore) Close() {
	s.repl.close()
}

func (s *MemoryStore) logFor(incidentID uuid.UUID, create bool) *incidentLog {
	s.mu.RLock()
	il, ok := s.incidents[incidentID]
	s.mu.RUnlock()
	if ok || !create {
		return il
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if il, ok = s.incidents[incidentID]; ok {
		return il
	}
	il = &incidentLog{}
	s.incidents[incidentID] = il
	return il
}

// Append seals and writes the event at expectedVersion+1. Exactly one of
// two concurrent appends at the same expected version succeeds; the
// loser gets an optimistic-lock error and must re-read before retrying.
func (s *MemoryStore) Append(ctx context.Context, incidentID uuid.UUID, expectedVersion uint64, e *ledger.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e == nil {
		return 0, errors.NewValidationError("MISSING_EVENT", "event is required")
	}
	if e.Sealed() {
		return 0, errors.NewValidationError("EVENT_SEALED", "cannot append a sealed event")
	}
	if e.IncidentID != incidentID {
		return 0, errors.NewValidationError("INCIDENT_MISMATCH",
			"event belongs to a different incident")
	}

	il := s.logFor(incidentID, true)
	il.mu.Lock()
	defer il.mu.Unlock()

	current := uint64(len(il.events))
	if current != expectedVersion {
		s.opts.Metrics.RecordAppendConflict()
		return 0, errors.NewOptimisticLockError("version moved during append").
			WithDetail("expected_version", expectedVersion).
			WithDetail("current_version", current)
	}

	previousHash := crypto.ZeroHash
	if current > 0 {
		previousHash = il.events[current-1].IntegrityHash
	}

	sealed := e.Clone()
	if err := sealed.Seal(current+1, previousHash); err != nil {
		return 0, err
	}

	il.events = append(il.events, sealed)
	// Stream and replication see events in commit order because both are
	// fed under the incident lock.
	s.stream.publish(sealed)
	s.repl.enqueue(sealed)
	s.opts.Metrics.RecordAppend()

	if sealed.Sequence%s.opts.SnapshotThreshold == 0 {
		s.snapshotLocked(incidentID, il.events)
	}

	return sealed.Sequence, nil
}

// snapshotLocked captures state at the tail of events. Failures are
// logged, never propagated: snapshots are an optimization.
func (s *MemoryStore) snapshotLocked(incidentID uuid.UUID, events []*ledger.Event) {
	state := ledger.ReplayState(nil, events)
	snap, err := ledger.NewSnapshot(incidentID, state.LastSequence, state)
	if err != nil {
		s.log.Warn("snapshot creation failed",
			slog.String("incident_id", incidentID.String()),
			slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	s.snapshots[incidentID] = snap
	s.mu.Unlock()
	s.opts.Metrics.RecordSnapshot()
}

// Events returns deep copies of the chain from fromSequence (inclusive).
func (s *MemoryStore) Events(ctx context.Context, incidentID uuid.UUID, fromSequence uint64) ([]*ledger.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	il := s.logFor(incidentID, false)
	if il == nil {
		return nil, nil
	}

	il.mu.Lock()
	defer il.mu.Unlock()
	if fromSequence < 1 {
		fromSequence = 1
	}
	if fromSequence > uint64(len(il.events)) {
		return nil, nil
	}
	tail := il.events[fromSequence-1:]
	out := make([]*ledger.Event, len(tail))
	for i, e := range tail {
		out[i] = e.Clone()
	}
	return out, nil
}

// CurrentVersion returns the last sequence number, 0 when the incident
// has no events.
func (s *MemoryStore) CurrentVersion(ctx context.Context, incidentID uuid.UUID) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	il := s.logFor(incidentID, false)
	if il == nil {
		return 0, nil
	}
	il.mu.Lock()
	defer il.mu.Unlock()
	return uint64(len(il.events)), nil
}

// Replay reconstructs incident state, starting from the latest usable
// snapshot when one exists. A snapshot that is expired or unreadable
// falls back to a full replay.
func (s *MemoryStore) Replay(ctx context.Context, incidentID uuid.UUID) (*ledger.IncidentState, error) {
	snap, err := s.Snapshot(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	var base *ledger.IncidentState
	fromSequence := uint64(1)
	if snap != nil {
		if base, err = snap.DecodeState(); err != nil {
			s.log.Warn("snapshot unreadable, replaying from scratch",
				slog.String("incident_id", incidentID.String()),
				slog.String("error", err.Error()))
			base = nil
		} else {
			fromSequence = snap.UpToSequence + 1
		}
	}

	events, err := s.Events(ctx, incidentID, fromSequence)
	if err != nil {
		return nil, err
	}
	if base == nil && len(events) == 0 {
		return nil, errors.NewNotFoundError("incident " + incidentID.String())
	}
	return ledger.ReplayState(base, events), nil
}

// Stream delivers committed events from the given timestamp until ctx is
// canceled.
func (s *MemoryStore) Stream(ctx context.Context, from time.Time) (<-chan *ledger.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.stream.subscribe(ctx, from), nil
}

// CreateSnapshot stores an explicit snapshot of the provided state.
func (s *MemoryStore) CreateSnapshot(ctx context.Context, incidentID uuid.UUID, state *ledger.IncidentState) (*ledger.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := ledger.NewSnapshot(incidentID, state.LastSequence, state)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.snapshots[incidentID] = snap
	s.mu.Unlock()
	s.opts.Metrics.RecordSnapshot()
	return snap, nil
}

// Snapshot returns the latest non-expired snapshot, nil when none exists.
func (s *MemoryStore) Snapshot(ctx context.Context, incidentID uuid.UUID) (*ledger.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	snap, ok := s.snapshots[incidentID]
	s.mu.RUnlock()
	if !ok || snap.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return snap, nil
}

// VerifyIntegrity walks the incident's full chain.
func (s *MemoryStore) VerifyIntegrity(ctx context.Context, incidentID uuid.UUID) (bool, error) {
	events, err := s.Events(ctx, incidentID, 1)
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, errors.NewNotFoundError("incident " + incidentID.String())
	}
	return ledger.ChainIntact(events), nil
}

// DetectCorruption scans every incident and returns the ones whose chain
// no longer verifies, sorted for deterministic reporting.
func (s *MemoryStore) DetectCorruption(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.incidents))
	for id := range s.incidents {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var corrupted []uuid.UUID
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := s.VerifyIntegrity(ctx, id)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeNotFound) {
				continue
			}
			return nil, err
		}
		if !ok {
			corrupted = append(corrupted, id)
		}
	}
	sort.Slice(corrupted, func(i, j int) bool {
		return corrupted[i].String() < corrupted[j].String()
	})
	return corrupted, nil
}

// RepairFromReplica replaces the primary chain with the named region's
// copy. The replica chain must itself verify before it is trusted.
func (s *MemoryStore) RepairFromReplica(ctx context.Context, incidentID uuid.UUID, region string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	replica := s.repl.regionByName(region)
	if replica == nil {
		return errors.NewNotFoundError("replica region " + region)
	}

	events := replica.events(incidentID)
	if len(events) == 0 {
		return errors.NewNotFoundError("replica chain for incident " + incidentID.String())
	}
	if !ledger.ChainIntact(events) {
		return errors.NewCorruptionError("replica chain in region " + region + " does not verify")
	}

	il := s.logFor(incidentID, true)
	il.mu.Lock()
	defer il.mu.Unlock()
	if uint64(len(events)) < uint64(len(il.events)) {
		// Never discard committed events a lagging replica has not seen.
		return errors.NewCorruptionError("replica chain is behind the primary")
	}
	il.events = events

	s.log.Info("repaired incident chain from replica",
		slog.String("incident_id", incidentID.String()),
		slog.String("region", region),
		slog.Int("events", len(events)))
	return nil
}

// ReplicationStatus reports per-region progress for the incident.
func (s *MemoryStore) ReplicationStatus(incidentID uuid.UUID) map[string]RegionStatus {
	return s.repl.statusFor(incidentID)
}
