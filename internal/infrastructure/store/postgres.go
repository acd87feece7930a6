package store

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/ledger"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
)

// PostgresStore is the durable EventStore. The append path locks the
// incident's tail row so the version check and insert are atomic; the
// composite primary key (incident_id, sequence) is the last line of
// defense against a double write.
type PostgresStore struct {
	pool   *pgxpool.Pool
	opts   Options
	log    *slog.Logger
	stream *streamLog

	replQueue chan *ledger.Event
	done      chan struct{}
}

// NewPostgresStore wires the store to an existing pool. Close stops the
// replication worker; the pool belongs to the caller.
func NewPostgresStore(pool *pgxpool.Pool, opts Options, log *slog.Logger) *PostgresStore {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &PostgresStore{
		pool:      pool,
		opts:      opts,
		log:       log,
		stream:    newStreamLog(opts.StreamBuffer),
		replQueue: make(chan *ledger.Event, 1024),
		done:      make(chan struct{}),
	}
	go s.replicate()
	return s
}

// Close stops background replication.
func (s *PostgresStore) Close() {
	close(s.done)
}

// Append seals and inserts the event at expectedVersion+1, retrying
// transient conflicts with jittered backoff. A version mismatch is an
// optimistic-lock error and is not retried here; the caller must re-read
// first.
func (s *PostgresStore) Append(ctx context.Context, incidentID uuid.UUID, expectedVersion uint64, e *ledger.Event) (uint64, error) {
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

	var seq uint64
	var err error
	for attempt := 0; attempt <= s.opts.AppendRetries; attempt++ {
		seq, err = s.appendOnce(ctx, incidentID, expectedVersion, e)
		if err == nil {
			s.opts.Metrics.RecordAppend()
			return seq, nil
		}
		if !errors.IsType(err, errors.ErrorTypeStorageUnavailable) {
			if errors.IsType(err, errors.ErrorTypeOptimisticLock) {
				s.opts.Metrics.RecordAppendConflict()
			}
			return 0, err
		}
		if attempt == s.opts.AppendRetries {
			break
		}
		delay := backoffDelay(attempt, s.opts.RetryBaseDelay, s.opts.RetryMaxDelay)
		if serr := sleepCtx(ctx, delay); serr != nil {
			return 0, serr
		}
	}
	return 0, err
}

func (s *PostgresStore) appendOnce(ctx context.Context, incidentID uuid.UUID, expectedVersion uint64, e *ledger.Event) (uint64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, errors.NewStorageUnavailableError("begin append transaction").WithCause(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current uint64
	previousHash := crypto.ZeroHash
	err = tx.QueryRow(ctx, `
		SELECT sequence, integrity_hash
		FROM incident_events
		WHERE incident_id = $1
		ORDER BY sequence DESC
		LIMIT 1
		FOR UPDATE`, incidentID).Scan(&current, &previousHash)
	if err != nil && err != pgx.ErrNoRows {
		return 0, errors.NewStorageUnavailableError("read incident tail").WithCause(err)
	}

	if current != expectedVersion {
		return 0, errors.NewOptimisticLockError("version moved during append").
			WithDetail("expected_version", expectedVersion).
			WithDetail("current_version", current)
	}

	sealed := e.Clone()
	if err := sealed.Seal(current+1, previousHash); err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO incident_events
			(incident_id, sequence, event_type, payload, timestamp,
			 integrity_hash, previous_hash, partition_key, ttl)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sealed.IncidentID, sealed.Sequence, string(sealed.Type), []byte(sealed.Payload),
		sealed.Timestamp, sealed.IntegrityHash, sealed.PreviousHash,
		sealed.PartitionKey, sealed.TTL)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the race despite the tail lock (e.g. first event for a
			// fresh incident, where there is no tail row to lock).
			return 0, errors.NewOptimisticLockError("concurrent append won").
				WithDetail("expected_version", expectedVersion)
		}
		return 0, errors.NewStorageUnavailableError("insert event").WithCause(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.NewStorageUnavailableError("commit append").WithCause(err)
	}

	s.stream.publish(sealed)
	select {
	case s.replQueue <- sealed:
	default:
		s.log.Warn("replication queue full, dropping event",
			slog.String("incident_id", sealed.IncidentID.String()),
			slog.Uint64("sequence", sealed.Sequence))
	}
	return sealed.Sequence, nil
}

// replicate copies committed events into every region's replica table.
// Failures are logged and reflected in replication status, never pushed
// back to the writer.
func (s *PostgresStore) replicate() {
	for {
		select {
		case e := <-s.replQueue:
			for _, region := range s.opts.ReplicaRegions {
				ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReplicationTimeout)
				err := s.replicateOne(ctx, region, e)
				cancel()
				s.recordReplication(region, e, err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *PostgresStore) replicateOne(ctx context.Context, region string, e *ledger.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO incident_events_replica
			(region, incident_id, sequence, event_type, payload, timestamp,
			 integrity_hash, previous_hash, partition_key, ttl)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (region, incident_id, sequence) DO NOTHING`,
		region, e.IncidentID, e.Sequence, string(e.Type), []byte(e.Payload),
		e.Timestamp, e.IntegrityHash, e.PreviousHash, e.PartitionKey, e.TTL)
	if err != nil {
		return errors.NewStorageUnavailableError("replicate to " + region).WithCause(err)
	}
	return nil
}

func (s *PostgresStore) recordReplication(region string, e *ledger.Event, replErr error) {
	errText := ""
	healthy := true
	seq := e.Sequence
	lag := float64(0)
	if replErr != nil {
		errText = replErr.Error()
		healthy = false
		seq = 0
		lag = float64(e.Sequence)
		s.log.Warn("replication failed",
			slog.String("region", region),
			slog.String("incident_id", e.IncidentID.String()),
			slog.Uint64("sequence", e.Sequence),
			slog.String("error", errText))
	}
	s.opts.Metrics.RecordReplicationLag(region, lag)
	writeCtx, cancel := context.WithTimeout(context.Background(), s.opts.ReplicationTimeout)
	defer cancel()
	_, err := s.pool.Exec(writeCtx, `
		INSERT INTO replication_status
			(incident_id, region, last_sequence, last_attempt, last_error, healthy)
		VALUES ($1, $2, $3, now(), $4, $5)
		ON CONFLICT (incident_id, region) DO UPDATE SET
			last_sequence = GREATEST(replication_status.last_sequence, EXCLUDED.last_sequence),
			last_attempt  = EXCLUDED.last_attempt,
			last_error    = EXCLUDED.last_error,
			healthy       = EXCLUDED.healthy`,
		e.IncidentID, region, seq, errText, healthy)
	if err != nil {
		s.log.Warn("replication status write failed",
			slog.String("region", region),
			slog.String("error", err.Error()))
	}
}

// Events returns the chain from fromSequence (inclusive) in order.
func (s *PostgresStore) Events(ctx context.Context, incidentID uuid.UUID, fromSequence uint64) ([]*ledger.Event, error) {
	if fromSequence < 1 {
		fromSequence = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT incident_id, sequence, event_type, payload, timestamp,
		       integrity_hash, previous_hash, partition_key, ttl
		FROM incident_events
		WHERE incident_id = $1 AND sequence >= $2
		ORDER BY sequence ASC`, incidentID, fromSequence)
	if err != nil {
		return nil, errors.NewStorageUnavailableError("query events").WithCause(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*ledger.Event, error) {
	var events []*ledger.Event
	for rows.Next() {
		var e ledger.Event
		var eventType string
		var payload []byte
		if err := rows.Scan(&e.IncidentID, &e.Sequence, &eventType, &payload,
			&e.Timestamp, &e.IntegrityHash, &e.PreviousHash, &e.PartitionKey, &e.TTL); err != nil {
			return nil, errors.NewStorageUnavailableError("scan event").WithCause(err)
		}
		e.Type = ledger.EventType(eventType)
		e.Payload = payload
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageUnavailableError("iterate events").WithCause(err)
	}
	return events, nil
}

// CurrentVersion returns the last committed sequence, 0 when none.
func (s *PostgresStore) CurrentVersion(ctx context.Context, incidentID uuid.UUID) (uint64, error) {
	var version uint64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM incident_events
		WHERE incident_id = $1`, incidentID).Scan(&version)
	if err != nil {
		return 0, errors.NewStorageUnavailableError("query version").WithCause(err)
	}
	return version, nil
}

// Replay reconstructs state from the latest usable snapshot plus the
// tail, or from scratch when no snapshot helps.
func (s *PostgresStore) Replay(ctx context.Context, incidentID uuid.UUID) (*ledger.IncidentState, error) {
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

// Stream delivers events committed by this process from the given
// timestamp onward. Cross-writer tailing belongs to the replica readers,
// not this feed.
func (s *PostgresStore) Stream(ctx context.Context, from time.Time) (<-chan *ledger.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.stream.subscribe(ctx, from), nil
}

// CreateSnapshot persists a snapshot of the provided state.
func (s *PostgresStore) CreateSnapshot(ctx context.Context, incidentID uuid.UUID, state *ledger.IncidentState) (*ledger.Snapshot, error) {
	snap, err := ledger.NewSnapshot(incidentID, state.LastSequence, state)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO incident_snapshots (incident_id, up_to_sequence, state, created_at, ttl)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.IncidentID, snap.UpToSequence, []byte(snap.State), snap.CreatedAt, snap.TTL)
	if err != nil {
		return nil, errors.NewStorageUnavailableError("insert snapshot").WithCause(err)
	}
	s.opts.Metrics.RecordSnapshot()
	return snap, nil
}

// Snapshot returns the latest non-expired snapshot, nil when none.
func (s *PostgresStore) Snapshot(ctx context.Context, incidentID uuid.UUID) (*ledger.Snapshot, error) {
	var snap ledger.Snapshot
	var state []byte
	err := s.pool.QueryRow(ctx, `
		SELECT incident_id, up_to_sequence, state, created_at, ttl
		FROM incident_snapshots
		WHERE incident_id = $1 AND ttl > $2
		ORDER BY up_to_sequence DESC
		LIMIT 1`, incidentID, time.Now().UTC().Unix()).
		Scan(&snap.IncidentID, &snap.UpToSequence, &state, &snap.CreatedAt, &snap.TTL)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewStorageUnavailableError("query snapshot").WithCause(err)
	}
	snap.State = state
	return &snap, nil
}

// VerifyIntegrity walks the incident's full chain.
func (s *PostgresStore) VerifyIntegrity(ctx context.Context, incidentID uuid.UUID) (bool, error) {
	events, err := s.Events(ctx, incidentID, 1)
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, errors.NewNotFoundError("incident " + incidentID.String())
	}
	return ledger.ChainIntact(events), nil
}

// DetectCorruption verifies every incident's chain.
func (s *PostgresStore) DetectCorruption(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT incident_id FROM incident_events ORDER BY incident_id`)
	if err != nil {
		return nil, errors.NewStorageUnavailableError("list incidents").WithCause(err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.NewStorageUnavailableError("scan incident id").WithCause(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageUnavailableError("iterate incidents").WithCause(err)
	}

	var corrupted []uuid.UUID
	for _, id := range ids {
		ok, err := s.VerifyIntegrity(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			corrupted = append(corrupted, id)
		}
	}
	return corrupted, nil
}

// RepairFromReplica replaces the primary chain with the region's copy
// after verifying the copy end to end.
func (s *PostgresStore) RepairFromReplica(ctx context.Context, incidentID uuid.UUID, region string) error {
	rows, err := s.pool.Query(ctx, `
		SELECT incident_id, sequence, event_type, payload, timestamp,
		       integrity_hash, previous_hash, partition_key, ttl
		FROM incident_events_replica
		WHERE region = $1 AND incident_id = $2
		ORDER BY sequence ASC`, region, incidentID)
	if err != nil {
		return errors.NewStorageUnavailableError("query replica chain").WithCause(err)
	}
	events, err := scanEvents(rows)
	rows.Close()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.NewNotFoundError("replica chain for incident " + incidentID.String())
	}
	if !ledger.ChainIntact(events) {
		return errors.NewCorruptionError("replica chain in region " + region + " does not verify")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return errors.NewStorageUnavailableError("begin repair transaction").WithCause(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current uint64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM incident_events WHERE incident_id = $1`,
		incidentID).Scan(&current)
	if err != nil {
		return errors.NewStorageUnavailableError("read primary version").WithCause(err)
	}
	if uint64(len(events)) < current {
		return errors.NewCorruptionError("replica chain is behind the primary")
	}

	if _, err := tx.Exec(ctx, `DELETE FROM incident_events WHERE incident_id = $1`, incidentID); err != nil {
		return errors.NewStorageUnavailableError("clear primary chain").WithCause(err)
	}
	for _, e := range events {
		if _, err := tx.Exec(ctx, `
			INSERT INTO incident_events
				(incident_id, sequence, event_type, payload, timestamp,
				 integrity_hash, previous_hash, partition_key, ttl)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.IncidentID, e.Sequence, string(e.Type), []byte(e.Payload), e.Timestamp,
			e.IntegrityHash, e.PreviousHash, e.PartitionKey, e.TTL); err != nil {
			return errors.NewStorageUnavailableError("restore event").WithCause(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.NewStorageUnavailableError("commit repair").WithCause(err)
	}

	s.log.Info("repaired incident chain from replica",
		slog.String("incident_id", incidentID.String()),
		slog.String("region", region),
		slog.Int("events", len(events)))
	return nil
}

// ReplicationStatus reads per-region progress; regions with no row yet
// report zero values.
func (s *PostgresStore) ReplicationStatus(incidentID uuid.UUID) map[string]RegionStatus {
	out := make(map[string]RegionStatus, len(s.opts.ReplicaRegions))
	for _, region := range s.opts.ReplicaRegions {
		out[region] = RegionStatus{Region: region}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReplicationTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT region, last_sequence, last_attempt, last_error, healthy
		FROM replication_status
		WHERE incident_id = $1`, incidentID)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var st RegionStatus
		if err := rows.Scan(&st.Region, &st.LastSequence, &st.LastAttempt, &st.LastError, &st.Healthy); err != nil {
			continue
		}
		out[st.Region] = st
	}
	return out
}
