package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/ledger"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
)

// Record is one audit entry. Records form a single global hash chain,
// separate from the per-incident event chains, so tampering with the
// audit trail itself is detectable.
type Record struct {
	Sequence     uint64          `json:"sequence"`
	IncidentID   uuid.UUID       `json:"incident_id"`
	EventType    ledger.EventType `json:"event_type"`
	EventHash    string          `json:"event_hash"`
	RecordedAt   time.Time       `json:"recorded_at"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// computeHash covers everything except the hash itself.
func (r *Record) computeHash() string {
	return crypto.SHA256Hex(
		[]byte(fmt.Sprintf("%d", r.Sequence)),
		r.IncidentID[:],
		[]byte(r.EventType),
		[]byte(r.EventHash),
		[]byte(r.RecordedAt.UTC().Format(time.RFC3339Nano)),
		[]byte(r.PreviousHash),
	)
}

// Sink receives archived audit records. The production sink writes to
// cold object storage.
type Sink interface {
	Archive(ctx context.Context, records []Record) error
}

// genesisHash anchors the first audit record.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Trail shadows every externally visible incident transition with an
// audit record in a tamper-evident chain.
type Trail struct {
	log  *slog.Logger
	sink Sink

	mu      sync.Mutex
	records []Record
	next    uint64
	tip     string
}

// NewTrail builds an empty trail. sink may be nil; Archive then
// reports a validation error.
func NewTrail(sink Sink, log *slog.Logger) *Trail {
	if log == nil {
		log = slog.Default()
	}
	return &Trail{log: log, sink: sink, next: 1, tip: genesisHash}
}

// Observe appends an audit record for one ledger event.
func (t *Trail) Observe(e *ledger.Event) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := Record{
		Sequence:     t.next,
		IncidentID:   e.IncidentID,
		EventType:    e.Type,
		EventHash:    e.IntegrityHash,
		RecordedAt:   time.Now().UTC(),
		PreviousHash: t.tip,
	}
	r.Hash = r.computeHash()
	t.records = append(t.records, r)
	t.next++
	t.tip = r.Hash
	return r
}

// Follow consumes a ledger stream until the context ends, auditing
// every event it delivers.
func (t *Trail) Follow(ctx context.Context, events <-chan *ledger.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			t.Observe(e)
		case <-ctx.Done():
			return
		}
	}
}

// Records returns a copy of the live (unarchived) chain.
func (t *Trail) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Record(nil), t.records...)
}

// VerifyChain checks linkage and hashes over [start, end] inclusive.
// Zero end means the current tip.
func (t *Trail) VerifyChain(start, end uint64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) == 0 {
		return true, nil
	}
	first := t.records[0].Sequence
	last := t.records[len(t.records)-1].Sequence
	if start == 0 {
		start = first
	}
	if end == 0 {
		end = last
	}
	if start < first || end > last || start > end {
		return false, errors.NewValidationError("RANGE_OUT_OF_BOUNDS",
			fmt.Sprintf("verify range [%d,%d] outside live chain [%d,%d]",
				start, end, first, last))
	}

	prev := ""
	for _, r := range t.records {
		if r.Sequence < start {
			prev = r.Hash
			continue
		}
		if r.Sequence > end {
			break
		}
		if prev != "" && r.PreviousHash != prev {
			return false, nil
		}
		if r.Hash != r.computeHash() {
			return false, nil
		}
		prev = r.Hash
	}
	return true, nil
}

// Archive moves records older than the cutoff to the sink. The chain
// tip stays so the remaining records still verify.
func (t *Trail) Archive(ctx context.Context, before time.Time) (int, error) {
	if t.sink == nil {
		return 0, errors.NewValidationError("NO_SINK", "no archive sink configured")
	}

	t.mu.Lock()
	cut := 0
	for cut < len(t.records) && t.records[cut].RecordedAt.Before(before) {
		cut++
	}
	batch := append([]Record(nil), t.records[:cut]...)
	t.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	if err := t.sink.Archive(ctx, batch); err != nil {
		return 0, errors.NewStorageUnavailableError("audit archive failed").WithCause(err)
	}

	t.mu.Lock()
	// Records observed while the sink call ran sit after the batch, so
	// dropping the prefix is safe.
	t.records = t.records[cut:]
	t.mu.Unlock()

	t.log.Info("audit records archived",
		slog.Int("count", len(batch)),
		slog.Time("before", before))
	return len(batch), nil
}
