package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/ledger"
	"github.com/sentinelops/sentinel-backend/internal/metrics"
)

// replicaRegion holds one region's copy of the event chains. Replication
// is asynchronous: a lagging or failed region never blocks the primary
// append path.
type replicaRegion struct {
	name string

	mu     sync.Mutex
	chains map[uuid.UUID][]*ledger.Event

	// unavailable simulates a region outage; appends fail until cleared.
	unavailable atomic.Bool
}

func (r *replicaRegion) apply(ctx context.Context, e *ledger.Event) error {
	if r.unavailable.Load() {
		return errors.NewStorageUnavailableError("replica region " + r.name + " unavailable")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.chains[e.IncidentID]
	// Idempotent on retry, strict on ordering: an event that is not the
	// next sequence for this region is dropped and surfaces as lag.
	if e.Sequence == uint64(len(chain)) {
		return nil
	}
	if e.Sequence != uint64(len(chain))+1 {
		return errors.NewStorageUnavailableError("replica region " + r.name + " out of order")
	}
	r.chains[e.IncidentID] = append(chain, e.Clone())
	return nil
}

func (r *replicaRegion) events(incidentID uuid.UUID) []*ledger.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.chains[incidentID]
	out := make([]*ledger.Event, len(chain))
	for i, e := range chain {
		out[i] = e.Clone()
	}
	return out
}

// replicator fans committed events out to every replica region. Each
// region has a single worker so per-incident commit order is preserved.
type replicator struct {
	regions []*replicaRegion
	queues  map[string]chan *ledger.Event
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	statusMu sync.Mutex
	status   map[uuid.UUID]map[string]*RegionStatus

	wg   sync.WaitGroup
	done chan struct{}
}

func newReplicator(regionNames []string, timeout time.Duration, log *slog.Logger, m *metrics.Metrics) *replicator {
	r := &replicator{
		queues:  make(map[string]chan *ledger.Event, len(regionNames)),
		timeout: timeout,
		log:     log,
		metrics: m,
		status:  make(map[uuid.UUID]map[string]*RegionStatus),
		done:    make(chan struct{}),
	}
	for _, name := range regionNames {
		region := &replicaRegion{
			name:   name,
			chains: make(map[uuid.UUID][]*ledger.Event),
		}
		queue := make(chan *ledger.Event, 1024)
		r.regions = append(r.regions, region)
		r.queues[name] = queue

		r.wg.Add(1)
		go r.run(region, queue)
	}
	return r
}

func (r *replicator) run(region *replicaRegion, queue chan *ledger.Event) {
	defer r.wg.Done()
	for {
		select {
		case e := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			err := region.apply(ctx, e)
			cancel()
			r.record(region.name, e, err)
			if err != nil {
				r.log.Warn("replication failed",
					slog.String("region", region.name),
					slog.String("incident_id", e.IncidentID.String()),
					slog.Uint64("sequence", e.Sequence),
					slog.String("error", err.Error()))
			}
		case <-r.done:
			return
		}
	}
}

// enqueue hands a committed event to every region. Called inside the
// append critical section so queue order matches commit order. A full
// queue drops the event for that region; the gap shows up as lag and is
// recoverable by repair in the other direction.
func (r *replicator) enqueue(e *ledger.Event) {
	for name, queue := range r.queues {
		select {
		case queue <- e:
		default:
			r.record(name, e, errors.NewOverloadError("replication queue full"))
		}
	}
}

func (r *replicator) record(regionName string, e *ledger.Event, err error) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	byRegion, ok := r.status[e.IncidentID]
	if !ok {
		byRegion = make(map[string]*RegionStatus)
		r.status[e.IncidentID] = byRegion
	}
	st, ok := byRegion[regionName]
	if !ok {
		st = &RegionStatus{Region: regionName}
		byRegion[regionName] = st
	}
	st.LastAttempt = time.Now().UTC()
	if err != nil {
		st.LastError = err.Error()
		st.Healthy = false
		r.metrics.RecordReplicationLag(regionName, float64(e.Sequence-st.LastSequence))
		return
	}
	st.LastSequence = e.Sequence
	st.LastError = ""
	st.Healthy = true
	r.metrics.RecordReplicationLag(regionName, 0)
}

func (r *replicator) regionByName(name string) *replicaRegion {
	for _, region := range r.regions {
		if region.name == name {
			return region
		}
	}
	return nil
}

func (r *replicator) statusFor(incidentID uuid.UUID) map[string]RegionStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	out := make(map[string]RegionStatus, len(r.regions))
	for _, region := range r.regions {
		if st, ok := r.status[incidentID][region.name]; ok {
			out[region.name] = *st
		} else {
			out[region.name] = RegionStatus{Region: region.name}
		}
	}
	return out
}

func (r *replicator) close() {
	close(r.done)
	r.wg.Wait()
}
