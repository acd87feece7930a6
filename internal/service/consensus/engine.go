package consensus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/consensus"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/metrics"
)

// Transport carries protocol messages to the other nodes. The engine
// never holds its lock across a Broadcast.
type Transport interface {
	Broadcast(ctx context.Context, m *consensus.Message) error
}

// Signer signs outgoing messages and verifies incoming ones.
type Signer interface {
	Sign(ctx context.Context, m *consensus.Message) error
	Verify(ctx context.Context, m *consensus.Message) error
}

// DecisionFunc receives each decided proposal exactly once.
type DecisionFunc func(ctx context.Context, sequence uint64, p *consensus.Proposal)

// IsolationFunc is notified when a peer crosses the suspicion threshold.
type IsolationFunc func(peerID, reason string)

// Options tune the engine; zero values fall back to defaults.
type Options struct {
	NodeID          string
	Peers           []string
	RoundTimeout    time.Duration
	FutureWindow    uint64
	SuspicionLimit  int
	SuspicionWindow time.Duration
	MaxActiveRounds int
	Metrics         *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.RoundTimeout <= 0 {
		o.RoundTimeout = 10 * time.Second
	}
	if o.FutureWindow == 0 {
		o.FutureWindow = 32
	}
	if o.SuspicionLimit <= 0 {
		o.SuspicionLimit = 3
	}
	if o.SuspicionWindow <= 0 {
		o.SuspicionWindow = time.Minute
	}
	if o.MaxActiveRounds <= 0 {
		o.MaxActiveRounds = 64
	}
	return o
}

type roundKey struct {
	view     uint64
	sequence uint64
}

// Status is a diagnostic dump of engine state.
type Status struct {
	NodeID       string   `json:"node_id"`
	View         uint64   `json:"view"`
	NextSequence uint64   `json:"next_sequence"`
	Primary      string   `json:"primary"`
	ActiveRounds int      `json:"active_rounds"`
	DecidedCount int      `json:"decided_count"`
	Isolated     []string `json:"isolated"`
	Peers        []string `json:"peers"`
}

// Engine drives the three-phase protocol on one node. n peers tolerate
// f = (n-1)/3 byzantine nodes with a quorum of 2f+1.
type Engine struct {
	opts      Options
	peers     []string
	f         int
	quorum    int
	transport Transport
	signer    Signer
	log       *slog.Logger

	onDecided DecisionFunc
	onIsolate IsolationFunc

	mu           sync.Mutex
	view         uint64
	nextSequence uint64
	rounds       map[roundKey]*consensus.Round
	pending      map[uint64]*consensus.Proposal
	decided      map[uint64]*consensus.Proposal
	isolated     map[string]bool
	suspicions   map[string][]time.Time
	future       []*consensus.Message
	viewChanges  map[uint64]map[string]*consensus.Message
	timers       map[roundKey]*time.Timer
	// decisionQueue holds decided sequences awaiting emission; the
	// callback runs outside the lock.
	decisionQueue []uint64
	closed        bool
}

// NewEngine builds the engine. Peers must include the local node id.
func NewEngine(opts Options, transport Transport, signer Signer, log *slog.Logger) (*Engine, error) {
	opts = opts.withDefaults()
	if opts.NodeID == "" {
		return nil, errors.NewValidationError("MISSING_NODE_ID", "node id is required")
	}
	if len(opts.Peers) < 4 {
		return nil, errors.NewValidationError("TOO_FEW_PEERS",
			"byzantine tolerance needs at least 4 peers")
	}
	peers := make([]string, len(opts.Peers))
	copy(peers, opts.Peers)
	sort.Strings(peers)
	self := false
	for _, p := range peers {
		if p == opts.NodeID {
			self = true
			break
		}
	}
	if !self {
		return nil, errors.NewValidationError("NODE_NOT_IN_PEERS",
			"local node must be in the peer set")
	}
	if log == nil {
		log = slog.Default()
	}

	n := len(peers)
	f := (n - 1) / 3
	return &Engine{
		opts:        opts,
		peers:       peers,
		f:           f,
		quorum:      2*f + 1,
		transport:   transport,
		signer:      signer,
		log:         log.With(slog.String("node_id", opts.NodeID)),
		rounds:      make(map[roundKey]*consensus.Round),
		pending:     make(map[uint64]*consensus.Proposal),
		decided:     make(map[uint64]*consensus.Proposal),
		isolated:    make(map[string]bool),
		suspicions:  make(map[string][]time.Time),
		viewChanges: make(map[uint64]map[string]*consensus.Message),
		timers:      make(map[roundKey]*time.Timer),
	}, nil
}

// OnDecided registers the decision sink. Must be set before proposals flow.
func (e *Engine) OnDecided(fn DecisionFunc) {
	e.onDecided = fn
}

// OnIsolate registers the isolation callback (typically bus isolation).
func (e *Engine) OnIsolate(fn IsolationFunc) {
	e.onIsolate = fn
}

// Close stops all round timers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = make(map[roundKey]*time.Timer)
}

func (e *Engine) primaryFor(view uint64) string {
	return e.peers[view%uint64(len(e.peers))]
}

// Primary returns the current view's primary.
func (e *Engine) Primary() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primaryFor(e.view)
}

// IsPrimary reports whether the local node leads the current view.
func (e *Engine) IsPrimary() bool {
	return e.Primary() == e.opts.NodeID
}

// Isolated reports whether a peer has been excluded from quorums.
func (e *Engine) Isolated(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isolated[peerID]
}

// Status returns a diagnostic dump.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	isolated := make([]string, 0, len(e.isolated))
	for id := range e.isolated {
		isolated = append(isolated, id)
	}
	sort.Strings(isolated)
	active := 0
	for _, r := range e.rounds {
		if !r.Phase.Terminal() {
			active++
		}
	}
	return Status{
		NodeID:       e.opts.NodeID,
		View:         e.view,
		NextSequence: e.nextSequence,
		Primary:      e.primaryFor(e.view),
		ActiveRounds: active,
		DecidedCount: len(e.decided),
		Isolated:     isolated,
		Peers:        append([]string(nil), e.peers...),
	}
}

// Propose initiates consensus over a recommendation. Only the current
// primary may propose; a depleted quorum refuses with quorum-unavailable.
func (e *Engine) Propose(ctx context.Context, rec *agent.Recommendation) (*consensus.Proposal, error) {
	proposal, err := consensus.NewProposal(rec, e.opts.NodeID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.primaryFor(e.view) != e.opts.NodeID {
		e.mu.Unlock()
		return nil, errors.NewValidationError("NOT_PRIMARY",
			"only the primary for view may propose").
			WithDetail("primary", e.Primary())
	}
	if live := len(e.peers) - len(e.isolated); live < e.quorum {
		e.mu.Unlock()
		return nil, errors.NewQuorumUnavailableError(
			"live nodes below quorum, refusing new proposals").
			WithDetail("live", live).
			WithDetail("quorum", e.quorum)
	}
	active := 0
	for _, r := range e.rounds {
		if !r.Phase.Terminal() {
			active++
		}
	}
	if active >= e.opts.MaxActiveRounds {
		e.mu.Unlock()
		return nil, errors.NewOverloadError("outstanding consensus rounds at limit").
			WithDetail("max_active_rounds", e.opts.MaxActiveRounds)
	}

	e.nextSequence++
	sequence := e.nextSequence
	e.pending[sequence] = proposal
	out := e.openRoundLocked(e.view, sequence, proposal)
	prePrepare := &consensus.Message{
		Type:      consensus.MsgPrePrepare,
		View:      e.view,
		Sequence:  sequence,
		Digest:    proposal.Digest,
		SenderID:  e.opts.NodeID,
		Timestamp: time.Now().UTC(),
		Proposal:  proposal,
	}
	out = append([]*consensus.Message{prePrepare}, out...)
	e.mu.Unlock()

	e.flush(ctx, out)
	return proposal, nil
}

// HandleMessage feeds one protocol message into the engine; the bus
// subscription calls this for every consensus envelope.
func (e *Engine) HandleMessage(ctx context.Context, m *consensus.Message) error {
	if err := m.Validate(); err != nil {
		e.Suspect(m.SenderID, "malformed consensus message")
		return err
	}
	if e.signer != nil {
		if err := e.signer.Verify(ctx, m); err != nil {
			e.Suspect(m.SenderID, "invalid signature")
			return err
		}
	}

	e.mu.Lock()
	if e.isolated[m.SenderID] {
		e.mu.Unlock()
		e.log.Debug("dropping message from isolated peer",
			slog.String("sender_id", m.SenderID))
		return nil
	}

	var out []*consensus.Message
	switch m.Type {
	case consensus.MsgPrePrepare:
		out = e.handlePrePrepareLocked(m)
	case consensus.MsgPrepare:
		out = e.handlePrepareLocked(m)
	case consensus.MsgCommit:
		e.handleCommitLocked(m)
	case consensus.MsgViewChange:
		out = e.handleViewChangeLocked(m)
	case consensus.MsgNewView:
		e.handleNewViewLocked(m)
	}
	e.mu.Unlock()

	e.flush(ctx, out)
	return nil
}

// flush broadcasts outgoing messages and emits queued decisions, both
// outside the engine lock.
func (e *Engine) flush(ctx context.Context, out []*consensus.Message) {
	e.send(ctx, out)
	e.mu.Lock()
	decided := e.decisionQueue
	e.decisionQueue = nil
	e.mu.Unlock()
	for _, seq := range decided {
		e.emitDecision(ctx, seq)
	}
}

// openRoundLocked creates the round, records the local prepare vote, and
// returns the local PREPARE broadcast. Also arms the round timer and
// replays any buffered future messages for the round.
func (e *Engine) openRoundLocked(view, sequence uint64, proposal *consensus.Proposal) []*consensus.Message {
	key := roundKey{view, sequence}
	deadline := time.Now().UTC().Add(e.opts.RoundTimeout)
	round := consensus.NewRound(view, sequence, proposal, deadline)
	e.rounds[key] = round

	prepare := &consensus.Message{
		Type:      consensus.MsgPrepare,
		View:      view,
		Sequence:  sequence,
		Digest:    proposal.Digest,
		SenderID:  e.opts.NodeID,
		Timestamp: time.Now().UTC(),
	}
	round.RecordPrepare(prepare)
	_ = round.EnterPrepare()

	e.timers[key] = time.AfterFunc(e.opts.RoundTimeout, func() {
		e.onRoundTimeout(key)
	})

	out := []*consensus.Message{prepare}
	out = append(out, e.drainFutureLocked(key)...)
	return out
}

func (e *Engine) handlePrePrepareLocked(m *consensus.Message) []*consensus.Message {
	if m.View < e.view {
		return nil
	}
	if m.View > e.view {
		e.bufferFutureLocked(m)
		return nil
	}
	if m.SenderID != e.primaryFor(m.View) {
		e.suspectLocked(m.SenderID, "pre-prepare from non-primary")
		return nil
	}
	if _, done := e.decided[m.Sequence]; done {
		return nil
	}
	if m.Sequence > e.nextSequence+e.opts.FutureWindow {
		e.log.Debug("dropping pre-prepare beyond future window",
			slog.Uint64("sequence", m.Sequence))
		return nil
	}

	key := roundKey{m.View, m.Sequence}
	if existing, ok := e.rounds[key]; ok {
		if existing.Digest != m.Digest {
			// Conflicting pre-prepare for the same slot: one byzantine mark.
			e.suspectLocked(m.SenderID, "conflicting pre-prepare")
		}
		return nil
	}

	e.pending[m.Sequence] = m.Proposal
	if m.Sequence > e.nextSequence {
		e.nextSequence = m.Sequence
	}
	return e.openRoundLocked(m.View, m.Sequence, m.Proposal)
}

func (e *Engine) handlePrepareLocked(m *consensus.Message) []*consensus.Message {
	round, ok := e.lookupRoundLocked(m)
	if !ok || round == nil {
		return nil
	}
	if round.Digest != m.Digest {
		e.suspectLocked(m.SenderID, "prepare digest conflicts with round")
		return nil
	}
	round.RecordPrepare(m)

	if round.Phase == consensus.PhasePrepare && round.Prepared(e.quorum) {
		if err := round.EnterCommit(); err == nil {
			commit := &consensus.Message{
				Type:      consensus.MsgCommit,
				View:      m.View,
				Sequence:  m.Sequence,
				Digest:    round.Digest,
				SenderID:  e.opts.NodeID,
				Timestamp: time.Now().UTC(),
			}
			round.RecordCommit(commit)
			return []*consensus.Message{commit}
		}
	}
	return nil
}

func (e *Engine) handleCommitLocked(m *consensus.Message) {
	round, ok := e.lookupRoundLocked(m)
	if !ok || round == nil {
		return
	}
	if round.Digest != m.Digest {
		e.suspectLocked(m.SenderID, "commit digest conflicts with round")
		return
	}
	round.RecordCommit(m)

	if round.Phase == consensus.PhaseCommit && round.Committed(e.quorum) {
		if err := round.Decide(); err == nil {
			e.decided[m.Sequence] = round.DecidedValue
			delete(e.pending, m.Sequence)
			e.stopTimerLocked(roundKey{m.View, m.Sequence})
			e.decisionQueue = append(e.decisionQueue, m.Sequence)
			e.opts.Metrics.RecordDecision()
		}
	}
}

// lookupRoundLocked finds the round for a vote, buffering future-view
// traffic. Votes for decided rounds are accepted but inert.
func (e *Engine) lookupRoundLocked(m *consensus.Message) (*consensus.Round, bool) {
	if m.View > e.view {
		e.bufferFutureLocked(m)
		return nil, false
	}
	round, ok := e.rounds[roundKey{m.View, m.Sequence}]
	if !ok {
		// A vote can arrive before our pre-prepare: buffer within window.
		if m.Sequence <= e.nextSequence+e.opts.FutureWindow {
			e.bufferFutureLocked(m)
		}
		return nil, false
	}
	return round, true
}

func (e *Engine) bufferFutureLocked(m *consensus.Message) {
	if uint64(len(e.future)) >= e.opts.FutureWindow*4 {
		e.future = e.future[1:]
	}
	e.future = append(e.future, m)
}

// drainFutureLocked replays buffered votes that now have a round.
func (e *Engine) drainFutureLocked(key roundKey) []*consensus.Message {
	var out []*consensus.Message
	kept := e.future[:0]
	for _, m := range e.future {
		if m.View != key.view || m.Sequence != key.sequence || e.isolated[m.SenderID] {
			kept = append(kept, m)
			continue
		}
		switch m.Type {
		case consensus.MsgPrepare:
			out = append(out, e.handlePrepareLocked(m)...)
		case consensus.MsgCommit:
			e.handleCommitLocked(m)
		}
	}
	e.future = kept
	return out
}

func (e *Engine) onRoundTimeout(key roundKey) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	round, ok := e.rounds[key]
	if !ok || round.Phase.Terminal() {
		e.mu.Unlock()
		return
	}
	_ = round.Abort()
	e.opts.Metrics.RecordRound("timed_out")
	e.log.Warn("consensus round timed out",
		slog.Uint64("view", key.view),
		slog.Uint64("sequence", key.sequence))
	out := e.startViewChangeLocked()
	e.mu.Unlock()

	e.flush(context.Background(), out)
}

// startViewChangeLocked broadcasts VIEW_CHANGE for view+1 and records
// the local vote.
func (e *Engine) startViewChangeLocked() []*consensus.Message {
	newView := e.view + 1
	var lastDecided uint64
	for seq := range e.decided {
		if seq > lastDecided {
			lastDecided = seq
		}
	}
	vc := &consensus.Message{
		Type:                consensus.MsgViewChange,
		View:                newView,
		SenderID:            e.opts.NodeID,
		Timestamp:           time.Now().UTC(),
		LastDecidedSequence: lastDecided,
	}
	e.recordViewChangeLocked(vc)
	out := []*consensus.Message{vc}
	out = append(out, e.maybeCompleteViewChangeLocked(newView)...)
	return out
}

func (e *Engine) recordViewChangeLocked(m *consensus.Message) {
	votes, ok := e.viewChanges[m.View]
	if !ok {
		votes = make(map[string]*consensus.Message)
		e.viewChanges[m.View] = votes
	}
	votes[m.SenderID] = m
}

func (e *Engine) handleViewChangeLocked(m *consensus.Message) []*consensus.Message {
	if m.View <= e.view {
		return nil
	}
	e.recordViewChangeLocked(m)
	return e.maybeCompleteViewChangeLocked(m.View)
}

// maybeCompleteViewChangeLocked adopts the new view once 2f+1 nodes
// demand it. The new primary announces NEW_VIEW and re-proposes every
// undecided sequence.
func (e *Engine) maybeCompleteViewChangeLocked(newView uint64) []*consensus.Message {
	votes := e.viewChanges[newView]
	if len(votes) < e.quorum || newView <= e.view {
		return nil
	}

	e.adoptViewLocked(newView)
	if e.primaryFor(newView) != e.opts.NodeID {
		return nil
	}

	pendingSeqs := make([]uint64, 0, len(e.pending))
	for seq := range e.pending {
		pendingSeqs = append(pendingSeqs, seq)
	}
	sort.Slice(pendingSeqs, func(i, j int) bool { return pendingSeqs[i] < pendingSeqs[j] })

	out := []*consensus.Message{{
		Type:             consensus.MsgNewView,
		View:             newView,
		SenderID:         e.opts.NodeID,
		Timestamp:        time.Now().UTC(),
		PendingSequences: pendingSeqs,
	}}

	// Re-propose undecided sequences under the new view.
	for _, seq := range pendingSeqs {
		proposal := e.pending[seq]
		prePrepare := &consensus.Message{
			Type:      consensus.MsgPrePrepare,
			View:      newView,
			Sequence:  seq,
			Digest:    proposal.Digest,
			SenderID:  e.opts.NodeID,
			Timestamp: time.Now().UTC(),
			Proposal:  proposal,
		}
		out = append(out, prePrepare)
		out = append(out, e.openRoundLocked(newView, seq, proposal)...)
	}
	return out
}

func (e *Engine) handleNewViewLocked(m *consensus.Message) {
	if m.View < e.view {
		return
	}
	if m.SenderID != e.primaryFor(m.View) {
		e.suspectLocked(m.SenderID, "new-view from non-primary")
		return
	}
	if m.View > e.view {
		e.adoptViewLocked(m.View)
	}
}

// adoptViewLocked moves to the new view and aborts stale rounds.
func (e *Engine) adoptViewLocked(newView uint64) {
	if newView <= e.view {
		return
	}
	e.view = newView
	for key, round := range e.rounds {
		if key.view < newView && !round.Phase.Terminal() {
			_ = round.Abort()
			e.opts.Metrics.RecordRound("aborted")
			e.stopTimerLocked(key)
		}
	}
	delete(e.viewChanges, newView)
	e.opts.Metrics.RecordViewChange()
	e.log.Info("adopted view",
		slog.Uint64("view", newView),
		slog.String("primary", e.primaryFor(newView)))
}

// Suspect reports suspicious behavior by a peer; crossing the threshold
// within the sliding window isolates it.
func (e *Engine) Suspect(peerID, reason string) {
	if peerID == "" || peerID == e.opts.NodeID {
		return
	}
	e.mu.Lock()
	out := e.suspectAndCollectLocked(peerID, reason)
	e.mu.Unlock()
	e.flush(context.Background(), out)
}

// suspectLocked is the internal form used while already holding the lock;
// any forced view change is deferred through the returned messages of the
// calling handler path.
func (e *Engine) suspectLocked(peerID, reason string) {
	out := e.suspectAndCollectLocked(peerID, reason)
	if len(out) > 0 {
		go e.flush(context.Background(), out)
	}
}

func (e *Engine) suspectAndCollectLocked(peerID, reason string) []*consensus.Message {
	if e.isolated[peerID] {
		return nil
	}
	now := time.Now().UTC()
	window := e.suspicions[peerID]
	kept := window[:0]
	for _, t := range window {
		if now.Sub(t) <= e.opts.SuspicionWindow {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	e.suspicions[peerID] = kept

	e.log.Warn("suspicious peer behavior",
		slog.String("peer_id", peerID),
		slog.String("reason", reason),
		slog.Int("count", len(kept)))

	if len(kept) < e.opts.SuspicionLimit {
		return nil
	}
	return e.isolateLocked(peerID, reason)
}

// isolateLocked excludes a peer from all quorums. If it was the primary,
// a view change is forced.
func (e *Engine) isolateLocked(peerID, reason string) []*consensus.Message {
	e.isolated[peerID] = true
	delete(e.suspicions, peerID)
	for _, round := range e.rounds {
		if !round.Phase.Terminal() {
			round.PruneVoter(peerID)
		}
	}
	e.opts.Metrics.RecordIsolation()
	e.log.Warn("peer isolated",
		slog.String("peer_id", peerID),
		slog.String("reason", reason))

	if e.onIsolate != nil {
		go e.onIsolate(peerID, reason)
	}

	if peerID == e.primaryFor(e.view) {
		return e.startViewChangeLocked()
	}
	return nil
}

func (e *Engine) stopTimerLocked(key roundKey) {
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

func (e *Engine) emitDecision(ctx context.Context, sequence uint64) {
	e.mu.Lock()
	proposal := e.decided[sequence]
	e.mu.Unlock()
	if proposal == nil {
		return
	}
	e.log.Info("consensus decided",
		slog.Uint64("sequence", sequence),
		slog.String("incident_id", proposal.IncidentID.String()),
		slog.String("digest", proposal.Digest))
	if e.onDecided != nil {
		e.onDecided(ctx, sequence, proposal)
	}
}

// send signs and broadcasts outside the engine lock.
func (e *Engine) send(ctx context.Context, out []*consensus.Message) {
	for _, m := range out {
		if e.signer != nil && m.SenderID == e.opts.NodeID {
			if err := e.signer.Sign(ctx, m); err != nil {
				e.log.Error("consensus message signing failed",
					slog.String("type", string(m.Type)),
					slog.String("error", err.Error()))
				continue
			}
		}
		if err := e.transport.Broadcast(ctx, m); err != nil {
			e.log.Warn("consensus broadcast failed",
				slog.String("type", string(m.Type)),
				slog.String("error", err.Error()))
		}
	}
}

// DecidedProposal returns the decided value for a sequence, nil if the
// sequence has not decided.
func (e *Engine) DecidedProposal(sequence uint64) *consensus.Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decided[sequence]
}

// WaitForProposal blocks until the proposal with the given digest
// decides or the context expires. The coordinator uses this when it
// re-proposes after a failed action, so an earlier decision for the
// same incident cannot satisfy the wait.
func (e *Engine) WaitForProposal(ctx context.Context, digest string) (*consensus.Proposal, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		for _, p := range e.decided {
			if p.Digest == digest {
				e.mu.Unlock()
				return p, nil
			}
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, errors.NewConsensusTimeoutError(
				"no decision for proposal " + digest).WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitForDecision blocks until the incident's proposal decides or the
// context expires, surfacing consensus-timeout on deadline.
func (e *Engine) WaitForDecision(ctx context.Context, incidentID uuid.UUID) (*consensus.Proposal, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		for _, p := range e.decided {
			if p.IncidentID == incidentID {
				e.mu.Unlock()
				return p, nil
			}
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, errors.NewConsensusTimeoutError(
				"no decision for incident " + incidentID.String()).WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}
