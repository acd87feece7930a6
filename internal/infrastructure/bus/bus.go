package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/metrics"
)

// Handler consumes delivered messages. Delivery is at-least-once, so
// handlers deduplicate on the message ID.
type Handler func(ctx context.Context, m *Message)

// SuspicionFunc is notified when a sender's traffic is dropped as
// suspicious; the consensus layer feeds this into byzantine scoring.
type SuspicionFunc func(senderID, reason string)

// Options tune bus behavior; zero values fall back to defaults.
type Options struct {
	QueueSize       int
	DeadLetterLimit int
	Metrics         *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 128
	}
	if o.DeadLetterLimit <= 0 {
		o.DeadLetterLimit = 256
	}
	return o
}

// DeadLetter is a message the bus could not deliver, kept for diagnosis.
type DeadLetter struct {
	Message   *Message  `json:"message"`
	Reason    string    `json:"reason"`
	DroppedAt time.Time `json:"dropped_at"`
}

// Bus routes signed messages between agents and the coordinator. It owns
// the subscription list: senders hold only a Bus handle, never each
// other. Per-recipient queues are bounded; overflow evicts the oldest
// non-consensus message first.
type Bus struct {
	opts         Options
	auth         Authenticator
	log          *slog.Logger
	onSuspicious SuspicionFunc

	mu       sync.RWMutex
	subs     map[string]*subscriber
	isolated map[string]bool

	dlqMu sync.Mutex
	dlq   []DeadLetter

	closed chan struct{}
}

type subscriber struct {
	id      string
	handler Handler

	mu    sync.Mutex
	queue []*Message
	wake  chan struct{}
	done  chan struct{}
}

// New builds a bus. A nil authenticator skips signature checks; only
// tests do that.
func New(opts Options, auth Authenticator, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		opts:     opts.withDefaults(),
		auth:     auth,
		log:      log,
		subs:     make(map[string]*subscriber),
		isolated: make(map[string]bool),
		closed:   make(chan struct{}),
	}
}

// OnSuspicious registers the suspicion callback. Must be set before
// traffic flows.
func (b *Bus) OnSuspicious(fn SuspicionFunc) {
	b.onSuspicious = fn
}

// Subscribe registers a handler for an agent id. Messages for that id,
// and broadcasts, are delivered in per-sender FIFO order by a dedicated
// worker.
func (b *Bus) Subscribe(agentID string, handler Handler) error {
	if agentID == "" || handler == nil {
		return errors.NewValidationError("INVALID_SUBSCRIPTION",
			"agent id and handler are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[agentID]; exists {
		return errors.NewValidationError("DUPLICATE_SUBSCRIPTION",
			"agent "+agentID+" is already subscribed")
	}

	sub := &subscriber{
		id:      agentID,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[agentID] = sub
	go b.deliver(sub)
	return nil
}

// Unsubscribe removes the handler and stops its worker. Queued messages
// are discarded.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	sub, ok := b.subs[agentID]
	if ok {
		delete(b.subs, agentID)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
		b.opts.Metrics.DropQueueDepth(agentID)
	}
}

// Publish verifies provenance and routes the message. Traffic from
// isolated senders or with bad signatures is dropped and reported as
// suspicious; the caller sees the authentication error.
func (b *Bus) Publish(ctx context.Context, m *Message) error {
	if m == nil {
		return errors.NewValidationError("MISSING_MESSAGE", "message is required")
	}

	b.mu.RLock()
	senderIsolated := b.isolated[m.SenderID]
	b.mu.RUnlock()
	if senderIsolated {
		b.suspicious(m, "sender is isolated")
		return errors.NewAuthenticationError("sender " + m.SenderID + " is isolated")
	}

	if b.auth != nil {
		if err := b.auth.Verify(ctx, m); err != nil {
			b.suspicious(m, err.Error())
			return err
		}
	}

	if m.Broadcast() {
		b.mu.RLock()
		targets := make([]*subscriber, 0, len(b.subs))
		for id, sub := range b.subs {
			if id == m.SenderID {
				continue
			}
			targets = append(targets, sub)
		}
		b.mu.RUnlock()
		for _, sub := range targets {
			b.enqueue(sub, m.clone())
		}
		return nil
	}

	b.mu.RLock()
	sub, ok := b.subs[m.RecipientID]
	b.mu.RUnlock()
	if !ok {
		b.deadLetter(m, "no subscriber for recipient")
		return errors.NewNotFoundError("subscriber " + m.RecipientID)
	}
	b.enqueue(sub, m.clone())
	return nil
}

// Broadcast addresses the message to every subscriber except the sender.
func (b *Bus) Broadcast(ctx context.Context, m *Message) error {
	if m == nil {
		return errors.NewValidationError("MISSING_MESSAGE", "message is required")
	}
	m.RecipientID = BroadcastRecipient
	return b.Publish(ctx, m)
}

// IsolateSender drops all future traffic from the sender.
func (b *Bus) IsolateSender(senderID string) {
	b.mu.Lock()
	b.isolated[senderID] = true
	b.mu.Unlock()
	b.log.Warn("sender isolated on bus", slog.String("sender_id", senderID))
}

// ReinstateSender lifts an isolation.
func (b *Bus) ReinstateSender(senderID string) {
	b.mu.Lock()
	delete(b.isolated, senderID)
	b.mu.Unlock()
}

// DeadLetters returns a copy of the undeliverable-message ring.
func (b *Bus) DeadLetters() []DeadLetter {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	out := make([]DeadLetter, len(b.dlq))
	copy(out, b.dlq)
	return out
}

// Close stops all delivery workers.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
	}
	close(b.closed)
}

// enqueue appends to the recipient's bounded queue. On overflow the
// oldest non-consensus message is evicted to the dead-letter ring; when
// the queue is all consensus traffic the oldest message goes.
func (b *Bus) enqueue(sub *subscriber, m *Message) {
	sub.mu.Lock()
	if len(sub.queue) >= b.opts.QueueSize {
		evictIdx := 0
		for i, queued := range sub.queue {
			if queued.Type != MessageConsensus {
				evictIdx = i
				break
			}
		}
		evicted := sub.queue[evictIdx]
		sub.queue = append(sub.queue[:evictIdx], sub.queue[evictIdx+1:]...)

		b.deadLetter(evicted, "queue overflow at recipient "+sub.id)
		b.log.Warn("queue overflow",
			slog.String("recipient_id", sub.id),
			slog.String("evicted_type", string(evicted.Type)),
			slog.String("evicted_sender", evicted.SenderID))
	}
	sub.queue = append(sub.queue, m)
	depth := len(sub.queue)
	sub.mu.Unlock()
	b.opts.Metrics.RecordQueueDepth(sub.id, depth)

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) deliver(sub *subscriber) {
	for {
		sub.mu.Lock()
		var m *Message
		if len(sub.queue) > 0 {
			m = sub.queue[0]
			sub.queue = sub.queue[1:]
		}
		depth := len(sub.queue)
		sub.mu.Unlock()
		b.opts.Metrics.RecordQueueDepth(sub.id, depth)

		if m != nil {
			sub.handler(context.Background(), m)
			continue
		}

		select {
		case <-sub.wake:
		case <-sub.done:
			return
		}
	}
}

func (b *Bus) suspicious(m *Message, reason string) {
	b.log.Warn("suspicious message dropped",
		slog.String("sender_id", m.SenderID),
		slog.String("message_type", string(m.Type)),
		slog.String("reason", reason))
	if b.onSuspicious != nil {
		b.onSuspicious(m.SenderID, reason)
	}
}

func (b *Bus) deadLetter(m *Message, reason string) {
	b.opts.Metrics.RecordDeadLetter()
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	if len(b.dlq) >= b.opts.DeadLetterLimit {
		b.dlq = b.dlq[1:]
	}
	b.dlq = append(b.dlq, DeadLetter{
		Message:   m.clone(),
		Reason:    reason,
		DroppedAt: time.Now().UTC(),
	})
}
