package store

import (
	"context"
	"sync"
	"time"

	"github.com/sentinelops/sentinel-backend/internal/domain/ledger"
)

// streamLog is the commit-ordered feed behind Stream. Each committed event
// is recorded once; subscribers replay from a timestamp and then follow
// live appends. Restartable: a canceled subscriber can resume from the
// last timestamp it saw.
type streamLog struct {
	mu      sync.Mutex
	entries []streamEntry
	// wakeup is closed and replaced on every publish so idle subscribers
	// can wait without polling.
	wakeup chan struct{}
	buffer int
}

type streamEntry struct {
	committedAt time.Time
	event       *ledger.Event
}

func newStreamLog(buffer int) *streamLog {
	return &streamLog{
		wakeup: make(chan struct{}),
		buffer: buffer,
	}
}

// publish records a committed event and wakes subscribers.
func (s *streamLog) publish(e *ledger.Event) {
	s.mu.Lock()
	s.entries = append(s.entries, streamEntry{
		committedAt: time.Now().UTC(),
		event:       e,
	})
	close(s.wakeup)
	s.wakeup = make(chan struct{})
	s.mu.Unlock()
}

// subscribe returns a channel of events committed at or after from. The
// channel closes when ctx is canceled.
func (s *streamLog) subscribe(ctx context.Context, from time.Time) <-chan *ledger.Event {
	out := make(chan *ledger.Event, s.buffer)

	go func() {
		defer close(out)
		next := 0
		for {
			s.mu.Lock()
			entries := s.entries
			wakeup := s.wakeup
			s.mu.Unlock()

			for next < len(entries) {
				entry := entries[next]
				next++
				if entry.committedAt.Before(from) {
					continue
				}
				select {
				case out <- entry.event.Clone():
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-wakeup:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
