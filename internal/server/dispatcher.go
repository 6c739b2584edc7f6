package server

import (
	"context"
	"sync"
	"time"
)

// ChangeMessage notifies subscribers that projections changed locally or
// through sync.
type ChangeMessage struct {
	EntityIDs []string
	Timestamp time.Time
}

// ChangeDispatcher fans projection changes out to in-process subscribers
// (the SSE feed, or any embedding UI layer). Slow subscribers drop
// messages rather than block the publisher; the projection table is always
// the source of truth, the feed is only a wake-up signal.
type ChangeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan ChangeMessage
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

// NewChangeDispatcher constructs a dispatcher with a small per-subscriber
// buffer.
func NewChangeDispatcher(clock func() time.Time) *ChangeDispatcher {
	if clock == nil {
		clock = time.Now
	}
	return &ChangeDispatcher{
		subscribers: make(map[int64]chan ChangeMessage),
		bufferSize:  16,
		clock:       clock,
	}
}

// Subscribe registers a change listener that lives until the context ends
// or the returned cancel function runs.
func (d *ChangeDispatcher) Subscribe(ctx context.Context) (<-chan ChangeMessage, func()) {
	stream := make(chan ChangeMessage, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// EntitiesChanged implements projector.Notifier.
func (d *ChangeDispatcher) EntitiesChanged(entityIDs []string) {
	if len(entityIDs) == 0 {
		return
	}
	message := ChangeMessage{EntityIDs: entityIDs, Timestamp: d.clock().UTC()}

	d.mu.RLock()
	streams := make([]chan ChangeMessage, 0, len(d.subscribers))
	for _, stream := range d.subscribers {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- message:
		default:
		}
	}
}
