package syncer

import (
	"context"

	"github.com/driftline/driftline/internal/event"
)

// PullResult carries the events newer than the requested checkpoint plus
// the next checkpoint as decided by the remote authority.
type PullResult struct {
	Events         []event.Event
	NextCheckpoint string
}

// Transport is the request/response path to the remote authority. It is
// the correctness baseline; streaming is only an optimization on top.
type Transport interface {
	// Push submits a batch of local events under the given device id. The
	// remote deduplicates by event id, so resubmitting after a lost ack is
	// a safe no-op.
	Push(ctx context.Context, deviceID string, events []event.Event) error
	// Pull requests all remote events newer than the checkpoint.
	Pull(ctx context.Context, since string) (PullResult, error)
}

// Stream message kinds, in protocol order.
const (
	StreamKindStart    = "start"
	StreamKindBatch    = "batch"
	StreamKindComplete = "complete"
	StreamKindError    = "error"
)

// StreamMessage is one frame of the initial-sync stream protocol:
// start, then repeated batches, then complete or error.
type StreamMessage struct {
	Kind string

	// start
	TotalCount int

	// batch
	Events     []event.Event
	BatchIndex int
	IsLast     bool

	// complete
	ProcessedCount int
	NewCheckpoint  string

	// error
	Reason string
	Code   string
}

// StreamSession is an open initial-sync stream. Next blocks for the next
// frame; Close releases the underlying connection.
type StreamSession interface {
	Next() (StreamMessage, error)
	Close() error
}

// StreamOpener is the optional accelerated bulk catch-up path. Any failure
// here falls back transparently to Transport.Pull.
type StreamOpener interface {
	OpenInitialSync(ctx context.Context, since string) (StreamSession, error)
}
