package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/driftline/driftline/internal/event"
	"github.com/driftline/driftline/internal/projector"
	"go.uber.org/zap"
)

// ConnectionState reflects the coordinator's transport lifecycle.
type ConnectionState int32

const (
	// StateDisconnected means no cycle is running against the remote.
	StateDisconnected ConnectionState = iota
	// StateConnecting means catch-up is in progress.
	StateConnecting
	// StateConnected means push/pull cycles are live.
	StateConnected
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	errMissingTransport   = errors.New("transport is required")
	errMissingEventStore  = errors.New("event store is required")
	errMissingApplier     = errors.New("applier is required")
	errMissingStateStore  = errors.New("state store is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errStreamUnavailable  = errors.New("syncer: stream transport unavailable")
	errStreamInterrupted  = errors.New("syncer: stream ended before completion")
	errStreamBadFrame     = errors.New("syncer: unexpected stream frame")
	noOpLogger            = zap.NewNop()
	defaultSweepInterval  = 5 * time.Second
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = time.Minute
	// Progress callbacks are throttled so bulk catch-up cannot overwhelm
	// observers.
	progressMinInterval = 100 * time.Millisecond
)

// EventStore is the slice of the event log the coordinator needs.
type EventStore interface {
	ListUnsynced(ctx context.Context) ([]event.Event, error)
	MarkSynced(ctx context.Context, eventIDs []string, syncedAt time.Time) error
	InsertPulled(ctx context.Context, events []event.Event) error
}

// Applier projects remote events into local state.
type Applier interface {
	Project(ctx context.Context, events []event.Event) (projector.Result, error)
}

// ProgressFunc observes bulk catch-up progress.
type ProgressFunc func(processed, total int)

// Config carries the dependencies for the sync coordinator. State that the
// original design kept global (checkpoint, device id) is injected here as an
// explicitly owned store.
type Config struct {
	Transport   Transport
	Streams     StreamOpener // optional accelerated path
	Events      EventStore
	Projections Applier
	State       *StateStore
	IDProvider  IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
	Progress    ProgressFunc

	SweepInterval  time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Coordinator owns the connection lifecycle and all push/pull cycles. One
// goroutine (Run) performs every cycle, so push, pull, and stream never
// interleave.
type Coordinator struct {
	transport   Transport
	streams     StreamOpener
	events      EventStore
	projections Applier
	state       *StateStore
	ids         IDProvider
	clock       func() time.Time
	logger      *zap.Logger
	progress    ProgressFunc

	sweepInterval  time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	connState atomic.Int32
	trigger   chan struct{}

	// deviceID is resolved once per connection and cached.
	deviceID string

	lastProgressAt time.Time
}

// NewCoordinator validates dependencies and constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Events == nil {
		return nil, errMissingEventStore
	}
	if cfg.Projections == nil {
		return nil, errMissingApplier
	}
	if cfg.State == nil {
		return nil, errMissingStateStore
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = defaultMaxBackoff
	}

	return &Coordinator{
		transport:      cfg.Transport,
		streams:        cfg.Streams,
		events:         cfg.Events,
		projections:    cfg.Projections,
		state:          cfg.State,
		ids:            cfg.IDProvider,
		clock:          clock,
		logger:         logger,
		progress:       cfg.Progress,
		sweepInterval:  sweep,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		trigger:        make(chan struct{}, 1),
	}, nil
}

// ConnectionState reports the current lifecycle state.
func (c *Coordinator) ConnectionState() ConnectionState {
	return ConnectionState(c.connState.Load())
}

// TriggerPush requests an immediate push cycle. Safe from any goroutine;
// signals coalesce, so calling it once per appended event is cheap.
func (c *Coordinator) TriggerPush() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run drives connect, catch-up, and push/pull cycles until the context is
// cancelled. Transport failures drop the connection and reconnect with
// exponential backoff capped at the configured maximum; they never corrupt
// local state, and retried cycles are safe because projection is
// idempotent.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)

	backoff := c.initialBackoff
	for {
		c.setState(StateConnecting)
		err := c.catchUp(ctx)
		if err == nil {
			c.setState(StateConnected)
			c.logger.Info("sync connected")
			backoff = c.initialBackoff
			err = c.cycle(ctx)
		}

		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("sync connection lost",
			zap.Error(err),
			zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

// catchUp brings local state current: streaming bulk sync when available,
// falling back transparently to the request/response pull, then a push of
// anything pending.
func (c *Coordinator) catchUp(ctx context.Context) error {
	if err := c.StreamInitialSync(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, errStreamUnavailable) {
			c.logger.Warn("stream sync failed, falling back to pull", zap.Error(err))
		}
		if err := c.Pull(ctx); err != nil {
			return err
		}
	}
	return c.PushPending(ctx)
}

// cycle runs the steady state: immediate pushes on trigger, and a
// periodic sweep that both pushes and pulls as a safety net.
func (c *Coordinator) cycle(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.trigger:
			if err := c.PushPending(ctx); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.PushPending(ctx); err != nil {
				return err
			}
			if err := c.Pull(ctx); err != nil {
				return err
			}
		}
	}
}

// PushPending sends every schema-valid unsynced event to the remote and
// records the acknowledgement. A crash between submission and
// acknowledgement leaves the events unsynced locally; the next push resends
// them and the remote's id-based dedupe makes that a no-op.
func (c *Coordinator) PushPending(ctx context.Context) error {
	pending, err := c.events.ListUnsynced(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	deviceID, err := c.resolveDeviceID(ctx)
	if err != nil {
		return err
	}

	if err := c.transport.Push(ctx, deviceID, pending); err != nil {
		return fmt.Errorf("syncer: push failed: %w", err)
	}

	ids := make([]string, 0, len(pending))
	for _, evt := range pending {
		ids = append(ids, evt.EventID)
	}
	if err := c.events.MarkSynced(ctx, ids, c.clock().UTC()); err != nil {
		return err
	}

	c.logger.Debug("pushed pending events", zap.Int("count", len(pending)))
	return nil
}

// Pull fetches remote events newer than the persisted checkpoint, projects
// them in the delivered order, and then advances the checkpoint to the
// value chosen by the remote authority.
func (c *Coordinator) Pull(ctx context.Context) error {
	since, err := c.state.Checkpoint(ctx)
	if err != nil {
		return err
	}

	result, err := c.transport.Pull(ctx, since)
	if err != nil {
		return fmt.Errorf("syncer: pull failed: %w", err)
	}

	if err := c.absorb(ctx, result.Events); err != nil {
		return err
	}

	if result.NextCheckpoint != "" {
		if err := c.state.SaveCheckpoint(ctx, result.NextCheckpoint); err != nil {
			return err
		}
	}
	return nil
}

// StreamInitialSync performs bulk catch-up over the streaming transport.
// The checkpoint advances only on a complete frame; a cancelled or failed
// stream leaves it untouched so the next attempt resumes from the last
// fully committed point.
func (c *Coordinator) StreamInitialSync(ctx context.Context) error {
	if c.streams == nil {
		return errStreamUnavailable
	}

	since, err := c.state.Checkpoint(ctx)
	if err != nil {
		return err
	}

	session, err := c.streams.OpenInitialSync(ctx, since)
	if err != nil {
		return fmt.Errorf("%w: %v", errStreamUnavailable, err)
	}
	defer session.Close() //nolint:errcheck

	total := 0
	processed := 0
	for {
		message, err := session.Next()
		if err != nil {
			return fmt.Errorf("%w: %v", errStreamInterrupted, err)
		}

		switch message.Kind {
		case StreamKindStart:
			total = message.TotalCount
			c.reportProgress(0, total, true)
		case StreamKindBatch:
			if err := c.absorb(ctx, message.Events); err != nil {
				return err
			}
			processed += len(message.Events)
			c.reportProgress(processed, total, false)
		case StreamKindComplete:
			if message.NewCheckpoint != "" {
				if err := c.state.SaveCheckpoint(ctx, message.NewCheckpoint); err != nil {
					return err
				}
			}
			c.reportProgress(processed, total, true)
			c.logger.Info("stream sync complete",
				zap.Int("processed", processed),
				zap.Int("remote_processed", message.ProcessedCount))
			return nil
		case StreamKindError:
			return fmt.Errorf("syncer: stream error %s: %s", message.Code, message.Reason)
		default:
			return fmt.Errorf("%w: %q", errStreamBadFrame, message.Kind)
		}
	}
}

// absorb stores and projects a slice of remote events, dropping payload
// schemas older than the supported minimum. Dropped events are a
// diagnostic, not an error.
func (c *Coordinator) absorb(ctx context.Context, events []event.Event) error {
	kept := make([]event.Event, 0, len(events))
	for _, evt := range events {
		if evt.PayloadVersion < event.MinSupportedPayloadVersion {
			c.logger.Debug("skipping event below supported payload version",
				zap.String("event_id", evt.EventID),
				zap.Int("payload_version", evt.PayloadVersion))
			continue
		}
		kept = append(kept, evt)
	}
	if len(kept) == 0 {
		return nil
	}

	if err := c.events.InsertPulled(ctx, kept); err != nil {
		return err
	}
	if _, err := c.projections.Project(ctx, kept); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) resolveDeviceID(ctx context.Context) (string, error) {
	if c.deviceID != "" {
		return c.deviceID, nil
	}
	deviceID, err := c.state.EnsureDeviceID(ctx, c.ids)
	if err != nil {
		return "", err
	}
	c.deviceID = deviceID
	return deviceID, nil
}

func (c *Coordinator) reportProgress(processed, total int, force bool) {
	if c.progress == nil {
		return
	}
	now := c.clock()
	if !force && now.Sub(c.lastProgressAt) < progressMinInterval {
		return
	}
	c.lastProgressAt = now
	c.progress(processed, total)
}

func (c *Coordinator) setState(state ConnectionState) {
	c.connState.Store(int32(state))
}
