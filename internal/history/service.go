// Package history provides read-only queries over the event log and the
// revert operation. Reverting never rewrites the log: it appends a new
// corrective event carrying the historical field values, stamped with the
// current time.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftline/driftline/internal/event"
	"go.uber.org/zap"
)

var (
	errMissingEvents = errors.New("event service is required")
	// ErrInvalidRevertTarget indicates an event whose payload is not a full
	// historical state (only created/updated events qualify).
	ErrInvalidRevertTarget = errors.New("history: event is not a valid revert target")
	// ErrRevertToHead indicates an attempt to revert to the newest event,
	// which is a no-op by construction.
	ErrRevertToHead = errors.New("history: cannot revert to the current head")
	// ErrEntityMismatch indicates that the target event belongs to another
	// entity.
	ErrEntityMismatch = errors.New("history: event does not belong to entity")
)

// ServiceConfig carries the dependencies for the history service.
type ServiceConfig struct {
	Events *event.Service
	Logger *zap.Logger
}

// Service answers history queries and performs reverts.
type Service struct {
	events *event.Service
	logger *zap.Logger
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Events == nil {
		return nil, errMissingEvents
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{events: cfg.Events, logger: logger}, nil
}

// History returns the ordered event sequence of one entity. It never
// mutates the log.
func (s *Service) History(ctx context.Context, entityID event.EntityID, newestFirst bool) ([]event.Event, error) {
	return s.events.ListByEntity(ctx, entityID, newestFirst)
}

// RevertTo restores the field values captured by a prior created/updated
// event by appending a brand-new update event with the current timestamp.
// The log grows by exactly one entry; nothing is altered or removed.
func (s *Service) RevertTo(ctx context.Context, entityID event.EntityID, eventID string, actor event.Actor) (event.Event, error) {
	target, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return event.Event{}, err
	}
	if target.EntityID != entityID.String() {
		return event.Event{}, fmt.Errorf("%w: event %s, entity %s", ErrEntityMismatch, eventID, entityID)
	}
	if target.EventType != event.TypeEntityCreated && target.EventType != event.TypeEntityUpdated {
		return event.Event{}, fmt.Errorf("%w: type %s", ErrInvalidRevertTarget, target.EventType)
	}

	ordered, err := s.events.ListByEntity(ctx, entityID, true)
	if err != nil {
		return event.Event{}, err
	}
	if len(ordered) > 0 && ordered[0].EventID == eventID {
		return event.Event{}, ErrRevertToHead
	}

	// Bad historical payloads surface here; a revert is a deliberate user
	// action that expects success/failure feedback.
	fields, err := event.DecodeFields(target)
	if err != nil {
		return event.Event{}, err
	}

	reverted, err := s.events.Append(ctx, event.AppendRequest{
		EventType: event.TypeEntityUpdated,
		EntityID:  entityID,
		Payload:   fields,
		Actor:     actor,
	})
	if err != nil {
		return event.Event{}, err
	}

	s.logger.Info("entity reverted",
		zap.String("entity_id", entityID.String()),
		zap.String("target_event_id", eventID),
		zap.String("revert_event_id", reverted.EventID))
	return reverted, nil
}
