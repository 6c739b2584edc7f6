package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrEventNotFound indicates that no log entry matches the identifier.
	ErrEventNotFound = errors.New("event: not found")
	noOpLogger       = zap.NewNop()
)

// ServiceError wraps a failure with a dotted operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "events.service.new"
	opAppend        = "events.append"
	opListUnsynced  = "events.list_unsynced"
	opMarkSynced    = "events.mark_synced"
	opListByEntity  = "events.list_by_entity"
	opGetByID       = "events.get_by_id"
	opPendingCount  = "events.pending_count"
	opInsertPulled  = "events.insert_pulled"
	reasonEncode    = "encode_failed"
	reasonInsert    = "insert_failed"
	reasonQuery     = "query_failed"
	reasonBadInput  = "invalid_input"
	reasonIDFailure = "id_generation_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues globally unique event identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig carries the dependencies for the event log service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns reads and appends against the event log.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Append encodes and writes a single event. It delegates to AppendAll so
// single-event callers share the one-transaction flush path.
func (s *Service) Append(ctx context.Context, request AppendRequest) (Event, error) {
	appended, err := s.AppendAll(ctx, []AppendRequest{request})
	if err != nil {
		return Event{}, err
	}
	return appended[0], nil
}

// AppendAll encodes and writes N events under a single transaction, so a
// logical user action composed of several events costs one storage flush.
// Every event is stamped with the clock's current time and marked unsynced.
func (s *Service) AppendAll(ctx context.Context, requests []AppendRequest) ([]Event, error) {
	if len(requests) == 0 {
		return nil, newServiceError(opAppend, reasonBadInput, errors.New("no events to append"))
	}

	now := s.clock().UTC().UnixMilli()
	events := make([]Event, 0, len(requests))
	for _, request := range requests {
		if _, err := ParseType(string(request.EventType)); err != nil {
			s.logError(opAppend, reasonBadInput, err)
			return nil, newServiceError(opAppend, reasonBadInput, err)
		}
		if err := request.Actor.Validate(); err != nil {
			s.logError(opAppend, reasonBadInput, err)
			return nil, newServiceError(opAppend, reasonBadInput, err)
		}

		payloadJSON, payloadVersion, err := EncodePayload(request.Payload)
		if err != nil {
			s.logError(opAppend, reasonEncode, err, zap.String("event_type", string(request.EventType)))
			return nil, newServiceError(opAppend, reasonEncode, err)
		}

		eventID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAppend, reasonIDFailure, err)
			return nil, newServiceError(opAppend, reasonIDFailure, err)
		}

		events = append(events, Event{
			EventID:        eventID,
			EventType:      request.EventType,
			EntityID:       request.EntityID.String(),
			PayloadJSON:    payloadJSON,
			PayloadVersion: payloadVersion,
			OccurredAtMs:   now,
			UserID:         request.Actor.UserID,
			DeviceID:       request.Actor.DeviceID,
			AppID:          request.Actor.AppID,
			IsSynced:       false,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range events {
			if err := tx.Create(&events[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opAppend, reasonInsert, txErr)
		return nil, newServiceError(opAppend, reasonInsert, txErr)
	}

	return events, nil
}

// InsertPulled stores events received from the remote authority. Remote
// events are already synced by definition; inserting one that is already
// present is a no-op so that retried pulls stay safe.
func (s *Service) InsertPulled(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	syncedAt := s.clock().UTC().UnixMilli()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, evt := range events {
			evt.IsSynced = true
			if evt.SyncedAtMs == nil {
				at := syncedAt
				evt.SyncedAtMs = &at
			}
			var count int64
			if err := tx.Model(&Event{}).Where("event_id = ?", evt.EventID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			if err := tx.Create(&evt).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opInsertPulled, reasonInsert, txErr)
		return newServiceError(opInsertPulled, reasonInsert, txErr)
	}
	return nil
}

// ListUnsynced returns unsynced events with a complete actor triple, in
// append order. Legacy events without actor fields stay readable but are
// never offered for push.
func (s *Service) ListUnsynced(ctx context.Context) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("is_synced = ? AND user_id <> '' AND device_id <> '' AND app_id <> ''", false).
		Order("occurred_at_ms ASC, event_id ASC").
		Find(&events).Error
	if err != nil {
		s.logError(opListUnsynced, reasonQuery, err)
		return nil, newServiceError(opListUnsynced, reasonQuery, err)
	}
	return events, nil
}

// MarkSynced records a successful push for the given event identifiers.
func (s *Service) MarkSynced(ctx context.Context, eventIDs []string, syncedAt time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	at := syncedAt.UTC().UnixMilli()
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("event_id IN ?", eventIDs).
		Updates(map[string]any{"is_synced": true, "synced_at_ms": at}).Error
	if err != nil {
		s.logError(opMarkSynced, "update_failed", err)
		return newServiceError(opMarkSynced, "update_failed", err)
	}
	return nil
}

// ListByEntity returns the full event history of one entity, ordered by
// event time with event id as the deterministic tiebreak.
func (s *Service) ListByEntity(ctx context.Context, entityID EntityID, newestFirst bool) ([]Event, error) {
	order := "occurred_at_ms ASC, event_id ASC"
	if newestFirst {
		order = "occurred_at_ms DESC, event_id DESC"
	}

	var events []Event
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID.String()).
		Order(order).
		Find(&events).Error
	if err != nil {
		s.logError(opListByEntity, reasonQuery, err, zap.String("entity_id", entityID.String()))
		return nil, newServiceError(opListByEntity, reasonQuery, err)
	}
	return events, nil
}

// GetByID loads a single event from the log.
func (s *Service) GetByID(ctx context.Context, eventID string) (Event, error) {
	var evt Event
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&evt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		s.logError(opGetByID, reasonQuery, err, zap.String("event_id", eventID))
		return Event{}, newServiceError(opGetByID, reasonQuery, err)
	}
	return evt, nil
}

// PendingCount reports how many local events still await a successful push.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("is_synced = ? AND user_id <> '' AND device_id <> '' AND app_id <> ''", false).
		Count(&count).Error
	if err != nil {
		s.logError(opPendingCount, reasonQuery, err)
		return 0, newServiceError(opPendingCount, reasonQuery, err)
	}
	return count, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("event service error", attrs...)
}
