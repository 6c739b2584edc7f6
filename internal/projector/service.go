package projector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/driftline/driftline/internal/event"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrEntityNotFound indicates that no projection exists for the id.
	ErrEntityNotFound = errors.New("projector: entity not found")
	noOpLogger        = zap.NewNop()
)

const (
	opServiceNew   = "projector.service.new"
	opProject      = "projector.project"
	opListEntities = "projector.list_entities"
	opGetEntity    = "projector.get_entity"
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

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Notifier receives entity identifiers whose projections changed. The local
// change feed subscribes through this seam.
type Notifier interface {
	EntitiesChanged(entityIDs []string)
}

// ServiceConfig carries the dependencies for the projection service.
type ServiceConfig struct {
	Database *gorm.DB
	Notifier Notifier
	Logger   *zap.Logger
}

// Service folds ordered event streams into persisted entity state.
type Service struct {
	db       *gorm.DB
	notifier Notifier
	logger   *zap.Logger

	// staleDiscards counts events dropped by the LWW guard. Diagnostic
	// only; a discard is expected behavior, not a failure.
	staleDiscards atomic.Int64
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// Result aggregates the outcomes of one projection pass.
type Result struct {
	Outcomes []ApplyOutcome
	Applied  int
	Stale    int
}

// Project applies events in the delivered order inside one transaction.
// The LWW guard inside applyEvent makes the final state independent of that
// order, and makes retried or replayed batches safe no-ops.
func (s *Service) Project(ctx context.Context, events []event.Event) (Result, error) {
	result := Result{Outcomes: make([]ApplyOutcome, 0, len(events))}
	changed := make([]string, 0, len(events))
	seen := make(map[string]bool, len(events))

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, evt := range events {
			var existing Entity
			var existingPtr *Entity
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("entity_id = ?", evt.EntityID).
				Take(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				existingPtr = nil
			} else if err != nil {
				s.logError(opProject, "entity_select_failed", err, zap.String("entity_id", evt.EntityID))
				return newServiceError(opProject, "entity_select_failed", err)
			} else {
				existingPtr = &existing
			}

			outcome, err := applyEvent(existingPtr, evt)
			if err != nil {
				s.logError(opProject, "apply_failed", err,
					zap.String("event_id", evt.EventID),
					zap.String("entity_id", evt.EntityID))
				return newServiceError(opProject, "apply_failed", err)
			}

			if outcome.Applied {
				if err := tx.Save(outcome.Entity).Error; err != nil {
					s.logError(opProject, "entity_save_failed", err, zap.String("entity_id", evt.EntityID))
					return newServiceError(opProject, "entity_save_failed", err)
				}
				result.Applied++
				if !seen[evt.EntityID] {
					seen[evt.EntityID] = true
					changed = append(changed, evt.EntityID)
				}
			}
			if outcome.Stale {
				result.Stale++
				s.staleDiscards.Add(1)
				s.logger.Debug("stale event discarded",
					zap.String("event_id", evt.EventID),
					zap.String("entity_id", evt.EntityID),
					zap.Int64("event_time_ms", evt.OccurredAtMs))
			}

			result.Outcomes = append(result.Outcomes, outcome)
		}
		return nil
	})
	if txErr != nil {
		return Result{}, txErr
	}

	if s.notifier != nil && len(changed) > 0 {
		s.notifier.EntitiesChanged(changed)
	}
	return result, nil
}

// StaleDiscards reports how many events the LWW guard has dropped since
// startup.
func (s *Service) StaleDiscards() int64 {
	return s.staleDiscards.Load()
}

// ListEntities returns all live projections, most recently written first.
// Soft-deleted entities are included only on request.
func (s *Service) ListEntities(ctx context.Context, includeDeleted bool) ([]Entity, error) {
	query := s.db.WithContext(ctx).Order("updated_at_ms DESC, entity_id DESC")
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}

	var entities []Entity
	if err := query.Find(&entities).Error; err != nil {
		s.logError(opListEntities, "query_failed", err)
		return nil, newServiceError(opListEntities, "query_failed", err)
	}
	return entities, nil
}

// GetEntity loads a single projection by id.
func (s *Service) GetEntity(ctx context.Context, entityID string) (Entity, error) {
	var entity Entity
	err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if err != nil {
		s.logError(opGetEntity, "query_failed", err, zap.String("entity_id", entityID))
		return Entity{}, newServiceError(opGetEntity, "query_failed", err)
	}
	return entity, nil
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
	s.logger.Error("projector service error", attrs...)
}
