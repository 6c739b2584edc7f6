package syncer

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// SyncState is the single-row table tracking pull progress: the opaque
// checkpoint returned by the remote authority, and the device identifier
// this installation pushes under. Written only by the coordinator after a
// fully committed cycle.
type SyncState struct {
	ID         int64  `gorm:"column:id;primaryKey"`
	Checkpoint string `gorm:"column:checkpoint;type:text;not null;default:''"`
	DeviceID   string `gorm:"column:device_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "sync_state"
}

const syncStateRowID = 1

// StateStore persists the sync checkpoint and device identity.
type StateStore struct {
	db *gorm.DB
}

// NewStateStore constructs a StateStore over the given database handle.
func NewStateStore(db *gorm.DB) (*StateStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &StateStore{db: db}, nil
}

// Load returns the persisted sync state, creating the row on first use.
func (s *StateStore) Load(ctx context.Context) (SyncState, error) {
	var state SyncState
	err := s.db.WithContext(ctx).Where("id = ?", syncStateRowID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = SyncState{ID: syncStateRowID}
		if err := s.db.WithContext(ctx).Create(&state).Error; err != nil {
			return SyncState{}, fmt.Errorf("syncer: initialize sync state: %w", err)
		}
		return state, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("syncer: load sync state: %w", err)
	}
	return state, nil
}

// Checkpoint returns the last fully committed checkpoint.
func (s *StateStore) Checkpoint(ctx context.Context) (string, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	return state.Checkpoint, nil
}

// SaveCheckpoint records the checkpoint value returned by the remote
// authority. The value is opaque; it is never derived locally from event
// contents.
func (s *StateStore) SaveCheckpoint(ctx context.Context, checkpoint string) error {
	if _, err := s.Load(ctx); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Model(&SyncState{}).
		Where("id = ?", syncStateRowID).
		Update("checkpoint", checkpoint).Error
	if err != nil {
		return fmt.Errorf("syncer: save checkpoint: %w", err)
	}
	return nil
}

// EnsureDeviceID returns the stored device identifier, minting and
// persisting one on first use.
func (s *StateStore) EnsureDeviceID(ctx context.Context, ids IDProvider) (string, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	if state.DeviceID != "" {
		return state.DeviceID, nil
	}

	deviceID, err := ids.NewID()
	if err != nil {
		return "", fmt.Errorf("syncer: mint device id: %w", err)
	}
	err = s.db.WithContext(ctx).Model(&SyncState{}).
		Where("id = ?", syncStateRowID).
		Update("device_id", deviceID).Error
	if err != nil {
		return "", fmt.Errorf("syncer: save device id: %w", err)
	}
	return deviceID, nil
}

// IDProvider issues globally unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}
