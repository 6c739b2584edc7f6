package event

import (
	"errors"
	"fmt"
	"strings"
)

// Type enumerates the closed set of domain event tags. New tags are only
// ever added; existing tags are never repurposed.
type Type string

const (
	// TypeEntityCreated records the first full state of an entity.
	TypeEntityCreated Type = "entity.created"
	// TypeEntityUpdated records a full or partial state change.
	TypeEntityUpdated Type = "entity.updated"
	// TypeEntityDeleted soft-deletes an entity.
	TypeEntityDeleted Type = "entity.deleted"
	// TypeEntityReordered records a position change within a stack.
	TypeEntityReordered Type = "entity.reordered"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("event: invalid entity id")
	// ErrInvalidType indicates an event type outside the closed tag set.
	ErrInvalidType = errors.New("event: invalid event type")
	// ErrInvalidActor indicates an actor triple with missing fields.
	ErrInvalidActor = errors.New("event: invalid actor")
)

// EntityID represents a validated aggregate identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// ParseType validates a raw tag against the closed event type set.
func ParseType(rawInput string) (Type, error) {
	switch Type(strings.TrimSpace(rawInput)) {
	case TypeEntityCreated:
		return TypeEntityCreated, nil
	case TypeEntityUpdated:
		return TypeEntityUpdated, nil
	case TypeEntityDeleted:
		return TypeEntityDeleted, nil
	case TypeEntityReordered:
		return TypeEntityReordered, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, rawInput)
	}
}

// Actor identifies who produced an event: the account, the device it was
// written on, and the application build. Events recorded before the actor
// columns existed carry empty fields; they are readable but excluded from
// sync.
type Actor struct {
	UserID   string
	DeviceID string
	AppID    string
}

// Complete reports whether every actor field is populated.
func (a Actor) Complete() bool {
	return a.UserID != "" && a.DeviceID != "" && a.AppID != ""
}

// Validate returns an error naming the first missing actor field.
func (a Actor) Validate() error {
	switch {
	case strings.TrimSpace(a.UserID) == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidActor)
	case strings.TrimSpace(a.DeviceID) == "":
		return fmt.Errorf("%w: missing device id", ErrInvalidActor)
	case strings.TrimSpace(a.AppID) == "":
		return fmt.Errorf("%w: missing app id", ErrInvalidActor)
	}
	return nil
}

// Event is a single immutable entry in the append-only log. Rows are never
// updated except for the local-only sync bookkeeping columns, and never
// deleted; corrections are expressed as new events.
type Event struct {
	EventID        string `gorm:"column:event_id;primaryKey;size:190;not null"`
	EventType      Type   `gorm:"column:event_type;size:64;not null"`
	EntityID       string `gorm:"column:entity_id;size:190;not null;default:'';index:idx_events_entity_time,priority:1"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	PayloadVersion int    `gorm:"column:payload_version;not null;default:1"`
	OccurredAtMs   int64  `gorm:"column:occurred_at_ms;not null;index:idx_events_entity_time,priority:2"`
	UserID         string `gorm:"column:user_id;size:190;not null;default:''"`
	DeviceID       string `gorm:"column:device_id;size:190;not null;default:''"`
	AppID          string `gorm:"column:app_id;size:190;not null;default:''"`
	IsSynced       bool   `gorm:"column:is_synced;not null;default:false;index:idx_events_unsynced"`
	SyncedAtMs     *int64 `gorm:"column:synced_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// Actor returns the actor triple stamped on the event.
func (e Event) Actor() Actor {
	return Actor{UserID: e.UserID, DeviceID: e.DeviceID, AppID: e.AppID}
}

// Mutating reports whether the event type changes entity state.
func (e Event) Mutating() bool {
	switch e.EventType {
	case TypeEntityCreated, TypeEntityUpdated, TypeEntityDeleted, TypeEntityReordered:
		return true
	default:
		return false
	}
}

// AppendRequest describes one event to be written to the log.
type AppendRequest struct {
	EventType Type
	EntityID  EntityID
	Payload   any
	Actor     Actor
}
