package projector

import (
	"encoding/json"
	"fmt"

	"github.com/driftline/driftline/internal/event"
)

// applyEvent folds a single event into the current entity state. It is a
// pure function: the same (existing, evt) pair always yields the same
// outcome, so full-history replay and incremental application agree.
//
// The LWW guard admits an event only when it is strictly newer than the
// entity's last applied event. Equal millisecond timestamps are broken by
// comparing event identifiers, greater id wins, so replay order never
// changes the result.
func applyEvent(existing *Entity, evt event.Event) (ApplyOutcome, error) {
	if !evt.Mutating() {
		return ApplyOutcome{Entity: copyOf(existing)}, nil
	}
	if evt.EntityID == "" {
		return ApplyOutcome{Entity: copyOf(existing)}, nil
	}

	if existing == nil {
		if evt.EventType != event.TypeEntityCreated {
			// Entity not yet known, or already deleted and evicted.
			return ApplyOutcome{}, nil
		}
		fields, err := event.DecodeFields(evt)
		if err != nil {
			return ApplyOutcome{}, err
		}
		stateJSON, err := marshalState(fields)
		if err != nil {
			return ApplyOutcome{}, err
		}
		created := &Entity{
			EntityID:    evt.EntityID,
			StateJSON:   stateJSON,
			UpdatedAtMs: evt.OccurredAtMs,
			LastEventID: evt.EventID,
			IsDeleted:   false,
			Revision:    1,
		}
		return ApplyOutcome{Applied: true, Entity: created}, nil
	}

	if existing.IsDeleted && evt.EventType != event.TypeEntityDeleted {
		// Soft-delete is final: a gone entity accepts no further writes
		// from any device.
		return ApplyOutcome{Entity: copyOf(existing)}, nil
	}

	if !newerThan(evt, existing) {
		// Covers duplicate deliveries, out-of-order stale updates, and
		// re-created events for a known id alike.
		return ApplyOutcome{Stale: true, Entity: copyOf(existing)}, nil
	}

	updated := *existing
	switch evt.EventType {
	case event.TypeEntityDeleted:
		updated.IsDeleted = true
	case event.TypeEntityCreated:
		fields, err := event.DecodeFields(evt)
		if err != nil {
			return ApplyOutcome{}, err
		}
		stateJSON, err := marshalState(fields)
		if err != nil {
			return ApplyOutcome{}, err
		}
		updated.StateJSON = stateJSON
	default:
		fields, err := event.DecodeFields(evt)
		if err != nil {
			return ApplyOutcome{}, err
		}
		merged, err := mergeState(existing.StateJSON, fields)
		if err != nil {
			return ApplyOutcome{}, err
		}
		updated.StateJSON = merged
	}

	updated.UpdatedAtMs = evt.OccurredAtMs
	updated.LastEventID = evt.EventID
	updated.Revision = existing.Revision + 1

	return ApplyOutcome{Applied: true, Entity: &updated}, nil
}

func newerThan(evt event.Event, existing *Entity) bool {
	if evt.OccurredAtMs != existing.UpdatedAtMs {
		return evt.OccurredAtMs > existing.UpdatedAtMs
	}
	return evt.EventID > existing.LastEventID
}

// mergeState overlays payload fields onto the stored state. Only the fields
// present in the payload change; absent fields keep their stored values.
func mergeState(storedJSON string, fields map[string]any) (string, error) {
	state := map[string]any{}
	if storedJSON != "" {
		if err := json.Unmarshal([]byte(storedJSON), &state); err != nil {
			return "", fmt.Errorf("projector: corrupt stored state: %w", err)
		}
	}
	for key, value := range fields {
		state[key] = value
	}
	return marshalState(state)
}

// marshalState serializes with sorted keys (encoding/json map ordering), so
// identical field sets produce identical bytes on every device.
func marshalState(state map[string]any) (string, error) {
	if state == nil {
		state = map[string]any{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("projector: marshal state: %w", err)
	}
	return string(raw), nil
}

func copyOf(existing *Entity) *Entity {
	if existing == nil {
		return nil
	}
	clone := *existing
	return &clone
}
