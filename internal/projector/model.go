package projector

// Entity is the mutable projection of one aggregate, derived entirely from
// its events. It is a disposable cache: dropping the table and replaying the
// log rebuilds it bit-identically.
type Entity struct {
	EntityID string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	// StateJSON holds the merged entity fields as a JSON object.
	StateJSON string `gorm:"column:state_json;type:text;not null;default:'{}'"`
	// UpdatedAtMs equals the timestamp of the last applied event, never the
	// wall-clock time of application. This is what makes projection
	// replayable.
	UpdatedAtMs int64 `gorm:"column:updated_at_ms;not null;index:idx_entities_updated"`
	// LastEventID identifies the last applied event; it is the tiebreak when
	// two events share a millisecond timestamp.
	LastEventID string `gorm:"column:last_event_id;size:190;not null;default:''"`
	IsDeleted   bool   `gorm:"column:is_deleted;not null;default:false"`
	// Revision is an informational local counter. It plays no part in
	// conflict resolution.
	Revision int64 `gorm:"column:revision;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Entity) TableName() string {
	return "entities"
}

// ApplyOutcome captures the decision from applyEvent.
type ApplyOutcome struct {
	// Applied reports that the event mutated entity state.
	Applied bool
	// Stale reports that the LWW guard discarded the event. Stale discards
	// are expected behavior, not failures.
	Stale bool
	// Entity is the post-decision state; nil when the event targeted an
	// unknown entity.
	Entity *Entity
}
