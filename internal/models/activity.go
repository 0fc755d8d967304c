package models

// ActivityLevel grades activity log entries.
type ActivityLevel string

const (
	ActivityLevelInfo  ActivityLevel = "info"
	ActivityLevelWarn  ActivityLevel = "warn"
	ActivityLevelError ActivityLevel = "error"
)

// ActivityLog is the append-only audit trail. Entries are written on every
// item transition, recovery repair, and dispatch event; never updated.
type ActivityLog struct {
	BaseModel

	RequestID *ULID `gorm:"type:varchar(26);index" json:"request_id,omitempty"`
	ItemID    *ULID `gorm:"type:varchar(26);index" json:"item_id,omitempty"`

	Level ActivityLevel `gorm:"not null;size:10;default:info" json:"level"`

	// Event is a stable machine tag ("item.transition", "dispatch.stall").
	Event string `gorm:"not null;size:100;index" json:"event"`

	// Message is the human-readable line.
	Message string `gorm:"type:text" json:"message"`

	// Fields carries structured detail (old/new status, encoder id, ...).
	Fields map[string]any `gorm:"type:text;serializer:json" json:"fields,omitempty"`
}

// TableName overrides the table name.
func (ActivityLog) TableName() string {
	return "activity_logs"
}
