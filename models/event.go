package models

import (
	"time"

	"gorm.io/gorm"
)

// Event kinds written by the engine
const (
	EventEnrolled         = "enrolled"
	EventPaused           = "paused"
	EventResumed          = "resumed"
	EventStopped          = "stopped"
	EventStepExecuted     = "step_executed"
	EventCompleted        = "completed"
	EventEnrollmentFailed = "enrollment_failed"
)

// EnrollmentEvent is an append-only journal entry for a lifecycle
// transition. Rows are never updated or deleted; downstream consumers
// (webhook dispatch, audit) read the journal independently and must
// tolerate at-least-once delivery.
type EnrollmentEvent struct {
	gorm.Model
	SequenceID   uint  `gorm:"not null;index" json:"sequence_id"`
	EnrollmentID *uint `gorm:"index" json:"enrollment_id,omitempty"` // nil for sequence-level events

	Kind       string         `gorm:"not null;index" json:"kind"`
	Payload    map[string]any `gorm:"type:jsonb;serializer:json" json:"payload,omitempty"`
	OccurredAt time.Time      `gorm:"not null;index" json:"occurred_at"`
}
