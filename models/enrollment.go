package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses. completed, stopped and failed are terminal.
const (
	EnrollmentStatusActive    = "active"
	EnrollmentStatusPaused    = "paused"
	EnrollmentStatusCompleted = "completed"
	EnrollmentStatusStopped   = "stopped"
	EnrollmentStatusFailed    = "failed"
)

// Stop reasons recorded on stopped enrollments
const (
	StopReasonManual     = "manual"
	StopReasonSuppressed = "suppressed"
)

// StepExecution outcomes
const (
	OutcomeSuccess          = "success"
	OutcomeTransientFailure = "transient_failure"
	OutcomePermanentFailure = "permanent_failure"
)

// Enrollment represents one lead's run through one sequence. At most one
// enrollment per (sequence, lead) pair may be active or paused at a time;
// a partial unique index created during migration enforces this.
type Enrollment struct {
	gorm.Model
	SequenceID  uint `gorm:"not null;index" json:"sequence_id"`
	LeadID      uint `gorm:"not null;index" json:"lead_id"`
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Status string `gorm:"default:'active';index" json:"status"` // active, paused, completed, stopped, failed

	// CurrentStepPosition is the position of the last executed step; zero
	// means no step has executed yet. Monotonically non-decreasing while
	// the enrollment is active or paused.
	CurrentStepPosition int `gorm:"default:0" json:"current_step_position"`

	// NextStepPosition is the resolved continuation position (first step on
	// enroll, branch target after a condition, sequential next otherwise);
	// nil when nothing is pending. Persisted so a sweep never has to
	// re-derive a branch decision.
	NextStepPosition *int `json:"next_step_position,omitempty"`

	// NextDueAt is nil when no step is pending. While paused, the wait is
	// held as RemainingSeconds so resume recomputes an absolute due time
	// instead of reusing a stale timestamp.
	NextDueAt        *time.Time `gorm:"index" json:"next_due_at,omitempty"`
	RemainingSeconds *int64     `json:"remaining_seconds,omitempty"`

	// AttemptCount tracks transient-failure attempts for the current step;
	// reset to zero whenever the pointer advances.
	AttemptCount int `gorm:"default:0" json:"attempt_count"`

	EnrolledAt  time.Time  `gorm:"not null" json:"enrolled_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	StopReason  string     `json:"stop_reason,omitempty"`
	StopDetails string     `json:"stop_details,omitempty"`

	// Relations
	Executions []StepExecution `gorm:"foreignKey:EnrollmentID" json:"executions,omitempty"`
}

// IsTerminal reports whether no further transitions or claims are allowed.
func (e *Enrollment) IsTerminal() bool {
	switch e.Status {
	case EnrollmentStatusCompleted, EnrollmentStatusStopped, EnrollmentStatusFailed:
		return true
	}
	return false
}

// StepExecution records one attempt at one step of one enrollment.
// Immutable once created. Multiple rows per (enrollment, step) exist only
// when retries occurred; exactly one row reaches the terminal outcome that
// advances the pointer.
type StepExecution struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	StepID       uint `gorm:"not null;index" json:"step_id"`

	Attempt    int       `gorm:"not null" json:"attempt"`
	Outcome    string    `gorm:"not null" json:"outcome"` // success, transient_failure, permanent_failure
	StartedAt  time.Time `gorm:"not null" json:"started_at"`
	FinishedAt time.Time `gorm:"not null" json:"finished_at"`
	Detail     string    `gorm:"type:text" json:"detail,omitempty"`
}
