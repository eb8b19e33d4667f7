package models

import "time"

// StepClaim is a short-lived lease granting exclusive right to execute one
// due step for one enrollment. Claims are scoped to the enrollment (unique
// index), not the step: only one step may ever be in flight per enrollment.
// An expired claim is taken over by the next scheduler sweep, so a crashed
// executor never permanently stalls an enrollment.
type StepClaim struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	EnrollmentID uint      `gorm:"not null;uniqueIndex" json:"enrollment_id"`
	StepID       uint      `gorm:"not null" json:"step_id"`
	Token        string    `gorm:"not null;index" json:"token"`
	ExpiresAt    time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}
