package models

import "gorm.io/gorm"

// Sequence statuses
const (
	SequenceStatusDraft    = "draft"
	SequenceStatusActive   = "active"
	SequenceStatusPaused   = "paused"
	SequenceStatusArchived = "archived"
)

// Step kinds
const (
	StepKindSendMessage = "send_message"
	StepKindWait        = "wait"
	StepKindCondition   = "condition"
)

// Backoff strategies for transient send failures
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Sequence represents an automated drip sequence
type Sequence struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, paused, archived

	// Retry policy for transient send failures
	MaxRetries       int    `gorm:"default:3" json:"max_retries"`
	RetryBackoff     string `gorm:"default:'exponential'" json:"retry_backoff"` // fixed, exponential
	RetryBaseSeconds int64  `gorm:"default:300" json:"retry_base_seconds"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep represents one step in a sequence. Positions are strictly
// increasing per sequence; execution history references step IDs, never
// positions, so reordering cannot invalidate history.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	Position     int    `gorm:"not null" json:"position"`
	Kind         string `gorm:"not null" json:"kind"` // send_message, wait, condition
	DelaySeconds int64  `gorm:"not null" json:"delay_seconds"`

	// send_message payload: either a stored template or an inline body
	TemplateID *uint  `gorm:"index" json:"template_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `gorm:"type:text" json:"body,omitempty"`

	// condition payload: predicate plus forward branch positions
	ConditionExpr  string `json:"condition_expr,omitempty"`
	TrueBranchPos  *int   `json:"true_branch_pos,omitempty"`
	FalseBranchPos *int   `json:"false_branch_pos,omitempty"`

	// Disabled steps keep their position for audit continuity; the graph
	// treats them as transparent and folds their delay into the next
	// active step's wait window.
	IsActive bool `gorm:"default:true" json:"is_active"`

	// Relations
	Template *Template `json:"-"`
}
