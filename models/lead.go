package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead represents a single contact/lead
type Lead struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`

	// Suppression flags. Any of these makes the lead unreachable for
	// send-type steps.
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	// Engagement counters exposed to condition expressions
	OpenCount  int        `gorm:"default:0" json:"open_count"`
	ClickCount int        `gorm:"default:0" json:"click_count"`
	ReplyCount int        `gorm:"default:0" json:"reply_count"`
	LastOpenAt *time.Time `json:"last_open_at,omitempty"`
}

// IsSuppressed reports whether the lead must not receive further messages.
func (l *Lead) IsSuppressed() bool {
	return l.IsBounced || l.IsUnsubscribed || l.IsDoNotContact
}

// Template represents an email template referenced by send_message steps
type Template struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Name        string `gorm:"not null" json:"name"`
	Subject     string `gorm:"not null" json:"subject"`
	HTMLContent string `gorm:"type:text" json:"html_content"`
	TextContent string `gorm:"type:text" json:"text_content"`
}
