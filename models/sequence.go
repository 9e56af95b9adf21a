package models

import (
	"time"

	"gorm.io/gorm"
)

// ScheduledEmail statuses
const (
	EmailScheduled = "scheduled"
	EmailSending   = "sending"
	EmailSent      = "sent"
	EmailFailed    = "failed"
	EmailDraft     = "draft" // shunted because the lead replied first
)

// SequenceStep is one planned email inside a lead's outreach plan. Steps are
// produced in bulk by the content generator and stored as a JSON array.
type SequenceStep struct {
	StepNumber int    `json:"step_number"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	DelayDays  int    `json:"delay_days"`
}

// Sequence is the per-lead outreach plan: an ordered list of steps, a
// pointer at the next step to fire, and an approval gate before dispatch.
type Sequence struct {
	gorm.Model
	UserID     uint `gorm:"not null;index" json:"user_id"`
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	LeadID     uint `gorm:"not null;index" json:"lead_id"`

	Steps       []SequenceStep `gorm:"type:jsonb;serializer:json" json:"steps"`
	CurrentStep int            `gorm:"default:0" json:"current_step"`
	Completed   bool           `gorm:"default:false" json:"completed"`
	ApprovedAt  *time.Time     `json:"approved_at"`

	// Relations
	Campaign Campaign `json:"-"`
	Lead     Lead     `json:"-"`
}

// ScheduledEmail binds one sequence step to a concrete send instant.
type ScheduledEmail struct {
	gorm.Model
	UserID     uint `gorm:"not null;index" json:"user_id"`
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	LeadID     uint `gorm:"not null;index" json:"lead_id"`
	AccountID  uint `gorm:"not null;index" json:"account_id"`

	StepNumber int    `gorm:"not null" json:"step_number"`
	Subject    string `gorm:"not null" json:"subject"`
	Body       string `gorm:"type:text" json:"body"`

	SendAt time.Time `gorm:"not null;index" json:"send_at"`
	Status string    `gorm:"default:'scheduled';index" json:"status"`

	MessageID string     `gorm:"index" json:"message_id"`
	ThreadID  string     `gorm:"index" json:"thread_id"`
	SentAt    *time.Time `json:"sent_at"`
	OpenedAt  *time.Time `json:"opened_at"`

	RetryCount int     `gorm:"default:0" json:"retry_count"`
	LastError  *string `json:"last_error"`

	// Relations
	Sequence Sequence     `json:"-"`
	Lead     Lead         `json:"-"`
	Account  EmailAccount `json:"-"`
}
