package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign statuses
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Campaign groups leads under one outreach plan and carries the pacing
// configuration the schedule computer works from.
type Campaign struct {
	gorm.Model
	UserID    uint `gorm:"not null;index" json:"user_id"`
	AccountID uint `gorm:"not null;index" json:"account_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, paused, completed

	// Send window, local to Timezone. "HH:MM" wall-clock bounds.
	Timezone    string `gorm:"default:'UTC'" json:"timezone"`
	WindowStart string `gorm:"default:'09:00'" json:"window_start"`
	WindowEnd   string `gorm:"default:'17:00'" json:"window_end"`

	// Day offsets between steps, aligned with the step index. A leading 0
	// keeps step one on the start day.
	DelayDays []int `gorm:"type:jsonb;serializer:json" json:"delay_days"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Statistics (denormalized for the dashboard)
	TotalLeads int `gorm:"default:0" json:"total_leads"`
	SentCount  int `gorm:"default:0" json:"sent_count"`
	ReplyCount int `gorm:"default:0" json:"reply_count"`

	// Relations
	Account   EmailAccount `json:"-"`
	Leads     []Lead       `gorm:"foreignKey:CampaignID" json:"leads,omitempty"`
	Sequences []Sequence   `gorm:"foreignKey:CampaignID" json:"sequences,omitempty"`
}
