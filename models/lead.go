package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead statuses. Transitions are driven by the dispatcher (first send) and
// the reply classifier.
const (
	LeadNew           = "new"
	LeadSequenced     = "sequenced"
	LeadContacted     = "contacted"
	LeadReplied       = "replied"
	LeadInterested    = "interested"
	LeadNotInterested = "not_interested"
	LeadBounced       = "bounced"
	LeadConverted     = "converted"
	LeadUnsubscribed  = "unsubscribed"
)

// Lead represents a single contact targeted by a campaign
type Lead struct {
	gorm.Model
	UserID     uint `gorm:"not null;index" json:"user_id"`
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Website   string `json:"website"`

	Status string `gorm:"default:'new';index" json:"status"`

	// Metadata
	Source      string     `json:"source"` // manual, csv, api
	LastContact *time.Time `json:"last_contact"`

	// Relations
	Campaign  Campaign   `json:"-"`
	Sequences []Sequence `gorm:"foreignKey:LeadID" json:"sequences,omitempty"`
}

// Contactable reports whether the lead may still receive outreach steps.
func (l *Lead) Contactable() bool {
	switch l.Status {
	case LeadBounced, LeadUnsubscribed, LeadNotInterested:
		return false
	}
	return true
}
