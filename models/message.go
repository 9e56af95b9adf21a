package models

import (
	"time"

	"gorm.io/gorm"
)

// Message directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Classification labels applied by the reply classifier.
const (
	LabelInterested    = "interested"
	LabelNotInterested = "not_interested"
	LabelBounce        = "bounce"
	LabelQuestion      = "question"
	LabelOutOfOffice   = "out_of_office"
	LabelOther         = "other"
)

// EmailMessage is a normalized mail record in the unified inbox. Immutable
// once inserted except for classification and read-state fields. The
// transport Message-ID is the idempotency key per account.
type EmailMessage struct {
	gorm.Model
	UserID    uint `gorm:"not null;index" json:"user_id"`
	AccountID uint `gorm:"not null;index:idx_account_message,unique" json:"account_id"`

	// Correlation context, zero when the message could not be matched.
	LeadID     uint `gorm:"index" json:"lead_id"`
	CampaignID uint `gorm:"index" json:"campaign_id"`

	Direction string `gorm:"default:'inbound'" json:"direction"`

	MessageID  string `gorm:"not null;index:idx_account_message,unique" json:"message_id"`
	ThreadID   string `gorm:"index" json:"thread_id"`
	InReplyTo  string `json:"in_reply_to"`
	References string `gorm:"type:text" json:"references"`

	FromAddress string    `gorm:"not null" json:"from"`
	ToAddress   string    `gorm:"not null" json:"to"`
	Subject     string    `json:"subject"`
	Body        string    `gorm:"type:text" json:"body"`
	BodyHTML    string    `gorm:"type:text" json:"body_html"`
	Date        time.Time `gorm:"not null" json:"date"`

	// Classification
	Label      string  `gorm:"index" json:"label"`
	Confidence float64 `json:"confidence"`

	IsRead    bool `gorm:"default:false" json:"is_read"`
	IsStarred bool `gorm:"default:false" json:"is_starred"`

	// Relations
	Account EmailAccount `json:"-"`
}

// Notification kinds
const (
	NotifyPositiveReply = "positive_reply"
	NotifyBounce        = "bounce"
	NotifyReply         = "reply"
)

// Notification is a user-facing event produced by the side-effect engine and
// streamed over the inbox websocket.
type Notification struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`
	LeadID uint `gorm:"index" json:"lead_id"`

	Kind    string `gorm:"not null" json:"kind"`
	Title   string `gorm:"not null" json:"title"`
	Message string `gorm:"type:text" json:"message"`
	IsRead  bool   `gorm:"default:false" json:"is_read"`
}
