package models

import (
	"time"

	"gorm.io/gorm"
)

// User owns every outreach entity. It doubles as the organization: accounts,
// campaigns, leads and notifications all hang off the user ID.
type User struct {
	gorm.Model

	// Authentication fields
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`

	// Profile information
	Name     *string `json:"name,omitempty"`
	Company  *string `json:"company,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`

	// Credit-based billing: one credit per delivered outreach email.
	PlanName     string `gorm:"default:'free'" json:"plan_name"`
	EmailCredits int    `gorm:"default:5000" json:"email_credits"`

	// Stripe integration
	StripeCustomerID *string `gorm:"index" json:"stripe_customer_id,omitempty"`

	// Relations
	Accounts  []EmailAccount `gorm:"foreignKey:UserID" json:"accounts,omitempty"`
	Campaigns []Campaign     `gorm:"foreignKey:UserID" json:"campaigns,omitempty"`
}

// CreditTransaction records credit purchases and usage
type CreditTransaction struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Positive for purchases, negative for usage
	EmailCredits int `gorm:"not null" json:"email_credits"`

	// Financial information
	Amount        int    `json:"amount"` // in cents
	Currency      string `gorm:"default:'USD'" json:"currency"`
	PaymentStatus string `gorm:"default:'pending'" json:"payment_status"` // pending, completed, failed, refunded

	Description           string     `json:"description"`
	StripePaymentIntentID string     `gorm:"index" json:"stripe_payment_intent_id"`
	CompletedAt           *time.Time `json:"completed_at"`

	// Relations
	User User `json:"-"`
}
