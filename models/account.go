package models

import (
	"time"

	"gorm.io/gorm"
)

// Provider kinds for sending identities.
const (
	ProviderGmail   = "gmail"   // OAuth submission + IMAP XOAUTH2
	ProviderOutlook = "outlook" // OAuth submission + IMAP XOAUTH2
	ProviderSMTP    = "smtp"    // basic-auth SMTP/IMAP
)

// EmailAccount represents one sending identity with its credentials
type EmailAccount struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	Provider  string `gorm:"not null" json:"provider"` // gmail, outlook, smtp
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`          // Encrypted in application layer
	Encryption   string `json:"encryption"` // SSL, STARTTLS, NONE

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= OAuth Configuration =========
	OAuthToken        string    `gorm:"column:oauth_token" json:"-"`         // Encrypted
	OAuthRefreshToken string    `gorm:"column:oauth_refresh_token" json:"-"` // Encrypted
	OAuthExpiry       time.Time `gorm:"column:oauth_expiry" json:"oauth_expiry"`

	// ========= Pacing & Warmup =========
	DailyLimit    int  `gorm:"default:500" json:"daily_limit"`
	SentToday     int  `gorm:"default:0" json:"sent_today"`
	WarmupEnabled bool `gorm:"default:false" json:"warmup_enabled"`
	WarmupDay     int  `gorm:"default:1" json:"warmup_day"`

	// ========= Status & Health =========
	IsActive     bool       `gorm:"default:true" json:"is_active"`
	IsHealthy    bool       `gorm:"default:true" json:"is_healthy"`
	LastError    *string    `json:"last_error"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

// UsesOAuth reports whether the account submits and syncs with OAuth tokens.
func (a *EmailAccount) UsesOAuth() bool {
	return a.Provider == ProviderGmail || a.Provider == ProviderOutlook
}

// Sanitize strips credential material before the account is returned to a client.
func (a *EmailAccount) Sanitize() {
	a.SMTPPassword = ""
	a.IMAPPassword = ""
	a.OAuthToken = ""
	a.OAuthRefreshToken = ""
}
