package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"coldreach/config"
)

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(messageID string) string {
	token := trackingToken(messageID)
	return fmt.Sprintf("%s/track/open/%s/%s", config.AppConfig.AppBaseURL, strings.Trim(messageID, "<>"), token)
}

// InjectTracking appends an open-tracking pixel to HTML email content.
func InjectTracking(htmlContent, messageID string) string {
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, GenerateTrackingPixelURL(messageID))
	return htmlContent + pixel
}

// VerifyTrackingToken checks that a pixel request carries the token minted
// for its message id.
func VerifyTrackingToken(messageID, token string) bool {
	return trackingToken("<"+messageID+">") == token
}

// UnsubscribeURL builds the public opt-out link embedded in outreach mail.
func UnsubscribeURL(leadID uint, email string) string {
	return fmt.Sprintf("%s/unsubscribe/%d/%s", config.AppConfig.AppBaseURL, leadID, trackingToken(email))
}

// VerifyUnsubscribeToken checks an opt-out link against the lead's address.
func VerifyUnsubscribeToken(email, token string) bool {
	return trackingToken(email) == token
}

func trackingToken(messageID string) string {
	sum := sha256.Sum256([]byte(messageID + config.AppConfig.EncryptionKey))
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}
