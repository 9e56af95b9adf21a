package controller

import (
	"log"
	"time"

	"coldreach/models"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// transparent 1x1 GIF
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type TrackingController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewTrackingController(db *gorm.DB, logger *log.Logger) *TrackingController {
	return &TrackingController{DB: db, Logger: logger}
}

// TrackOpen records the first open of an outreach email. Always answers with
// the pixel; mail clients must never see an error page.
func (tc *TrackingController) TrackOpen(c *fiber.Ctx) error {
	messageID := c.Params("message_id")
	token := c.Params("token")

	if messageID != "" && utils.VerifyTrackingToken(messageID, token) {
		res := tc.DB.Model(&models.ScheduledEmail{}).
			Where("message_id = ? AND opened_at IS NULL", "<"+messageID+">").
			Update("opened_at", time.Now())
		if res.Error != nil {
			tc.Logger.Printf("Failed to record open for %s: %v", messageID, res.Error)
		}
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Send(trackingPixel)
}
