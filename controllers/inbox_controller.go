package controller

import (
	"log"
	"time"

	"coldreach/config"
	"coldreach/models"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"
)

type InboxController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewInboxController(db *gorm.DB, logger *log.Logger) *InboxController {
	return &InboxController{DB: db, Logger: logger}
}

func (ic *InboxController) GetMessages(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	query := ic.DB.Where("user_id = ?", user.ID)
	if accountID := utils.ParseUint(c.Query("account_id")); accountID != 0 {
		query = query.Where("account_id = ?", accountID)
	}
	if leadID := utils.ParseUint(c.Query("lead_id")); leadID != 0 {
		query = query.Where("lead_id = ?", leadID)
	}
	if label := c.Query("label"); label != "" {
		query = query.Where("label = ?", label)
	}
	if c.QueryBool("unread") {
		query = query.Where("is_read = ?", false)
	}
	if c.QueryBool("starred") {
		query = query.Where("is_starred = ?", true)
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)
	if limit > 200 {
		limit = 200
	}

	var total int64
	query.Model(&models.EmailMessage{}).Count(&total)

	var messages []models.EmailMessage
	if err := query.Order("date desc").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&messages).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch messages", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  messages,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetThread returns every message tied to one conversation, outbound steps
// included, ordered oldest first.
func (ic *InboxController) GetThread(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	threadID := c.Params("thread_id")
	if threadID == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Thread ID is required", nil)
	}

	var inbound []models.EmailMessage
	if err := ic.DB.Where("user_id = ? AND thread_id = ?", user.ID, threadID).
		Order("date asc").
		Find(&inbound).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch thread", err)
	}

	var outbound []models.ScheduledEmail
	ic.DB.Where("user_id = ? AND thread_id = ? AND status = ?", user.ID, threadID, models.EmailSent).
		Order("sent_at asc").
		Find(&outbound)

	if len(inbound) == 0 && len(outbound) == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Thread not found", nil)
	}

	return c.JSON(fiber.Map{
		"thread_id": threadID,
		"inbound":   inbound,
		"outbound":  outbound,
	})
}

func (ic *InboxController) MarkRead(c *fiber.Ctx) error {
	return ic.setMessageFlag(c, "is_read", true)
}

func (ic *InboxController) MarkUnread(c *fiber.Ctx) error {
	return ic.setMessageFlag(c, "is_read", false)
}

func (ic *InboxController) ToggleStar(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	message, err := ic.ownedMessage(c, user.ID)
	if err != nil {
		return err
	}

	if err := ic.DB.Model(message).Update("is_starred", !message.IsStarred).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update message", err)
	}
	message.IsStarred = !message.IsStarred
	return c.JSON(message)
}

func (ic *InboxController) setMessageFlag(c *fiber.Ctx, column string, value bool) error {
	user := c.Locals("user").(*models.User)

	message, err := ic.ownedMessage(c, user.ID)
	if err != nil {
		return err
	}
	if err := ic.DB.Model(message).Update(column, value).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update message", err)
	}
	return c.JSON(fiber.Map{"message": "Updated"})
}

func (ic *InboxController) GetNotifications(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	query := ic.DB.Where("user_id = ?", user.ID)
	if c.QueryBool("unread") {
		query = query.Where("is_read = ?", false)
	}

	var notifications []models.Notification
	if err := query.Order("created_at desc").Limit(100).Find(&notifications).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch notifications", err)
	}
	return c.JSON(notifications)
}

func (ic *InboxController) MarkNotificationsRead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	if err := ic.DB.Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", user.ID, false).
		Update("is_read", true).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update notifications", err)
	}
	return c.JSON(fiber.Map{"message": "Notifications marked read"})
}

// HandleNotificationsWS streams new notifications to a connected client. The
// token comes as a query parameter since browsers cannot set websocket headers.
func HandleNotificationsWS(c *websocket.Conn) {
	defer c.Close()

	token := c.Query("token")
	claims, err := utils.ParseJWTToken(token)
	if err != nil {
		c.WriteJSON(fiber.Map{"error": "unauthorized"})
		return
	}

	lastSeen := time.Now()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		var fresh []models.Notification
		if err := config.DB.
			Where("user_id = ? AND created_at > ?", claims.UserID, lastSeen).
			Order("created_at asc").
			Find(&fresh).Error; err != nil {
			return
		}
		for _, n := range fresh {
			if err := c.WriteJSON(n); err != nil {
				return
			}
			lastSeen = n.CreatedAt
		}
		// Heartbeat keeps intermediaries from dropping idle connections.
		if len(fresh) == 0 {
			if err := c.WriteJSON(fiber.Map{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

func (ic *InboxController) ownedMessage(c *fiber.Ctx, userID uint) (*models.EmailMessage, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid message ID", nil)
	}

	var message models.EmailMessage
	if err := ic.DB.Where("id = ? AND user_id = ?", id, userID).First(&message).Error; err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Message not found", nil)
	}
	return &message, nil
}
