package controller

import (
	"log"
	"time"

	"coldreach/models"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type CampaignController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewCampaignController(db *gorm.DB, logger *log.Logger) *CampaignController {
	return &CampaignController{DB: db, Logger: logger}
}

type CreateCampaignRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"omitempty,max=1000"`
	AccountID   uint   `json:"account_id" validate:"required"`
	Timezone    string `json:"timezone" validate:"omitempty,max=64"`
	WindowStart string `json:"window_start" validate:"omitempty,len=5"`
	WindowEnd   string `json:"window_end" validate:"omitempty,len=5"`
	DelayDays   []int  `json:"delay_days" validate:"omitempty,max=10,dive,min=0,max=90"`
}

func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req CreateCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	var account models.EmailAccount
	if err := cc.DB.Where("id = ? AND user_id = ?", req.AccountID, user.ID).First(&account).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sending account not found", nil)
	}

	campaign := models.Campaign{
		UserID:      user.ID,
		AccountID:   account.ID,
		Name:        req.Name,
		Description: req.Description,
		Status:      models.CampaignDraft,
		Timezone:    "UTC",
		WindowStart: "09:00",
		WindowEnd:   "17:00",
		DelayDays:   req.DelayDays,
	}
	if req.Timezone != "" {
		campaign.Timezone = req.Timezone
	}
	if req.WindowStart != "" {
		campaign.WindowStart = req.WindowStart
	}
	if req.WindowEnd != "" {
		campaign.WindowEnd = req.WindowEnd
	}

	// A window the schedule computer rejects must never reach the database.
	if _, err := utils.ComputeSchedule(time.Now(), 1, campaign.DelayDays,
		campaign.WindowStart, campaign.WindowEnd, campaign.Timezone); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid send window", err)
	}

	if err := cc.DB.Create(&campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create campaign", err)
	}
	return c.Status(fiber.StatusCreated).JSON(campaign)
}

func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var campaigns []models.Campaign
	if err := cc.DB.Where("user_id = ?", user.ID).Order("created_at desc").Find(&campaigns).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaigns", err)
	}
	return c.JSON(campaigns)
}

func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return err
	}
	return c.JSON(campaign)
}

type UpdateCampaignRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=200"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
	Timezone    *string `json:"timezone" validate:"omitempty,max=64"`
	WindowStart *string `json:"window_start" validate:"omitempty,len=5"`
	WindowEnd   *string `json:"window_end" validate:"omitempty,len=5"`
	DelayDays   *[]int  `json:"delay_days" validate:"omitempty,max=10,dive,min=0,max=90"`
}

func (cc *CampaignController) UpdateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return err
	}
	if campaign.Status == models.CampaignActive {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Pause the campaign before editing it", nil)
	}

	var req UpdateCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	if req.Name != nil {
		campaign.Name = *req.Name
	}
	if req.Description != nil {
		campaign.Description = *req.Description
	}
	if req.Timezone != nil {
		campaign.Timezone = *req.Timezone
	}
	if req.WindowStart != nil {
		campaign.WindowStart = *req.WindowStart
	}
	if req.WindowEnd != nil {
		campaign.WindowEnd = *req.WindowEnd
	}
	if req.DelayDays != nil {
		campaign.DelayDays = *req.DelayDays
	}

	if _, err := utils.ComputeSchedule(time.Now(), 1, campaign.DelayDays,
		campaign.WindowStart, campaign.WindowEnd, campaign.Timezone); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid send window", err)
	}

	if err := cc.DB.Save(campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign", err)
	}
	return c.JSON(campaign)
}

func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return err
	}
	if campaign.Status == models.CampaignActive {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Pause the campaign before deleting it", nil)
	}

	cc.DB.Model(&models.ScheduledEmail{}).
		Where("campaign_id = ? AND status = ?", campaign.ID, models.EmailScheduled).
		Update("status", models.EmailDraft)

	if err := cc.DB.Delete(campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete campaign", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Campaign deleted"}))
}

// StartCampaign materializes every approved, open sequence into concrete
// scheduled sends and flips the campaign to active. All or nothing: one
// transaction covers the whole expansion.
func (cc *CampaignController) StartCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return err
	}
	if campaign.Status != models.CampaignDraft {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only draft campaigns can be started", nil)
	}

	var account models.EmailAccount
	if err := cc.DB.First(&account, campaign.AccountID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sending account no longer exists", nil)
	}
	if !account.IsActive || !account.IsHealthy {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sending account is not healthy", nil)
	}

	var sequences []models.Sequence
	if err := cc.DB.Where("campaign_id = ? AND completed = ? AND approved_at IS NOT NULL",
		campaign.ID, false).Find(&sequences).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequences", err)
	}
	if len(sequences) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Campaign has no approved sequences", nil)
	}

	leadIDs := make([]uint, 0, len(sequences))
	for _, s := range sequences {
		leadIDs = append(leadIDs, s.LeadID)
	}
	var leads []models.Lead
	cc.DB.Where("id IN ?", leadIDs).Find(&leads)
	leadByID := make(map[uint]*models.Lead, len(leads))
	for i := range leads {
		leadByID[leads[i].ID] = &leads[i]
	}

	now := time.Now()
	planned := 0
	var toCreate []models.ScheduledEmail

	for _, sequence := range sequences {
		lead, ok := leadByID[sequence.LeadID]
		if !ok || !lead.Contactable() {
			continue
		}

		sendTimes, err := utils.ComputeSchedule(now, len(sequence.Steps), campaign.DelayDays,
			campaign.WindowStart, campaign.WindowEnd, campaign.Timezone)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid send window", err)
		}

		for i, step := range sequence.Steps {
			toCreate = append(toCreate, models.ScheduledEmail{
				UserID:     user.ID,
				CampaignID: campaign.ID,
				SequenceID: sequence.ID,
				LeadID:     sequence.LeadID,
				AccountID:  campaign.AccountID,
				StepNumber: step.StepNumber,
				Subject:    step.Subject,
				Body:       step.Body,
				SendAt:     sendTimes[i],
				Status:     models.EmailScheduled,
			})
			planned++
		}
	}

	if planned == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "No contactable leads to schedule", nil)
	}
	if user.EmailCredits < planned {
		return utils.ErrorResponse(c, fiber.StatusPaymentRequired, "Not enough email credits for this campaign", nil)
	}

	tx := cc.DB.Begin()
	if err := tx.CreateInBatches(toCreate, 100).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to schedule emails", err)
	}
	if err := tx.Model(&models.Lead{}).
		Where("id IN ? AND status = ?", leadIDs, models.LeadNew).
		Update("status", models.LeadSequenced).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update leads", err)
	}
	if err := tx.Model(campaign).Updates(map[string]interface{}{
		"status":     models.CampaignActive,
		"started_at": now,
	}).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start campaign", err)
	}
	tx.Commit()

	cc.Logger.Printf("Campaign %d started: %d emails scheduled", campaign.ID, planned)
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"message":   "Campaign started",
		"scheduled": planned,
	}))
}

func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return err
	}

	res := cc.DB.Model(campaign).
		Where("status = ?", models.CampaignActive).
		Update("status", models.CampaignPaused)
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign is not active", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Campaign paused"}))
}

func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return err
	}

	res := cc.DB.Model(campaign).
		Where("status = ?", models.CampaignPaused).
		Update("status", models.CampaignActive)
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign is not paused", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Campaign resumed"}))
}

// GetCampaignStats aggregates delivery and engagement counters, and settles
// the active → completed transition once nothing is left to send.
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.ownedCampaign(c, user.ID)
	if err != nil {
		return err
	}

	var scheduled, sent, failed, drafted, opened int64
	base := cc.DB.Model(&models.ScheduledEmail{}).Where("campaign_id = ?", campaign.ID)
	base.Session(&gorm.Session{}).Where("status = ?", models.EmailScheduled).Count(&scheduled)
	base.Session(&gorm.Session{}).Where("status = ?", models.EmailSent).Count(&sent)
	base.Session(&gorm.Session{}).Where("status = ?", models.EmailFailed).Count(&failed)
	base.Session(&gorm.Session{}).Where("status = ?", models.EmailDraft).Count(&drafted)
	base.Session(&gorm.Session{}).Where("opened_at IS NOT NULL").Count(&opened)

	var replied, interested, bounced int64
	cc.DB.Model(&models.Lead{}).Where("campaign_id = ? AND status = ?", campaign.ID, models.LeadReplied).Count(&replied)
	cc.DB.Model(&models.Lead{}).Where("campaign_id = ? AND status = ?", campaign.ID, models.LeadInterested).Count(&interested)
	cc.DB.Model(&models.Lead{}).Where("campaign_id = ? AND status = ?", campaign.ID, models.LeadBounced).Count(&bounced)

	if campaign.Status == models.CampaignActive && scheduled == 0 {
		var open int64
		cc.DB.Model(&models.Sequence{}).
			Where("campaign_id = ? AND completed = ?", campaign.ID, false).
			Count(&open)
		if open == 0 {
			now := time.Now()
			cc.DB.Model(campaign).Updates(map[string]interface{}{
				"status":       models.CampaignCompleted,
				"completed_at": now,
			})
			campaign.Status = models.CampaignCompleted
			campaign.CompletedAt = &now
		}
	}

	return c.JSON(fiber.Map{
		"campaign_id": campaign.ID,
		"status":      campaign.Status,
		"total_leads": campaign.TotalLeads,
		"scheduled":   scheduled,
		"sent":        sent,
		"failed":      failed,
		"drafted":     drafted,
		"opened":      opened,
		"replied":     replied,
		"interested":  interested,
		"bounced":     bounced,
	})
}

func (cc *CampaignController) ownedCampaign(c *fiber.Ctx, userID uint) (*models.Campaign, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", nil)
	}

	var campaign models.Campaign
	if err := cc.DB.Where("id = ? AND user_id = ?", id, userID).First(&campaign).Error; err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	return &campaign, nil
}
