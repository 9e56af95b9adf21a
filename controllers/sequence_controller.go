package controller

import (
	"log"
	"time"

	"coldreach/models"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type SequenceController struct {
	DB        *gorm.DB
	Logger    *log.Logger
	Generator *utils.LLMClient
}

func NewSequenceController(db *gorm.DB, logger *log.Logger, generator *utils.LLMClient) *SequenceController {
	return &SequenceController{DB: db, Logger: logger, Generator: generator}
}

type GenerateSequenceRequest struct {
	LeadID    uint `json:"lead_id" validate:"required"`
	StepCount int  `json:"step_count" validate:"omitempty,min=1,max=10"`
}

// GenerateSequence drafts a new outreach plan for a lead. The plan is held
// unapproved; nothing is scheduled until the campaign starts.
func (sc *SequenceController) GenerateSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req GenerateSequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}
	if req.StepCount == 0 {
		req.StepCount = 3
	}

	var lead models.Lead
	if err := sc.DB.Where("id = ? AND user_id = ?", req.LeadID, user.ID).First(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	var campaign models.Campaign
	if err := sc.DB.First(&campaign, lead.CampaignID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	var existing models.Sequence
	if err := sc.DB.Where("lead_id = ? AND completed = ?", lead.ID, false).First(&existing).Error; err == nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead already has an open sequence", nil)
	}

	steps, err := sc.Generator.GenerateSequence(c.Context(), &lead, &campaign, req.StepCount)
	if err != nil {
		sc.Logger.Printf("Sequence generation failed for lead %d: %v", lead.ID, err)
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to generate sequence", err)
	}

	sequence := models.Sequence{
		UserID:     user.ID,
		CampaignID: campaign.ID,
		LeadID:     lead.ID,
		Steps:      steps,
	}
	if err := sc.DB.Create(&sequence).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save sequence", err)
	}

	return c.Status(fiber.StatusCreated).JSON(sequence)
}

func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	query := sc.DB.Where("user_id = ?", user.ID)
	if campaignID := utils.ParseUint(c.Query("campaign_id")); campaignID != 0 {
		query = query.Where("campaign_id = ?", campaignID)
	}
	if leadID := utils.ParseUint(c.Query("lead_id")); leadID != 0 {
		query = query.Where("lead_id = ?", leadID)
	}

	var sequences []models.Sequence
	if err := query.Order("created_at desc").Find(&sequences).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequences", err)
	}
	return c.JSON(sequences)
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sequence, err := sc.ownedSequence(c, user.ID)
	if err != nil {
		return err
	}
	return c.JSON(sequence)
}

type UpdateSequenceRequest struct {
	Steps []models.SequenceStep `json:"steps" validate:"required,min=1,max=10,dive"`
}

// UpdateSequence replaces the step content of an unapproved sequence.
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sequence, err := sc.ownedSequence(c, user.ID)
	if err != nil {
		return err
	}
	if sequence.ApprovedAt != nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Approved sequences cannot be edited", nil)
	}

	var req UpdateSequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	for i := range req.Steps {
		req.Steps[i].StepNumber = i + 1
	}
	sequence.Steps = req.Steps
	if err := sc.DB.Save(sequence).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sequence", err)
	}
	return c.JSON(sequence)
}

// ApproveSequence marks the plan ready for scheduling.
func (sc *SequenceController) ApproveSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sequence, err := sc.ownedSequence(c, user.ID)
	if err != nil {
		return err
	}
	if len(sequence.Steps) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Sequence has no steps", nil)
	}
	if sequence.ApprovedAt != nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence already approved", nil)
	}

	now := time.Now()
	if err := sc.DB.Model(sequence).Update("approved_at", now).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to approve sequence", err)
	}
	sequence.ApprovedAt = &now
	return c.JSON(sequence)
}

// RegenerateSequence discards the current plan and drafts a fresh one. Any
// unsent scheduled steps of the old plan are voided first.
func (sc *SequenceController) RegenerateSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sequence, err := sc.ownedSequence(c, user.ID)
	if err != nil {
		return err
	}

	var lead models.Lead
	if err := sc.DB.First(&lead, sequence.LeadID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	var campaign models.Campaign
	if err := sc.DB.First(&campaign, sequence.CampaignID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	stepCount := len(sequence.Steps)
	if stepCount == 0 {
		stepCount = 3
	}

	steps, err := sc.Generator.GenerateSequence(c.Context(), &lead, &campaign, stepCount)
	if err != nil {
		sc.Logger.Printf("Sequence regeneration failed for lead %d: %v", lead.ID, err)
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to regenerate sequence", err)
	}

	sc.DB.Model(&models.ScheduledEmail{}).
		Where("sequence_id = ? AND status = ?", sequence.ID, models.EmailScheduled).
		Update("status", models.EmailDraft)

	sequence.Steps = steps
	sequence.CurrentStep = 0
	sequence.Completed = false
	sequence.ApprovedAt = nil
	if err := sc.DB.Save(sequence).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save sequence", err)
	}
	return c.JSON(sequence)
}

func (sc *SequenceController) ownedSequence(c *fiber.Ctx, userID uint) (*models.Sequence, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", nil)
	}

	var sequence models.Sequence
	if err := sc.DB.Where("id = ? AND user_id = ?", id, userID).First(&sequence).Error; err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	return &sequence, nil
}
