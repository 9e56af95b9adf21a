package controller

import (
	"encoding/csv"
	"log"
	"strings"

	"coldreach/models"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type LeadController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewLeadController(db *gorm.DB, logger *log.Logger) *LeadController {
	return &LeadController{DB: db, Logger: logger}
}

type CreateLeadRequest struct {
	CampaignID uint   `json:"campaign_id" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	FirstName  string `json:"first_name" validate:"omitempty,max=100"`
	LastName   string `json:"last_name" validate:"omitempty,max=100"`
	Company    string `json:"company" validate:"omitempty,max=200"`
	Position   string `json:"position" validate:"omitempty,max=200"`
	Website    string `json:"website" validate:"omitempty,max=200"`
}

func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req CreateLeadRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	var campaign models.Campaign
	if err := lc.DB.Where("id = ? AND user_id = ?", req.CampaignID, user.ID).First(&campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := utils.ValidateLeadEmail(email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Email address is not deliverable", err)
	}

	var existing models.Lead
	if err := lc.DB.Where("campaign_id = ? AND email = ?", campaign.ID, email).First(&existing).Error; err == nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead already exists in this campaign", nil)
	}

	lead := models.Lead{
		UserID:     user.ID,
		CampaignID: campaign.ID,
		Email:      email,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Company:    req.Company,
		Position:   req.Position,
		Website:    req.Website,
		Status:     models.LeadNew,
		Source:     "manual",
	}
	if err := lc.DB.Create(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", err)
	}

	lc.DB.Model(&campaign).Update("total_leads", gorm.Expr("total_leads + ?", 1))

	return c.Status(fiber.StatusCreated).JSON(lead)
}

func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	query := lc.DB.Where("user_id = ?", user.ID)
	if campaignID := utils.ParseUint(c.Query("campaign_id")); campaignID != 0 {
		query = query.Where("campaign_id = ?", campaignID)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)
	if limit > 200 {
		limit = 200
	}

	var total int64
	query.Model(&models.Lead{}).Count(&total)

	var leads []models.Lead
	if err := query.Order("created_at desc").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  leads,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	lead, err := lc.ownedLead(c, user.ID)
	if err != nil {
		return err
	}
	return c.JSON(lead)
}

type UpdateLeadRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Company   *string `json:"company"`
	Position  *string `json:"position"`
	Website   *string `json:"website"`
	Status    *string `json:"status" validate:"omitempty,oneof=new sequenced contacted replied interested not_interested bounced converted unsubscribed"`
}

func (lc *LeadController) UpdateLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	lead, err := lc.ownedLead(c, user.ID)
	if err != nil {
		return err
	}

	var req UpdateLeadRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	updates := map[string]interface{}{}
	if req.FirstName != nil {
		updates["first_name"] = *req.FirstName
	}
	if req.LastName != nil {
		updates["last_name"] = *req.LastName
	}
	if req.Company != nil {
		updates["company"] = *req.Company
	}
	if req.Position != nil {
		updates["position"] = *req.Position
	}
	if req.Website != nil {
		updates["website"] = *req.Website
	}
	if req.Status != nil {
		updates["status"] = *req.Status
	}

	if len(updates) > 0 {
		if err := lc.DB.Model(lead).Updates(updates).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update lead", err)
		}
	}
	return c.JSON(lead)
}

func (lc *LeadController) DeleteLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	lead, err := lc.ownedLead(c, user.ID)
	if err != nil {
		return err
	}

	// Unsent steps disappear with the lead.
	lc.DB.Model(&models.ScheduledEmail{}).
		Where("lead_id = ? AND status = ?", lead.ID, models.EmailScheduled).
		Update("status", models.EmailDraft)

	if err := lc.DB.Delete(lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete lead", err)
	}
	lc.DB.Model(&models.Campaign{}).Where("id = ? AND total_leads > 0", lead.CampaignID).
		Update("total_leads", gorm.Expr("total_leads - ?", 1))

	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Lead deleted"}))
}

// ImportLeads bulk-loads leads from an uploaded CSV. Undeliverable addresses
// and duplicates are skipped, not fatal.
func (lc *LeadController) ImportLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaignID := utils.ParseUint(c.Query("campaign_id"))
	if campaignID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Campaign ID is required for import", nil)
	}

	var campaign models.Campaign
	if err := lc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File upload error", err)
	}
	if file.Size > 5<<20 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File too large (max 5MB)", nil)
	}

	src, err := file.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to open file", err)
	}
	defer src.Close()

	reader := csv.NewReader(src)
	records, err := reader.ReadAll()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to parse CSV file", err)
	}
	if len(records) < 2 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "CSV file must have at least a header and one row", nil)
	}

	header := records[0]
	rows := records[1:]

	imported, skipped := 0, 0
	var batch []models.Lead

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := lc.DB.Create(&batch).Error; err != nil {
			lc.Logger.Printf("Failed to import batch of leads: %v", err)
		} else {
			imported += len(batch)
		}
		batch = nil
	}

	for _, row := range rows {
		if len(row) != len(header) {
			skipped++
			continue
		}

		data := make(map[string]string, len(header))
		for i, col := range header {
			data[strings.ToLower(strings.TrimSpace(col))] = strings.TrimSpace(row[i])
		}

		email := strings.ToLower(data["email"])
		if email == "" || utils.ValidateLeadEmail(email) != nil {
			skipped++
			continue
		}

		var existing models.Lead
		if err := lc.DB.Where("campaign_id = ? AND email = ?", campaign.ID, email).
			First(&existing).Error; err == nil {
			skipped++
			continue
		}

		batch = append(batch, models.Lead{
			UserID:     user.ID,
			CampaignID: campaign.ID,
			Email:      email,
			FirstName:  data["first_name"],
			LastName:   data["last_name"],
			Company:    data["company"],
			Position:   data["position"],
			Website:    data["website"],
			Status:     models.LeadNew,
			Source:     "csv",
		})
		if len(batch) >= 100 {
			flush()
		}
	}
	flush()

	if imported > 0 {
		lc.DB.Model(&campaign).Update("total_leads", gorm.Expr("total_leads + ?", imported))
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"message":    "Leads imported successfully",
		"total_rows": len(rows),
		"imported":   imported,
		"skipped":    skipped,
	}))
}

// Unsubscribe is a public endpoint hit from the list-unsubscribe link.
func (lc *LeadController) Unsubscribe(c *fiber.Ctx) error {
	leadID := utils.ParseUint(c.Params("id"))
	token := c.Params("token")
	if leadID == 0 || token == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid unsubscribe link", nil)
	}

	var lead models.Lead
	if err := lc.DB.First(&lead, leadID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	if !utils.VerifyUnsubscribeToken(lead.Email, token) {
		return utils.ErrorResponse(c, fiber.StatusForbidden, "Invalid unsubscribe link", nil)
	}

	lc.DB.Model(&lead).Update("status", models.LeadUnsubscribed)
	lc.DB.Model(&models.ScheduledEmail{}).
		Where("lead_id = ? AND status = ?", lead.ID, models.EmailScheduled).
		Update("status", models.EmailDraft)

	return c.SendString("You have been unsubscribed.")
}

func (lc *LeadController) ownedLead(c *fiber.Ctx, userID uint) (*models.Lead, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}

	var lead models.Lead
	if err := lc.DB.Where("id = ? AND user_id = ?", id, userID).First(&lead).Error; err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	return &lead, nil
}
