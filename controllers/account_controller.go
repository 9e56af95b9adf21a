package controller

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"coldreach/models"
	"coldreach/utils"

	"github.com/emersion/go-imap/client"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

type AccountController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewAccountController(db *gorm.DB, logger *log.Logger) *AccountController {
	return &AccountController{DB: db, Logger: logger}
}

type CreateAccountRequest struct {
	Provider  string `json:"provider" validate:"required,oneof=gmail outlook smtp"`
	FromEmail string `json:"from_email" validate:"required,email"`
	FromName  string `json:"from_name" validate:"required,max=100"`

	SMTPHost     string `json:"smtp_host" validate:"omitempty,hostname"`
	SMTPPort     int    `json:"smtp_port" validate:"omitempty,min=1,max=65535"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
	Encryption   string `json:"encryption" validate:"omitempty,oneof=SSL STARTTLS NONE"`

	IMAPHost       string `json:"imap_host" validate:"omitempty,hostname"`
	IMAPPort       int    `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"imap_password"`
	IMAPEncryption string `json:"imap_encryption" validate:"omitempty,oneof=SSL STARTTLS NONE"`
	IMAPMailbox    string `json:"imap_mailbox"`

	DailyLimit    int   `json:"daily_limit" validate:"omitempty,min=1,max=2000"`
	WarmupEnabled *bool `json:"warmup_enabled"`
}

func (ac *AccountController) CreateAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req CreateAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if req.Provider == models.ProviderSMTP && (req.SMTPHost == "" || req.SMTPPassword == "") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "SMTP host and password are required for smtp accounts",
		})
	}

	account := models.EmailAccount{
		UserID:         user.ID,
		Provider:       req.Provider,
		FromEmail:      req.FromEmail,
		FromName:       req.FromName,
		SMTPHost:       req.SMTPHost,
		SMTPPort:       req.SMTPPort,
		SMTPUsername:   req.SMTPUsername,
		Encryption:     req.Encryption,
		IMAPHost:       req.IMAPHost,
		IMAPPort:       req.IMAPPort,
		IMAPUsername:   req.IMAPUsername,
		IMAPEncryption: req.IMAPEncryption,
		IMAPMailbox:    req.IMAPMailbox,
		IsActive:       true,
		IsHealthy:      true,
	}
	if req.DailyLimit > 0 {
		account.DailyLimit = req.DailyLimit
	} else {
		account.DailyLimit = 500
	}

	if req.SMTPPassword != "" {
		encrypted, err := utils.Encrypt(req.SMTPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store credentials",
			})
		}
		account.SMTPPassword = encrypted
	}
	if req.IMAPPassword != "" {
		encrypted, err := utils.Encrypt(req.IMAPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store credentials",
			})
		}
		account.IMAPPassword = encrypted
	}

	// Young sending domains get the warmup ramp unless the caller decided.
	if req.WarmupEnabled != nil {
		account.WarmupEnabled = *req.WarmupEnabled
	} else {
		account.WarmupEnabled = utils.RecommendWarmup(req.FromEmail)
	}
	account.WarmupDay = 1

	if err := ac.DB.Create(&account).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create account",
		})
	}

	account.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(account)
}

func (ac *AccountController) GetAccounts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var accounts []models.EmailAccount
	if err := ac.DB.Where("user_id = ?", user.ID).Find(&accounts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch accounts",
		})
	}

	for i := range accounts {
		accounts[i].Sanitize()
	}
	return c.JSON(accounts)
}

func (ac *AccountController) GetAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	account, err := ac.ownedAccount(c, user.ID)
	if err != nil {
		return err
	}
	account.Sanitize()
	return c.JSON(account)
}

type UpdateAccountRequest struct {
	FromName      *string `json:"from_name"`
	DailyLimit    *int    `json:"daily_limit" validate:"omitempty,min=1,max=2000"`
	WarmupEnabled *bool   `json:"warmup_enabled"`
	IsActive      *bool   `json:"is_active"`
	SMTPPassword  *string `json:"smtp_password"`
	IMAPPassword  *string `json:"imap_password"`
}

func (ac *AccountController) UpdateAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	account, err := ac.ownedAccount(c, user.ID)
	if err != nil {
		return err
	}

	var req UpdateAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	updates := map[string]interface{}{}
	if req.FromName != nil {
		updates["from_name"] = *req.FromName
	}
	if req.DailyLimit != nil {
		updates["daily_limit"] = *req.DailyLimit
	}
	if req.WarmupEnabled != nil {
		updates["warmup_enabled"] = *req.WarmupEnabled
		if *req.WarmupEnabled && !account.WarmupEnabled {
			updates["warmup_day"] = 1
		}
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.SMTPPassword != nil {
		encrypted, err := utils.Encrypt(*req.SMTPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store credentials",
			})
		}
		updates["smtp_password"] = encrypted
	}
	if req.IMAPPassword != nil {
		encrypted, err := utils.Encrypt(*req.IMAPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store credentials",
			})
		}
		updates["imap_password"] = encrypted
	}

	if len(updates) > 0 {
		if err := ac.DB.Model(account).Updates(updates).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to update account",
			})
		}
	}

	account.Sanitize()
	return c.JSON(account)
}

func (ac *AccountController) DeleteAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	account, err := ac.ownedAccount(c, user.ID)
	if err != nil {
		return err
	}

	var activeCampaigns int64
	ac.DB.Model(&models.Campaign{}).
		Where("account_id = ? AND status = ?", account.ID, models.CampaignActive).
		Count(&activeCampaigns)
	if activeCampaigns > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Account is used by an active campaign",
		})
	}

	if err := ac.DB.Delete(account).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete account",
		})
	}
	return c.JSON(fiber.Map{"message": "Account deleted"})
}

type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TestConnection probes SMTP and IMAP with the stored credentials and
// updates the account health from the outcome. Sits behind a rate limiter;
// providers throttle repeated failed logins hard.
func (ac *AccountController) TestConnection(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	account, err := ac.ownedAccount(c, user.ID)
	if err != nil {
		return err
	}

	if account.UsesOAuth() {
		mailer := utils.NewMailer(ac.DB, logrus.StandardLogger())
		if _, err := mailer.AccessToken(c.Context(), account); err != nil {
			ac.markUnhealthy(account, err.Error())
			return c.JSON(fiber.Map{
				"smtp": TestResult{Error: err.Error()},
				"imap": TestResult{Error: err.Error()},
			})
		}
		ac.markHealthy(account)
		return c.JSON(fiber.Map{
			"smtp": TestResult{Success: true},
			"imap": TestResult{Success: true},
		})
	}

	smtpResult := ac.testSMTP(account)
	imapResult := ac.testIMAP(account)

	if smtpResult.Success && (account.IMAPHost == "" || imapResult.Success) {
		ac.markHealthy(account)
	} else {
		reason := smtpResult.Error
		if reason == "" {
			reason = imapResult.Error
		}
		ac.markUnhealthy(account, reason)
	}

	return c.JSON(fiber.Map{
		"smtp": smtpResult,
		"imap": imapResult,
	})
}

func (ac *AccountController) testSMTP(account *models.EmailAccount) TestResult {
	password, err := utils.Decrypt(account.SMTPPassword)
	if err != nil {
		return TestResult{Error: "Failed to decrypt SMTP password"}
	}

	addr := fmt.Sprintf("%s:%d", account.SMTPHost, account.SMTPPort)
	var auth smtp.Auth
	if account.SMTPUsername != "" && password != "" {
		auth = smtp.PlainAuth("", account.SMTPUsername, password, account.SMTPHost)
	}

	switch strings.ToUpper(account.Encryption) {
	case "SSL", "TLS":
		conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: account.SMTPHost})
		if err != nil {
			return TestResult{Error: fmt.Sprintf("Failed to establish TLS connection: %v", err)}
		}
		defer conn.Close()

		smtpClient, err := smtp.NewClient(conn, account.SMTPHost)
		if err != nil {
			return TestResult{Error: fmt.Sprintf("Failed to create SMTP client: %v", err)}
		}
		defer smtpClient.Close()

		if auth != nil {
			if err := smtpClient.Auth(auth); err != nil {
				return TestResult{Error: fmt.Sprintf("SMTP authentication failed: %v", err)}
			}
		}
	case "STARTTLS":
		smtpClient, err := smtp.Dial(addr)
		if err != nil {
			return TestResult{Error: fmt.Sprintf("Failed to connect to SMTP server: %v", err)}
		}
		defer smtpClient.Close()

		if err := smtpClient.StartTLS(&tls.Config{ServerName: account.SMTPHost}); err != nil {
			return TestResult{Error: fmt.Sprintf("Failed to start TLS: %v", err)}
		}
		if auth != nil {
			if err := smtpClient.Auth(auth); err != nil {
				return TestResult{Error: fmt.Sprintf("SMTP authentication failed: %v", err)}
			}
		}
	default:
		smtpClient, err := smtp.Dial(addr)
		if err != nil {
			return TestResult{Error: fmt.Sprintf("Failed to connect to SMTP server: %v", err)}
		}
		smtpClient.Close()
	}

	return TestResult{Success: true}
}

func (ac *AccountController) testIMAP(account *models.EmailAccount) TestResult {
	if account.IMAPHost == "" {
		return TestResult{Error: "IMAP not configured"}
	}

	password, err := utils.Decrypt(account.IMAPPassword)
	if err != nil {
		return TestResult{Error: "Failed to decrypt IMAP password"}
	}

	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)
	var imapClient *client.Client

	switch strings.ToUpper(account.IMAPEncryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(addr, &tls.Config{ServerName: account.IMAPHost})
	case "STARTTLS":
		imapClient, err = client.Dial(addr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{ServerName: account.IMAPHost})
		}
	default:
		imapClient, err = client.Dial(addr)
	}
	if err != nil {
		return TestResult{Error: fmt.Sprintf("Failed to connect to IMAP server: %v", err)}
	}
	defer imapClient.Logout()

	if err := imapClient.Login(account.IMAPUsername, password); err != nil {
		return TestResult{Error: fmt.Sprintf("IMAP login failed: %v", err)}
	}
	return TestResult{Success: true}
}

func (ac *AccountController) markHealthy(account *models.EmailAccount) {
	ac.DB.Model(account).Updates(map[string]interface{}{
		"is_healthy": true,
		"last_error": nil,
	})
}

func (ac *AccountController) markUnhealthy(account *models.EmailAccount, reason string) {
	ac.DB.Model(account).Updates(map[string]interface{}{
		"is_healthy": false,
		"last_error": reason,
	})
}

// ConnectOAuth returns the provider consent URL. The state parameter binds
// the callback to the requesting user.
func (ac *AccountController) ConnectOAuth(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	provider := c.Params("provider")

	cfg := utils.OAuthProviderConfig(provider)
	if cfg == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown OAuth provider",
		})
	}

	state, err := utils.Encrypt(fmt.Sprintf("%d:%s:%d", user.ID, provider, time.Now().Unix()))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to prepare OAuth state",
		})
	}

	url := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	return c.JSON(fiber.Map{"auth_url": url})
}

// OAuthCallback exchanges the authorization code and stores the encrypted
// token pair on a new or existing account.
func (ac *AccountController) OAuthCallback(c *fiber.Ctx) error {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing code or state",
		})
	}

	userID, provider, err := parseOAuthState(state)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid OAuth state",
		})
	}

	cfg := utils.OAuthProviderConfig(provider)
	if cfg == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown OAuth provider",
		})
	}

	token, err := cfg.Exchange(context.Background(), code)
	if err != nil {
		ac.Logger.Printf("OAuth exchange failed: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to exchange authorization code",
		})
	}
	if token.RefreshToken == "" {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Provider did not return a refresh token",
		})
	}

	email := c.Query("email")
	if email == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing account email",
		})
	}

	encryptedAccess, err := utils.Encrypt(token.AccessToken)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store credentials",
		})
	}
	encryptedRefresh, err := utils.Encrypt(token.RefreshToken)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store credentials",
		})
	}

	var account models.EmailAccount
	err = ac.DB.Where("user_id = ? AND provider = ? AND from_email = ?", userID, provider, email).
		First(&account).Error
	if err == gorm.ErrRecordNotFound {
		account = models.EmailAccount{
			UserID:        userID,
			Provider:      provider,
			FromEmail:     email,
			FromName:      email,
			DailyLimit:    500,
			WarmupEnabled: utils.RecommendWarmup(email),
			WarmupDay:     1,
			IsActive:      true,
			IsHealthy:     true,
		}
		account.OAuthToken = encryptedAccess
		account.OAuthRefreshToken = encryptedRefresh
		account.OAuthExpiry = token.Expiry
		if err := ac.DB.Create(&account).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to create account",
			})
		}
	} else if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to look up account",
		})
	} else {
		updates := map[string]interface{}{
			"oauth_token":         encryptedAccess,
			"oauth_refresh_token": encryptedRefresh,
			"oauth_expiry":        token.Expiry,
			"is_healthy":          true,
			"last_error":          nil,
		}
		if err := ac.DB.Model(&account).Updates(updates).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to update account",
			})
		}
	}

	account.Sanitize()
	return c.JSON(account)
}

func parseOAuthState(state string) (uint, string, error) {
	decoded, err := utils.Decrypt(state)
	if err != nil {
		return 0, "", err
	}
	parts := strings.Split(decoded, ":")
	if len(parts) != 3 {
		return 0, "", fmt.Errorf("malformed state")
	}
	userID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", err
	}
	issued, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, "", err
	}
	if time.Since(time.Unix(issued, 0)) > 15*time.Minute {
		return 0, "", fmt.Errorf("state expired")
	}
	return uint(userID), parts[1], nil
}

func (ac *AccountController) ownedAccount(c *fiber.Ctx, userID uint) (*models.EmailAccount, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid account ID",
		})
	}

	var account models.EmailAccount
	if err := ac.DB.Where("id = ? AND user_id = ?", id, userID).First(&account).Error; err != nil {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Account not found",
		})
	}
	return &account, nil
}
