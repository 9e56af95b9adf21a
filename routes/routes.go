package routes

import (
	"log"
	"os"

	controller "coldreach/controllers"
	"coldreach/middleware"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"
)

func SetupRoutes(app *fiber.App, db *gorm.DB, llm *utils.LLMClient) {
	// Initialize Stripe
	controller.InitStripe()

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAuthRoutes(app, db)
	SetupAPIRoutes(app, db, llm)
}

func SetupAuthRoutes(app *fiber.App, db *gorm.DB) {
	authLogger := log.New(os.Stdout, "AUTH: ", log.Ldate|log.Ltime|log.Lshortfile)

	auth := app.Group("/auth", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Public auth endpoints
	auth.Post("/register", controller.Register)
	auth.Post("/login", controller.Login)
	auth.Post("/refresh", controller.RefreshToken)

	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Get("/me", controller.Me)

	// Billing
	billing := app.Group("/billing")
	billing.Post("/webhook", controller.HandlePaymentWebhook)
	protectedBilling := billing.Group("", middleware.Protected())
	protectedBilling.Post("/create-intent", controller.CreatePaymentIntent)
	protectedBilling.Get("/balance", controller.GetCreditBalance)

	authLogger.Println("Authentication routes initialized successfully")
}

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, llm *utils.LLMClient) {
	accountController := controller.NewAccountController(db, log.New(os.Stdout, "ACCOUNT: ", log.LstdFlags))
	campaignController := controller.NewCampaignController(db, log.New(os.Stdout, "CAMPAIGN: ", log.LstdFlags))
	leadController := controller.NewLeadController(db, log.New(os.Stdout, "LEAD: ", log.LstdFlags))
	sequenceController := controller.NewSequenceController(db, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags), llm)
	inboxController := controller.NewInboxController(db, log.New(os.Stdout, "INBOX: ", log.LstdFlags))
	trackingController := controller.NewTrackingController(db, log.New(os.Stdout, "TRACK: ", log.LstdFlags))

	// Public endpoints hit from inside emails
	app.Get("/track/open/:message_id/:token", trackingController.TrackOpen)
	app.Get("/unsubscribe/:id/:token", leadController.Unsubscribe)

	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sending accounts
	account := api.Group("/accounts")
	account.Post("/", accountController.CreateAccount)
	account.Get("/", accountController.GetAccounts)
	account.Get("/oauth/:provider", accountController.ConnectOAuth)
	account.Get("/:id", accountController.GetAccount)
	account.Put("/:id", accountController.UpdateAccount)
	account.Delete("/:id", accountController.DeleteAccount)
	account.Post("/:id/test", middleware.AccountTestRateLimiter(), accountController.TestConnection)

	// OAuth callback arrives unauthenticated from the provider redirect.
	app.Get("/accounts/oauth/callback", accountController.OAuthCallback)

	// Campaigns
	campaign := api.Group("/campaigns")
	campaign.Post("/", campaignController.CreateCampaign)
	campaign.Get("/", campaignController.GetCampaigns)
	campaign.Get("/:id", campaignController.GetCampaign)
	campaign.Put("/:id", campaignController.UpdateCampaign)
	campaign.Delete("/:id", campaignController.DeleteCampaign)
	campaign.Post("/:id/start", campaignController.StartCampaign)
	campaign.Post("/:id/pause", campaignController.PauseCampaign)
	campaign.Post("/:id/resume", campaignController.ResumeCampaign)
	campaign.Get("/:id/stats", campaignController.GetCampaignStats)

	// Leads
	lead := api.Group("/leads")
	lead.Post("/", leadController.CreateLead)
	lead.Get("/", leadController.GetLeads)
	lead.Post("/import", leadController.ImportLeads)
	lead.Get("/:id", leadController.GetLead)
	lead.Put("/:id", leadController.UpdateLead)
	lead.Delete("/:id", leadController.DeleteLead)

	// Sequences
	sequence := api.Group("/sequences")
	sequence.Post("/generate", sequenceController.GenerateSequence)
	sequence.Get("/", sequenceController.GetSequences)
	sequence.Get("/:id", sequenceController.GetSequence)
	sequence.Put("/:id", sequenceController.UpdateSequence)
	sequence.Post("/:id/approve", sequenceController.ApproveSequence)
	sequence.Post("/:id/regenerate", sequenceController.RegenerateSequence)

	// Unified inbox
	inbox := api.Group("/inbox")
	inbox.Get("/messages", inboxController.GetMessages)
	inbox.Get("/threads/:thread_id", inboxController.GetThread)
	inbox.Post("/messages/:id/read", inboxController.MarkRead)
	inbox.Post("/messages/:id/unread", inboxController.MarkUnread)
	inbox.Post("/messages/:id/star", inboxController.ToggleStar)
	inbox.Get("/notifications", inboxController.GetNotifications)
	inbox.Post("/notifications/read", inboxController.MarkNotificationsRead)

	// Notification stream
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/notifications", websocket.New(controller.HandleNotificationsWS))
}
