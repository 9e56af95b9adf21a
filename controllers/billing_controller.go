package controller

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"coldreach/config"
	"coldreach/models"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"gorm.io/gorm"
)

// creditPacks maps purchasable bundle names to credits and price in cents.
var creditPacks = map[string]struct {
	Credits int
	Amount  int64
}{
	"starter": {Credits: 1000, Amount: 900},
	"growth":  {Credits: 5000, Amount: 3900},
	"scale":   {Credits: 20000, Amount: 12900},
}

func InitStripe() {
	stripe.Key = config.AppConfig.StripeSecretKey
}

type PurchaseCreditsRequest struct {
	Pack string `json:"pack" validate:"required,oneof=starter growth scale"`
}

// CreatePaymentIntent opens a Stripe payment for a credit pack. Credits land
// on the account only when the webhook confirms the payment.
func CreatePaymentIntent(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req PurchaseCreditsRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	pack := creditPacks[req.Pack]

	customerID, err := getOrCreateStripeCustomer(user)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to create payment customer", err)
	}

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(pack.Amount),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Customer:    stripe.String(customerID),
		Description: stripe.String(fmt.Sprintf("Purchase of %s credit pack", req.Pack)),
		Metadata: map[string]string{
			"user_id": strconv.Itoa(int(user.ID)),
			"pack":    req.Pack,
		},
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to create payment", err)
	}

	transaction := models.CreditTransaction{
		UserID:                user.ID,
		EmailCredits:          pack.Credits,
		Amount:                int(pack.Amount),
		Currency:              "USD",
		PaymentStatus:         "pending",
		Description:           fmt.Sprintf("%s credit pack (%d credits)", req.Pack, pack.Credits),
		StripePaymentIntentID: pi.ID,
	}
	if err := config.DB.Create(&transaction).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record transaction", err)
	}

	return c.JSON(fiber.Map{
		"client_secret":  pi.ClientSecret,
		"transaction_id": transaction.ID,
		"amount":         pack.Amount,
		"currency":       "usd",
	})
}

func GetCreditBalance(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var transactions []models.CreditTransaction
	config.DB.Where("user_id = ?", user.ID).
		Order("created_at desc").
		Limit(50).
		Find(&transactions)

	return c.JSON(fiber.Map{
		"email_credits": user.EmailCredits,
		"plan_name":     user.PlanName,
		"transactions":  transactions,
	})
}

// HandlePaymentWebhook settles pending transactions from Stripe events.
func HandlePaymentWebhook(c *fiber.Ctx) error {
	event, err := utils.ConstructStripeEvent(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook payload",
		})
	}

	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing payment intent",
			})
		}
		return settlePayment(c, pi.ID, true)

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing payment intent",
			})
		}
		return settlePayment(c, pi.ID, false)

	default:
		return c.SendStatus(fiber.StatusOK)
	}
}

func settlePayment(c *fiber.Ctx, paymentIntentID string, succeeded bool) error {
	var transaction models.CreditTransaction
	if err := config.DB.Where("stripe_payment_intent_id = ?", paymentIntentID).
		First(&transaction).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Transaction not found",
		})
	}

	// Stripe retries webhooks; a settled transaction must not credit twice.
	if transaction.PaymentStatus != "pending" {
		return c.SendStatus(fiber.StatusOK)
	}

	if !succeeded {
		config.DB.Model(&transaction).Update("payment_status", "failed")
		return c.SendStatus(fiber.StatusOK)
	}

	now := time.Now()
	tx := config.DB.Begin()
	if err := tx.Model(&transaction).Updates(map[string]interface{}{
		"payment_status": "completed",
		"completed_at":   now,
	}).Error; err != nil {
		tx.Rollback()
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	if err := tx.Model(&models.User{}).Where("id = ?", transaction.UserID).
		Update("email_credits", gorm.Expr("email_credits + ?", transaction.EmailCredits)).Error; err != nil {
		tx.Rollback()
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	tx.Commit()

	return c.SendStatus(fiber.StatusOK)
}

func getOrCreateStripeCustomer(user *models.User) (string, error) {
	if user.StripeCustomerID != nil {
		return *user.StripeCustomerID, nil
	}

	var name string
	if user.Name != nil {
		name = *user.Name
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Name:  stripe.String(name),
		Metadata: map[string]string{
			"user_id": strconv.Itoa(int(user.ID)),
		},
	}
	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}

	user.StripeCustomerID = &cust.ID
	if err := config.DB.Save(user).Error; err != nil {
		return "", err
	}
	return cust.ID, nil
}
