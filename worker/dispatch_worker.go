package worker

import (
	"context"
	"fmt"
	"html/template"
	"log"
	"strings"
	"time"

	"coldreach/models"
	"coldreach/utils"

	"gorm.io/gorm"
)

const (
	maxSendAttempts = 3
	retryBackoff    = 5 * time.Minute
	dispatchPeriod  = time.Minute
)

// TickStats summarizes one dispatch pass for observability; nothing outside
// the persisted row updates depends on it.
type TickStats struct {
	Sent    int
	Skipped int
	Drafted int
	Retried int
	Failed  int
}

// DispatchWorker drains due ScheduledEmails in bounded batches: applies the
// send policy, invokes the channel sender and drives the
// scheduled → sending → sent|failed transitions, with the scheduled → draft
// shunt for leads that replied first.
type DispatchWorker struct {
	DB        *gorm.DB
	Sender    utils.ChannelSender
	Logger    *log.Logger
	BatchSize int

	lock *utils.JobLock
}

func NewDispatchWorker(db *gorm.DB, sender utils.ChannelSender, logger *log.Logger, batchSize int) *DispatchWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &DispatchWorker{
		DB:        db,
		Sender:    sender,
		Logger:    logger,
		BatchSize: batchSize,
		lock:      utils.NewJobLock("dispatch", 2*dispatchPeriod),
	}
}

func (dw *DispatchWorker) Start(ctx context.Context) {
	dw.Logger.Println("Starting dispatch worker...")
	ticker := time.NewTicker(dispatchPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !dw.lock.TryAcquire(ctx) {
				dw.Logger.Println("Previous dispatch tick still running, skipping")
				continue
			}
			stats := dw.Tick(ctx, time.Now())
			dw.lock.Release(ctx)
			if stats.Sent+stats.Skipped+stats.Drafted+stats.Retried+stats.Failed > 0 {
				dw.Logger.Printf("Dispatch tick: sent=%d skipped=%d drafted=%d retried=%d failed=%d",
					stats.Sent, stats.Skipped, stats.Drafted, stats.Retried, stats.Failed)
			}
		case <-ctx.Done():
			dw.Logger.Println("Stopping dispatch worker...")
			return
		}
	}
}

// Tick processes one bounded batch of due emails. Emails are handled
// sequentially so the in-tick per-account counter stays consistent; across
// ticks the counter is best-effort pacing only.
func (dw *DispatchWorker) Tick(ctx context.Context, now time.Time) TickStats {
	var stats TickStats

	var due []models.ScheduledEmail
	if err := dw.DB.Where("status = ? AND send_at <= ?", models.EmailScheduled, now).
		Order("send_at asc").
		Limit(dw.BatchSize).
		Find(&due).Error; err != nil {
		dw.Logger.Printf("Failed to load due emails: %v", err)
		return stats
	}
	if len(due) == 0 {
		return stats
	}

	accounts := dw.loadAccounts(due)
	leads := dw.loadLeads(due)
	sequences := dw.loadSequences(due)
	campaigns := dw.loadCampaigns(due)

	tickSent := make(map[uint]int)

	for i := range due {
		email := &due[i]

		account, haveAccount := accounts[email.AccountID]
		lead, haveLead := leads[email.LeadID]
		if !haveAccount || !haveLead {
			dw.markFailed(email, "account or lead no longer exists")
			stats.Failed++
			continue
		}

		// Paused campaigns hold their rows until resumed.
		if campaign, ok := campaigns[email.CampaignID]; ok && campaign.Status != models.CampaignActive {
			stats.Skipped++
			continue
		}

		if !account.IsHealthy {
			dw.markFailed(email, "account connection unhealthy")
			stats.Failed++
			continue
		}

		// Stop-on-reply: a reply (or any terminal lead state) makes the
		// remaining steps irrelevant, not failed.
		if lead.Status == models.LeadReplied || !lead.Contactable() {
			if dw.transition(email, models.EmailScheduled, map[string]interface{}{"status": models.EmailDraft}) {
				stats.Drafted++
			}
			continue
		}

		decision := utils.EvaluateSendPolicy(
			account.DailyLimit,
			account.SentToday+tickSent[account.ID],
			account.WarmupEnabled,
			account.WarmupDay,
			account.IsActive,
		)
		if !decision.Allowed {
			// Soft skip: the row stays scheduled and is retried next tick.
			stats.Skipped++
			continue
		}

		if !dw.transition(email, models.EmailScheduled, map[string]interface{}{"status": models.EmailSending}) {
			// Another worker claimed it between select and update.
			continue
		}

		messageID := utils.NewOutreachMessageID(account.FromEmail)
		inReplyTo, references, threadID := dw.threadContext(email, messageID)

		result, err := dw.Sender.Send(ctx, account, utils.SendRequest{
			To:         lead.Email,
			Subject:    email.Subject,
			BodyText:   email.Body,
			BodyHTML:   renderHTMLBody(email.Body, messageID),
			MessageID:  messageID,
			InReplyTo:  inReplyTo,
			References: references,
		})

		if err != nil {
			if !utils.IsPermanentSendError(err) && email.RetryCount+1 < maxSendAttempts {
				dw.reschedule(email, now.Add(retryBackoff), err.Error())
				stats.Retried++
			} else {
				dw.markFailed(email, err.Error())
				stats.Failed++
			}
			continue
		}

		dw.recordSent(email, account, lead, sequences[email.SequenceID], result.MessageID, threadID, now)
		tickSent[account.ID]++
		stats.Sent++
	}

	return stats
}

func (dw *DispatchWorker) loadAccounts(due []models.ScheduledEmail) map[uint]*models.EmailAccount {
	ids := make([]uint, 0, len(due))
	for _, e := range due {
		ids = append(ids, e.AccountID)
	}
	var rows []models.EmailAccount
	dw.DB.Where("id IN ?", ids).Find(&rows)
	out := make(map[uint]*models.EmailAccount, len(rows))
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out
}

func (dw *DispatchWorker) loadLeads(due []models.ScheduledEmail) map[uint]*models.Lead {
	ids := make([]uint, 0, len(due))
	for _, e := range due {
		ids = append(ids, e.LeadID)
	}
	var rows []models.Lead
	dw.DB.Where("id IN ?", ids).Find(&rows)
	out := make(map[uint]*models.Lead, len(rows))
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out
}

func (dw *DispatchWorker) loadSequences(due []models.ScheduledEmail) map[uint]*models.Sequence {
	ids := make([]uint, 0, len(due))
	for _, e := range due {
		ids = append(ids, e.SequenceID)
	}
	var rows []models.Sequence
	dw.DB.Where("id IN ?", ids).Find(&rows)
	out := make(map[uint]*models.Sequence, len(rows))
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out
}

func (dw *DispatchWorker) loadCampaigns(due []models.ScheduledEmail) map[uint]*models.Campaign {
	ids := make([]uint, 0, len(due))
	for _, e := range due {
		ids = append(ids, e.CampaignID)
	}
	var rows []models.Campaign
	dw.DB.Where("id IN ?", ids).Find(&rows)
	out := make(map[uint]*models.Campaign, len(rows))
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out
}

// threadContext resolves In-Reply-To and References from the most recent
// prior sent step of the same sequence, and pins the thread id the whole
// sequence shares.
func (dw *DispatchWorker) threadContext(email *models.ScheduledEmail, ownMessageID string) (string, []string, string) {
	var prior []models.ScheduledEmail
	dw.DB.Where("sequence_id = ? AND step_number < ? AND status = ?",
		email.SequenceID, email.StepNumber, models.EmailSent).
		Order("step_number asc").
		Find(&prior)

	if len(prior) == 0 {
		return "", nil, ownMessageID
	}

	references := make([]string, 0, len(prior))
	for _, p := range prior {
		references = append(references, p.MessageID)
	}
	threadID := prior[0].ThreadID
	if threadID == "" {
		threadID = prior[0].MessageID
	}
	return prior[len(prior)-1].MessageID, references, threadID
}

func (dw *DispatchWorker) recordSent(email *models.ScheduledEmail, account *models.EmailAccount, lead *models.Lead, sequence *models.Sequence, messageID, threadID string, now time.Time) {
	dw.transition(email, models.EmailSending, map[string]interface{}{
		"status":     models.EmailSent,
		"sent_at":    now,
		"message_id": messageID,
		"thread_id":  threadID,
	})

	// Row-scoped counter bumps keep the policy correct across processes.
	dw.DB.Model(&models.EmailAccount{}).Where("id = ?", account.ID).
		Update("sent_today", gorm.Expr("sent_today + ?", 1))
	dw.DB.Model(&models.User{}).Where("id = ? AND email_credits > 0", email.UserID).
		Update("email_credits", gorm.Expr("email_credits - ?", 1))
	dw.DB.Model(&models.Campaign{}).Where("id = ?", email.CampaignID).
		Update("sent_count", gorm.Expr("sent_count + ?", 1))

	leadUpdates := map[string]interface{}{"last_contact": now}
	dw.DB.Model(&models.Lead{}).Where("id = ?", lead.ID).Updates(leadUpdates)
	if email.StepNumber == 1 {
		dw.DB.Model(&models.Lead{}).
			Where("id = ? AND status IN ?", lead.ID, []string{models.LeadNew, models.LeadSequenced}).
			Update("status", models.LeadContacted)
	}

	if sequence != nil {
		dw.DB.Model(&models.Sequence{}).
			Where("id = ? AND current_step < ?", sequence.ID, email.StepNumber).
			Update("current_step", email.StepNumber)
		if email.StepNumber >= len(sequence.Steps) {
			dw.DB.Model(&models.Sequence{}).Where("id = ?", sequence.ID).
				Update("completed", true)
		}
	}
}

func (dw *DispatchWorker) reschedule(email *models.ScheduledEmail, at time.Time, reason string) {
	dw.transition(email, models.EmailSending, map[string]interface{}{
		"status":      models.EmailScheduled,
		"send_at":     at,
		"retry_count": email.RetryCount + 1,
		"last_error":  reason,
	})
}

func (dw *DispatchWorker) markFailed(email *models.ScheduledEmail, reason string) {
	dw.DB.Model(&models.ScheduledEmail{}).
		Where("id = ? AND status IN ?", email.ID, []string{models.EmailScheduled, models.EmailSending}).
		Updates(map[string]interface{}{
			"status":     models.EmailFailed,
			"last_error": reason,
		})
}

// transition performs a conditional status update and reports whether this
// caller won the transition.
func (dw *DispatchWorker) transition(email *models.ScheduledEmail, from string, updates map[string]interface{}) bool {
	res := dw.DB.Model(&models.ScheduledEmail{}).
		Where("id = ? AND status = ?", email.ID, from).
		Updates(updates)
	if res.Error != nil {
		dw.Logger.Printf("Failed to update email %d: %v", email.ID, res.Error)
		return false
	}
	return res.RowsAffected > 0
}

func renderHTMLBody(body, messageID string) string {
	escaped := template.HTMLEscapeString(body)
	html := fmt.Sprintf("<p>%s</p>", strings.ReplaceAll(escaped, "\n", "<br>"))
	return utils.InjectTracking(html, messageID)
}
