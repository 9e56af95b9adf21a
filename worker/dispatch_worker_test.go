package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"coldreach/config"
	"coldreach/models"
	"coldreach/utils"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := config.MigrateDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeSender records requests and answers with a scripted result.
type fakeSender struct {
	mu       sync.Mutex
	requests []utils.SendRequest
	err      error
}

func (f *fakeSender) Send(_ context.Context, _ *models.EmailAccount, req utils.SendRequest) (*utils.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &utils.SendResult{MessageID: req.MessageID}, nil
}

func (f *fakeSender) sent() []utils.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]utils.SendRequest(nil), f.requests...)
}

type fixture struct {
	db       *gorm.DB
	user     models.User
	account  models.EmailAccount
	campaign models.Campaign
	lead     models.Lead
	sequence models.Sequence
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)

	f := &fixture{db: db}
	f.user = models.User{Email: "owner@widgets.example", PasswordHash: "x", IsActive: true, EmailCredits: 100}
	if err := db.Create(&f.user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	f.account = models.EmailAccount{
		UserID:    f.user.ID,
		Provider:  models.ProviderSMTP,
		FromEmail: "sender@widgets.example",
		FromName:  "Sender",
		DailyLimit: 500,
		IsActive:  true,
		IsHealthy: true,
	}
	if err := db.Create(&f.account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	f.campaign = models.Campaign{
		UserID:      f.user.ID,
		AccountID:   f.account.ID,
		Name:        "Launch",
		Status:      models.CampaignActive,
		Timezone:    "UTC",
		WindowStart: "00:00",
		WindowEnd:   "23:59",
	}
	if err := db.Create(&f.campaign).Error; err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	f.lead = models.Lead{
		UserID:     f.user.ID,
		CampaignID: f.campaign.ID,
		Email:      "lead@prospect.example",
		Status:     models.LeadSequenced,
	}
	if err := db.Create(&f.lead).Error; err != nil {
		t.Fatalf("create lead: %v", err)
	}
	f.sequence = models.Sequence{
		UserID:     f.user.ID,
		CampaignID: f.campaign.ID,
		LeadID:     f.lead.ID,
		Steps: []models.SequenceStep{
			{StepNumber: 1, Subject: "Intro", Body: "Hello"},
			{StepNumber: 2, Subject: "Follow up", Body: "Bump"},
		},
	}
	if err := db.Create(&f.sequence).Error; err != nil {
		t.Fatalf("create sequence: %v", err)
	}
	return f
}

func (f *fixture) scheduleStep(t *testing.T, step int, sendAt time.Time) *models.ScheduledEmail {
	t.Helper()
	email := models.ScheduledEmail{
		UserID:     f.user.ID,
		CampaignID: f.campaign.ID,
		SequenceID: f.sequence.ID,
		LeadID:     f.lead.ID,
		AccountID:  f.account.ID,
		StepNumber: step,
		Subject:    "Intro",
		Body:       "Hello",
		SendAt:     sendAt,
		Status:     models.EmailScheduled,
	}
	if err := f.db.Create(&email).Error; err != nil {
		t.Fatalf("create scheduled email: %v", err)
	}
	return &email
}

func (f *fixture) reload(t *testing.T, email *models.ScheduledEmail) *models.ScheduledEmail {
	t.Helper()
	var out models.ScheduledEmail
	if err := f.db.First(&out, email.ID).Error; err != nil {
		t.Fatalf("reload email: %v", err)
	}
	return &out
}

func TestTickSendsDueEmail(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	email := f.scheduleStep(t, 1, now.Add(-time.Minute))

	sender := &fakeSender{}
	dw := NewDispatchWorker(f.db, sender, testLogger(), 100)

	stats := dw.Tick(context.Background(), now)
	if stats.Sent != 1 {
		t.Fatalf("stats = %+v, want one sent", stats)
	}

	got := f.reload(t, email)
	if got.Status != models.EmailSent {
		t.Errorf("status = %q, want sent", got.Status)
	}
	if got.MessageID == "" || got.SentAt == nil {
		t.Errorf("sent row missing message id or timestamp: %+v", got)
	}
	if got.ThreadID != got.MessageID {
		t.Errorf("first step thread %q should equal its message id %q", got.ThreadID, got.MessageID)
	}

	var account models.EmailAccount
	f.db.First(&account, f.account.ID)
	if account.SentToday != 1 {
		t.Errorf("sent_today = %d, want 1", account.SentToday)
	}

	var user models.User
	f.db.First(&user, f.user.ID)
	if user.EmailCredits != 99 {
		t.Errorf("email_credits = %d, want 99", user.EmailCredits)
	}

	var lead models.Lead
	f.db.First(&lead, f.lead.ID)
	if lead.Status != models.LeadContacted {
		t.Errorf("lead status = %q, want contacted after step one", lead.Status)
	}

	var sequence models.Sequence
	f.db.First(&sequence, f.sequence.ID)
	if sequence.CurrentStep != 1 {
		t.Errorf("current_step = %d, want 1", sequence.CurrentStep)
	}
	if sequence.Completed {
		t.Error("sequence completed after first of two steps")
	}
}

func TestTickCompletesSequenceOnLastStep(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.scheduleStep(t, 2, now.Add(-time.Minute))

	dw := NewDispatchWorker(f.db, &fakeSender{}, testLogger(), 100)
	if stats := dw.Tick(context.Background(), now); stats.Sent != 1 {
		t.Fatalf("stats = %+v, want one sent", stats)
	}

	var sequence models.Sequence
	f.db.First(&sequence, f.sequence.ID)
	if !sequence.Completed || sequence.CurrentStep != 2 {
		t.Errorf("sequence = current_step %d completed %v, want 2/true",
			sequence.CurrentStep, sequence.Completed)
	}
}

func TestTickIgnoresFutureEmails(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	email := f.scheduleStep(t, 1, now.Add(time.Hour))

	sender := &fakeSender{}
	dw := NewDispatchWorker(f.db, sender, testLogger(), 100)

	stats := dw.Tick(context.Background(), now)
	if stats.Sent != 0 || len(sender.sent()) != 0 {
		t.Errorf("future email dispatched: %+v", stats)
	}
	if got := f.reload(t, email); got.Status != models.EmailScheduled {
		t.Errorf("status = %q, want scheduled", got.Status)
	}
}

func TestTickWarmupCapSkips(t *testing.T) {
	f := newFixture(t)
	f.db.Model(&models.EmailAccount{}).Where("id = ?", f.account.ID).Updates(map[string]interface{}{
		"warmup_enabled": true,
		"warmup_day":     1,
		"sent_today":     10,
	})

	now := time.Now()
	email := f.scheduleStep(t, 1, now.Add(-time.Minute))

	dw := NewDispatchWorker(f.db, &fakeSender{}, testLogger(), 100)
	stats := dw.Tick(context.Background(), now)

	if stats.Skipped != 1 || stats.Sent != 0 {
		t.Errorf("stats = %+v, want one soft skip", stats)
	}
	if got := f.reload(t, email); got.Status != models.EmailScheduled {
		t.Errorf("status = %q, skipped email must stay scheduled", got.Status)
	}
}

func TestTickInTickCounterEnforcesCap(t *testing.T) {
	f := newFixture(t)
	f.db.Model(&models.EmailAccount{}).Where("id = ?", f.account.ID).Updates(map[string]interface{}{
		"warmup_enabled": true,
		"warmup_day":     1,
		"sent_today":     8,
	})

	now := time.Now()
	for i := 0; i < 4; i++ {
		f.scheduleStep(t, 1, now.Add(-time.Duration(i+1)*time.Minute))
	}

	sender := &fakeSender{}
	dw := NewDispatchWorker(f.db, sender, testLogger(), 100)
	stats := dw.Tick(context.Background(), now)

	// Cap is 10 on warmup day one; 8 already sent leaves room for 2.
	if stats.Sent != 2 || stats.Skipped != 2 {
		t.Errorf("stats = %+v, want 2 sent and 2 skipped", stats)
	}
	if len(sender.sent()) != 2 {
		t.Errorf("sender saw %d requests, want 2", len(sender.sent()))
	}
}

func TestTickStopOnReply(t *testing.T) {
	f := newFixture(t)
	f.db.Model(&models.Lead{}).Where("id = ?", f.lead.ID).Update("status", models.LeadReplied)

	now := time.Now()
	email := f.scheduleStep(t, 2, now.Add(-time.Minute))

	sender := &fakeSender{}
	dw := NewDispatchWorker(f.db, sender, testLogger(), 100)
	stats := dw.Tick(context.Background(), now)

	if stats.Drafted != 1 {
		t.Errorf("stats = %+v, want one drafted", stats)
	}
	if len(sender.sent()) != 0 {
		t.Error("email sent to a lead that already replied")
	}
	if got := f.reload(t, email); got.Status != models.EmailDraft {
		t.Errorf("status = %q, want draft", got.Status)
	}
}

func TestTickTransientFailureReschedules(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	email := f.scheduleStep(t, 1, now.Add(-time.Minute))

	sender := &fakeSender{err: &utils.SendError{Reason: "SMTP submission failed", Err: errors.New("timeout")}}
	dw := NewDispatchWorker(f.db, sender, testLogger(), 100)
	stats := dw.Tick(context.Background(), now)

	if stats.Retried != 1 {
		t.Fatalf("stats = %+v, want one retried", stats)
	}

	got := f.reload(t, email)
	if got.Status != models.EmailScheduled {
		t.Errorf("status = %q, want scheduled for retry", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if !got.SendAt.After(now.Add(4 * time.Minute)) {
		t.Errorf("send_at = %v, want pushed out by the retry backoff", got.SendAt)
	}
}

func TestTickRetriesExhaustToFailed(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	email := f.scheduleStep(t, 1, now.Add(-time.Minute))
	f.db.Model(email).Update("retry_count", 2)

	sender := &fakeSender{err: &utils.SendError{Reason: "SMTP submission failed", Err: errors.New("timeout")}}
	dw := NewDispatchWorker(f.db, sender, testLogger(), 100)
	stats := dw.Tick(context.Background(), now)

	if stats.Failed != 1 {
		t.Fatalf("stats = %+v, want one failed", stats)
	}
	got := f.reload(t, email)
	if got.Status != models.EmailFailed {
		t.Errorf("status = %q, want failed after third attempt", got.Status)
	}
	if got.LastError == nil {
		t.Error("failure reason not recorded")
	}
}

func TestTickPermanentFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	email := f.scheduleStep(t, 1, now.Add(-time.Minute))

	sender := &fakeSender{err: &utils.SendError{Permanent: true, Reason: "OAuth refresh rejected"}}
	dw := NewDispatchWorker(f.db, sender, testLogger(), 100)
	stats := dw.Tick(context.Background(), now)

	if stats.Failed != 1 || stats.Retried != 0 {
		t.Fatalf("stats = %+v, want immediate failure", stats)
	}
	if got := f.reload(t, email); got.Status != models.EmailFailed || got.RetryCount != 0 {
		t.Errorf("email = status %q retry_count %d, want failed without retries", got.Status, got.RetryCount)
	}
}

func TestTickUnhealthyAccountFails(t *testing.T) {
	f := newFixture(t)
	f.db.Model(&models.EmailAccount{}).Where("id = ?", f.account.ID).Update("is_healthy", false)

	now := time.Now()
	email := f.scheduleStep(t, 1, now.Add(-time.Minute))

	dw := NewDispatchWorker(f.db, &fakeSender{}, testLogger(), 100)
	stats := dw.Tick(context.Background(), now)

	if stats.Failed != 1 {
		t.Fatalf("stats = %+v, want one failed", stats)
	}
	if got := f.reload(t, email); got.Status != models.EmailFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestTickPausedCampaignHoldsEmails(t *testing.T) {
	f := newFixture(t)
	f.db.Model(&models.Campaign{}).Where("id = ?", f.campaign.ID).Update("status", models.CampaignPaused)

	now := time.Now()
	email := f.scheduleStep(t, 1, now.Add(-time.Minute))

	sender := &fakeSender{}
	dw := NewDispatchWorker(f.db, sender, testLogger(), 100)
	stats := dw.Tick(context.Background(), now)

	if stats.Skipped != 1 || len(sender.sent()) != 0 {
		t.Errorf("stats = %+v, paused campaign must not send", stats)
	}
	if got := f.reload(t, email); got.Status != models.EmailScheduled {
		t.Errorf("status = %q, want scheduled", got.Status)
	}
}

func TestTickFollowUpThreadsOntoPriorStep(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	sentAt := now.Add(-48 * time.Hour)
	prior := models.ScheduledEmail{
		UserID:     f.user.ID,
		CampaignID: f.campaign.ID,
		SequenceID: f.sequence.ID,
		LeadID:     f.lead.ID,
		AccountID:  f.account.ID,
		StepNumber: 1,
		Subject:    "Intro",
		Body:       "Hello",
		SendAt:     sentAt,
		Status:     models.EmailSent,
		MessageID:  "<step1@widgets.example>",
		ThreadID:   "<step1@widgets.example>",
		SentAt:     &sentAt,
	}
	if err := f.db.Create(&prior).Error; err != nil {
		t.Fatalf("create prior step: %v", err)
	}

	email := f.scheduleStep(t, 2, now.Add(-time.Minute))

	sender := &fakeSender{}
	dw := NewDispatchWorker(f.db, sender, testLogger(), 100)
	if stats := dw.Tick(context.Background(), now); stats.Sent != 1 {
		t.Fatalf("stats = %+v, want one sent", stats)
	}

	reqs := sender.sent()
	if len(reqs) != 1 {
		t.Fatalf("sender saw %d requests", len(reqs))
	}
	if reqs[0].InReplyTo != "<step1@widgets.example>" {
		t.Errorf("In-Reply-To = %q, want prior step id", reqs[0].InReplyTo)
	}
	if len(reqs[0].References) != 1 || reqs[0].References[0] != "<step1@widgets.example>" {
		t.Errorf("References = %v, want prior step id", reqs[0].References)
	}
	if got := f.reload(t, email); got.ThreadID != "<step1@widgets.example>" {
		t.Errorf("thread id = %q, want inherited from step one", got.ThreadID)
	}
}

func TestTickBatchSizeBounds(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		f.scheduleStep(t, 1, now.Add(-time.Duration(i+1)*time.Minute))
	}

	dw := NewDispatchWorker(f.db, &fakeSender{}, testLogger(), 3)
	stats := dw.Tick(context.Background(), now)
	if stats.Sent != 3 {
		t.Errorf("stats = %+v, want batch limited to 3", stats)
	}
}
