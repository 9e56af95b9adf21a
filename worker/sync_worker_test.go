package worker

import (
	"context"
	"testing"
	"time"

	"coldreach/models"
	"coldreach/utils"

	"github.com/emersion/go-imap"
)

// fakeClassifier answers every call with a fixed label or error.
type fakeClassifier struct {
	label      string
	confidence float64
	err        error
	calls      int
}

func (f *fakeClassifier) Classify(_ context.Context, _, _ string) (*utils.Classification, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &utils.Classification{Label: f.label, Confidence: f.confidence}, nil
}

func newSyncWorker(f *fixture, classifier utils.IntentClassifier) *SyncWorker {
	return NewSyncWorker(f.db, nil, classifier, testLogger())
}

func (f *fixture) recordSentStep(t *testing.T, step int, messageID, threadID string) *models.ScheduledEmail {
	t.Helper()
	sentAt := time.Now().Add(-24 * time.Hour)
	email := models.ScheduledEmail{
		UserID:     f.user.ID,
		CampaignID: f.campaign.ID,
		SequenceID: f.sequence.ID,
		LeadID:     f.lead.ID,
		AccountID:  f.account.ID,
		StepNumber: step,
		Subject:    "Intro",
		Body:       "Hello, quick question about widgets.",
		SendAt:     sentAt,
		Status:     models.EmailSent,
		MessageID:  messageID,
		ThreadID:   threadID,
		SentAt:     &sentAt,
	}
	if err := f.db.Create(&email).Error; err != nil {
		t.Fatalf("create sent step: %v", err)
	}
	return &email
}

func inboundMessage(from, messageID, inReplyTo string) *imap.Message {
	return &imap.Message{
		Envelope: &imap.Envelope{
			Date:      time.Now(),
			Subject:   "Re: Intro",
			From:      []*imap.Address{parseIMAPAddress(from)},
			To:        []*imap.Address{parseIMAPAddress("sender@widgets.example")},
			InReplyTo: inReplyTo,
			MessageId: messageID,
		},
	}
}

func parseIMAPAddress(addr string) *imap.Address {
	at := -1
	for i, r := range addr {
		if r == '@' {
			at = i
			break
		}
	}
	return &imap.Address{MailboxName: addr[:at], HostName: addr[at+1:]}
}

func TestCorrelateBySendLog(t *testing.T) {
	f := newFixture(t)
	f.recordSentStep(t, 1, "<step1@widgets.example>", "<step1@widgets.example>")

	sw := newSyncWorker(f, nil)
	match := sw.correlate(&f.account, "unrelated@elsewhere.example", "<step1@widgets.example>", nil)

	if match.leadID != f.lead.ID || match.campaignID != f.campaign.ID {
		t.Errorf("match = %+v, want lead %d campaign %d", match, f.lead.ID, f.campaign.ID)
	}
	if match.threadID != "<step1@widgets.example>" {
		t.Errorf("thread = %q, want inherited from the sent step", match.threadID)
	}
	if match.outreachBody == "" {
		t.Error("outreach body not carried for the classifier")
	}
}

func TestCorrelateByReferencesHeader(t *testing.T) {
	f := newFixture(t)
	f.recordSentStep(t, 1, "<step1@widgets.example>", "<step1@widgets.example>")

	sw := newSyncWorker(f, nil)
	// In-Reply-To points at an intermediate reply we never saw, but the
	// References chain still reaches back to our outreach.
	match := sw.correlate(&f.account, "lead@prospect.example", "<unknown@prospect.example>",
		[]string{"<step1@widgets.example>", "<unknown@prospect.example>"})

	if match.leadID != f.lead.ID {
		t.Errorf("lead = %d, want %d", match.leadID, f.lead.ID)
	}
}

func TestCorrelateBySenderAddressFallback(t *testing.T) {
	f := newFixture(t)
	f.recordSentStep(t, 1, "<step1@widgets.example>", "<step1@widgets.example>")

	sw := newSyncWorker(f, nil)
	match := sw.correlate(&f.account, "Lead Person <LEAD@prospect.example>", "", nil)

	if match.leadID != f.lead.ID {
		t.Fatalf("lead = %d, want %d via address fallback", match.leadID, f.lead.ID)
	}
	if match.threadID != "<step1@widgets.example>" {
		t.Errorf("thread = %q, want latest sent step's thread", match.threadID)
	}
}

func TestCorrelateUnknownSender(t *testing.T) {
	f := newFixture(t)
	sw := newSyncWorker(f, nil)
	match := sw.correlate(&f.account, "stranger@nowhere.example", "", nil)
	if match.leadID != 0 {
		t.Errorf("match = %+v, want no correlation", match)
	}
}

func TestProcessMessageIdempotent(t *testing.T) {
	f := newFixture(t)
	sw := newSyncWorker(f, nil)

	msg := inboundMessage("lead@prospect.example", "<reply1@prospect.example>", "")
	for i := 0; i < 2; i++ {
		if err := sw.ProcessMessage(context.Background(), &f.account, msg); err != nil {
			t.Fatalf("pass %d: %v", i+1, err)
		}
	}

	var count int64
	f.db.Model(&models.EmailMessage{}).
		Where("account_id = ? AND message_id = ?", f.account.ID, "<reply1@prospect.example>").
		Count(&count)
	if count != 1 {
		t.Errorf("stored %d rows, want 1", count)
	}
}

func TestProcessMessageMarksLeadReplied(t *testing.T) {
	f := newFixture(t)
	f.recordSentStep(t, 1, "<step1@widgets.example>", "<step1@widgets.example>")
	f.db.Model(&models.Lead{}).Where("id = ?", f.lead.ID).Update("status", models.LeadContacted)

	sw := newSyncWorker(f, nil)
	msg := inboundMessage("lead@prospect.example", "<reply1@prospect.example>", "<step1@widgets.example>")
	if err := sw.ProcessMessage(context.Background(), &f.account, msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	var lead models.Lead
	f.db.First(&lead, f.lead.ID)
	if lead.Status != models.LeadReplied {
		t.Errorf("lead status = %q, want replied", lead.Status)
	}

	var campaign models.Campaign
	f.db.First(&campaign, f.campaign.ID)
	if campaign.ReplyCount != 1 {
		t.Errorf("reply_count = %d, want 1", campaign.ReplyCount)
	}

	var note models.Notification
	if err := f.db.Where("user_id = ? AND kind = ?", f.user.ID, models.NotifyReply).First(&note).Error; err != nil {
		t.Errorf("reply notification missing: %v", err)
	}

	var stored models.EmailMessage
	if err := f.db.Where("message_id = ?", "<reply1@prospect.example>").First(&stored).Error; err != nil {
		t.Fatalf("inbound row missing: %v", err)
	}
	if stored.ThreadID != "<step1@widgets.example>" {
		t.Errorf("thread = %q, want the outreach thread", stored.ThreadID)
	}
}

func TestProcessMessageSecondReplyDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	f.recordSentStep(t, 1, "<step1@widgets.example>", "<step1@widgets.example>")

	sw := newSyncWorker(f, nil)
	for _, id := range []string{"<reply1@prospect.example>", "<reply2@prospect.example>"} {
		msg := inboundMessage("lead@prospect.example", id, "<step1@widgets.example>")
		if err := sw.ProcessMessage(context.Background(), &f.account, msg); err != nil {
			t.Fatalf("process %s: %v", id, err)
		}
	}

	var campaign models.Campaign
	f.db.First(&campaign, f.campaign.ID)
	if campaign.ReplyCount != 1 {
		t.Errorf("reply_count = %d, only the first reply should count", campaign.ReplyCount)
	}
}

func TestApplyReplyInterested(t *testing.T) {
	f := newFixture(t)
	f.recordSentStep(t, 1, "<step1@widgets.example>", "<step1@widgets.example>")

	cls := &fakeClassifier{label: models.LabelInterested, confidence: 0.93}
	sw := newSyncWorker(f, cls)

	msg := inboundMessage("lead@prospect.example", "<reply1@prospect.example>", "<step1@widgets.example>")
	if err := sw.ProcessMessage(context.Background(), &f.account, msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	if cls.calls != 1 {
		t.Fatalf("classifier called %d times, want 1", cls.calls)
	}

	var lead models.Lead
	f.db.First(&lead, f.lead.ID)
	if lead.Status != models.LeadInterested {
		t.Errorf("lead status = %q, want interested", lead.Status)
	}

	var stored models.EmailMessage
	f.db.Where("message_id = ?", "<reply1@prospect.example>").First(&stored)
	if stored.Label != models.LabelInterested || stored.Confidence != 0.93 {
		t.Errorf("message label = %q/%v, want interested/0.93", stored.Label, stored.Confidence)
	}

	var note models.Notification
	if err := f.db.Where("kind = ?", models.NotifyPositiveReply).First(&note).Error; err != nil {
		t.Errorf("positive reply notification missing: %v", err)
	}
}

func TestApplyReplyNotInterestedStopsSequence(t *testing.T) {
	f := newFixture(t)
	f.recordSentStep(t, 1, "<step1@widgets.example>", "<step1@widgets.example>")
	pending := f.scheduleStep(t, 2, time.Now().Add(2*time.Hour))

	sw := newSyncWorker(f, &fakeClassifier{label: models.LabelNotInterested, confidence: 0.88})
	msg := inboundMessage("lead@prospect.example", "<reply1@prospect.example>", "<step1@widgets.example>")
	if err := sw.ProcessMessage(context.Background(), &f.account, msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	var lead models.Lead
	f.db.First(&lead, f.lead.ID)
	if lead.Status != models.LeadNotInterested {
		t.Errorf("lead status = %q, want not_interested", lead.Status)
	}

	var sequence models.Sequence
	f.db.First(&sequence, f.sequence.ID)
	if !sequence.Completed {
		t.Error("open sequence not closed")
	}
	if got := f.reload(t, pending); got.Status != models.EmailDraft {
		t.Errorf("pending step = %q, want draft", got.Status)
	}
}

func TestApplyReplyBounce(t *testing.T) {
	f := newFixture(t)
	f.recordSentStep(t, 1, "<step1@widgets.example>", "<step1@widgets.example>")

	sw := newSyncWorker(f, &fakeClassifier{label: models.LabelBounce, confidence: 0.99})
	msg := inboundMessage("mailer-daemon@prospect.example", "<bounce1@prospect.example>", "<step1@widgets.example>")
	if err := sw.ProcessMessage(context.Background(), &f.account, msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	var lead models.Lead
	f.db.First(&lead, f.lead.ID)
	if lead.Status != models.LeadBounced {
		t.Errorf("lead status = %q, want bounced", lead.Status)
	}

	var note models.Notification
	if err := f.db.Where("kind = ?", models.NotifyBounce).First(&note).Error; err != nil {
		t.Errorf("bounce notification missing: %v", err)
	}
}

func TestApplyReplyClassifierErrorKeepsReplied(t *testing.T) {
	f := newFixture(t)
	f.recordSentStep(t, 1, "<step1@widgets.example>", "<step1@widgets.example>")

	sw := newSyncWorker(f, &fakeClassifier{err: utils.ErrUnparsable})
	msg := inboundMessage("lead@prospect.example", "<reply1@prospect.example>", "<step1@widgets.example>")
	if err := sw.ProcessMessage(context.Background(), &f.account, msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	var lead models.Lead
	f.db.First(&lead, f.lead.ID)
	if lead.Status != models.LeadReplied {
		t.Errorf("lead status = %q, classifier failure must leave replied intact", lead.Status)
	}
	var stored models.EmailMessage
	f.db.Where("message_id = ?", "<reply1@prospect.example>").First(&stored)
	if stored.Label != "" {
		t.Errorf("label = %q, want unset on classifier failure", stored.Label)
	}
}

func TestProcessMessageMintsMissingMessageID(t *testing.T) {
	f := newFixture(t)
	sw := newSyncWorker(f, nil)

	msg := inboundMessage("stranger@nowhere.example", "", "")
	if err := sw.ProcessMessage(context.Background(), &f.account, msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	var stored models.EmailMessage
	if err := f.db.Where("account_id = ?", f.account.ID).First(&stored).Error; err != nil {
		t.Fatalf("row missing: %v", err)
	}
	if stored.MessageID == "" {
		t.Error("message id not minted")
	}
}

func TestSplitMessageIDs(t *testing.T) {
	got := splitMessageIDs(" <a@x.example>\r\n <b@y.example> ")
	if len(got) != 2 || got[0] != "<a@x.example>" || got[1] != "<b@y.example>" {
		t.Errorf("splitMessageIDs = %v", got)
	}
	if got := splitMessageIDs(""); len(got) != 0 {
		t.Errorf("empty header produced %v", got)
	}
}

func TestXoauth2SASLExchange(t *testing.T) {
	auth := newXoauth2SASL("sender@widgets.example", "tok123")

	mech, ir, err := auth.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if mech != "XOAUTH2" {
		t.Errorf("mechanism = %q, want XOAUTH2", mech)
	}
	want := "user=sender@widgets.example\x01auth=Bearer tok123\x01\x01"
	if string(ir) != want {
		t.Errorf("initial response = %q, want %q", ir, want)
	}

	// An error challenge must be answered with an empty response so the
	// server can finish the exchange.
	resp, err := auth.Next([]byte(`{"status":"400"}`))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(resp) != 0 {
		t.Errorf("challenge response = %q, want empty", resp)
	}
}

func TestExtractAddress(t *testing.T) {
	cases := map[string]string{
		"Lead Person <Lead@Prospect.example>": "lead@prospect.example",
		"lead@prospect.example":               "lead@prospect.example",
		"":                                    "",
	}
	for in, want := range cases {
		if got := extractAddress(in); got != want {
			t.Errorf("extractAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
