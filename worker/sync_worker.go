package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"coldreach/models"
	"coldreach/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const syncPeriod = 10 * time.Minute

// SyncWorker pulls new inbound mail over IMAP for every connected account,
// correlates each message back to the outreach that triggered it and runs
// the reply classifier over correlated replies.
type SyncWorker struct {
	db         *gorm.DB
	mailer     *utils.Mailer
	classifier utils.IntentClassifier
	logger     *log.Logger
}

func NewSyncWorker(db *gorm.DB, mailer *utils.Mailer, classifier utils.IntentClassifier, logger *log.Logger) *SyncWorker {
	return &SyncWorker{
		db:         db,
		mailer:     mailer,
		classifier: classifier,
		logger:     logger,
	}
}

func (sw *SyncWorker) Start(ctx context.Context) {
	sw.logger.Println("Starting inbox sync worker...")
	ticker := time.NewTicker(syncPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.SyncAll(ctx)
		case <-ctx.Done():
			sw.logger.Println("Stopping inbox sync worker...")
			return
		}
	}
}

// SyncAll walks every syncable account. One broken account marks itself
// unhealthy and does not stop the others.
func (sw *SyncWorker) SyncAll(ctx context.Context) {
	var accounts []models.EmailAccount
	if err := sw.db.Where("is_active = ? AND is_healthy = ?", true, true).Find(&accounts).Error; err != nil {
		sw.logger.Printf("Failed to load accounts for sync: %v", err)
		return
	}

	for i := range accounts {
		account := &accounts[i]
		if !account.UsesOAuth() && account.IMAPHost == "" {
			continue
		}

		started := time.Now()
		if err := sw.SyncAccount(ctx, account); err != nil {
			sw.logger.Printf("Sync failed for account %d (%s): %v", account.ID, account.FromEmail, err)
			sw.db.Model(&models.EmailAccount{}).Where("id = ?", account.ID).Updates(map[string]interface{}{
				"is_healthy": false,
				"last_error": err.Error(),
			})
			continue
		}

		sw.db.Model(&models.EmailAccount{}).Where("id = ?", account.ID).Updates(map[string]interface{}{
			"last_synced_at": started,
			"last_error":     nil,
		})
	}
}

// SyncAccount fetches the account's new messages and stores each one exactly
// once, keyed on (account, Message-ID).
func (sw *SyncWorker) SyncAccount(ctx context.Context, account *models.EmailAccount) error {
	imapClient, err := sw.dial(account)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := sw.login(ctx, imapClient, account); err != nil {
		return err
	}

	mailbox := account.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, true); err != nil {
		return fmt.Errorf("failed to select mailbox %s: %w", mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	if account.LastSyncedAt != nil {
		// IMAP SINCE has date granularity; the unique message key absorbs
		// the overlap.
		criteria.Since = account.LastSyncedAt.Add(-24 * time.Hour)
	} else {
		criteria.WithoutFlags = []string{"\\Seen"}
	}

	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := sw.ProcessMessage(ctx, account, msg); err != nil {
			sw.logger.Printf("Failed to process message %d for account %d: %v", msg.SeqNum, account.ID, err)
			continue
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}
	return nil
}

func (sw *SyncWorker) dial(account *models.EmailAccount) (*client.Client, error) {
	host, port := account.IMAPHost, account.IMAPPort
	encryption := account.IMAPEncryption
	if account.UsesOAuth() {
		host, port = oauthIMAPEndpoint(account.Provider)
		encryption = "SSL"
	}
	if port == 0 {
		port = 993
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	switch strings.ToUpper(encryption) {
	case "SSL", "TLS":
		return client.DialTLS(addr, &tls.Config{ServerName: host})
	case "STARTTLS":
		c, err := client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return client.Dial(addr)
	}
}

func (sw *SyncWorker) login(ctx context.Context, imapClient *client.Client, account *models.EmailAccount) error {
	if account.UsesOAuth() {
		token, err := sw.mailer.AccessToken(ctx, account)
		if err != nil {
			return fmt.Errorf("failed to obtain access token: %w", err)
		}
		auth := newXoauth2SASL(account.FromEmail, token)
		if err := imapClient.Authenticate(auth); err != nil {
			return fmt.Errorf("XOAUTH2 login failed: %w", err)
		}
		return nil
	}

	password, err := utils.Decrypt(account.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}
	if err := imapClient.Login(account.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return nil
}

func oauthIMAPEndpoint(provider string) (string, int) {
	if provider == models.ProviderOutlook {
		return "outlook.office365.com", 993
	}
	return "imap.gmail.com", 993
}

// xoauth2SASL is the XOAUTH2 mechanism Gmail and Outlook expect over IMAP;
// go-sasl ships OAUTHBEARER but not this variant.
type xoauth2SASL struct {
	username string
	token    string
}

func newXoauth2SASL(username, token string) sasl.Client {
	return &xoauth2SASL{username: username, token: token}
}

func (a *xoauth2SASL) Start() (string, []byte, error) {
	ir := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, a.token)
	return "XOAUTH2", []byte(ir), nil
}

// Next handles the error challenge: the server sends a base64 JSON blob on
// rejection and expects an empty response before the tagged NO.
func (a *xoauth2SASL) Next(_ []byte) ([]byte, error) {
	return []byte{}, nil
}

// ProcessMessage normalizes one fetched message, correlates it and applies
// the reply side effects. Re-seeing a stored message is a no-op.
func (sw *SyncWorker) ProcessMessage(ctx context.Context, account *models.EmailAccount, msg *imap.Message) error {
	if msg.Envelope == nil {
		return errors.New("message has no envelope")
	}

	messageID := msg.Envelope.MessageId
	if messageID == "" {
		// Some servers hand back messages without a Message-ID; mint a
		// stable-enough key so the row can still exist.
		messageID = fmt.Sprintf("<%s@local.generated>", uuid.New().String())
	}

	var existing int64
	sw.db.Model(&models.EmailMessage{}).
		Where("account_id = ? AND message_id = ?", account.ID, messageID).
		Count(&existing)
	if existing > 0 {
		return nil
	}

	bodyText, bodyHTML, references, err := parseBody(msg)
	if err != nil {
		sw.logger.Printf("Body parse failed for %s: %v", messageID, err)
	}

	from := formatAddresses(msg.Envelope.From)
	inReplyTo := msg.Envelope.InReplyTo

	match := sw.correlate(account, from, inReplyTo, references)

	threadID := match.threadID
	if threadID == "" {
		threadID = messageID
	}

	inbound := models.EmailMessage{
		UserID:      account.UserID,
		AccountID:   account.ID,
		LeadID:      match.leadID,
		CampaignID:  match.campaignID,
		Direction:   models.DirectionInbound,
		MessageID:   messageID,
		ThreadID:    threadID,
		InReplyTo:   inReplyTo,
		References:  strings.Join(references, " "),
		FromAddress: from,
		ToAddress:   formatAddresses(msg.Envelope.To),
		Subject:     msg.Envelope.Subject,
		Body:        bodyText,
		BodyHTML:    bodyHTML,
		Date:        msg.Envelope.Date,
	}
	if err := sw.db.Create(&inbound).Error; err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	if match.leadID == 0 {
		return nil
	}

	sw.applyReply(ctx, account, &inbound, match)
	return nil
}

// correlation carries what a matched outreach contributes to the inbound row.
type correlation struct {
	leadID       uint
	campaignID   uint
	threadID     string
	outreachBody string
}

// correlate resolves the inbound message against the send log first, the
// message log second and the sender address last.
func (sw *SyncWorker) correlate(account *models.EmailAccount, from, inReplyTo string, references []string) correlation {
	candidates := make([]string, 0, len(references)+1)
	if inReplyTo != "" {
		candidates = append(candidates, inReplyTo)
	}
	for _, ref := range references {
		if ref != "" && ref != inReplyTo {
			candidates = append(candidates, ref)
		}
	}

	if len(candidates) > 0 {
		var sent models.ScheduledEmail
		err := sw.db.Where("message_id IN ? AND status = ?", candidates, models.EmailSent).
			Order("step_number desc").
			First(&sent).Error
		if err == nil {
			threadID := sent.ThreadID
			if threadID == "" {
				threadID = sent.MessageID
			}
			return correlation{
				leadID:       sent.LeadID,
				campaignID:   sent.CampaignID,
				threadID:     threadID,
				outreachBody: sent.Body,
			}
		}

		var prior models.EmailMessage
		err = sw.db.Where("account_id = ? AND message_id IN ?", account.ID, candidates).
			Order("date desc").
			First(&prior).Error
		if err == nil && prior.LeadID != 0 {
			return correlation{
				leadID:       prior.LeadID,
				campaignID:   prior.CampaignID,
				threadID:     prior.ThreadID,
				outreachBody: sw.latestOutreachBody(prior.LeadID),
			}
		}
	}

	// Header correlation failed; fall back to the sender address.
	address := extractAddress(from)
	if address == "" {
		return correlation{}
	}
	var lead models.Lead
	err := sw.db.Where("user_id = ? AND email = ?", account.UserID, address).
		Order("updated_at desc").
		First(&lead).Error
	if err != nil {
		return correlation{}
	}

	var last models.ScheduledEmail
	threadID, body := "", ""
	if err := sw.db.Where("lead_id = ? AND status = ?", lead.ID, models.EmailSent).
		Order("step_number desc").
		First(&last).Error; err == nil {
		threadID = last.ThreadID
		body = last.Body
	}
	return correlation{
		leadID:       lead.ID,
		campaignID:   lead.CampaignID,
		threadID:     threadID,
		outreachBody: body,
	}
}

func (sw *SyncWorker) latestOutreachBody(leadID uint) string {
	var sent models.ScheduledEmail
	if err := sw.db.Where("lead_id = ? AND status = ?", leadID, models.EmailSent).
		Order("step_number desc").
		First(&sent).Error; err != nil {
		return ""
	}
	return sent.Body
}

// applyReply flips the lead to replied, notifies the user and runs the
// classifier with its side-effect table.
func (sw *SyncWorker) applyReply(ctx context.Context, account *models.EmailAccount, inbound *models.EmailMessage, match correlation) {
	res := sw.db.Model(&models.Lead{}).
		Where("id = ? AND status IN ?", match.leadID,
			[]string{models.LeadNew, models.LeadSequenced, models.LeadContacted}).
		Update("status", models.LeadReplied)
	firstReply := res.Error == nil && res.RowsAffected > 0

	if firstReply && match.campaignID != 0 {
		sw.db.Model(&models.Campaign{}).Where("id = ?", match.campaignID).
			Update("reply_count", gorm.Expr("reply_count + ?", 1))
	}

	sw.notify(account.UserID, match.leadID, models.NotifyReply,
		"New reply", fmt.Sprintf("%s replied: %s", inbound.FromAddress, inbound.Subject))

	if sw.classifier == nil || match.outreachBody == "" {
		return
	}

	replyText := inbound.Body
	if replyText == "" {
		replyText = inbound.Subject
	}
	cls, err := sw.classifier.Classify(ctx, match.outreachBody, replyText)
	if err != nil {
		if errors.Is(err, utils.ErrUnparsable) {
			sw.logger.Printf("Classifier output unparsable for message %d", inbound.ID)
		} else {
			sw.logger.Printf("Classification failed for message %d: %v", inbound.ID, err)
		}
		return
	}

	sw.db.Model(&models.EmailMessage{}).Where("id = ?", inbound.ID).Updates(map[string]interface{}{
		"label":      cls.Label,
		"confidence": cls.Confidence,
	})

	switch cls.Label {
	case models.LabelInterested:
		sw.db.Model(&models.Lead{}).
			Where("id = ? AND status NOT IN ?", match.leadID,
				[]string{models.LeadConverted, models.LeadUnsubscribed}).
			Update("status", models.LeadInterested)
		sw.notify(account.UserID, match.leadID, models.NotifyPositiveReply,
			"Interested lead", fmt.Sprintf("%s looks interested", inbound.FromAddress))
	case models.LabelNotInterested:
		sw.db.Model(&models.Lead{}).Where("id = ?", match.leadID).
			Update("status", models.LeadNotInterested)
		sw.stopSequences(match.leadID)
	case models.LabelBounce:
		sw.db.Model(&models.Lead{}).Where("id = ?", match.leadID).
			Update("status", models.LeadBounced)
		sw.stopSequences(match.leadID)
		sw.notify(account.UserID, match.leadID, models.NotifyBounce,
			"Delivery failure", fmt.Sprintf("Mail to %s bounced", inbound.FromAddress))
	case models.LabelQuestion, models.LabelOutOfOffice, models.LabelOther:
		// Lead stays replied; a human picks it up from the inbox.
	}
}

// stopSequences closes the lead's open sequences and shunts their remaining
// scheduled steps so the dispatcher never picks them up.
func (sw *SyncWorker) stopSequences(leadID uint) {
	sw.db.Model(&models.Sequence{}).
		Where("lead_id = ? AND completed = ?", leadID, false).
		Update("completed", true)
	sw.db.Model(&models.ScheduledEmail{}).
		Where("lead_id = ? AND status = ?", leadID, models.EmailScheduled).
		Update("status", models.EmailDraft)
}

func (sw *SyncWorker) notify(userID, leadID uint, kind, title, message string) {
	n := models.Notification{
		UserID:  userID,
		LeadID:  leadID,
		Kind:    kind,
		Title:   title,
		Message: message,
	}
	if err := sw.db.Create(&n).Error; err != nil {
		sw.logger.Printf("Failed to create notification: %v", err)
	}
}

func parseBody(msg *imap.Message) (string, string, []string, error) {
	var bodyText, bodyHTML string
	var references []string

	if msg.Body == nil {
		return "", "", nil, nil
	}
	section := imap.BodySectionName{}
	literal, ok := msg.Body[&section]
	if !ok {
		return "", "", nil, errors.New("message body not found")
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to create message reader: %w", err)
	}
	references = splitMessageIDs(mr.Header.Get("References"))

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return bodyText, bodyHTML, references, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return bodyText, bodyHTML, references, fmt.Errorf("failed to read body: %w", err)
			}
			if strings.Contains(contentType, "text/html") {
				bodyHTML = string(b)
			} else if strings.Contains(contentType, "text/plain") {
				bodyText = string(b)
			}
		case *mail.AttachmentHeader:
			// Attachments are not stored.
		}
	}
	return bodyText, bodyHTML, references, nil
}

// splitMessageIDs breaks a References header into its <id> tokens.
func splitMessageIDs(header string) []string {
	fields := strings.Fields(header)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func formatAddresses(addrs []*imap.Address) string {
	var result []string
	for _, addr := range addrs {
		if addr.PersonalName != "" {
			result = append(result, fmt.Sprintf("%s <%s@%s>", addr.PersonalName, addr.MailboxName, addr.HostName))
		} else {
			result = append(result, fmt.Sprintf("%s@%s", addr.MailboxName, addr.HostName))
		}
	}
	return strings.Join(result, ", ")
}

// extractAddress pulls the bare address out of "Name <user@host>" or returns
// the input when it is already bare.
func extractAddress(from string) string {
	if first := strings.Split(from, ","); len(first) > 0 {
		from = strings.TrimSpace(first[0])
	}
	if open := strings.LastIndex(from, "<"); open != -1 {
		if close := strings.LastIndex(from, ">"); close > open {
			return strings.ToLower(from[open+1 : close])
		}
	}
	return strings.ToLower(strings.TrimSpace(from))
}
