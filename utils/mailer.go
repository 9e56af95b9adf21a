package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"coldreach/config"
	"coldreach/models"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
)

// tokenSlack is how long an access token must remain valid beyond now for it
// to be reused without a refresh.
const tokenSlack = 60 * time.Second

// SendRequest carries one outbound email through the transport layer.
// Message-ID, In-Reply-To and References are written verbatim so the
// provider's threading agrees with the correlator.
type SendRequest struct {
	To         string
	Subject    string
	BodyText   string
	BodyHTML   string
	MessageID  string
	InReplyTo  string
	References []string
}

// SendResult reports the transport message identifier of a delivered email.
type SendResult struct {
	MessageID string
}

// SendError is the only error type crossing the dispatch boundary. Permanent
// errors (missing configuration, unusable credentials) must not be retried;
// everything that touched the wire is transient.
type SendError struct {
	Permanent bool
	Reason    string
	Err       error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanentSendError reports whether err is a SendError flagged permanent.
func IsPermanentSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// ChannelSender abstracts the per-provider mail submission transport.
type ChannelSender interface {
	Send(ctx context.Context, account *models.EmailAccount, req SendRequest) (*SendResult, error)
}

// Mailer resolves the transport per account provider: OAuth submission with
// XOAUTH2 for gmail/outlook, basic-auth SMTP for everything else.
type Mailer struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewMailer(db *gorm.DB, logger *logrus.Logger) *Mailer {
	return &Mailer{db: db, logger: logger}
}

func (m *Mailer) Send(ctx context.Context, account *models.EmailAccount, req SendRequest) (*SendResult, error) {
	var err error
	switch account.Provider {
	case models.ProviderGmail, models.ProviderOutlook:
		err = m.sendOAuth(ctx, account, req)
	case models.ProviderSMTP:
		err = m.sendBasicAuth(account, req)
	default:
		err = &SendError{Permanent: true, Reason: fmt.Sprintf("unsupported provider %q", account.Provider)}
	}

	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"account_id": account.ID,
			"provider":   account.Provider,
			"to":         req.To,
		}).WithError(err).Warn("email send failed")
		return nil, err
	}

	return &SendResult{MessageID: req.MessageID}, nil
}

func (m *Mailer) sendBasicAuth(account *models.EmailAccount, req SendRequest) error {
	if account.SMTPHost == "" {
		return &SendError{Permanent: true, Reason: "SMTP host not configured"}
	}

	password, err := Decrypt(account.SMTPPassword)
	if err != nil {
		return &SendError{Permanent: true, Reason: "failed to decrypt SMTP password", Err: err}
	}
	if password == "" {
		return &SendError{Permanent: true, Reason: "SMTP password not set"}
	}

	dialer := gomail.NewDialer(account.SMTPHost, account.SMTPPort, account.SMTPUsername, password)
	switch strings.ToUpper(account.Encryption) {
	case "SSL", "TLS":
		dialer.SSL = true
		dialer.TLSConfig = &tls.Config{ServerName: account.SMTPHost}
	case "STARTTLS":
		dialer.TLSConfig = &tls.Config{ServerName: account.SMTPHost}
	}

	msg := buildMessage(account, req)
	if err := dialer.DialAndSend(msg); err != nil {
		return &SendError{Reason: "SMTP submission failed", Err: err}
	}
	return nil
}

func (m *Mailer) sendOAuth(ctx context.Context, account *models.EmailAccount, req SendRequest) error {
	token, err := m.accessToken(ctx, account)
	if err != nil {
		return err
	}

	host, port := submissionEndpoint(account.Provider)
	dialer := &gomail.Dialer{
		Host:      host,
		Port:      port,
		TLSConfig: &tls.Config{ServerName: host},
		Auth:      &xoauth2Auth{username: account.FromEmail, token: token},
	}

	msg := buildMessage(account, req)
	if err := dialer.DialAndSend(msg); err != nil {
		return &SendError{Reason: "OAuth submission failed", Err: err}
	}
	return nil
}

// AccessToken returns a bearer token usable by other transports, refreshing
// it the same way the SMTP path does.
func (m *Mailer) AccessToken(ctx context.Context, account *models.EmailAccount) (string, error) {
	return m.accessToken(ctx, account)
}

// accessToken returns a token valid for at least tokenSlack past now,
// refreshing and persisting it when the cached one is stale.
func (m *Mailer) accessToken(ctx context.Context, account *models.EmailAccount) (string, error) {
	token, err := Decrypt(account.OAuthToken)
	if err == nil && token != "" && account.OAuthExpiry.After(time.Now().Add(tokenSlack)) {
		return token, nil
	}

	refreshToken, err := Decrypt(account.OAuthRefreshToken)
	if err != nil || refreshToken == "" {
		return "", &SendError{Permanent: true, Reason: "OAuth refresh token missing or unreadable", Err: err}
	}

	cfg := OAuthProviderConfig(account.Provider)
	if cfg == nil {
		return "", &SendError{Permanent: true, Reason: fmt.Sprintf("no OAuth configuration for provider %q", account.Provider)}
	}

	fresh, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < 500 {
			// The provider rejected the grant; retrying won't help.
			sentry.CaptureException(err)
			return "", &SendError{Permanent: true, Reason: "OAuth refresh rejected", Err: err}
		}
		return "", &SendError{Reason: "OAuth token refresh failed", Err: err}
	}

	encrypted, err := Encrypt(fresh.AccessToken)
	if err != nil {
		return "", &SendError{Permanent: true, Reason: "failed to encrypt access token", Err: err}
	}
	updates := map[string]interface{}{
		"oauth_token":  encrypted,
		"oauth_expiry": fresh.Expiry,
	}
	if fresh.RefreshToken != "" && fresh.RefreshToken != refreshToken {
		if enc, err := Encrypt(fresh.RefreshToken); err == nil {
			updates["oauth_refresh_token"] = enc
		}
	}
	if err := m.db.Model(&models.EmailAccount{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		m.logger.WithError(err).WithField("account_id", account.ID).Error("failed to persist refreshed token")
	}
	account.OAuthToken = encrypted
	account.OAuthExpiry = fresh.Expiry

	return fresh.AccessToken, nil
}

// OAuthProviderConfig returns the oauth2 client configuration for a provider,
// nil when the provider has no OAuth flow.
func OAuthProviderConfig(provider string) *oauth2.Config {
	switch provider {
	case models.ProviderGmail:
		return &oauth2.Config{
			ClientID:     config.AppConfig.Google.ClientID,
			ClientSecret: config.AppConfig.Google.ClientSecret,
			RedirectURL:  config.AppConfig.Google.RedirectURI,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://mail.google.com/"},
		}
	case models.ProviderOutlook:
		return &oauth2.Config{
			ClientID:     config.AppConfig.Microsoft.ClientID,
			ClientSecret: config.AppConfig.Microsoft.ClientSecret,
			RedirectURL:  config.AppConfig.Microsoft.RedirectURI,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes:       []string{"https://outlook.office.com/SMTP.Send", "https://outlook.office.com/IMAP.AccessAsUser.All", "offline_access"},
		}
	}
	return nil
}

func submissionEndpoint(provider string) (string, int) {
	if provider == models.ProviderOutlook {
		return "smtp.office365.com", 587
	}
	return "smtp.gmail.com", 587
}

func buildMessage(account *models.EmailAccount, req SendRequest) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", account.FromName, account.FromEmail))
	msg.SetHeader("To", req.To)
	msg.SetHeader("Subject", req.Subject)
	msg.SetHeader("Message-ID", req.MessageID)
	if req.InReplyTo != "" {
		msg.SetHeader("In-Reply-To", req.InReplyTo)
	}
	if len(req.References) > 0 {
		msg.SetHeader("References", strings.Join(req.References, " "))
	}
	msg.SetBody("text/plain", req.BodyText)
	if req.BodyHTML != "" {
		msg.AddAlternative("text/html", req.BodyHTML)
	}
	return msg
}

// NewOutreachMessageID mints an RFC 5322 Message-ID under the sender domain.
func NewOutreachMessageID(fromEmail string) string {
	domain := "mail.local"
	if at := strings.LastIndex(fromEmail, "@"); at != -1 && at+1 < len(fromEmail) {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

// xoauth2Auth implements the SASL XOAUTH2 initial response over net/smtp.
type xoauth2Auth struct {
	username string
	token    string
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		if ok, _ := localhostOnly(server.Name); !ok {
			return "", nil, errors.New("xoauth2: TLS connection required")
		}
	}
	resp := []byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01")
	return "XOAUTH2", resp, nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// The server pushed an error payload; an empty line makes it
		// finish with the definitive SMTP code.
		return []byte(""), nil
	}
	return nil, nil
}

func localhostOnly(name string) (bool, error) {
	host, _, err := net.SplitHostPort(name)
	if err != nil {
		host = name
	}
	return host == "localhost" || host == "127.0.0.1", nil
}
