package utils

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"testing"

	"coldreach/models"
)

func TestXoauth2AuthStart(t *testing.T) {
	auth := &xoauth2Auth{username: "sender@example.com", token: "tok123"}

	mech, resp, err := auth.Start(&smtp.ServerInfo{Name: "smtp.gmail.com:587", TLS: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if mech != "XOAUTH2" {
		t.Errorf("mechanism = %q, want XOAUTH2", mech)
	}
	want := "user=sender@example.com\x01auth=Bearer tok123\x01\x01"
	if string(resp) != want {
		t.Errorf("initial response = %q, want %q", resp, want)
	}
}

func TestXoauth2AuthRequiresTLS(t *testing.T) {
	auth := &xoauth2Auth{username: "sender@example.com", token: "tok123"}

	if _, _, err := auth.Start(&smtp.ServerInfo{Name: "smtp.gmail.com:587", TLS: false}); err == nil {
		t.Error("expected error on plaintext connection to remote host")
	}
	if _, _, err := auth.Start(&smtp.ServerInfo{Name: "localhost:1025", TLS: false}); err != nil {
		t.Errorf("localhost without TLS should be allowed for testing, got %v", err)
	}
}

func TestXoauth2AuthNext(t *testing.T) {
	auth := &xoauth2Auth{}

	resp, err := auth.Next([]byte(`{"status":"400"}`), true)
	if err != nil {
		t.Fatalf("Next with server challenge: %v", err)
	}
	if string(resp) != "" {
		t.Errorf("expected empty continuation, got %q", resp)
	}

	resp, err = auth.Next(nil, false)
	if err != nil || resp != nil {
		t.Errorf("expected nil, nil when done, got %v, %v", resp, err)
	}
}

func TestSendErrorPermanence(t *testing.T) {
	transient := &SendError{Reason: "SMTP submission failed", Err: errors.New("timeout")}
	if IsPermanentSendError(transient) {
		t.Error("transient error reported as permanent")
	}

	permanent := &SendError{Permanent: true, Reason: "OAuth refresh rejected"}
	if !IsPermanentSendError(permanent) {
		t.Error("permanent error not detected")
	}

	wrapped := fmt.Errorf("send step: %w", permanent)
	if !IsPermanentSendError(wrapped) {
		t.Error("wrapped permanent error not detected")
	}

	if IsPermanentSendError(errors.New("plain error")) {
		t.Error("plain error reported as permanent")
	}
}

func TestSendErrorMessage(t *testing.T) {
	inner := errors.New("connection refused")
	err := &SendError{Reason: "SMTP submission failed", Err: inner}

	if !strings.Contains(err.Error(), "SMTP submission failed") {
		t.Errorf("message %q missing reason", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("Unwrap does not expose the cause")
	}
}

func TestNewOutreachMessageID(t *testing.T) {
	id := NewOutreachMessageID("sender@widgets.example")
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@widgets.example>") {
		t.Errorf("message id %q not under sender domain", id)
	}

	other := NewOutreachMessageID("sender@widgets.example")
	if id == other {
		t.Error("expected unique message ids")
	}

	fallback := NewOutreachMessageID("not-an-address")
	if !strings.HasSuffix(fallback, "@mail.local>") {
		t.Errorf("fallback id %q not under mail.local", fallback)
	}
}

func TestBuildMessageThreadingHeaders(t *testing.T) {
	account := &models.EmailAccount{FromEmail: "sender@widgets.example", FromName: "Sender"}
	req := SendRequest{
		To:         "lead@prospect.example",
		Subject:    "Quick question",
		BodyText:   "Hello",
		MessageID:  "<step2@widgets.example>",
		InReplyTo:  "<step1@widgets.example>",
		References: []string{"<step0@widgets.example>", "<step1@widgets.example>"},
	}

	msg := buildMessage(account, req)

	if got := msg.GetHeader("Message-ID"); len(got) != 1 || got[0] != req.MessageID {
		t.Errorf("Message-ID = %v, want %q", got, req.MessageID)
	}
	if got := msg.GetHeader("In-Reply-To"); len(got) != 1 || got[0] != req.InReplyTo {
		t.Errorf("In-Reply-To = %v, want %q", got, req.InReplyTo)
	}
	wantRefs := "<step0@widgets.example> <step1@widgets.example>"
	if got := msg.GetHeader("References"); len(got) != 1 || got[0] != wantRefs {
		t.Errorf("References = %v, want %q", got, wantRefs)
	}
}

func TestBuildMessageOmitsEmptyThreading(t *testing.T) {
	account := &models.EmailAccount{FromEmail: "sender@widgets.example", FromName: "Sender"}
	msg := buildMessage(account, SendRequest{
		To:        "lead@prospect.example",
		Subject:   "First touch",
		BodyText:  "Hello",
		MessageID: "<step1@widgets.example>",
	})

	if got := msg.GetHeader("In-Reply-To"); len(got) != 0 {
		t.Errorf("unexpected In-Reply-To on first step: %v", got)
	}
	if got := msg.GetHeader("References"); len(got) != 0 {
		t.Errorf("unexpected References on first step: %v", got)
	}
}

func TestSubmissionEndpoint(t *testing.T) {
	if host, port := submissionEndpoint(models.ProviderGmail); host != "smtp.gmail.com" || port != 587 {
		t.Errorf("gmail endpoint = %s:%d", host, port)
	}
	if host, port := submissionEndpoint(models.ProviderOutlook); host != "smtp.office365.com" || port != 587 {
		t.Errorf("outlook endpoint = %s:%d", host, port)
	}
}
