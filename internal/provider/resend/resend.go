// Package resend implements a Provider that sends emails via the Resend API.
package resend

import (
	"context"
	"fmt"
	"net/mail"
	"slices"

	"github.com/resend/resend-go/v2"

	"github.com/shineum/smtp-sender-lite/internal/email"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	APIKey string
	Sender string
}

// EmailsAPI is the subset of the Resend client the provider uses.
type EmailsAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Provider sends emails through Resend.
type Provider struct {
	sender string
	emails EmailsAPI
}

// New creates a Provider with a Resend client for the given API key.
func New(cfg Config) *Provider {
	return NewWithClient(cfg.Sender, resend.NewClient(cfg.APIKey).Emails)
}

// NewWithClient creates a Provider around an existing emails service.
func NewWithClient(sender string, emails EmailsAPI) *Provider {
	return &Provider{sender: sender, emails: emails}
}

// Send delivers an email message through Resend.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("resend: message has no recipients")
	}

	req := &resend.SendEmailRequest{
		From:    p.from(msg.FromName),
		To:      slices.Clone(msg.To),
		Subject: msg.Subject,
		ReplyTo: msg.ReplyTo,
		Html:    msg.HtmlBody,
		Text:    msg.TextBody,
	}

	resp, err := p.emails.SendWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("resend: sending email: %w", err)
	}
	msg.MessageID = resp.Id

	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "resend"
}

func (p *Provider) from(name string) string {
	if name == "" {
		return p.sender
	}
	return (&mail.Address{Name: name, Address: p.sender}).String()
}
