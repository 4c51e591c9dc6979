// Package registry builds the delivery provider selected by configuration.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shineum/smtp-sender-lite/internal/config"
	"github.com/shineum/smtp-sender-lite/internal/provider"
	"github.com/shineum/smtp-sender-lite/internal/provider/relay"
	"github.com/shineum/smtp-sender-lite/internal/provider/resend"
	"github.com/shineum/smtp-sender-lite/internal/provider/ses"
	"github.com/shineum/smtp-sender-lite/internal/provider/stdout"
	"github.com/shineum/smtp-sender-lite/internal/smtp"
	smtptls "github.com/shineum/smtp-sender-lite/internal/tls"
)

// ErrNotConfigured is returned when the selected provider lacks settings.
var ErrNotConfigured = errors.New("provider is not configured")

// New builds the provider chosen by cfg and wraps it with instrumentation.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	name, err := cfg.SelectedProvider()
	if err != nil {
		return nil, err
	}

	var p provider.Provider
	switch name {
	case config.ProviderSMTP:
		if !cfg.SMTPConfigured() {
			return nil, fmt.Errorf("smtp: %w: APP_SMTP_HOST and APP_SMTP_FROM_EMAIL are required", ErrNotConfigured)
		}
		tlsConfig, err := smtptls.ClientConfig(cfg.SMTP.Host, cfg.SMTP.CAFile)
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		p = relay.New(cfg.SMTPSettings(), []smtp.Option{
			smtp.WithTimeout(cfg.SMTP.Timeout),
			smtp.WithLocalName(cfg.SMTP.EHLODomain),
			smtp.WithTLSConfig(tlsConfig),
		}, relay.WithLogger(logger))
		logger.Info("using SMTP relay provider",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"secure", cfg.SMTP.Secure,
			"auth_enabled", cfg.AuthEnabled(),
		)

	case config.ProviderSES:
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("ses: %w: SES_REGION and SES_SENDER are required", ErrNotConfigured)
		}
		sp, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("ses: %w", err)
		}
		p = sp
		logger.Info("using AWS SES provider", "region", cfg.SES.Region, "sender", cfg.SES.Sender)

	case config.ProviderResend:
		if !cfg.ResendConfigured() {
			return nil, fmt.Errorf("resend: %w: RESEND_API_KEY and RESEND_SENDER are required", ErrNotConfigured)
		}
		p = resend.New(resend.Config{APIKey: cfg.Resend.APIKey, Sender: cfg.Resend.Sender})
		logger.Info("using Resend provider", "sender", cfg.Resend.Sender)

	default:
		p = stdout.New()
		logger.Info("using stdout provider")
	}

	return provider.Instrument(p, logger), nil
}
