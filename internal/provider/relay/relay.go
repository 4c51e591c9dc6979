// Package relay implements a Provider that delivers through an SMTP relay,
// one connection per recipient.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-sender-lite/internal/email"
	"github.com/shineum/smtp-sender-lite/internal/smtp"
)

// defaultConcurrency bounds the number of simultaneous relay connections.
const defaultConcurrency = 4

// SendFunc performs one single-recipient SMTP send.
type SendFunc func(ctx context.Context, cfg smtp.Config, msg smtp.Message, opts ...smtp.Option) error

// Provider relays messages through the configured SMTP server.
type Provider struct {
	cfg         smtp.Config
	opts        []smtp.Option
	concurrency int
	send        SendFunc
	logger      *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithConcurrency sets how many recipients are sent to at once.
func WithConcurrency(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithSendFunc replaces the SMTP client call.
func WithSendFunc(fn SendFunc) Option {
	return func(p *Provider) { p.send = fn }
}

// WithLogger sets the logger passed to the SMTP client.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a Provider for cfg. clientOpts are applied to every send.
func New(cfg smtp.Config, clientOpts []smtp.Option, opts ...Option) *Provider {
	p := &Provider{
		cfg:         cfg,
		opts:        clientOpts,
		concurrency: defaultConcurrency,
		send:        smtp.SendMessage,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send delivers msg to each recipient over its own SMTP transaction. The
// configured sender is always used; the message's Reply-To wins over the
// configured one. Failures for individual recipients are joined.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("relay: message has no recipients")
	}

	cfg := p.cfg
	if msg.ReplyTo != "" {
		cfg.ReplyTo = msg.ReplyTo
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(p.concurrency)

	for _, rcpt := range msg.To {
		rcpt := rcpt
		g.Go(func() error {
			opts := append([]smtp.Option{smtp.WithLogger(p.logger.With("rcpt", rcpt))}, p.opts...)
			err := p.send(ctx, cfg, smtp.Message{
				To:      rcpt,
				Subject: msg.Subject,
				Text:    msg.Body(),
			}, opts...)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("recipient %s: %w", rcpt, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}
