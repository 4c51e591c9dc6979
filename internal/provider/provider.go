// Package provider defines the interface for email delivery backends and
// the instrumentation shared by all of them.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/oklog/ulid/v2"

	"github.com/shineum/smtp-sender-lite/internal/email"
)

// Provider is the interface that email delivery backends must implement.
type Provider interface {
	// Send delivers an email message through this provider.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}

type sendIDKey struct{}

// SendID returns the identifier Instrument attached to ctx, if any.
func SendID(ctx context.Context) string {
	id, _ := ctx.Value(sendIDKey{}).(string)
	return id
}

// Instrument wraps p so every send gets a ULID, a log line and metrics.
func Instrument(p Provider, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &instrumented{next: p, logger: logger}
}

type instrumented struct {
	next   Provider
	logger *slog.Logger
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) Send(ctx context.Context, msg *email.Email) error {
	id := ulid.Make().String()
	ctx = context.WithValue(ctx, sendIDKey{}, id)
	log := i.logger.With("send_id", id, "provider", i.next.Name())

	start := time.Now()
	err := i.next.Send(ctx, msg)
	metrics.GetOrCreateHistogram(sendDurationStr(i.next.Name())).UpdateDuration(start)

	if err != nil {
		metrics.GetOrCreateCounter(sendTotalStr(i.next.Name(), "error")).Inc()
		log.Error("email delivery failed",
			"recipients", len(msg.To),
			"duration", time.Since(start),
			"error", err,
		)
		return err
	}

	metrics.GetOrCreateCounter(sendTotalStr(i.next.Name(), "ok")).Inc()
	log.Info("email delivered",
		"recipients", len(msg.To),
		"subject", msg.Subject,
		"duration", time.Since(start),
	)
	return nil
}

func sendTotalStr(provider, status string) string {
	return fmt.Sprintf(`mail_send_total{provider=%q,status=%q}`, provider, status)
}

func sendDurationStr(provider string) string {
	return fmt.Sprintf(`mail_send_duration_seconds{provider=%q}`, provider)
}
