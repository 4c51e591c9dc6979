package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/maxatome/go-testdeep/td"

	"github.com/shineum/smtp-sender-lite/internal/config"
)

func TestNew(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name     string
		cfg      config.Config
		wantName string
		wantErr  error
	}{
		{
			name:     "auto stdout",
			cfg:      config.Config{},
			wantName: "stdout",
		},
		{
			name: "auto smtp",
			cfg: config.Config{SMTP: config.SMTPConfig{
				Host: "smtp.example.com", Port: 587, FromEmail: "a@example.com",
			}},
			wantName: "smtp",
		},
		{
			name:     "resend",
			cfg:      config.Config{Provider: "resend", Resend: config.ResendConfig{APIKey: "re_x", Sender: "a@example.com"}},
			wantName: "resend",
		},
		{
			name: "ses with static credentials",
			cfg: config.Config{Provider: "ses", SES: config.SESConfig{
				Region: "us-east-1", AccessKeyID: "AKIA", SecretAccessKey: "secret", Sender: "a@example.com",
			}},
			wantName: "ses",
		},
		{
			name:    "smtp selected but missing",
			cfg:     config.Config{Provider: "smtp"},
			wantErr: ErrNotConfigured,
		},
		{
			name:    "ses selected but missing",
			cfg:     config.Config{Provider: "ses"},
			wantErr: ErrNotConfigured,
		},
		{
			name:    "resend selected but missing",
			cfg:     config.Config{Provider: "resend"},
			wantErr: ErrNotConfigured,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := New(context.Background(), &tt.cfg, logger)
			if tt.wantErr != nil {
				td.CmpErrorIs(t, err, tt.wantErr)
				return
			}
			td.CmpNoError(t, err)
			td.Cmp(t, p.Name(), tt.wantName)
		})
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), &config.Config{Provider: "graph"}, nil)
	td.CmpError(t, err)
}

func TestNew_BadCAFile(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{SMTP: config.SMTPConfig{
		Host: "smtp.example.com", Port: 587, FromEmail: "a@example.com", CAFile: "/nonexistent/ca.pem",
	}}
	_, err := New(context.Background(), cfg, nil)
	td.CmpError(t, err)
}
