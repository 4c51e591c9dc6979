// Package main is the entry point for the mail sender CLI and settings API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/VictoriaMetrics/metrics"

	"github.com/shineum/smtp-sender-lite/internal/config"
	"github.com/shineum/smtp-sender-lite/internal/email"
	"github.com/shineum/smtp-sender-lite/internal/httpapi"
	"github.com/shineum/smtp-sender-lite/internal/logging"
	"github.com/shineum/smtp-sender-lite/internal/provider/registry"
	"github.com/shineum/smtp-sender-lite/internal/smtp"
)

var errUsage = errors.New("nothing to do: pass -to to send a message or -serve to run the HTTP API")

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	to := flag.String("to", "", "comma-separated recipients of a message to send")
	subject := flag.String("subject", smtp.DefaultSubject, "subject of the message")
	text := flag.String("text", smtp.DefaultText, "plain text body of the message")
	serve := flag.Bool("serve", false, "run the HTTP settings API")
	printMetrics := flag.Bool("metrics", false, "print Prometheus metrics to stderr on exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	err = run(ctx, cfg, logger, options{
		to:      splitRecipients(*to),
		subject: *subject,
		text:    *text,
		serve:   *serve,
	})

	if *printMetrics {
		metrics.WritePrometheus(os.Stderr, false)
	}

	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			flag.Usage()
			os.Exit(2)
		}
		logger.Error("smtp-sender failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	to      []string
	subject string
	text    string
	serve   bool
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts options) error {
	if len(opts.to) == 0 && !opts.serve {
		return errUsage
	}

	p, err := registry.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("select provider: %w", err)
	}

	if len(opts.to) > 0 {
		msg := &email.Email{
			From:     cfg.SMTP.FromEmail,
			FromName: cfg.SMTP.FromName,
			To:       opts.to,
			ReplyTo:  cfg.SMTP.ReplyTo,
			Subject:  opts.subject,
			TextBody: opts.text,
		}
		if err := p.Send(ctx, msg); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	if !opts.serve {
		return nil
	}

	logger.Info("starting smtp-sender API",
		"listen", cfg.HTTP.Listen,
		"provider", p.Name(),
	)

	return httpapi.New(cfg, p, httpapi.WithLogger(logger)).ListenAndServe(ctx, cfg.HTTP.Listen)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func splitRecipients(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
