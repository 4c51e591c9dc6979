// Package main runs a local SMTP sink that prints every accepted message.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/smtp-sender-lite/internal/config"
	"github.com/shineum/smtp-sender-lite/internal/logging"
	"github.com/shineum/smtp-sender-lite/internal/provider"
	"github.com/shineum/smtp-sender-lite/internal/provider/stdout"
	"github.com/shineum/smtp-sender-lite/internal/sink"
	smtptls "github.com/shineum/smtp-sender-lite/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	implicitTLS := flag.Bool("implicit-tls", false, "speak TLS from the first byte instead of offering STARTTLS")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.Sink.CertFile, cfg.Sink.KeyFile)
	if err != nil {
		logger.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.Sink.CertFile != "" && cfg.Sink.KeyFile != "" {
		tlsMode = "file"
	}

	out := provider.Instrument(stdout.NewWithWriter(os.Stdout, true), logger)

	server := sink.New(sink.Config{
		ListenAddr:   cfg.Sink.Listen,
		Hostname:     "localhost",
		TLSConfig:    tlsConfig,
		ImplicitTLS:  *implicitTLS,
		AuthUsername: cfg.Sink.Username,
		AuthPassword: cfg.Sink.Password,
		Deliver:      out.Send,
		Logger:       logger,
	})

	logger.Info("starting smtp-sink",
		"listen", cfg.Sink.Listen,
		"auth_enabled", cfg.SinkAuthEnabled(),
		"tls_mode", tlsMode,
		"implicit_tls", *implicitTLS,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("smtp-sink stopped")
}
