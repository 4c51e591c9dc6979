// Package sink implements a local SMTP server that accepts mail, records it
// and hands parsed messages to a callback. Its replies can be scripted per
// command, which makes it a stand-in for real relays in tests and dry runs.
package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/smtp-sender-lite/internal/email"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// DeliverFunc receives every message the sink accepts. A non-nil error is
// answered with a transient 451 reply.
type DeliverFunc func(ctx context.Context, msg *email.Email) error

// Config holds the configuration for a sink.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is announced in the greeting and EHLO replies.
	Hostname string

	// TLSConfig enables STARTTLS, or implicit TLS when ImplicitTLS is set.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	// AuthUsername and AuthPassword require AUTH before MAIL when both are set.
	AuthUsername string
	AuthPassword string

	// IdleTimeout closes sessions that stay silent for too long.
	IdleTimeout time.Duration

	Script  Script
	Deliver DeliverFunc
	Logger  *slog.Logger
}

// Message is one accepted transaction.
type Message struct {
	From     string
	To       []string
	Raw      string // DATA as received, still dot-stuffed
	Data     string // DATA after unstuffing
	TLS      bool
	AuthUser string
	Email    *email.Email
}

// Server accepts connections and runs a session per connection.
type Server struct {
	config   Config
	auth     *Authenticator
	logger   *slog.Logger
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup

	mu       sync.Mutex
	messages []Message
	commands []string
	sessions int
}

// New creates a Server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		logger: logger.With("component", "sink"),
	}
}

// Listen binds the listening socket. Addr is valid once it returns.
func (s *Server) Listen() error {
	if s.config.ImplicitTLS && s.config.TLSConfig == nil {
		return errors.New("implicit TLS requires a TLS config")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight sessions.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("sink is not listening")
	}
	ln := s.listener

	s.logger.Info("SMTP sink listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"implicit_tls", s.config.ImplicitTLS,
	)

	stop := context.AfterFunc(ctx, func() {
		s.logger.Info("shutting down SMTP sink")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.waitForSessions()
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		if s.config.ImplicitTLS {
			conn = tls.Server(conn, s.config.TLSConfig)
		}

		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(s, conn).handle(ctx)
		}()
	}
}

// ListenAndServe binds and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Close stops accepting connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Messages returns the accepted messages in arrival order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Message(nil), s.messages...)
}

// Commands returns every command line received, across sessions. DATA
// content is not included.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

// Sessions returns the number of connections accepted so far.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sessions
}

func (s *Server) record(line string) {
	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()
}

func (s *Server) accept(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}
