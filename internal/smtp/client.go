// Package smtp implements a single-message SMTP client: plaintext or
// implicit TLS connections, opportunistic STARTTLS, AUTH LOGIN and one
// MAIL/RCPT/DATA transaction per connection.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout is the idle timeout applied to every socket operation.
const DefaultTimeout = 15 * time.Second

// Config describes the server to relay through and the sender identity.
type Config struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string

	FromEmail string
	FromName  string
	ReplyTo   string
}

// AuthEnabled returns true if both username and password are set.
func (c Config) AuthEnabled() bool {
	return c.Username != "" && c.Password != ""
}

// Addr returns the host:port pair to dial.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate rejects configurations that cannot produce a valid dialogue.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Host) == "":
		return invalidConfig("host is required")
	case c.Port < 1 || c.Port > 65535:
		return invalidConfig("port %d out of range", c.Port)
	case strings.TrimSpace(c.FromEmail) == "":
		return invalidConfig("from email is required")
	case hasLineBreak(c.Host), hasLineBreak(c.FromEmail), hasLineBreak(c.FromName), hasLineBreak(c.ReplyTo):
		return invalidConfig("line break in sender fields")
	case hasLineBreak(c.Username), hasLineBreak(c.Password):
		return invalidConfig("line break in credentials")
	}
	return nil
}

// Dialer opens the TCP connection for a send.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Option configures a send.
type Option func(*options)

type options struct {
	dialer    Dialer
	timeout   time.Duration
	localName string
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// WithDialer sets a custom Dialer for the connection.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTimeout sets the idle timeout. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLocalName sets the domain announced in EHLO.
func WithLocalName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.localName = name
		}
	}
}

// WithTLSConfig sets the base TLS configuration used for implicit TLS and
// STARTTLS. ServerName is always overridden with the configured host.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) { o.tlsConfig = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// newOptions applies opts over the defaults. Without a custom Dialer the
// connect phase is bounded by the idle timeout.
func newOptions(opts []Option) *options {
	o := &options{
		timeout:   DefaultTimeout,
		localName: "localhost",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dialer == nil {
		o.dialer = &net.Dialer{Timeout: o.timeout}
	}
	return o
}

// SendMessage delivers msg through the server described by cfg. It returns
// nil once the server accepted the message data; the connection is closed
// on every path before it returns.
func SendMessage(ctx context.Context, cfg Config, msg Message, opts ...Option) error {
	o := newOptions(opts)

	if err := cfg.Validate(); err != nil {
		return err
	}
	msg = msg.withDefaults()
	if strings.TrimSpace(msg.To) == "" {
		return invalidConfig("recipient is required")
	}
	if hasLineBreak(msg.To) || hasLineBreak(msg.Subject) || hasLineBreak(o.localName) {
		return invalidConfig("line break in recipient or subject")
	}

	tlsConfig := clientTLSConfig(o.tlsConfig, cfg.Host)

	c, err := dial(ctx, cfg, o, tlsConfig)
	if err != nil {
		return err
	}
	defer c.close()

	stop := context.AfterFunc(ctx, c.expire)
	defer stop()

	t := &transaction{conn: c, cfg: cfg, msg: msg, opts: o, tlsConfig: tlsConfig}
	if err := t.run(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("smtp: send cancelled: %w", ctxErr)
		}
		return err
	}
	return nil
}

// dial connects and, for implicit TLS, completes the handshake before any
// SMTP traffic.
func dial(ctx context.Context, cfg Config, o *options, tlsConfig *tls.Config) (*conn, error) {
	nc, err := o.dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("smtp: connect %s: %w", cfg.Addr(), err)
	}

	c := newConn(nc, o.timeout)
	if !cfg.Secure {
		return c, nil
	}

	if err := c.upgrade(ctx, tlsConfig); err != nil {
		c.close()
		return nil, fmt.Errorf("smtp: connect %s: %w", cfg.Addr(), err)
	}
	return c, nil
}

// clientTLSConfig clones base and pins ServerName to host.
func clientTLSConfig(base *tls.Config, host string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg.ServerName = host
	return cfg
}

// transaction walks the linear command sequence of one send.
type transaction struct {
	conn      *conn
	cfg       Config
	msg       Message
	opts      *options
	tlsConfig *tls.Config
}

func (t *transaction) run(ctx context.Context) error {
	log := t.opts.logger.With("host", t.cfg.Host, "port", t.cfg.Port)

	greeting, err := t.conn.readResponse()
	if err != nil {
		return err
	}
	if greeting.Code != 220 {
		return &ProtocolError{Command: stageGreeting, Response: greeting}
	}
	log.Debug("smtp greeting received", "code", greeting.Code)

	ehloCmd := "EHLO " + t.opts.localName
	ehlo, err := t.conn.expect(ehloCmd, ehloCmd, 250)
	if err != nil {
		return err
	}

	if !t.cfg.Secure && ehlo.Has("STARTTLS") {
		if _, err := t.conn.expect("STARTTLS", "STARTTLS", 220); err != nil {
			return err
		}
		if err := t.conn.upgrade(ctx, t.tlsConfig); err != nil {
			return err
		}
		log.Debug("smtp connection upgraded to TLS")

		if _, err := t.conn.expect(ehloCmd, ehloCmd, 250); err != nil {
			return err
		}
	}

	if t.cfg.AuthEnabled() {
		if err := authLogin(t.conn, t.cfg.Username, t.cfg.Password); err != nil {
			return err
		}
		log.Debug("smtp authenticated", "username", t.cfg.Username)
	}

	mailCmd := "MAIL FROM:<" + t.cfg.FromEmail + ">"
	if _, err := t.conn.expect(mailCmd, mailCmd, 250); err != nil {
		return err
	}

	rcptCmd := "RCPT TO:<" + t.msg.To + ">"
	if _, err := t.conn.expect(rcptCmd, rcptCmd, 250, 251); err != nil {
		return err
	}

	if _, err := t.conn.expect("DATA", "DATA", 354); err != nil {
		return err
	}

	if err := t.conn.write(buildPayload(t.cfg, t.msg)); err != nil {
		return err
	}
	accepted, err := t.conn.readResponse()
	if err != nil {
		return err
	}
	if accepted.Code != 250 {
		return &ProtocolError{Command: stageMessage, Response: accepted}
	}
	log.Debug("smtp message accepted", "to", t.msg.To)

	// The message is already accepted, so QUIT cannot fail the send.
	if resp, err := t.conn.cmd("QUIT"); err != nil {
		log.Debug("smtp QUIT failed", "error", err)
	} else if resp.Code != 221 {
		log.Debug("smtp QUIT unexpected reply", "reply", resp.String())
	}

	return nil
}
