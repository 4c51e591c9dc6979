package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxatome/go-testdeep/td"

	"github.com/shineum/smtp-sender-lite/internal/sink"
	"github.com/shineum/smtp-sender-lite/internal/sink/sinktest"
)

// countingDialer dials real TCP connections and counts how often they are
// opened and closed.
type countingDialer struct {
	dials  atomic.Int32
	closes atomic.Int32
}

func (d *countingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.dials.Add(1)
	var nd net.Dialer
	c, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return &countingConn{Conn: c, closes: &d.closes}, nil
}

type countingConn struct {
	net.Conn
	closes *atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func configFor(t *testing.T, srv *sink.Server) Config {
	t.Helper()
	host, port := sinktest.HostPort(t, srv)
	return Config{Host: host, Port: port, FromEmail: "noreply@acme.test"}
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestSendMessage_STARTTLSAndAuth(t *testing.T) {
	t.Parallel()

	tlsConfig, pool := sinktest.TLS(t)
	srv := sinktest.Start(t, sink.Config{
		TLSConfig:    tlsConfig,
		AuthUsername: "mailer",
		AuthPassword: "s3cret",
	})

	cfg := configFor(t, srv)
	cfg.Username = "mailer"
	cfg.Password = "s3cret"
	cfg.FromName = "Acme Inspections"
	cfg.ReplyTo = "office@acme.test"

	dialer := &countingDialer{}
	err := SendMessage(context.Background(), cfg,
		Message{To: "client@example.com", Subject: "Booked", Text: "See you soon."},
		WithDialer(dialer),
		WithTLSConfig(&tls.Config{RootCAs: pool}),
		WithLocalName("sender.acme.test"),
	)
	td.CmpNoError(t, err)

	td.Cmp(t, srv.Commands(), []string{
		"EHLO sender.acme.test",
		"STARTTLS",
		"EHLO sender.acme.test",
		"AUTH LOGIN",
		b64("mailer"),
		b64("s3cret"),
		"MAIL FROM:<noreply@acme.test>",
		"RCPT TO:<client@example.com>",
		"DATA",
		"QUIT",
	})

	msgs := srv.Messages()
	if !td.Cmp(t, len(msgs), 1) {
		return
	}
	td.Cmp(t, msgs[0].TLS, true)
	td.Cmp(t, msgs[0].AuthUser, "mailer")
	td.Cmp(t, msgs[0].From, "noreply@acme.test")
	td.Cmp(t, msgs[0].To, []string{"client@example.com"})
	td.Cmp(t, msgs[0].Email.FromName, "Acme Inspections")
	td.Cmp(t, msgs[0].Email.ReplyTo, "office@acme.test")
	td.Cmp(t, msgs[0].Email.Subject, "Booked")
	td.Cmp(t, msgs[0].Email.TextBody, td.HasPrefix("See you soon."))

	td.Cmp(t, dialer.dials.Load(), int32(1))
	td.Cmp(t, dialer.closes.Load(), int32(1))
}

func TestSendMessage_PlaintextWithoutSTARTTLS(t *testing.T) {
	t.Parallel()

	srv := sinktest.Start(t, sink.Config{})

	err := SendMessage(context.Background(), configFor(t, srv), Message{To: "client@example.com"})
	td.CmpNoError(t, err)

	td.Cmp(t, srv.Commands(), []string{
		"EHLO localhost",
		"MAIL FROM:<noreply@acme.test>",
		"RCPT TO:<client@example.com>",
		"DATA",
		"QUIT",
	})

	msgs := srv.Messages()
	if td.Cmp(t, len(msgs), 1) {
		td.Cmp(t, msgs[0].TLS, false)
		td.Cmp(t, msgs[0].Email.Subject, DefaultSubject)
		td.Cmp(t, msgs[0].Email.TextBody, td.HasPrefix(DefaultText))
	}
}

func TestSendMessage_ImplicitTLS(t *testing.T) {
	t.Parallel()

	tlsConfig, pool := sinktest.TLS(t)
	srv := sinktest.Start(t, sink.Config{TLSConfig: tlsConfig, ImplicitTLS: true})

	cfg := configFor(t, srv)
	cfg.Secure = true

	err := SendMessage(context.Background(), cfg, Message{To: "client@example.com"},
		WithTLSConfig(&tls.Config{RootCAs: pool}))
	td.CmpNoError(t, err)

	td.Cmp(t, srv.Commands(), td.Not(td.Contains("STARTTLS")))
	msgs := srv.Messages()
	if td.Cmp(t, len(msgs), 1) {
		td.Cmp(t, msgs[0].TLS, true)
	}
}

func TestSendMessage_DotStuffing(t *testing.T) {
	t.Parallel()

	srv := sinktest.Start(t, sink.Config{})

	err := SendMessage(context.Background(), configFor(t, srv), Message{
		To:      "client@example.com",
		Subject: "dots",
		Text:    "first\n.hidden\n.\nlast",
	})
	td.CmpNoError(t, err)

	msgs := srv.Messages()
	if !td.Cmp(t, len(msgs), 1) {
		return
	}
	td.Cmp(t, msgs[0].Raw, td.Contains("\r\n..hidden\r\n..\r\nlast"))
	td.Cmp(t, msgs[0].Data, td.Contains("\r\n.hidden\r\n.\r\nlast"))
}

func TestSendMessage_RecipientAcceptedWith251(t *testing.T) {
	t.Parallel()

	srv := sinktest.Start(t, sink.Config{
		Script: sink.Reply("RCPT", "251 User not local; will forward"),
	})

	err := SendMessage(context.Background(), configFor(t, srv), Message{To: "client@example.com"})
	td.CmpNoError(t, err)

	msgs := srv.Messages()
	if td.Cmp(t, len(msgs), 1) {
		td.Cmp(t, msgs[0].From, "noreply@acme.test")
		td.Cmp(t, msgs[0].To, []string{"client@example.com"})
	}
}

func TestSendMessage_ProtocolErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		script  sink.Script
		command string
		code    int
		message string
	}{
		{
			name:    "greeting refused",
			script:  sink.Reply(sink.Greeting, "554 no service here"),
			command: "greeting",
			code:    554,
			message: "SMTP greeting failed: 554 no service here",
		},
		{
			name:    "EHLO refused",
			script:  sink.Reply("EHLO", "502 not implemented"),
			command: "EHLO localhost",
			code:    502,
			message: "SMTP command failed (EHLO localhost): 502 not implemented",
		},
		{
			name:    "sender rejected",
			script:  sink.Reply("MAIL", "553 sender not allowed"),
			command: "MAIL FROM:<noreply@acme.test>",
			code:    553,
			message: "SMTP command failed (MAIL FROM:<noreply@acme.test>): 553 sender not allowed",
		},
		{
			name:    "recipient rejected with multi-line reply",
			script:  sink.Reply("RCPT", "550-5.1.1 mailbox unavailable", "550 5.1.1 see docs"),
			command: "RCPT TO:<client@example.com>",
			code:    550,
			message: "SMTP command failed (RCPT TO:<client@example.com>): 550-5.1.1 mailbox unavailable | 550 5.1.1 see docs",
		},
		{
			name:    "DATA refused",
			script:  sink.Reply("DATA", "451 try again later"),
			command: "DATA",
			code:    451,
			message: "SMTP command failed (DATA): 451 try again later",
		},
		{
			name:    "message rejected",
			script:  sink.Reply(sink.EndOfData, "554 5.7.1 spam"),
			command: "message",
			code:    554,
			message: "SMTP DATA failed: 554 5.7.1 spam",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := sinktest.Start(t, sink.Config{Script: tt.script})
			dialer := &countingDialer{}

			err := SendMessage(context.Background(), configFor(t, srv),
				Message{To: "client@example.com"}, WithDialer(dialer))

			var perr *ProtocolError
			if !td.CmpTrue(t, errors.As(err, &perr), "want *ProtocolError, got %v", err) {
				return
			}
			td.Cmp(t, perr.Command, tt.command)
			td.Cmp(t, perr.Code(), tt.code)
			td.Cmp(t, perr.Temporary(), tt.code/100 == 4)
			td.Cmp(t, err.Error(), tt.message)
			td.CmpEmpty(t, srv.Messages())
			td.Cmp(t, dialer.closes.Load(), int32(1))
		})
	}
}

func TestSendMessage_AuthRejectedHidesPassword(t *testing.T) {
	t.Parallel()

	srv := sinktest.Start(t, sink.Config{AuthUsername: "mailer", AuthPassword: "s3cret"})

	cfg := configFor(t, srv)
	cfg.Username = "mailer"
	cfg.Password = "wrong"

	err := SendMessage(context.Background(), cfg, Message{To: "client@example.com"})

	var perr *ProtocolError
	if td.CmpTrue(t, errors.As(err, &perr), "want *ProtocolError, got %v", err) {
		td.Cmp(t, perr.Command, "AUTH LOGIN password")
		td.Cmp(t, perr.Code(), 535)
	}
	td.Cmp(t, err, td.Not(td.Contains(b64("wrong"))))
	td.Cmp(t, err, td.Not(td.Contains("wrong")))
}

func TestSendMessage_AuthNotOffered(t *testing.T) {
	t.Parallel()

	srv := sinktest.Start(t, sink.Config{})

	cfg := configFor(t, srv)
	cfg.Username = "mailer"
	cfg.Password = "s3cret"

	err := SendMessage(context.Background(), cfg, Message{To: "client@example.com"})
	td.Cmp(t, err, td.String("SMTP command failed (AUTH LOGIN): 503 AUTH not available"))
}

func TestSendMessage_QuitFailureIgnored(t *testing.T) {
	t.Parallel()

	t.Run("error reply", func(t *testing.T) {
		t.Parallel()
		srv := sinktest.Start(t, sink.Config{Script: sink.Reply("QUIT", "500 what")})

		err := SendMessage(context.Background(), configFor(t, srv), Message{To: "client@example.com"})
		td.CmpNoError(t, err)
		td.Cmp(t, len(srv.Messages()), 1)
	})

	t.Run("no reply", func(t *testing.T) {
		t.Parallel()
		srv := sinktest.Start(t, sink.Config{Script: sink.Script{Hang: "QUIT"}})

		err := SendMessage(context.Background(), configFor(t, srv), Message{To: "client@example.com"},
			WithTimeout(200*time.Millisecond))
		td.CmpNoError(t, err)
	})
}

func TestSendMessage_Timeout(t *testing.T) {
	t.Parallel()

	for _, hang := range []string{sink.Greeting, "EHLO", "MAIL", "DATA", sink.EndOfData} {
		hang := hang
		t.Run(hang, func(t *testing.T) {
			t.Parallel()

			srv := sinktest.Start(t, sink.Config{Script: sink.Script{Hang: hang}})
			dialer := &countingDialer{}

			start := time.Now()
			err := SendMessage(context.Background(), configFor(t, srv), Message{To: "client@example.com"},
				WithDialer(dialer), WithTimeout(200*time.Millisecond))

			td.CmpErrorIs(t, err, ErrTimeout)
			td.Cmp(t, time.Since(start), td.Lt(5*time.Second))
			td.Cmp(t, dialer.closes.Load(), int32(1))
		})
	}
}

func TestSendMessage_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := sinktest.Start(t, sink.Config{Script: sink.Script{Hang: "MAIL"}})
	dialer := &countingDialer{}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := SendMessage(ctx, configFor(t, srv), Message{To: "client@example.com"},
		WithDialer(dialer), WithTimeout(time.Minute))

	td.CmpErrorIs(t, err, context.DeadlineExceeded)
	td.Cmp(t, dialer.closes.Load(), int32(1))
}

func TestSendMessage_UntrustedCertificate(t *testing.T) {
	t.Parallel()

	tlsConfig, _ := sinktest.TLS(t)
	srv := sinktest.Start(t, sink.Config{TLSConfig: tlsConfig})
	dialer := &countingDialer{}

	err := SendMessage(context.Background(), configFor(t, srv), Message{To: "client@example.com"},
		WithDialer(dialer))

	td.CmpError(t, err)
	var perr *ProtocolError
	td.CmpFalse(t, errors.As(err, &perr))
	td.CmpEmpty(t, srv.Messages())
	td.Cmp(t, dialer.closes.Load(), int32(1))
}

func TestSendMessage_ConnectFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	err = SendMessage(context.Background(),
		Config{Host: "127.0.0.1", Port: addr.Port, FromEmail: "noreply@acme.test"},
		Message{To: "client@example.com"})

	td.Cmp(t, err, td.HasPrefix("smtp: connect 127.0.0.1:"))
}

func TestSendMessage_InvalidConfig(t *testing.T) {
	t.Parallel()

	valid := Config{Host: "127.0.0.1", Port: 2525, FromEmail: "noreply@acme.test"}

	tests := []struct {
		name string
		cfg  func(Config) Config
		msg  Message
	}{
		{name: "missing host", cfg: func(c Config) Config { c.Host = " "; return c }, msg: Message{To: "a@example.com"}},
		{name: "port zero", cfg: func(c Config) Config { c.Port = 0; return c }, msg: Message{To: "a@example.com"}},
		{name: "port too large", cfg: func(c Config) Config { c.Port = 70000; return c }, msg: Message{To: "a@example.com"}},
		{name: "missing sender", cfg: func(c Config) Config { c.FromEmail = ""; return c }, msg: Message{To: "a@example.com"}},
		{name: "line break in sender name", cfg: func(c Config) Config { c.FromName = "a\r\nBcc: x"; return c }, msg: Message{To: "a@example.com"}},
		{name: "line break in password", cfg: func(c Config) Config { c.Username = "u"; c.Password = "p\n"; return c }, msg: Message{To: "a@example.com"}},
		{name: "missing recipient", cfg: func(c Config) Config { return c }, msg: Message{}},
		{name: "line break in recipient", cfg: func(c Config) Config { return c }, msg: Message{To: "a@example.com>\r\nDATA"}},
		{name: "line break in subject", cfg: func(c Config) Config { return c }, msg: Message{To: "a@example.com", Subject: "hi\nBcc: x"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dialer := &countingDialer{}
			err := SendMessage(context.Background(), tt.cfg(valid), tt.msg, WithDialer(dialer))

			td.CmpErrorIs(t, err, ErrInvalidConfig)
			td.Cmp(t, dialer.dials.Load(), int32(0))
		})
	}
}

func TestConfig_Helpers(t *testing.T) {
	t.Parallel()

	cfg := Config{Host: "smtp.example.com", Port: 587}
	td.Cmp(t, cfg.Addr(), "smtp.example.com:587")
	td.CmpFalse(t, cfg.AuthEnabled())

	cfg.Username = "u"
	td.CmpFalse(t, cfg.AuthEnabled())

	cfg.Password = "p"
	td.CmpTrue(t, cfg.AuthEnabled())

	td.Cmp(t, Config{Host: "::1", Port: 25}.Addr(), "[::1]:25")
}

func TestSendMessage_SplitRepliesAndStaleSTARTTLSBuffer(t *testing.T) {
	t.Parallel()

	tlsConfig, pool := sinktest.TLS(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	seen := make(chan []string, 1)
	go func() {
		var cmds []string
		defer func() { seen <- cmds }()

		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

		var rw net.Conn = conn
		reader := bufio.NewReader(conn)
		write := func(chunks ...string) {
			for _, chunk := range chunks {
				if _, err := rw.Write([]byte(chunk)); err != nil {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
		read := func() string {
			line, err := reader.ReadString('\n')
			if err != nil {
				return ""
			}
			line = strings.TrimRight(line, "\r\n")
			cmds = append(cmds, line)
			return line
		}

		write("22", "0 hi\r\n")
		read()
		write("250-x\r", "\n250-STAR", "TTLS\r\n250 OK\r\n")
		read()
		write("220 go\r\n250 INJECTED\r\n")

		tlsConn := tls.Server(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		rw, reader = tlsConn, bufio.NewReader(tlsConn)

		read()
		write("250 OK\r\n")
		read()
		write("250 OK\r\n")
		read()
		write("250 OK\r\n")
		read()
		write("354 go ahead\r\n")
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimRight(line, "\r\n") == "." {
				break
			}
		}
		write("250 queued\r\n")
		read()
		write("221 bye\r\n")
	}()

	cfg := Config{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, FromEmail: "noreply@acme.test"}

	err = SendMessage(context.Background(), cfg, Message{To: "client@example.com"},
		WithTLSConfig(&tls.Config{RootCAs: pool}), WithTimeout(5*time.Second))
	td.CmpNoError(t, err)

	td.Cmp(t, <-seen, []string{
		"EHLO localhost",
		"STARTTLS",
		"EHLO localhost",
		"MAIL FROM:<noreply@acme.test>",
		"RCPT TO:<client@example.com>",
		"DATA",
		"QUIT",
	})
}

func TestNewOptions_DialTimeout(t *testing.T) {
	t.Parallel()

	o := newOptions(nil)
	td.Cmp(t, o.dialer, &net.Dialer{Timeout: DefaultTimeout})

	o = newOptions([]Option{WithTimeout(3 * time.Second)})
	td.Cmp(t, o.dialer, &net.Dialer{Timeout: 3 * time.Second})

	custom := &countingDialer{}
	o = newOptions([]Option{WithDialer(custom), WithTimeout(time.Second)})
	td.Cmp(t, o.dialer, td.Shallow(custom))
}
