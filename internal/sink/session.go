package sink

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/smtp-sender-lite/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// maxMessageSize is the largest DATA payload accepted (10 MB).
const maxMessageSize = 10 * 1024 * 1024

// session is a single client connection.
type session struct {
	srv    *Server
	script Script
	log    *slog.Logger

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	state     int
	tlsActive bool
	authUser  string

	mailFrom string
	rcptTo   []string
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:       srv,
		script:    srv.config.Script,
		log:       srv.logger.With("remote", conn.RemoteAddr().String()),
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		tlsActive: srv.config.ImplicitTLS,
	}
}

// handle runs the session until the client quits, goes idle or ctx ends.
func (s *session) handle(ctx context.Context) {
	base := s.conn
	defer func() { s.conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = base.SetDeadline(time.Now()) })
	defer stop()

	if s.script.hangs(Greeting) {
		s.drain()
		return
	}
	if lines, ok := s.script.reply(Greeting); ok {
		s.writeLines(lines)
	} else {
		s.writeLine("220 %s ESMTP smtp-sink", s.srv.config.Hostname)
	}

	for {
		if err := s.conn.SetDeadline(time.Now().Add(s.srv.config.IdleTimeout)); err != nil {
			s.log.Debug("failed to set connection deadline", "error", err)
			return
		}
		if ctx.Err() != nil {
			s.writeLine("421 Service shutting down")
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		s.srv.record(line)

		cmd, arg := parseCommand(line)
		if s.script.hangs(cmd) {
			s.drain()
			return
		}
		if lines, ok := s.script.reply(cmd); ok {
			if done := s.scripted(ctx, cmd, arg, lines); done {
				return
			}
			continue
		}

		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// scripted answers cmd with lines from the Script. A 2xx or 3xx reply still
// applies the state change of the verb.
func (s *session) scripted(ctx context.Context, cmd, arg string, lines []string) bool {
	positive := scriptedPositive(lines)
	if positive {
		switch cmd {
		case "EHLO", "HELO":
			s.state = stateGreeted
			s.authUser = ""
			s.resetTransaction()
		case "AUTH":
			if s.state >= stateGreeted {
				s.state = stateAuthOK
			}
		case "MAIL":
			if s.state >= stateGreeted {
				s.mailFrom = extractAddress(trimVerbArg(arg, "FROM:"))
				s.rcptTo = nil
				s.state = stateMailFrom
			}
		case "RCPT":
			if s.state >= stateMailFrom {
				s.rcptTo = append(s.rcptTo, extractAddress(trimVerbArg(arg, "TO:")))
				s.state = stateRcptTo
			}
		case "RSET":
			s.resetTransaction()
		}
	}

	s.writeLines(lines)

	switch {
	case cmd == "QUIT":
		return true
	case cmd == "DATA" && positive && lines[len(lines)-1][0] == '3' && s.state >= stateRcptTo:
		return s.receiveData(ctx)
	}
	return false
}

// scriptedPositive reports whether the terminal line carries a 2xx or 3xx code.
func scriptedPositive(lines []string) bool {
	if len(lines) == 0 {
		return false
	}
	last := lines[len(lines)-1]
	return len(last) > 0 && (last[0] == '2' || last[0] == '3')
}

// trimVerbArg strips a case-insensitive "FROM:" or "TO:" prefix.
func trimVerbArg(arg, prefix string) string {
	if len(arg) >= len(prefix) && strings.EqualFold(arg[:len(prefix)], prefix) {
		return arg[len(prefix):]
	}
	return arg
}

// handleCommand processes one command and returns true if the session should end.
func (s *session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS(ctx)
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.state = stateGreeted
	s.authUser = ""
	s.resetTransaction()

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.srv.config.Hostname, arg)
		return
	}

	caps := []string{fmt.Sprintf("%s Hello %s", s.srv.config.Hostname, arg)}
	if s.srv.config.TLSConfig != nil && !s.tlsActive {
		caps = append(caps, "STARTTLS")
	}
	if s.srv.auth.Enabled() {
		caps = append(caps, "AUTH PLAIN LOGIN")
	}
	caps = append(caps, s.script.Capabilities...)
	caps = append(caps, fmt.Sprintf("SIZE %d", maxMessageSize), "8BITMIME")

	lines := make([]string, len(caps))
	for i, c := range caps {
		sep := "-"
		if i == len(caps)-1 {
			sep = " "
		}
		lines[i] = "250" + sep + c
	}
	s.writeLines(lines)
}

// handleSTARTTLS upgrades the connection. A failed handshake ends the session.
func (s *session) handleSTARTTLS(ctx context.Context) bool {
	if s.srv.config.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return false
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return false
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.srv.config.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.log.Debug("TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	return false
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.srv.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	var (
		user string
		err  error
	)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		encoded := ""
		if len(parts) > 1 {
			encoded = parts[1]
		}
		if encoded == "" {
			if encoded, err = s.challenge("334"); err != nil {
				return
			}
		}
		if encoded == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		user, err = s.srv.auth.VerifyPlain(encoded)
	case "LOGIN":
		encodedUser, rerr := s.challenge("334 VXNlcm5hbWU6")
		if rerr != nil {
			return
		}
		if encodedUser == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		encodedPass, rerr := s.challenge("334 UGFzc3dvcmQ6")
		if rerr != nil {
			return
		}
		if encodedPass == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		user, err = s.srv.auth.VerifyLogin(encodedUser, encodedPass)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	if err != nil {
		s.log.Debug("authentication failed", "user", user, "error", err)
		s.writeLine("535 5.7.8 Authentication credentials invalid")
		return
	}

	s.authUser = user
	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Authentication successful")
}

// challenge sends a 334 prompt and returns the client's answer line.
func (s *session) challenge(prompt string) (string, error) {
	s.writeLine("%s", prompt)
	line, err := s.reader.ReadString('\n')
	if err != nil {
		s.log.Debug("failed to read AUTH response", "error", err)
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	s.srv.record(line)
	return line, nil
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.srv.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

func (s *session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")
	return s.receiveData(ctx)
}

// receiveData reads the payload up to the terminating dot, unstuffs it and
// delivers the parsed message.
func (s *session) receiveData(ctx context.Context) bool {
	var raw, data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.log.Debug("error reading DATA", "error", err)
			return true
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		if raw.Len() < maxMessageSize {
			raw.WriteString(line)
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		if data.Len() < maxMessageSize {
			data.WriteString(line)
		}
	}

	defer s.resetTransaction()

	if s.script.hangs(EndOfData) {
		s.drain()
		return true
	}
	if lines, ok := s.script.reply(EndOfData); ok {
		s.writeLines(lines)
		return false
	}
	if raw.Len() >= maxMessageSize {
		s.writeLine("552 Message size exceeds fixed limit")
		return false
	}

	msg, err := parser.Parse([]byte(data.String()))
	if err != nil {
		s.log.Warn("failed to parse message", "error", err)
		s.writeLine("550 Failed to process message")
		return false
	}
	if msg.From == "" {
		msg.From = s.mailFrom
	}
	if len(msg.To) == 0 {
		msg.To = s.rcptTo
	}

	if deliver := s.srv.config.Deliver; deliver != nil {
		if err := deliver(ctx, msg); err != nil {
			s.log.Error("delivery failed", "error", err)
			s.writeLine("451 Temporary failure, please try again later")
			return false
		}
	}

	s.srv.accept(Message{
		From:     s.mailFrom,
		To:       append([]string(nil), s.rcptTo...),
		Raw:      raw.String(),
		Data:     data.String(),
		TLS:      s.tlsActive,
		AuthUser: s.authUser,
		Email:    msg,
	})
	s.log.Debug("message accepted", "from", s.mailFrom, "rcpt", len(s.rcptTo))
	s.writeLine("250 OK message queued")
	return false
}

// resetTransaction clears the mail transaction but keeps greeting and auth.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state >= stateAuthOK:
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

// drain discards input without answering until the client disconnects or
// the idle timeout passes.
func (s *session) drain() {
	_ = s.conn.SetDeadline(time.Now().Add(s.srv.config.IdleTimeout))
	_, _ = io.Copy(io.Discard, s.reader)
}

func (s *session) writeLine(format string, args ...any) {
	s.writeLines([]string{fmt.Sprintf(format, args...)})
}

func (s *session) writeLines(lines []string) {
	for _, line := range lines {
		if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
			s.log.Debug("failed to write to client", "error", err)
			return
		}
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into its upper-case verb and argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress returns the address of a MAIL or RCPT parameter, with or
// without angle brackets.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s
}
