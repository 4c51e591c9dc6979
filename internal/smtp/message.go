package smtp

import (
	"mime"
	"strings"
)

const (
	// DefaultSubject is used when a message is sent without a subject.
	DefaultSubject = "SMTP configuration test"

	// DefaultText is used when a message is sent without a body.
	DefaultText = "SMTP configuration test email."
)

// Message is the envelope and content of a single send.
type Message struct {
	To      string
	Subject string
	Text    string
}

// withDefaults fills in the default subject and body.
func (m Message) withDefaults() Message {
	if m.Subject == "" {
		m.Subject = DefaultSubject
	}
	if m.Text == "" {
		m.Text = DefaultText
	}
	return m
}

// FormatAddress renders a mailbox for a header: `"Name" <email>` when a
// display name is present, `<email>` otherwise.
func FormatAddress(addr, name string) string {
	if strings.TrimSpace(name) == "" {
		return "<" + addr + ">"
	}
	return `"` + strings.ReplaceAll(name, `"`, `\"`) + `" <` + addr + ">"
}

// buildPayload assembles headers and body into the DATA payload, dot-stuffed
// and terminated by a line holding a single dot.
func buildPayload(cfg Config, msg Message) string {
	lines := []string{
		"From: " + FormatAddress(cfg.FromEmail, cfg.FromName),
		"To: <" + msg.To + ">",
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
	}
	if cfg.ReplyTo != "" {
		lines = append(lines, "Reply-To: <"+cfg.ReplyTo+">")
	}
	lines = append(lines, "", normalizeNewlines(msg.Text))

	return dotStuff(strings.Join(lines, "\r\n")) + "\r\n.\r\n"
}

// normalizeNewlines turns bare CR and bare LF line endings into CRLF.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// dotStuff doubles the leading dot of every line after the first. The payload
// always starts with a header, so its first line never begins with a dot.
func dotStuff(s string) string {
	return strings.ReplaceAll(s, "\n.", "\n..")
}
