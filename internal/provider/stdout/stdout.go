// Package stdout implements a Provider that prints emails instead of
// sending them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/shineum/smtp-sender-lite/internal/email"
)

const separator = "========================================\n"

// Provider prints email messages in a human-readable format.
type Provider struct {
	mu sync.Mutex

	// writer is the output destination, defaulting to os.Stdout.
	writer  io.Writer
	headers bool
}

// New creates a Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a Provider that writes to w. With headers set, the
// raw headers of captured messages are printed as well.
func NewWithWriter(w io.Writer, headers bool) *Provider {
	return &Provider{writer: w, headers: headers}
}

// Send prints the message. Only write errors are returned.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	var b strings.Builder

	b.WriteString(separator)
	if msg.FromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\n", msg.FromName, msg.From)
	} else {
		fmt.Fprintf(&b, "From: %s\n", msg.From)
	}
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)

	if p.headers && len(msg.RawHeaders) > 0 {
		keys := make([]string, 0, len(msg.RawHeaders))
		for k := range msg.RawHeaders {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("Headers:\n")
		for _, k := range keys {
			for _, v := range msg.RawHeaders[k] {
				fmt.Fprintf(&b, "  %s: %s\n", k, v)
			}
		}
	}

	b.WriteString("Body:\n")
	b.WriteString(strings.TrimRight(msg.Body(), "\r\n") + "\n")
	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("stdout: write message: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
