// Package email defines the message model shared by the delivery providers,
// the HTTP API and the SMTP sink.
package email

// Email represents an outgoing (or captured) email message.
type Email struct {
	From     string
	FromName string
	To       []string
	ReplyTo  string
	Subject  string
	TextBody string
	HtmlBody string

	// RawHeaders is only populated for messages captured by the sink.
	RawHeaders map[string][]string
	MessageID  string
}

// Body returns the text body, falling back to the HTML body.
func (e *Email) Body() string {
	if e.TextBody != "" {
		return e.TextBody
	}
	return e.HtmlBody
}
