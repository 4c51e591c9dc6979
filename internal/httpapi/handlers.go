package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/shineum/smtp-sender-lite/internal/config"
	"github.com/shineum/smtp-sender-lite/internal/email"
)

// maxErrorLen caps the error text reported by the test endpoint.
const maxErrorLen = 280

// Test statuses reported in the settings view.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Settings is the public view of the relay configuration.
type Settings struct {
	Provider           string     `json:"provider"`
	Host               string     `json:"host"`
	Port               int        `json:"port"`
	Secure             bool       `json:"secure"`
	Username           string     `json:"username"`
	FromEmail          string     `json:"from_email"`
	FromName           string     `json:"from_name"`
	ReplyTo            string     `json:"reply_to"`
	HasPassword        bool       `json:"has_password"`
	Configured         bool       `json:"configured"`
	PlatformConfigured bool       `json:"platform_configured"`
	LastTestAt         *time.Time `json:"last_test_at"`
	LastTestStatus     string     `json:"last_test_status,omitempty"`
	LastTestError      string     `json:"last_test_error,omitempty"`
}

// UpdateRequest is the body accepted by PUT /v1/smtp/settings. A missing
// or blank password keeps the current one unless ClearPassword is set.
type UpdateRequest struct {
	Host          string `json:"host"`
	Port          *int   `json:"port"`
	Secure        *bool  `json:"secure"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	ClearPassword bool   `json:"clear_password"`
	FromEmail     string `json:"from_email"`
	FromName      string `json:"from_name"`
	ReplyTo       string `json:"reply_to"`
}

// TestRequest is the body accepted by POST /v1/smtp/test.
type TestRequest struct {
	ToEmail string `json:"to_email"`
}

// TestResponse is returned after a successful test send.
type TestResponse struct {
	Message  string    `json:"message"`
	TestedAt time.Time `json:"tested_at"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	view := s.settingsLocked()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Detail: err.Error()})
		return
	}

	secure := req.Secure == nil || *req.Secure
	host := strings.TrimSpace(req.Host)
	username := strings.TrimSpace(req.Username)
	fromEmail := strings.ToLower(strings.TrimSpace(req.FromEmail))

	switch {
	case host == "":
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "SMTP host is required"})
		return
	case fromEmail == "":
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "from email is required"})
		return
	case username == "":
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "SMTP username is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	cfg.SMTP.Host = host
	cfg.SMTP.Port = normalizePort(req.Port, secure)
	cfg.SMTP.Secure = secure
	cfg.SMTP.Username = username
	cfg.SMTP.FromEmail = fromEmail
	cfg.SMTP.FromName = strings.TrimSpace(req.FromName)
	cfg.SMTP.ReplyTo = strings.ToLower(strings.TrimSpace(req.ReplyTo))
	switch password := strings.TrimSpace(req.Password); {
	case req.ClearPassword:
		cfg.SMTP.Password = ""
	case password != "":
		cfg.SMTP.Password = password
	}

	p, err := s.factory(r.Context(), &cfg)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid SMTP settings", Detail: sanitizeError(err.Error())})
		return
	}

	s.cfg = cfg
	s.provider = p
	s.logger.Info("SMTP settings updated",
		"host", cfg.SMTP.Host,
		"port", cfg.SMTP.Port,
		"secure", cfg.SMTP.Secure,
		"has_password", cfg.SMTP.Password != "",
	)

	writeJSON(w, http.StatusOK, s.settingsLocked())
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Detail: err.Error()})
		return
	}

	to := strings.ToLower(strings.TrimSpace(req.ToEmail))
	if to == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "recipient email is required"})
		return
	}
	if _, err := mail.ParseAddress(to); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid recipient email", Detail: err.Error()})
		return
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.provider
	s.mu.Unlock()

	if !platformConfigured(&cfg) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "SMTP settings are incomplete. Configure APP_SMTP_*, SES_* or RESEND_* settings.",
		})
		return
	}

	testedAt := s.now().UTC()
	msg := &email.Email{
		From:     cfg.SMTP.FromEmail,
		FromName: cfg.SMTP.FromName,
		To:       []string{to},
		Subject:  "SMTP test (" + p.Name() + ")",
		TextBody: "This is a test email from smtp-sender.",
	}

	if err := p.Send(r.Context(), msg); err != nil {
		detail := sanitizeError(err.Error())
		s.record(testedAt, StatusFailed, detail)
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "SMTP test failed", Detail: detail})
		return
	}

	s.record(testedAt, StatusOK, "")
	writeJSON(w, http.StatusOK, TestResponse{
		Message:  "SMTP test email sent successfully.",
		TestedAt: testedAt,
	})
}

// settingsLocked builds the public view. s.mu must be held.
func (s *Server) settingsLocked() Settings {
	name, err := s.cfg.SelectedProvider()
	if err != nil {
		name = s.cfg.Provider
	}

	c := s.cfg.SMTP
	return Settings{
		Provider:           name,
		Host:               c.Host,
		Port:               c.Port,
		Secure:             c.Secure,
		Username:           c.Username,
		FromEmail:          c.FromEmail,
		FromName:           c.FromName,
		ReplyTo:            c.ReplyTo,
		HasPassword:        c.Password != "",
		Configured:         c.Host != "" && c.Username != "" && c.FromEmail != "" && c.Password != "",
		PlatformConfigured: platformConfigured(&s.cfg),
		LastTestAt:         s.last.at,
		LastTestStatus:     s.last.status,
		LastTestError:      s.last.err,
	}
}

func (s *Server) record(at time.Time, status, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = lastTest{at: &at, status: status, err: errText}
}

// platformConfigured reports whether any real delivery provider is set up.
func platformConfigured(cfg *config.Config) bool {
	return cfg.SMTPConfigured() || cfg.SESConfigured() || cfg.ResendConfigured()
}

// normalizePort defaults to 465 or 587 by mode and clamps to 1..65535.
func normalizePort(port *int, secure bool) int {
	switch {
	case port == nil && secure:
		return 465
	case port == nil:
		return 587
	case *port < 1:
		return 1
	case *port > 65535:
		return 65535
	default:
		return *port
	}
}

// sanitizeError collapses whitespace runs and truncates to maxErrorLen runes.
func sanitizeError(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if r := []rune(msg); len(r) > maxErrorLen {
		msg = string(r[:maxErrorLen])
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
