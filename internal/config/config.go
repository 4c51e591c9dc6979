// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail sender.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-sender-lite/internal/smtp"
)

// Provider names accepted by PROVIDER.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderResend = "resend"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	SES      SESConfig     `yaml:"ses"`
	Resend   ResendConfig  `yaml:"resend"`
	HTTP     HTTPConfig    `yaml:"http"`
	Sink     SinkConfig    `yaml:"sink"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig describes the relay used for outgoing mail.
type SMTPConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Secure     bool          `yaml:"secure"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	FromEmail  string        `yaml:"from_email"`
	FromName   string        `yaml:"from_name"`
	ReplyTo    string        `yaml:"reply_to"`
	EHLODomain string        `yaml:"ehlo_domain"`
	Timeout    time.Duration `yaml:"timeout"`
	CAFile     string        `yaml:"ca_file"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// ResendConfig holds Resend API configuration.
type ResendConfig struct {
	APIKey string `yaml:"api_key"`
	Sender string `yaml:"sender"`
}

// HTTPConfig holds the settings API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// SinkConfig holds the local capture server configuration.
type SinkConfig struct {
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	cfg.normalize()

	return cfg, nil
}

// SMTPConfigured returns true if a relay host and sender address are set.
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Host != "" && c.SMTP.FromEmail != ""
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// ResendConfigured returns true if the Resend API key and sender are set.
func (c *Config) ResendConfigured() bool {
	return c.Resend.APIKey != "" && c.Resend.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// SinkAuthEnabled returns true if the sink requires AUTH.
func (c *Config) SinkAuthEnabled() bool {
	return c.Sink.Username != "" && c.Sink.Password != ""
}

// SMTPSettings converts the relay section into a client configuration.
func (c *Config) SMTPSettings() smtp.Config {
	return smtp.Config{
		Host:      c.SMTP.Host,
		Port:      c.SMTP.Port,
		Secure:    c.SMTP.Secure,
		Username:  c.SMTP.Username,
		Password:  c.SMTP.Password,
		FromEmail: c.SMTP.FromEmail,
		FromName:  c.SMTP.FromName,
		ReplyTo:   c.SMTP.ReplyTo,
	}
}

// SelectedProvider returns the delivery provider to use. An explicit
// PROVIDER must be known; otherwise the first configured one wins, in the
// order smtp, ses, resend, falling back to stdout.
func (c *Config) SelectedProvider() (string, error) {
	switch c.Provider {
	case ProviderSMTP, ProviderSES, ProviderResend, ProviderStdout:
		return c.Provider, nil
	case "":
	default:
		return "", fmt.Errorf("unknown provider %q", c.Provider)
	}

	switch {
	case c.SMTPConfigured():
		return ProviderSMTP, nil
	case c.SESConfigured():
		return ProviderSES, nil
	case c.ResendConfigured():
		return ProviderResend, nil
	default:
		return ProviderStdout, nil
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.EHLODomain = "localhost"
	c.SMTP.Timeout = smtp.DefaultTimeout
	c.HTTP.Listen = ":8080"
	c.Sink.Listen = ":2525"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString(&c.SMTP.Host, "APP_SMTP_HOST")
	if v := os.Getenv("APP_SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid APP_SMTP_PORT %q: %w", v, err)
		}
		c.SMTP.Port = port
	}
	if v := os.Getenv("APP_SMTP_SECURE"); v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid APP_SMTP_SECURE %q: %w", v, err)
		}
		c.SMTP.Secure = secure
	}
	setString(&c.SMTP.Username, "APP_SMTP_USERNAME")
	setString(&c.SMTP.Password, "APP_SMTP_PASSWORD")
	setString(&c.SMTP.FromEmail, "APP_SMTP_FROM_EMAIL")
	setString(&c.SMTP.FromName, "APP_SMTP_FROM_NAME")
	setString(&c.SMTP.ReplyTo, "APP_SMTP_REPLY_TO")
	setString(&c.SMTP.EHLODomain, "APP_SMTP_EHLO_DOMAIN")
	if v := os.Getenv("APP_SMTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid APP_SMTP_TIMEOUT %q: %w", v, err)
		}
		c.SMTP.Timeout = d
	}
	setString(&c.SMTP.CAFile, "APP_SMTP_CA_FILE")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.Resend.APIKey, "RESEND_API_KEY")
	setString(&c.Resend.Sender, "RESEND_SENDER")

	setString(&c.HTTP.Listen, "HTTP_LISTEN")

	setString(&c.Sink.Listen, "SINK_LISTEN")
	setString(&c.Sink.CertFile, "SINK_TLS_CERT_FILE")
	setString(&c.Sink.KeyFile, "SINK_TLS_KEY_FILE")
	setString(&c.Sink.Username, "SINK_USERNAME")
	setString(&c.Sink.Password, "SINK_PASSWORD")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	return nil
}

// normalize trims and lowercases addresses and fills in the port implied
// by the connection mode.
func (c *Config) normalize() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))

	c.SMTP.Host = strings.TrimSpace(c.SMTP.Host)
	c.SMTP.FromEmail = strings.ToLower(strings.TrimSpace(c.SMTP.FromEmail))
	c.SMTP.FromName = strings.TrimSpace(c.SMTP.FromName)
	c.SMTP.ReplyTo = strings.ToLower(strings.TrimSpace(c.SMTP.ReplyTo))

	switch {
	case c.SMTP.Port == 0 && c.SMTP.Secure:
		c.SMTP.Port = 465
	case c.SMTP.Port == 0:
		c.SMTP.Port = 587
	case c.SMTP.Port < 1:
		c.SMTP.Port = 1
	case c.SMTP.Port > 65535:
		c.SMTP.Port = 65535
	}

	if c.SMTP.EHLODomain == "" {
		c.SMTP.EHLODomain = "localhost"
	}
	if c.SMTP.Timeout <= 0 {
		c.SMTP.Timeout = smtp.DefaultTimeout
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
