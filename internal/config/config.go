package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"
)

const (
	// EnvIngestSecret overrides an empty ingest_secret.
	EnvIngestSecret = "CALINGEST_INGEST_SECRET"
	// EnvStoragePassword overrides an empty storage.password.
	EnvStoragePassword = "CALINGEST_STORAGE_PASSWORD"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel      string            `yaml:"log_level"`
	Listen        string            `yaml:"listen"`
	IngestSecret  string            `yaml:"ingest_secret"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	MaxBodyBytes  int64             `yaml:"max_body_bytes"`
	Storage       Storage           `yaml:"storage"`
	Ledger        Ledger            `yaml:"ledger"`
	Routes        map[string]string `yaml:"routes"`
	Mailboxes     []Mailbox         `yaml:"mailboxes"`
	Notify        *Notify           `yaml:"notify"`
}

// Storage holds the CalDAV server the calendar items are written to.
type Storage struct {
	URL            string `yaml:"url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request timeout, defaulting to 30 seconds.
func (s *Storage) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Ledger locates the dedup ledger file.
type Ledger struct {
	Path string `yaml:"path"`
}

// Mailbox describes one watched mail folder (pull mode).
type Mailbox struct {
	Name                string `yaml:"name"`
	Protocol            string `yaml:"protocol"` // "pop3" or "imap"
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	PasswordEnv         string `yaml:"password_env"`
	UseTLS              bool   `yaml:"use_tls"`
	Folder              string `yaml:"folder"`
	Recipient           string `yaml:"recipient"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	IDLE                *bool  `yaml:"idle"`
	DeletePartial       bool   `yaml:"delete_partial"`
}

// PollInterval returns the scan interval as a time.Duration.
func (m *Mailbox) PollInterval() time.Duration {
	if m.PollIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.PollIntervalSeconds) * time.Second
}

// GetFolder returns the IMAP folder name, defaulting to "INBOX".
func (m *Mailbox) GetFolder() string {
	if m.Folder == "" {
		return "INBOX"
	}
	return m.Folder
}

// UseIDLE reports whether IMAP IDLE should be attempted between scans.
func (m *Mailbox) UseIDLE() bool {
	return m.Protocol == "imap" && (m.IDLE == nil || *m.IDLE)
}

// Notify holds the SMTP relay used to hand failed envelopes to an operator.
type Notify struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout bounds one forward (dial through QUIT), defaulting to 15 seconds.
func (n *Notify) Timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		LogLevel:      "info",
		Listen:        ":8080",
		MaxConcurrent: 8,
		MaxBodyBytes:  25 << 20,
		Ledger:        Ledger{Path: "data/ingest.ledger"},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.LogLevel = NormalizeLevel(cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// NormalizeLevel lowercases a log level name and maps "warning" to "warn".
func NormalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return "warn"
	}
	return level
}

func (c *Config) applyEnv() {
	if c.IngestSecret == "" {
		c.IngestSecret = os.Getenv(EnvIngestSecret)
	}
	if c.Storage.Password == "" {
		c.Storage.Password = os.Getenv(EnvStoragePassword)
	}
	for i := range c.Mailboxes {
		m := &c.Mailboxes[i]
		if m.Password == "" && m.PasswordEnv != "" {
			m.Password = os.Getenv(m.PasswordEnv)
		}
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	if c.Storage.URL == "" {
		return fmt.Errorf("storage.url is required")
	}
	if c.Storage.Username == "" {
		return fmt.Errorf("storage.username is required")
	}
	if c.Storage.Password == "" {
		return fmt.Errorf("storage.password must be provided via config or %s", EnvStoragePassword)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	for i, m := range c.Mailboxes {
		label := m.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if m.Protocol != "pop3" && m.Protocol != "imap" {
			return fmt.Errorf("mailbox %s: protocol must be pop3 or imap", label)
		}
		if m.Host == "" {
			return fmt.Errorf("mailbox %s: host is required", label)
		}
		if m.Port <= 0 || m.Port > 65535 {
			return fmt.Errorf("mailbox %s: port must be between 1 and 65535", label)
		}
		if m.Username == "" {
			return fmt.Errorf("mailbox %s: username is required", label)
		}
	}
	if n := c.Notify; n != nil {
		if n.Host == "" || n.Port == 0 {
			return fmt.Errorf("notify: host and port are required")
		}
		if n.To == "" {
			return fmt.Errorf("notify.to is required")
		}
	}
	return nil
}

// RequireSecret reports an error when push mode has no shared secret.
func (c *Config) RequireSecret() error {
	if c.IngestSecret == "" {
		return fmt.Errorf("ingest_secret must be provided via config or %s", EnvIngestSecret)
	}
	return nil
}
