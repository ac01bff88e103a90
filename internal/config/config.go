// ABOUTME: Configuration loading for the coven-zulip bridge.
// ABOUTME: TOML with environment variable expansion, duration parsing, and per-account validation.

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the complete bridge configuration: one gateway, any number of
// chat accounts.
type Config struct {
	Gateway  GatewayConfig   `toml:"gateway"`
	Ledger   LedgerConfig    `toml:"ledger"`
	Logging  LoggingConfig   `toml:"logging"`
	Accounts []AccountConfig `toml:"accounts"`
}

// GatewayConfig locates the agent gateway.
type GatewayConfig struct {
	URL string `toml:"url"`
}

// LedgerConfig locates the audit ledger database. Empty path disables it.
type LedgerConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// AccountConfig is one chat server account the bridge runs.
type AccountConfig struct {
	// ID names the account in logs and on-disk state. Defaults to the
	// account's email local part.
	ID      string `toml:"id"`
	Site    string `toml:"site"`
	Email   string `toml:"email"`
	APIKey  string `toml:"api_key"`
	DataDir string `toml:"data_dir"`

	// BotMention is the literal mention text that addresses this account,
	// e.g. "@**coven**".
	BotMention string `toml:"bot_mention"`

	Replay ReplayConfig `toml:"replay"`
	Reply  ReplyConfig  `toml:"reply"`
	Triage TriageConfig `toml:"triage"`
}

// ReplayConfig bounds the missed-message catch-up after a reconnect.
type ReplayConfig struct {
	MaxAge   time.Duration `toml:"-"`
	MaxCount int           `toml:"max_count"`

	MaxAgeRaw string `toml:"max_age"`
}

// ReplyConfig controls the conversational reply pipeline.
type ReplyConfig struct {
	RespondToDMs      bool `toml:"respond_to_dms"`
	RespondToMentions bool `toml:"respond_to_mentions"`
}

// TriageConfig controls the case-triage workflow for one account.
type TriageConfig struct {
	Enabled bool `toml:"enabled"`

	// AutoTrigger is "always", "mention", or "off".
	AutoTrigger string `toml:"auto_trigger"`

	IntakeStream string `toml:"intake_stream"`
	IntakeTopic  string `toml:"intake_topic"`

	// TopicMode is "auto", "on-demand", or "never".
	TopicMode          string `toml:"topic_mode"`
	MaxLinksPerMessage int    `toml:"max_links_per_message"`
	MaxCases           int    `toml:"max_cases"`

	RoutesFile   string `toml:"routes_file"`
	DefaultRoute string `toml:"default_route"`

	// PostAs maps posting identity names (route post_as values) to the id
	// of another configured account.
	PostAs map[string]string `toml:"post_as"`
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	if err := parseDurations(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.ID == "" {
			if at := strings.IndexByte(a.Email, '@'); at > 0 {
				a.ID = a.Email[:at]
			}
		}
		if a.Replay.MaxCount == 0 {
			a.Replay.MaxCount = 100
		}
		if a.Triage.AutoTrigger == "" {
			a.Triage.AutoTrigger = "always"
		}
		if a.Triage.TopicMode == "" {
			a.Triage.TopicMode = "auto"
		}
		if a.Triage.IntakeTopic == "" {
			a.Triage.IntakeTopic = "intake"
		}
		if a.Triage.MaxLinksPerMessage == 0 {
			a.Triage.MaxLinksPerMessage = 3
		}
		if a.Triage.MaxCases == 0 {
			a.Triage.MaxCases = 1000
		}
	}
}

// parseDurations converts raw duration strings into time.Duration fields.
func parseDurations(cfg *Config) error {
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.Replay.MaxAgeRaw == "" {
			a.Replay.MaxAge = 30 * time.Minute
			continue
		}
		d, err := time.ParseDuration(a.Replay.MaxAgeRaw)
		if err != nil {
			return fmt.Errorf("account %q: invalid replay.max_age %q: %w", a.ID, a.Replay.MaxAgeRaw, err)
		}
		a.Replay.MaxAge = d
	}
	return nil
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}

	ids := make(map[string]bool)
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if err := a.validate(); err != nil {
			return err
		}
		if ids[a.ID] {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		ids[a.ID] = true
	}

	for i := range c.Accounts {
		for name, target := range c.Accounts[i].Triage.PostAs {
			if !ids[target] {
				return fmt.Errorf("account %q: post_as %q points at unknown account %q",
					c.Accounts[i].ID, name, target)
			}
		}
	}
	return nil
}

func (a *AccountConfig) validate() error {
	if a.Site == "" {
		return fmt.Errorf("account %q: site is required", a.ID)
	}
	if _, err := url.Parse(a.Site); err != nil {
		return fmt.Errorf("account %q: site is not a valid URL: %w", a.ID, err)
	}
	if a.Email == "" {
		return fmt.Errorf("account: email is required")
	}
	if a.ID == "" {
		return fmt.Errorf("account %q: cannot derive id from email, set id explicitly", a.Email)
	}
	if a.APIKey == "" {
		return fmt.Errorf("account %q: api_key is required", a.ID)
	}
	if a.DataDir == "" {
		return fmt.Errorf("account %q: data_dir is required", a.ID)
	}

	switch a.Triage.AutoTrigger {
	case "always", "mention", "off":
	default:
		return fmt.Errorf("account %q: triage.auto_trigger must be always, mention, or off", a.ID)
	}
	switch a.Triage.TopicMode {
	case "auto", "on-demand", "never":
	default:
		return fmt.Errorf("account %q: triage.topic_mode must be auto, on-demand, or never", a.ID)
	}
	if a.Triage.Enabled {
		if a.Triage.IntakeStream == "" {
			return fmt.Errorf("account %q: triage.intake_stream is required when triage is enabled", a.ID)
		}
		if a.Triage.RoutesFile == "" {
			return fmt.Errorf("account %q: triage.routes_file is required when triage is enabled", a.ID)
		}
	}
	return nil
}
