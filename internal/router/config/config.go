// Package config loads the router's runtime configuration from
// defaults, an optional YAML file and TERMRELAY_-prefixed environment
// variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the router's runtime configuration.
type Config struct {
	Addr      string `koanf:"addr"`       // listen address (e.g. ":8787")
	DataDir   string `koanf:"data_dir"`   // directory for the database
	PublicURL string `koanf:"public_url"` // externally reachable base URL (webhook target)

	APIKey   string `koanf:"api_key"`   // shared key for agent HTTP + duplex auth
	BotToken string `koanf:"bot_token"` // chat-platform bot token

	WebhookSecret     string `koanf:"webhook_secret"`      // platform-side validation header value
	WebhookPathSecret string `koanf:"webhook_path_secret"` // optional URL obfuscation segment

	AllowedChatIDs []int64 `koanf:"allowed_chat_ids"`
	AllowedUserIDs []int64 `koanf:"allowed_user_ids"`

	MaxCommandBytes    int `koanf:"max_command_bytes"`
	MaxQueuePerMachine int `koanf:"max_queue_per_machine"`
	MaxTotalSessions   int `koanf:"max_total_sessions"`

	SessionTTL          time.Duration `koanf:"session_ttl"`
	ReplyTokenTTL       time.Duration `koanf:"reply_token_ttl"`
	SeenUpdateRetention time.Duration `koanf:"seen_update_retention"`
}

// defaults are the baseline values loaded before file and env layers.
var defaults = map[string]interface{}{
	"addr":                  ":8787",
	"data_dir":              defaultDataDir(),
	"max_command_bytes":     10240,
	"max_queue_per_machine": 100,
	"max_total_sessions":    1000,
	"session_ttl":           "24h",
	"reply_token_ttl":       "24h",
	"seen_update_retention": "1h",
}

// Load reads configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// TERMRELAY_ROUTER_BOT_TOKEN → bot_token, etc.
	if err := k.Load(env.Provider("TERMRELAY_ROUTER_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TERMRELAY_ROUTER_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values and ensures the data
// directory exists.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.BotToken == "" {
		return fmt.Errorf("bot_token is required")
	}
	if c.MaxCommandBytes <= 0 || c.MaxQueuePerMachine <= 0 || c.MaxTotalSessions <= 0 {
		return fmt.Errorf("caps must be positive")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "router.db")
}

// WebhookPath returns the webhook URL path, including the optional
// obfuscation segment.
func (c *Config) WebhookPath() string {
	if c.WebhookPathSecret != "" {
		return "/webhook/" + c.WebhookPathSecret
	}
	return "/webhook"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "termrelay", "router")
	}
	return filepath.Join(home, ".config", "termrelay", "router")
}
