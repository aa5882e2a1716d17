// Package config loads the machine agent's runtime configuration from
// defaults, an optional YAML file and TERMRELAY_-prefixed environment
// variables.
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

// Config holds the agent's runtime configuration.
type Config struct {
	Addr    string `koanf:"addr"`     // loopback hook listener (e.g. "127.0.0.1:8790")
	DataDir string `koanf:"data_dir"` // directory for the database

	MachineID string `koanf:"machine_id"` // stable per-workstation id

	// RouterURL enables router-mediated mode. Empty means direct mode:
	// the agent talks to the chat platform itself.
	RouterURL string `koanf:"router_url"`
	APIKey    string `koanf:"api_key"` // shared secret for router auth

	// Direct-mode chat platform settings.
	BotToken       string  `koanf:"bot_token"`
	WebhookSecret  string  `koanf:"webhook_secret"`
	AllowedChatIDs []int64 `koanf:"allowed_chat_ids"`
	AllowedUserIDs []int64 `koanf:"allowed_user_ids"`

	// NotifyChatID is the chat that receives notifications.
	NotifyChatID int64 `koanf:"notify_chat_id"`

	MaxCommandBytes int `koanf:"max_command_bytes"`

	SessionTTL    time.Duration `koanf:"session_ttl"`
	ReplyTokenTTL time.Duration `koanf:"reply_token_ttl"`

	ReconnectInitial time.Duration `koanf:"reconnect_initial"`
	ReconnectMax     time.Duration `koanf:"reconnect_max"`
	PongTimeout      time.Duration `koanf:"pong_timeout"`
}

var defaults = map[string]interface{}{
	"addr":              "127.0.0.1:8790",
	"data_dir":          defaultDataDir(),
	"max_command_bytes": 10240,
	"session_ttl":       "24h",
	"reply_token_ttl":   "24h",
	"reconnect_initial": "1s",
	"reconnect_max":     "30s",
	"pong_timeout":      "90s",
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

	if err := k.Load(env.Provider("TERMRELAY_AGENT_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TERMRELAY_AGENT_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration and ensures the data directory
// exists. Hostname is the machine-id fallback so a bare config still
// works on a single workstation.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.MachineID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("machine_id is required (hostname lookup failed: %w)", err)
		}
		c.MachineID = host
	}
	if c.RouterURL != "" && c.APIKey == "" {
		return fmt.Errorf("api_key is required in router mode")
	}
	if c.RouterURL == "" && c.BotToken == "" {
		return fmt.Errorf("bot_token is required in direct mode")
	}
	if c.NotifyChatID == 0 && len(c.AllowedChatIDs) > 0 {
		c.NotifyChatID = c.AllowedChatIDs[0]
	}
	if c.NotifyChatID == 0 {
		return fmt.Errorf("notify_chat_id (or allowed_chat_ids) is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// RouterMode reports whether notifications go through the edge router.
func (c *Config) RouterMode() bool { return c.RouterURL != "" }

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "agent.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "termrelay", "agent")
	}
	return filepath.Join(home, ".config", "termrelay", "agent")
}
