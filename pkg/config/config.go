package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "CHATBRIDGE_CONFIG"

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Bot      BotConfig      `json:"bot" yaml:"bot"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Bridge   BridgeConfig   `json:"bridge" yaml:"bridge"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Logging  LoggingConfig  `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty" env:"CHATBRIDGE_LOG_FORMAT"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty" env:"CHATBRIDGE_LOG_LEVEL"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty" env:"CHATBRIDGE_LOG_ADD_SOURCE"`
}

// BotConfig holds the identity shared by every channel.
type BotConfig struct {
	Name string `json:"name" yaml:"name" env:"CHATBRIDGE_BOT_NAME"`
}

// BridgeConfig tunes the outgoing side of every adapter.
type BridgeConfig struct {
	QueueSize          int `json:"queue_size" yaml:"queue_size"`
	SendAttempts       int `json:"send_attempts" yaml:"send_attempts"`
	RetryBackoffMillis int `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	SendTimeoutSeconds int `json:"send_timeout_seconds" yaml:"send_timeout_seconds"`
}

// RetryBackoff returns the configured backoff step as a duration.
func (c BridgeConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMillis) * time.Millisecond
}

// SendTimeout returns the configured per-call timeout; zero means unbounded.
func (c BridgeConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack" yaml:"slack"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
}

// SlackConfig configures the Slack channel.
//
// BotName is the bot's user id, which Slack renders inside mentions; it defaults to bot.name.
type SlackConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"SLACK_ENABLED"`
	Token   string `json:"token" yaml:"token" env:"SLACK_BOT_TOKEN"`
	BotName string `json:"bot_name" yaml:"bot_name"`
	APIURL  string `json:"api_url,omitempty" yaml:"api_url,omitempty"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled" env:"TELEGRAM_ENABLED"`
	Token     string   `json:"token" yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
	BotName   string   `json:"bot_name" yaml:"bot_name"`
	AllowFrom []string `json:"allow_from" yaml:"allow_from" env:"TELEGRAM_ALLOW_FROM" envSeparator:","`
	APIServer string   `json:"api_server,omitempty" yaml:"api_server,omitempty"`
}

// DiscordConfig configures Discord channel integration.
//
// BotName should be the bot's user id, since Discord mentions carry ids.
type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"DISCORD_ENABLED"`
	Token   string `json:"token" yaml:"token" env:"DISCORD_BOT_TOKEN"`
	BotName string `json:"bot_name" yaml:"bot_name"`
}

// GatewayConfig configures HTTP status server bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// LoadConfig resolves the config file, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one JSON or YAML config file, picked by extension.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	applyDefaults(&cfg)
	cfg.Channels.Telegram.AllowFrom = compact(cfg.Channels.Telegram.AllowFrom)

	return &cfg, nil
}

// Validate reports every enabled channel that lacks a token or a bot name.
func (c *Config) Validate() error {
	var errs []error

	check := func(name string, enabled bool, token, botName string) {
		if !enabled {
			return
		}
		if strings.TrimSpace(token) == "" {
			errs = append(errs, fmt.Errorf("channels.%s.token is required", name))
		}
		if strings.TrimSpace(botName) == "" {
			errs = append(errs, fmt.Errorf("channels.%s.bot_name or bot.name is required", name))
		}
	}

	check("slack", c.Channels.Slack.Enabled, c.Channels.Slack.Token, c.Channels.Slack.BotName)
	check("telegram", c.Channels.Telegram.Enabled, c.Channels.Telegram.Token, c.Channels.Telegram.BotName)
	check("discord", c.Channels.Discord.Enabled, c.Channels.Discord.Token, c.Channels.Discord.BotName)

	if c.Bridge.SendAttempts < 0 {
		errs = append(errs, errors.New("bridge.send_attempts must not be negative"))
	}

	return errors.Join(errs...)
}

// applyDefaults fills per-channel bot names from bot.name.
func applyDefaults(cfg *Config) {
	name := strings.TrimSpace(cfg.Bot.Name)
	for _, botName := range []*string{
		&cfg.Channels.Slack.BotName,
		&cfg.Channels.Telegram.BotName,
		&cfg.Channels.Discord.BotName,
	} {
		if strings.TrimSpace(*botName) == "" {
			*botName = name
		}
	}
}

// compact trims values and drops empty entries.
func compact(values []string) []string {
	if len(values) == 0 {
		return nil
	}

	clean := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return clean
}

// findConfigPath resolves the active config file location.
//
// Precedence is CHATBRIDGE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
