// Package config loads engine configuration. Values come from an optional
// YAML file overlaid by environment variables; env always wins, so
// deployments can keep a checked-in base file and override per host.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Feed session credentials (live mode only)
	FeedAPIKey     string `yaml:"feed_api_key"`
	FeedClientCode string `yaml:"feed_client_code"`
	FeedPassword   string `yaml:"feed_password"`
	FeedTOTPSecret string `yaml:"feed_totp_secret"`
	FeedURL        string `yaml:"feed_url"`

	// FeedMode selects the ingest: "live" or "sim".
	FeedMode   string `yaml:"feed_mode"`
	FeedSimURL string `yaml:"feedsim_url"`

	// Infrastructure
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`
	JournalPath   string `yaml:"journal_path"`
	MetricsAddr   string `yaml:"metrics_addr"`
	APIAddr       string `yaml:"api_addr"`

	// Engine tuning
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
	RingSize         int `yaml:"ring_size"`

	// Subscription: comma-separated "exchangeType:token" pairs,
	// e.g. "1:2885,1:3045"
	SubscribeTokens string `yaml:"subscribe_tokens"`

	// Alerting (optional)
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	WebhookURL       string `yaml:"webhook_url"`
}

func defaults() *Config {
	return &Config{
		FeedMode:         "sim",
		FeedSimURL:       "ws://localhost:9001/ws",
		RedisAddr:        "localhost:6379",
		SQLitePath:       "data/tradesim.db",
		JournalPath:      "data/fills.db",
		MetricsAddr:      ":9090",
		APIAddr:          ":8080",
		SweepIntervalSec: 30,
		RingSize:         4096,
		SubscribeTokens:  "1:2885,1:3045",
	}
}

// Load reads the optional YAML file named by CONFIG_FILE (default
// "config.yaml" when present), then applies environment overrides.
func Load() (*Config, error) {
	c := defaults()

	path := os.Getenv("CONFIG_FILE")
	optional := path == ""
	if optional {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		log.Printf("[config] loaded %s", path)
	} else if !optional {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	c.applyEnv()

	if c.FeedMode != "sim" && c.FeedMode != "live" {
		return nil, fmt.Errorf("config: feed_mode must be \"sim\" or \"live\", got %q", c.FeedMode)
	}
	if c.FeedMode == "live" {
		for name, v := range map[string]string{
			"FEED_API_KEY":     c.FeedAPIKey,
			"FEED_CLIENT_CODE": c.FeedClientCode,
			"FEED_PASSWORD":    c.FeedPassword,
			"FEED_TOTP_SECRET": c.FeedTOTPSecret,
			"FEED_URL":         c.FeedURL,
		} {
			if v == "" {
				return nil, fmt.Errorf("config: %s is required in live mode", name)
			}
		}
	}
	return c, nil
}

func (c *Config) applyEnv() {
	setStr(&c.FeedAPIKey, "FEED_API_KEY")
	setStr(&c.FeedClientCode, "FEED_CLIENT_CODE")
	setStr(&c.FeedPassword, "FEED_PASSWORD")
	setStr(&c.FeedTOTPSecret, "FEED_TOTP_SECRET")
	setStr(&c.FeedURL, "FEED_URL")
	setStr(&c.FeedMode, "FEED_MODE")
	setStr(&c.FeedSimURL, "FEEDSIM_URL")
	setStr(&c.RedisAddr, "REDIS_ADDR")
	setStr(&c.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.RedisDB, "REDIS_DB")
	setStr(&c.SQLitePath, "SQLITE_PATH")
	setStr(&c.JournalPath, "JOURNAL_PATH")
	setStr(&c.MetricsAddr, "METRICS_ADDR")
	setStr(&c.APIAddr, "API_ADDR")
	setInt(&c.SweepIntervalSec, "SWEEP_INTERVAL_SEC")
	setInt(&c.RingSize, "RING_SIZE")
	setStr(&c.SubscribeTokens, "SUBSCRIBE_TOKENS")
	setStr(&c.TelegramBotToken, "TELEGRAM_BOT_TOKEN")
	setStr(&c.TelegramChatID, "TELEGRAM_CHAT_ID")
	setStr(&c.WebhookURL, "WEBHOOK_URL")
}

// SweepInterval returns the sweep cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// TokenGroup is one parsed subscribe entry.
type TokenGroup struct {
	ExchangeType int
	Token        string
}

// ParseSubscribeTokens parses SubscribeTokens into (exchangeType, token)
// pairs. Malformed entries are skipped with a log line.
func (c *Config) ParseSubscribeTokens() []TokenGroup {
	parts := strings.Split(c.SubscribeTokens, ",")
	groups := make([]TokenGroup, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ex, token, ok := strings.Cut(p, ":")
		if !ok {
			log.Printf("[config] skipping invalid subscribe entry: %q", p)
			continue
		}
		exType, err := strconv.Atoi(ex)
		if err != nil || exType <= 0 || token == "" {
			log.Printf("[config] skipping invalid subscribe entry: %q", p)
			continue
		}
		groups = append(groups, TokenGroup{ExchangeType: exType, Token: token})
	}
	return groups
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring non-numeric %s=%q", key, v)
		return
	}
	*dst = n
}
