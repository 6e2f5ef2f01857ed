package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Token store backends.
const (
	TokenStoreSQLite = "sqlite"
	TokenStoreRedis  = "redis"
	TokenStoreMemory = "memory"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Upstox app credentials. Without them the service runs on fallback data.
	UpstoxClientID     string
	UpstoxClientSecret string
	UpstoxRedirectURI  string
	UpstoxAPIBase      string

	// Secondary batch quote API (empty disables batch mode)
	BatchAPIURL string

	// Token storage
	TokenStore    string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisPublish  bool

	// Servers
	HTTPAddr    string
	MetricsAddr string

	// Browser destination after a successful OAuth callback (empty answers JSON)
	PostLoginRedirect string

	CryptoStreamEnabled bool
	AlertWebhookURL     string
	TelegramBotToken    string
	TelegramChatID      string

	LogLevel    string
	LogFile     string
	SymbolsFile string

	FallbackInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present;
// variables already set in the environment win.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env: %v", err)
	}

	return &Config{
		UpstoxClientID:     getEnv("UPSTOX_CLIENT_ID", ""),
		UpstoxClientSecret: getEnv("UPSTOX_CLIENT_SECRET", ""),
		UpstoxRedirectURI:  getEnv("UPSTOX_REDIRECT_URI", "http://localhost:8080/auth/callback"),
		UpstoxAPIBase:      strings.TrimRight(getEnv("UPSTOX_API_BASE", "https://api.upstox.com/v2"), "/"),

		BatchAPIURL: strings.TrimRight(getEnv("BATCH_API_URL", ""), "/"),

		TokenStore:    strings.ToLower(getEnv("TOKEN_STORE", TokenStoreSQLite)),
		SQLitePath:    getEnv("SQLITE_PATH", "data/marketpulse.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisPublish:  getBool("REDIS_PUBLISH", false),

		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		PostLoginRedirect: getEnv("POST_LOGIN_REDIRECT", ""),

		CryptoStreamEnabled: getBool("CRYPTO_STREAM_ENABLED", true),
		AlertWebhookURL:     getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:      getEnv("TELEGRAM_CHAT_ID", ""),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", ""),
		SymbolsFile: getEnv("SYMBOLS_FILE", ""),

		FallbackInterval: getDuration("FALLBACK_INTERVAL", 5*time.Second),
	}
}

// HasCredentials reports whether the OAuth app is configured.
func (c *Config) HasCredentials() bool {
	return c.UpstoxClientID != "" && c.UpstoxClientSecret != ""
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.TokenStore {
	case TokenStoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is empty"))
		}
	case TokenStoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is empty"))
		}
	case TokenStoreMemory:
	default:
		errs = append(errs, fmt.Errorf("TOKEN_STORE %q: want sqlite, redis or memory", c.TokenStore))
	}
	if c.RedisPublish && c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_PUBLISH needs REDIS_ADDR"))
	}
	if (c.UpstoxClientID == "") != (c.UpstoxClientSecret == "") {
		errs = append(errs, errors.New("UPSTOX_CLIENT_ID and UPSTOX_CLIENT_SECRET must be set together"))
	}
	if c.FallbackInterval <= 0 {
		errs = append(errs, errors.New("FALLBACK_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// NeedsRedis reports whether any component dials redis.
func (c *Config) NeedsRedis() bool {
	return c.TokenStore == TokenStoreRedis || c.RedisPublish
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
