package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/livegate/livegate/backend/internal/gateway"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string
	LogDir       string

	// IdentitySecret is the shared secret the external auth service signs
	// session tokens with. The gateway decodes, it never issues.
	IdentitySecret string

	// Optional shared window store. Empty RedisAddr keeps admission state
	// node-local and in memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Optional security-event stream.
	KafkaBrokers []string
	KafkaTopic   string

	// Optional alert delivery, comma-separated shoutrrr URLs.
	AlertURLs []string

	// Gateway is the startup admission policy. An invalid policy fails
	// Load, before any connection is accepted.
	Gateway gateway.Policy
}

// Load reads env vars and falls back to defaults so the server can boot
// with zero configuration.
func Load() (Config, error) {
	cfg := Config{
		Environment:    getEnv("LG_ENV", "development"),
		HTTPPort:       getEnv("LG_HTTP_PORT", "8080"),
		DatabasePath:   getEnv("LG_DB_PATH", filepath.Join("data", "livegate.db")),
		LogDir:         getEnv("LG_LOG_DIR", filepath.Join("data", "logs")),
		IdentitySecret: getEnv("LG_IDENTITY_SECRET", ""),
		RedisAddr:      getEnv("LG_REDIS_ADDR", ""),
		RedisPassword:  getEnv("LG_REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("LG_REDIS_DB", 0),
		KafkaTopic:     getEnv("LG_KAFKA_TOPIC", "security-events"),
	}

	if brokers := getEnv("LG_KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}
	if urls := getEnv("LG_ALERT_URLS", ""); urls != "" {
		cfg.AlertURLs = splitList(urls)
	}

	cfg.Gateway = gatewayPolicyFromEnv()
	if err := cfg.Gateway.Validate(); err != nil {
		return Config{}, fmt.Errorf("load gateway policy: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

// gatewayPolicyFromEnv starts from the shipped defaults and applies the
// env overrides an operator most commonly sets. Finer-grained changes go
// through the admin API at runtime.
func gatewayPolicyFromEnv() gateway.Policy {
	p := gateway.DefaultPolicy()

	if origins := getEnv("LG_ALLOWED_ORIGINS", ""); origins != "" {
		p.AllowedOrigins = splitList(origins)
	}
	p.AllowMissingOrigin = getEnvBool("LG_ALLOW_MISSING_ORIGIN", p.AllowMissingOrigin)
	p.AllowAnonymous = getEnvBool("LG_ALLOW_ANONYMOUS", p.AllowAnonymous)
	p.MaxAnonymous = getEnvInt("LG_MAX_ANONYMOUS", p.MaxAnonymous)

	p.ConnectionLimit.Max = getEnvInt("LG_CONN_RATE_MAX", p.ConnectionLimit.Max)
	p.ConnectionLimit.WindowSec = getEnvInt("LG_CONN_RATE_WINDOW", p.ConnectionLimit.WindowSec)
	p.EventLimit.Max = getEnvInt("LG_EVENT_RATE_MAX", p.EventLimit.Max)
	p.EventLimit.WindowSec = getEnvInt("LG_EVENT_RATE_WINDOW", p.EventLimit.WindowSec)
	p.MessageLimit.Max = getEnvInt("LG_MSG_RATE_MAX", p.MessageLimit.Max)
	p.MessageLimit.WindowSec = getEnvInt("LG_MSG_RATE_WINDOW", p.MessageLimit.WindowSec)

	p.MaxPayloadBytes = getEnvInt("LG_MAX_PAYLOAD_BYTES", p.MaxPayloadBytes)
	p.MaxMessageChars = getEnvInt("LG_MAX_MESSAGE_CHARS", p.MaxMessageChars)
	p.AuditEnabled = getEnvBool("LG_AUDIT_ENABLED", p.AuditEnabled)
	p.MaxAuditEntries = getEnvInt("LG_AUDIT_MAX", p.MaxAuditEntries)

	return p
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}
