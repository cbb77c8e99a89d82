// Package config holds the runtime settings shared by every bridgepay command.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	LockBackendDatabase = "database"
	LockBackendRedis    = "redis"

	defaultDatabaseURL       = "sqlite:///tmp/bridgepay.db"
	defaultListenAddr        = ":8080"
	defaultGRPCListenAddr    = ":7000"
	defaultAllowedOrigin     = "http://localhost:8000"
	defaultSessionIssuer     = "tauth"
	defaultSessionCookie     = "app_session"
	defaultRedisAddr         = "localhost:6379"
	defaultNotificationQueue = "bridgepay.notifications"
	defaultSettlementLease   = 6 * time.Hour
)

var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings.
type Config struct {
	DatabaseURL    string
	ListenAddr     string
	GRPCListenAddr string
	AllowedOrigins []string

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	LockBackend   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SettlementLease  time.Duration
	RefundWindowDays int

	AMQPURL           string
	NotificationQueue string

	TelegramToken  string
	TelegramChatID int64
}

// Validate fills defaults and rejects values no command can run with.
// Server-only settings are checked by ValidateServer.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.LockBackend = strings.ToLower(defaultIfEmpty(cfg.LockBackend, LockBackendDatabase))
	cfg.NotificationQueue = defaultIfEmpty(cfg.NotificationQueue, defaultNotificationQueue)
	if cfg.SettlementLease == 0 {
		cfg.SettlementLease = defaultSettlementLease
	}

	switch cfg.LockBackend {
	case LockBackendDatabase:
	case LockBackendRedis:
		cfg.RedisAddr = defaultIfEmpty(cfg.RedisAddr, defaultRedisAddr)
	default:
		return fmt.Errorf("%w: lock backend %q is not one of %s, %s", ErrInvalidConfig, cfg.LockBackend, LockBackendDatabase, LockBackendRedis)
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("%w: redis db must not be negative", ErrInvalidConfig)
	}
	if cfg.SettlementLease < time.Minute {
		return fmt.Errorf("%w: settlement lease %s is shorter than a minute", ErrInvalidConfig, cfg.SettlementLease)
	}
	if cfg.RefundWindowDays < 0 {
		return fmt.Errorf("%w: refund window must not be negative", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.TelegramToken) != "" && cfg.TelegramChatID == 0 {
		return fmt.Errorf("%w: telegram chat id is required with a telegram token", ErrInvalidConfig)
	}
	return nil
}

// ValidateServer additionally requires the session cookie settings the HTTP facade needs.
func (cfg *Config) ValidateServer() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" || strings.TrimSpace(cfg.GRPCListenAddr) == "" {
		return fmt.Errorf("%w: listen addresses are required", ErrInvalidConfig)
	}
	return nil
}

// RedisLocks reports whether leases live in Redis.
func (cfg Config) RedisLocks() bool {
	return cfg.LockBackend == LockBackendRedis
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
