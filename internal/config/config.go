// Package config loads service settings from the environment (and .env).
package config

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/oops"

	"github.com/ovaphlow/pitchfork/service-account/internal/notify"
	"github.com/ovaphlow/pitchfork/service-account/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-account/internal/telemetry"
	"github.com/ovaphlow/pitchfork/service-account/internal/user"
	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

type Config struct {
	HTTPAddr    string
	JWTSecret   string
	Links       user.Links
	SMTP        notify.SMTPConfig
	MailTimeout time.Duration

	RedisAddr          string
	RedisPassword      string
	RateLimitPerMinute int
	RateLimitBurst     int
	TrustedProxies     []netip.Prefix

	SnowflakeNode int64
	Tracing       telemetry.Config
}

// LoadDotEnv loads .env if present so os.Getenv picks values from it.
// Missing files are not an error.
func LoadDotEnv(files ...string) {
	_ = godotenv.Load(files...)
}

// FromEnv reads and validates the configuration.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:  getenv("HTTP_ADDR", "0.0.0.0:8431"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		Links: user.Links{
			PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8431"),
			ResetPageURL:  os.Getenv("RESET_PAGE_URL"),
		},
		SMTP: notify.SMTPConfig{
			Host: os.Getenv("SMTP_HOST"),
			User: os.Getenv("SMTP_USER"),
			Pass: os.Getenv("SMTP_PASS"),
			From: os.Getenv("MAIL_FROM"),
		},
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		SnowflakeNode: utilities.SnowflakeNodeFromEnv(),
		Tracing: telemetry.Config{
			Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Insecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		},
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return Config{}, oops.Code("CONFIG_INVALID").Errorf("JWT_SECRET environment variable is required")
	}

	var err error
	if cfg.SMTP.Port, err = intEnv("SMTP_PORT", 587); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPerMinute, err = intEnv("AUTH_RATE_LIMIT_PER_MIN", 10); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = intEnv("AUTH_RATE_LIMIT_BURST", 5); err != nil {
		return Config{}, err
	}
	if cfg.TrustedProxies, err = ratelimit.ParseTrustedProxies(os.Getenv("TRUSTED_PROXIES")); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").With("key", "TRUSTED_PROXIES").Wrap(err)
	}
	cfg.MailTimeout = user.DefaultMailTimeout
	if v := os.Getenv("MAIL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, oops.Code("CONFIG_INVALID").With("key", "MAIL_TIMEOUT").Errorf("invalid duration %q", v)
		}
		cfg.MailTimeout = d
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, oops.Code("CONFIG_INVALID").With("key", key).Wrapf(err, "invalid integer %q", v)
	}
	return n, nil
}
