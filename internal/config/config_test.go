package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"HTTP_ADDR", "JWT_SECRET", "PUBLIC_BASE_URL", "RESET_PAGE_URL",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS", "MAIL_FROM", "MAIL_TIMEOUT",
	"REDIS_ADDR", "REDIS_PASSWORD", "AUTH_RATE_LIMIT_PER_MIN", "AUTH_RATE_LIMIT_BURST",
	"SNOWFLAKE_NODE", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
	"TRUSTED_PROXIES",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8431", cfg.HTTPAddr)
	assert.Equal(t, "http://localhost:8431", cfg.Links.PublicBaseURL)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.False(t, cfg.SMTP.Configured())
	assert.Equal(t, 10, cfg.RateLimitPerMinute)
	assert.Equal(t, 5, cfg.RateLimitBurst)
	assert.Equal(t, 15*time.Second, cfg.MailTimeout)
	assert.Equal(t, int64(1), cfg.SnowflakeNode)
	assert.Empty(t, cfg.Tracing.Endpoint)
	assert.Empty(t, cfg.TrustedProxies)
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("MAIL_FROM", "noreply@example.com")
	t.Setenv("MAIL_TIMEOUT", "3s")
	t.Setenv("AUTH_RATE_LIMIT_PER_MIN", "0")
	t.Setenv("SNOWFLAKE_NODE", "9")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.True(t, cfg.SMTP.Configured())
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, 3*time.Second, cfg.MailTimeout)
	assert.Equal(t, 0, cfg.RateLimitPerMinute)
	assert.Equal(t, int64(9), cfg.SnowflakeNode)
	assert.True(t, cfg.Tracing.Insecure)
	require.Len(t, cfg.TrustedProxies, 2)
	assert.Equal(t, "127.0.0.1/32", cfg.TrustedProxies[1].String())
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"bad port", map[string]string{"JWT_SECRET": "s", "SMTP_PORT": "x"}},
		{"bad burst", map[string]string{"JWT_SECRET": "s", "AUTH_RATE_LIMIT_BURST": "many"}},
		{"bad timeout", map[string]string{"JWT_SECRET": "s", "MAIL_TIMEOUT": "soon"}},
		{"negative timeout", map[string]string{"JWT_SECRET": "s", "MAIL_TIMEOUT": "-1s"}},
		{"bad proxy", map[string]string{"JWT_SECRET": "s", "TRUSTED_PROXIES": "10.0.0.0/99"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			require.Error(t, err)
			oe, ok := oops.AsOops(err)
			require.True(t, ok)
			assert.Equal(t, "CONFIG_INVALID", oe.Code())
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides a variable that is set, even to "".
	require.NoError(t, os.Unsetenv("JWT_SECRET"))
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("JWT_SECRET=from-file\n"), 0o600))

	LoadDotEnv(path)
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)

	LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"))
}
