// Package ratelimit throttles the public credential endpoints with a Redis
// token bucket shared by every instance.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/internal/metrics"
)

const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

if rate <= 0 or burst <= 0 then
  return {1, 0}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + (delta * rate) / 1000.0)

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait_ms = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed, wait_ms}
`

const keyPrefix = "account:ratelimit:"

// Limiter is a token bucket per key: rate tokens per second, at most burst.
type Limiter struct {
	rdb    *redis.Client
	rate   float64
	burst  float64
	script *redis.Script
	now    func() time.Time

	trusted []netip.Prefix
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTrustedProxies makes the limiter read X-Forwarded-For, but only when the
// direct peer is inside one of prefixes.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(l *Limiter) { l.trusted = prefixes }
}

// New returns a limiter refilling perMinute tokens a minute. A nil client or
// a non-positive rate disables limiting.
func New(rdb *redis.Client, perMinute, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:    rdb,
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		script: redis.NewScript(tokenBucketLua),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ParseTrustedProxies reads a comma separated list of CIDRs or bare addresses.
func ParseTrustedProxies(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", part, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", part, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Allow takes one token for key. When denied it reports how long until the next token.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil || l.rate <= 0 || l.burst <= 0 {
		return true, 0, nil
	}
	res, err := l.script.Run(ctx, l.rdb, []string{keyPrefix + key}, l.rate, l.burst, l.now().UnixMilli()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}
	allowed := toInt64(values[0]) == 1
	wait := time.Duration(toInt64(values[1])) * time.Millisecond
	return allowed, wait, nil
}

// Middleware limits next per client IP under route. Redis errors let the request through.
func Middleware(l *Limiter, route string, m *metrics.Metrics, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, wait, err := l.Allow(r.Context(), route+":"+l.clientIP(r))
			if err != nil {
				logger.Warnw("rate limiter unavailable, allowing request", "route", route, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				m.Limited(route)
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the direct peer, unless that peer is a trusted proxy. Then the
// right-most X-Forwarded-For hop that is not itself trusted wins.
func (l *Limiter) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	if l == nil || len(l.trusted) == 0 || !l.isTrusted(peer) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !l.isTrusted(hop) {
			return hop
		}
		peer = hop
	}
	return peer
}

func (l *Limiter) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
