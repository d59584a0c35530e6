// Package ratelimit provides atomic fixed-window rate limiting on Redis and an
// HTTP middleware that applies it per client address.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/worknow/newsletter/internal/pkg/httputil"
	"github.com/worknow/newsletter/internal/pkg/logger"
)

// Limits are the per-key ceilings. Zero disables a window.
type Limits struct {
	PerMinute int
	PerDay    int
}

// Checks both windows and only increments if both pass, so a denied request
// never consumes quota. Returns {allowed, reason}; reason 1 = minute, 2 = day.
const limitScript = `
local minuteKey = KEYS[1]
local dailyKey = KEYS[2]
local minuteLimit = tonumber(ARGV[1])
local dailyLimit = tonumber(ARGV[2])

local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

if minuteLimit > 0 and minCurrent + 1 > minuteLimit then
    return {0, 1}
end
if dailyLimit > 0 and dayCurrent + 1 > dailyLimit then
    return {0, 2}
end

if redis.call("INCR", minuteKey) == 1 then
    redis.call("EXPIRE", minuteKey, 120)
end
if redis.call("INCR", dailyKey) == 1 then
    redis.call("EXPIRE", dailyKey, 90000)
end
return {1, 0}
`

// Limiter enforces Limits per key.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	limits Limits
	prefix string
	now    func() time.Time
}

// New creates a limiter. prefix namespaces the counters, e.g. "verify".
func New(client *redis.Client, prefix string, limits Limits) *Limiter {
	return &Limiter{
		redis:  client,
		script: redis.NewScript(limitScript),
		limits: limits,
		prefix: prefix,
		now:    time.Now,
	}
}

// Allow checks and consumes one unit for key. When denied, wait is how long
// until the exhausted window resets.
func (l *Limiter) Allow(ctx context.Context, key string) (allowed bool, wait time.Duration, err error) {
	now := l.now().UTC()
	minuteKey := fmt.Sprintf("ratelimit:%s:%s:min:%d", l.prefix, key, now.Unix()/60)
	dailyKey := fmt.Sprintf("ratelimit:%s:%s:day:%s", l.prefix, key, now.Format("2006-01-02"))

	res, err := l.script.Run(ctx, l.redis, []string{minuteKey, dailyKey}, l.limits.PerMinute, l.limits.PerDay).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	if res[1] == 1 {
		return false, time.Duration(60-now.Second()) * time.Second, nil
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return false, midnight.Sub(now), nil
}

// ClientIP returns the request's remote host. chi's RealIP middleware has
// already folded X-Forwarded-For into RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429. Redis errors fail
// open: the request proceeds and the error is logged.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait, err := l.Allow(r.Context(), ClientIP(r))
		if err != nil {
			logger.Warn("rate limiter unavailable", "component", "ratelimit", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			httputil.TooManyRequests(w, "rate_limited", "too many requests", wait,
				map[string]any{"retryAfterSeconds": int(wait.Round(time.Second).Seconds())})
			return
		}
		next.ServeHTTP(w, r)
	})
}
