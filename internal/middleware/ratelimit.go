package middleware

import (
    "fmt"
    "log/slog"
    "net/http"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "golang.org/x/time/rate"

    "github.com/iliyamo/keygate/internal/config"
    "github.com/iliyamo/keygate/internal/metrics"
)

// fixedWindowScript increments the counter for the current window and
// returns {count, ttl_ms}.  The first hit of a window sets its expiry.
var fixedWindowScript = redis.NewScript(`
    local count = redis.call('INCR', KEYS[1])
    if count == 1 then
        redis.call('PEXPIRE', KEYS[1], ARGV[1])
    end
    local ttl = redis.call('PTTL', KEYS[1])
    if ttl < 0 then
        redis.call('PEXPIRE', KEYS[1], ARGV[1])
        ttl = tonumber(ARGV[1])
    end
    return { count, ttl }
`)

// RateLimiter enforces a fixed-window budget per client IP and route.  With
// Redis the counters are shared by every instance; without it, or when a
// Redis call fails, each process limits on its own with a token bucket of
// the same average rate.
type RateLimiter struct {
    cfg    config.RateLimitConfig
    rdb    *redis.Client
    log    *slog.Logger
    now    func() time.Time

    mu    sync.Mutex
    local map[string]*localLimiter
}

type localLimiter struct {
    lim  *rate.Limiter
    seen time.Time
}

// NewRateLimiter builds a limiter.  rdb may be nil.
func NewRateLimiter(cfg config.RateLimitConfig, rdb *redis.Client, logger *slog.Logger) *RateLimiter {
    if logger == nil {
        logger = slog.Default()
    }
    return &RateLimiter{cfg: cfg, rdb: rdb, log: logger, now: time.Now, local: map[string]*localLimiter{}}
}

// Limit returns middleware applying rule to the routes it wraps.
func (l *RateLimiter) Limit(rule config.RateLimitRule) echo.MiddlewareFunc {
    if !l.cfg.Enabled || rule.Limit < 1 {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            key := buildRateKey(l.cfg.Prefix, c)
            allowed, remaining, retry := l.allow(c, key, rule)

            c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
            c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
            if !allowed {
                secs := int((retry + time.Second - 1) / time.Second)
                c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
                metrics.RateLimited.WithLabelValues(c.Path()).Inc()
                if l.cfg.Debug {
                    l.log.Info("rate limited", slog.String("key", key), slog.Duration("retry", retry))
                }
                return c.JSON(http.StatusTooManyRequests, map[string]string{
                    "error":             "too_many_requests",
                    "error_description": "rate limit exceeded, retry later",
                })
            }
            return next(c)
        }
    }
}

func (l *RateLimiter) allow(c echo.Context, key string, rule config.RateLimitRule) (bool, int, time.Duration) {
    if l.rdb != nil {
        vals, err := fixedWindowScript.Run(c.Request().Context(), l.rdb, []string{key}, rule.Window.Milliseconds()).Result()
        if err == nil {
            if arr, ok := vals.([]interface{}); ok && len(arr) == 2 {
                count := asInt64(arr[0])
                ttl := time.Duration(asInt64(arr[1])) * time.Millisecond
                remaining := rule.Limit - int(count)
                if remaining < 0 {
                    remaining = 0
                }
                return count <= int64(rule.Limit), remaining, ttl
            }
            err = fmt.Errorf("unexpected script result %#v", vals)
        }
        l.log.Warn("rate limit redis call failed, limiting locally", slog.String("key", key), slog.Any("error", err))
    }
    return l.allowLocal(key, rule)
}

func (l *RateLimiter) allowLocal(key string, rule config.RateLimitRule) (bool, int, time.Duration) {
    now := l.now()
    l.mu.Lock()
    ll, ok := l.local[key]
    if !ok {
        every := rule.Window / time.Duration(rule.Limit)
        ll = &localLimiter{lim: rate.NewLimiter(rate.Every(every), rule.Limit)}
        l.local[key] = ll
    }
    ll.seen = now
    l.mu.Unlock()

    r := ll.lim.ReserveN(now, 1)
    if delay := r.DelayFrom(now); delay > 0 {
        r.CancelAt(now)
        return false, 0, delay
    }
    return true, int(ll.lim.TokensAt(now)), 0
}

// Prune drops local limiters idle for longer than idle.  It returns the
// number removed.
func (l *RateLimiter) Prune(idle time.Duration) int {
    cutoff := l.now().Add(-idle)
    l.mu.Lock()
    defer l.mu.Unlock()
    n := 0
    for k, ll := range l.local {
        if ll.seen.Before(cutoff) {
            delete(l.local, k)
            n++
        }
    }
    return n
}

func asInt64(v interface{}) int64 {
    switch t := v.(type) {
    case int64: return t
    case int32: return int64(t)
    case int: return int64(t)
    case float64: return int64(t)
    case string:
        if n, err := strconv.ParseInt(t, 10, 64); err == nil { return n }
    }
    return 0
}

func buildRateKey(prefix string, c echo.Context) string {
    ip := c.RealIP()
    if ip == "" { ip = "unknown" }
    route := c.Request().Method + " " + c.Path()
    return strings.Join([]string{prefix, "ip", ip, "route", route}, ":")
}
