package middleware

import (
    "math"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "github.com/sirupsen/logrus"

    "github.com/iliyamo/tour-reservation/internal/config"
)

// bookingScript is a generic cell rate limiter.  The key holds the
// theoretical arrival time (tat) in ms: the moment the bucket would be
// full again.  A request is let through while tat stays within burst
// emission intervals of now.
var bookingScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])

local tat = tonumber(redis.call('GET', KEYS[1]))
if tat == nil or tat < now then
    tat = now
end
local next_tat = tat + interval
local allow_at = next_tat - burst * interval
if now < allow_at then
    return { 0, 0, allow_at - now }
end
redis.call('SET', KEYS[1], next_tat, 'PX', next_tat - now)
return { 1, math.floor((now - allow_at) / interval), 0 }
`)

// verdict is what bookingScript decided for one request.
type verdict struct {
    allowed    bool
    remaining  int64
    retryAfter time.Duration
}

func parseVerdict(v any) (verdict, bool) {
    arr, ok := v.([]any)
    if !ok || len(arr) != 3 {
        return verdict{}, false
    }
    nums := make([]int64, 3)
    for i, x := range arr {
        n, ok := x.(int64)
        if !ok {
            return verdict{}, false
        }
        nums[i] = n
    }
    return verdict{allowed: nums[0] == 1, remaining: nums[1], retryAfter: time.Duration(nums[2]) * time.Millisecond}, true
}

// bookingKey buckets requests by caller and, with PerSession, by the
// session being booked.  Unauthenticated callers are bucketed by address.
func bookingKey(cfg config.RateLimitConfig, c echo.Context) string {
    caller := "ip:" + c.RealIP()
    if id, ok := UserID(c); ok {
        caller = "user:" + strconv.FormatUint(id, 10)
    }
    key := cfg.Prefix + ":book:" + caller
    if cfg.PerSession && c.Param("id") != "" {
        key += ":session:" + c.Param("id")
    }
    return key
}

// NewBookingLimiter limits how fast a caller may create reservations so a
// single client cannot hold every seat of a session with unpaid bookings.
// The state lives in Redis so every instance shares it.  Redis errors let
// the request through.
func NewBookingLimiter(cfg config.RateLimitConfig, rdb *redis.Client, log *logrus.Logger) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    interval := cfg.RefillInterval.Milliseconds() / int64(cfg.RefillTokens)
    if interval < 1 {
        interval = 1
    }

    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            key := bookingKey(cfg, c)
            res, err := bookingScript.Run(c.Request().Context(), rdb, []string{key},
                time.Now().UnixMilli(), cfg.Capacity, interval).Result()
            if err != nil {
                log.WithError(err).WithField("key", key).Warn("booking limiter unavailable")
                return next(c)
            }
            v, ok := parseVerdict(res)
            if !ok {
                log.WithField("key", key).Warnf("unexpected booking limiter result %#v", res)
                return next(c)
            }

            h := c.Response().Header()
            h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
            h.Set("X-RateLimit-Remaining", strconv.FormatInt(v.remaining, 10))
            if v.allowed {
                return next(c)
            }
            secs := int(math.Ceil(v.retryAfter.Seconds()))
            h.Set("Retry-After", strconv.Itoa(secs))
            log.WithFields(logrus.Fields{"key": key, "retry_after": v.retryAfter}).Debug("booking rate limited")
            return c.JSON(http.StatusTooManyRequests, echo.Map{
                "error":       "too many booking attempts",
                "retry_after": secs,
            })
        }
    }
}
