package middleware

import (
    "bytes"
    "context"
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "github.com/sirupsen/logrus"

    "github.com/iliyamo/tour-reservation/internal/config"
)

// AvailabilityCache keeps the public session listing of each tour, free
// seat counts included, in Redis.  Keys carry a generation number:
//
//    <prefix>:gen                      current generation
//    <prefix>:v<gen>:tour:<id>:sessions  listing of one tour
//
// Invalidate bumps the generation, which retires every listing at once.
// A listing computed before the bump is stored under the old generation
// and never served.
type AvailabilityCache struct {
    rdb     *redis.Client
    prefix  string
    ttl     time.Duration
    maxBody int
    log     *logrus.Logger
}

// NewAvailabilityCache returns nil when caching is disabled or Redis is not
// configured.  A nil cache passes requests through and ignores Invalidate.
func NewAvailabilityCache(cfg config.CacheConfig, rdb *redis.Client, log *logrus.Logger) *AvailabilityCache {
    if !cfg.Enabled || rdb == nil {
        return nil
    }
    if log == nil {
        log = logrus.StandardLogger()
    }
    ttl := cfg.TTL
    if ttl <= 0 {
        ttl = 10 * time.Second
    }
    return &AvailabilityCache{rdb: rdb, prefix: cfg.Prefix, ttl: ttl, maxBody: cfg.MaxBodyBytes, log: log}
}

func (a *AvailabilityCache) generationKey() string { return a.prefix + ":gen" }

func (a *AvailabilityCache) listingKey(gen int64, tourID uint64) string {
    return fmt.Sprintf("%s:v%d:tour:%d:sessions", a.prefix, gen, tourID)
}

func (a *AvailabilityCache) generation(ctx context.Context) (int64, error) {
    gen, err := a.rdb.Get(ctx, a.generationKey()).Int64()
    if errors.Is(err, redis.Nil) {
        return 0, nil
    }
    return gen, err
}

// bodyRecorder keeps a copy of what the handler writes, up to limit bytes.
type bodyRecorder struct {
    http.ResponseWriter
    buf      bytes.Buffer
    limit    int
    overflow bool
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
    if !r.overflow {
        if r.limit > 0 && r.buf.Len()+len(b) > r.limit {
            r.overflow = true
            r.buf.Reset()
        } else {
            r.buf.Write(b)
        }
    }
    return r.ResponseWriter.Write(b)
}

// Middleware serves GET /v1/tours/:id/sessions from the cache.  Only 200
// answers are stored.  Redis errors are logged and the handler runs as if
// nothing was cached.
func (a *AvailabilityCache) Middleware() echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        if a == nil {
            return next
        }
        return func(c echo.Context) error {
            tourID, err := strconv.ParseUint(c.Param("id"), 10, 64)
            if c.Request().Method != http.MethodGet || err != nil {
                return next(c)
            }
            ctx := c.Request().Context()
            gen, err := a.generation(ctx)
            if err != nil {
                a.log.WithError(err).Warn("availability cache unavailable")
                return next(c)
            }
            key := a.listingKey(gen, tourID)

            body, err := a.rdb.Get(ctx, key).Bytes()
            switch {
            case err == nil:
                c.Response().Header().Set("X-Cache", "HIT")
                return c.JSONBlob(http.StatusOK, body)
            case !errors.Is(err, redis.Nil):
                a.log.WithError(err).WithField("key", key).Warn("availability cache read failed")
                return next(c)
            }

            rec := &bodyRecorder{ResponseWriter: c.Response().Writer, limit: a.maxBody}
            c.Response().Writer = rec
            c.Response().Header().Set("X-Cache", "MISS")
            if err := next(c); err != nil {
                return err
            }
            if c.Response().Status != http.StatusOK || rec.overflow {
                return nil
            }
            if err := a.rdb.Set(context.WithoutCancel(ctx), key, rec.buf.Bytes(), a.ttl).Err(); err != nil {
                a.log.WithError(err).WithField("key", key).Warn("availability cache write failed")
            }
            return nil
        }
    }
}

// Invalidate retires every cached listing.  Free seat counts change on
// booking, payment, session updates and deletion; those paths call it
// after commit.  On failure entries still expire after the TTL.
func (a *AvailabilityCache) Invalidate(ctx context.Context) {
    if a == nil {
        return
    }
    if err := a.rdb.Incr(context.WithoutCancel(ctx), a.generationKey()).Err(); err != nil {
        a.log.WithError(err).Warn("availability cache invalidation failed")
    }
}
