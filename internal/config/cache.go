package config

import "time"

// CacheConfig configures the session availability cache.  When Enabled is
// false or no Redis client is configured the listing is computed on every
// request.  TTL bounds how stale a free-seat count may get if an
// invalidation is lost.  Listings larger than MaxBodyBytes are not cached.
type CacheConfig struct {
    Enabled      bool
    TTL          time.Duration
    Prefix       string
    MaxBodyBytes int
}

// LoadCacheConfig reads CACHE_* environment variables.
func LoadCacheConfig() CacheConfig {
    return CacheConfig{
        Enabled:      envBool("CACHE_ENABLED", true),
        TTL:          envDur("CACHE_TTL", 10*time.Second),
        Prefix:       envStr("CACHE_PREFIX", "availability"),
        MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 1<<20),
    }
}
