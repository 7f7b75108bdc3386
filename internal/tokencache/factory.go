package tokencache

import (
	"errors"
	"time"

	"github.com/matst80/tunnelclient/internal/obs"
)

// ErrRedisTTL rejects a Redis cache whose tokens would never expire.
var ErrRedisTTL = errors.New("redis token cache requires a positive token ttl")

// New creates either an in-memory or Redis-backed cache based on configuration.
// Redis entries outlive the process, so they must expire.
func New(redisAddr, redisPassword string, redisDB int, ttl time.Duration) (Cache, error) {
	if redisAddr == "" {
		obs.Info("tokencache.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	if ttl <= 0 {
		return nil, ErrRedisTTL
	}
	obs.Info("tokencache.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return newRedisCache(redisAddr, redisPassword, redisDB, ttl)
}
