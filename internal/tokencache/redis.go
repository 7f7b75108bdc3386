package tokencache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matst80/tunnelclient/internal/obs"
	"github.com/redis/go-redis/v9"
)

const redisKey = "tunnelclient:session-tokens"

// redisCache shares tokens between client processes through one Redis hash
// (field = token, value = acquisition time).
type redisCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func newRedisCache(addr, password string, db int, ttl time.Duration) (*redisCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisCache{client: rdb, key: redisKey, ttl: ttl}, nil
}

var _ Cache = (*redisCache)(nil)

func (r *redisCache) Put(ctx context.Context, token string, at time.Time) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key, token, at.UTC().Format(time.RFC3339Nano))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put token: %w", err)
	}
	return nil
}

func (r *redisCache) Delete(ctx context.Context, token string) error {
	if err := r.client.HDel(ctx, r.key, token).Err(); err != nil {
		return fmt.Errorf("redis delete token: %w", err)
	}
	return nil
}

func (r *redisCache) Entries(ctx context.Context) ([]Entry, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis list tokens: %w", err)
	}
	out := make([]Entry, 0, len(vals))
	for token, raw := range vals {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			obs.Error("redis.token.parse", obs.Fields{"err": err.Error()})
			continue
		}
		out = append(out, Entry{Token: token, AcquiredAt: at})
	}
	sortEntries(out)
	return out, nil
}

// Close releases the underlying connection pool.
func (r *redisCache) Close() error { return r.client.Close() }
