package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier is the optional on-disk-equivalent second tier backed by Redis,
// adapted directly from internal/infra/redis_adapter.go's GoRedisAdapter —
// same connect-and-ping-up-front shape, narrowed here to the Get/Set pair
// Store.RemoteTier needs.
type RedisTier struct {
	rdb *redis.Client
}

// NewRedisTier connects to addr and verifies connectivity with a ping,
// returning an error the caller can treat as "run memory-only" rather than
// failing node startup.
func NewRedisTier(addr, password string, db int) (*RedisTier, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cache: redis ping failed (%s): %w", addr, err)
	}

	slog.Info("cache: redis tier connected", "addr", addr, "db", db)
	return &RedisTier{rdb: rdb}, nil
}

func (r *RedisTier) Close() error { return r.rdb.Close() }

func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}
