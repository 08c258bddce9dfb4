package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores state in a redis database.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to addr and pings it.
func NewRedis(ctx context.Context, addr string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) SyncToken(ctx context.Context) (string, error) {
	token, err := r.client.Get(ctx, syncTokenKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}

func (r *Redis) SetSyncToken(ctx context.Context, token string) error {
	return r.client.Set(ctx, syncTokenKey, token, 0).Err()
}

func (r *Redis) Allow(ctx context.Context, sender string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	return r.client.SetNX(ctx, cooldownKey(sender), time.Now().Unix(), ttl).Result()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
