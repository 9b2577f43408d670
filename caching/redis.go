package caching

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCachingService implements CachingService over go-redis.
type RedisCachingService struct {
	client *redis.Client
}

func NewRedisCachingService(client *redis.Client) *RedisCachingService {
	return &RedisCachingService{client: client}
}

func (r *RedisCachingService) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisCachingService) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCachingService) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// IsReady implements health.ReadinessCheck.
func (r *RedisCachingService) IsReady(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCachingService) Name() string { return "cache[redis]" }
