// Package caching provides the CachingService interface used to cache
// session status responses, with a
// Redis-backed implementation and a null implementation for when no
// cache backend is configured.
package caching

import (
	"context"
	"time"
)

// CachingService is a small key/value cache with expiry. Values are
// opaque byte slices; callers own their own encoding.
type CachingService interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// NullCachingService is a no-op CachingService used when no cache
// backend is configured; every Get misses, every Set/Delete succeeds.
type NullCachingService struct{}

func NewNullCachingService() *NullCachingService { return &NullCachingService{} }

func (NullCachingService) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NullCachingService) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NullCachingService) Delete(context.Context, string) error                     { return nil }
