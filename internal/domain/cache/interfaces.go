package cache

import (
	"context"
	"time"

	"github.com/rpggio/storyloom/internal/provider"
)

// Provider is the cache subset of provider.GenerativeProvider.
type Provider interface {
	CreateCache(ctx context.Context, req provider.CacheRequest) (provider.CacheInfo, error)
	UpdateCacheTTL(ctx context.Context, name string, ttl time.Duration) error
	DeleteCache(ctx context.Context, name string) error
}
