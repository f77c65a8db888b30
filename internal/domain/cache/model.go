package cache

import (
	"math"
	"time"
)

// Key identifies the cache of one workflow stage in one project.
type Key struct {
	ProjectID string `json:"project_id"`
	Stage     string `json:"stage"`
}

func (k Key) String() string { return k.ProjectID + "/" + k.Stage }

// Handle is the local record of a provider-side cache.
type Handle struct {
	Key          Key       `json:"key"`
	ProviderName string    `json:"provider_cache_name"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenCount   int       `json:"token_count"`
}

// IsExpired reports whether the handle is logically stale at now.
func (h Handle) IsExpired(now time.Time) bool {
	return now.After(h.ExpiresAt)
}

// RemainingSeconds is the whole seconds left before expiry, never negative.
func (h Handle) RemainingSeconds(now time.Time) int {
	d := h.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Floor(d.Seconds()))
}
