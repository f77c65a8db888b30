package chat

import (
	"time"

	"github.com/rpggio/storyloom/internal/domain/cache"
	"github.com/rpggio/storyloom/internal/provider"
)

// Key identifies a stage chat. It shares identity with the stage cache key.
type Key = cache.Key

// Event is one element of a streamed reply.
type Event = provider.Event

// State is the lifecycle state of a stage chat in this process.
type State string

const (
	// StateAbsent means no binding is known for the key.
	StateAbsent State = "absent"
	// StateActive means a live provider chat exists in this process.
	StateActive State = "active"
	// StateStale means the binding survived but the live chat did not.
	StateStale State = "stale"
)

// Binding is the durable part of a stage chat: enough to recreate it.
type Binding struct {
	Model    string                 `json:"model"`
	Thinking provider.ThinkingLevel `json:"thinking"`
	// CacheKey names the cache the chat is bound to. The zero key binds no
	// cache.
	CacheKey cache.Key `json:"cache_key"`
}

// Handle is a live stage chat. ProviderRef is meaningless after a restart.
type Handle struct {
	Key          Key                    `json:"key"`
	ProviderRef  string                 `json:"provider_ref"`
	Model        string                 `json:"model"`
	Thinking     provider.ThinkingLevel `json:"thinking"`
	CacheKey     cache.Key              `json:"cache_key"`
	CacheName    string                 `json:"cache_name,omitempty"`
	MessageCount int                    `json:"message_count"`
	CreatedAt    time.Time              `json:"created_at"`
}
