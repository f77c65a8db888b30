package chat

import (
	"context"
	"encoding/json"

	"github.com/rpggio/storyloom/internal/domain/cache"
	"github.com/rpggio/storyloom/internal/provider"
)

// Provider is the chat subset of provider.GenerativeProvider.
type Provider interface {
	CreateChat(ctx context.Context, cfg provider.ChatConfig) (string, error)
	CloseChat(chatRef string)
	Send(ctx context.Context, chatRef, message string) (provider.Reply, error)
	SendStream(ctx context.Context, chatRef, message string) (<-chan provider.Event, error)
	SendStructured(ctx context.Context, chatRef, message string, schema provider.Schema) (json.RawMessage, provider.Usage, error)
}

// CacheLookup resolves a stage cache key to its current handle.
type CacheLookup interface {
	Get(key cache.Key) (cache.Handle, bool)
}
