package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the provider has no object under the given name.
	ErrNotFound = errors.New("provider object not found")
	// ErrSchemaViolation indicates a structured response did not conform to
	// the requested schema.
	ErrSchemaViolation = errors.New("structured output violates schema")
	// ErrUploadFailed indicates the provider rejected or failed to process
	// uploaded content.
	ErrUploadFailed = errors.New("upload failed")
	// ErrUnsupportedContent indicates the adapter cannot use the content kind.
	ErrUnsupportedContent = errors.New("unsupported content")
	// ErrChatNotFound indicates an unknown provider chat reference.
	ErrChatNotFound = errors.New("provider chat not found")
)

// GenerativeProvider is the remote capability surface the session core
// depends on.
type GenerativeProvider interface {
	Name() string
	Upload(ctx context.Context, req UploadRequest) (ContentRef, error)
	CreateCache(ctx context.Context, req CacheRequest) (CacheInfo, error)
	UpdateCacheTTL(ctx context.Context, name string, ttl time.Duration) error
	DeleteCache(ctx context.Context, name string) error
	CreateChat(ctx context.Context, cfg ChatConfig) (string, error)
	CloseChat(chatRef string)
	Send(ctx context.Context, chatRef, message string) (Reply, error)
	SendStream(ctx context.Context, chatRef, message string) (<-chan Event, error)
	SendStructured(ctx context.Context, chatRef, message string, schema Schema) (json.RawMessage, Usage, error)
	CountTokens(ctx context.Context, model, text string) (int, error)
}

// ── Content ──

// ContentKind distinguishes uploaded files from inline text.
type ContentKind string

const (
	ContentFile ContentKind = "file"
	ContentText ContentKind = "text"
)

// ContentRef references material that can be placed in a cache: either an
// uploaded file (by provider URI) or supplementary text.
type ContentRef struct {
	Kind        ContentKind `json:"kind"`
	Name        string      `json:"name,omitempty"`
	URI         string      `json:"uri,omitempty"`
	MIMEType    string      `json:"mime_type,omitempty"`
	DisplayName string      `json:"display_name,omitempty"`
	Text        string      `json:"text,omitempty"`
	SizeBytes   int64       `json:"size_bytes,omitempty"`
}

// TextContent builds an inline text reference.
func TextContent(text string) ContentRef {
	return ContentRef{Kind: ContentText, Text: text, MIMEType: "text/plain"}
}

// UploadRequest carries raw bytes to hand to the provider.
type UploadRequest struct {
	Data        []byte
	DisplayName string
	MIMEType    string
}

// ── Caches ──

// CacheRequest describes a cache to materialize.
type CacheRequest struct {
	Model             string
	DisplayName       string
	SystemInstruction string
	Contents          []ContentRef
	TTL               time.Duration
}

// CacheInfo is what the provider reports about a created cache.
type CacheInfo struct {
	Name       string
	TokenCount int
	ExpiresAt  time.Time
}

// ── Chats ──

// ThinkingLevel trades latency for reasoning depth.
type ThinkingLevel string

const (
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ParseThinkingLevel maps a config string to a level, defaulting to medium.
func ParseThinkingLevel(s string) ThinkingLevel {
	switch ThinkingLevel(s) {
	case ThinkingLow, ThinkingHigh:
		return ThinkingLevel(s)
	default:
		return ThinkingMedium
	}
}

// Budget returns the reasoning token budget used by backends that take a
// number instead of a level.
func (l ThinkingLevel) Budget() int {
	switch l {
	case ThinkingLow:
		return 1024
	case ThinkingHigh:
		return 16384
	default:
		return 4096
	}
}

// ChatConfig binds a new conversation to a model and, optionally, a cache.
type ChatConfig struct {
	Model     string
	CacheName string
	Thinking  ThinkingLevel
}

// Role identifies the author of a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one message in a conversation.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Usage is the provider-reported token usage of one call.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	CachedTokens int `json:"cached_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Reply is a complete, non-streamed response.
type Reply struct {
	Text  string
	Usage Usage
}

// Schema is a JSON schema for structured output.
type Schema struct {
	Name       string
	Definition json.RawMessage
}

// ── Streaming ──

// EventType identifies the variant carried by an Event.
type EventType int

const (
	EventTextDelta EventType = iota
	EventDone
	EventError
)

// Event is one element of a streamed response: a text delta, the final usage,
// or a terminal error. A stream always ends with exactly one Done or Error.
type Event struct {
	Type      EventType
	TextDelta string
	Usage     Usage
	Err       error
}
