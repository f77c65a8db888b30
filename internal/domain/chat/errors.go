package chat

import "errors"

var (
	// ErrChatNotFound indicates no live chat (for History) or no binding
	// (for sends) exists for the key.
	ErrChatNotFound = errors.New("chat not found")
	// ErrCacheUnavailable indicates the bound cache is missing or expired, so
	// the chat cannot be created against it.
	ErrCacheUnavailable = errors.New("bound cache unavailable")
)
