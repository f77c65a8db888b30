package provider

import (
	"sync"

	"github.com/google/uuid"
)

// conversation is the adapter-side record of a chat. Backends here are
// stateless request/response APIs, so multi-turn continuity is kept by
// replaying turns on every call. The record lives only in process memory.
type conversation struct {
	cfg   ChatConfig
	turns []Turn
}

type chatBook struct {
	mu    sync.Mutex
	chats map[string]*conversation
}

func newChatBook() *chatBook {
	return &chatBook{chats: make(map[string]*conversation)}
}

func (b *chatBook) open(cfg ChatConfig) string {
	ref := "chats/" + uuid.NewString()
	b.mu.Lock()
	b.chats[ref] = &conversation{cfg: cfg}
	b.mu.Unlock()
	return ref
}

// close drops a chat and its turns. Unknown refs are ignored.
func (b *chatBook) close(ref string) {
	b.mu.Lock()
	delete(b.chats, ref)
	b.mu.Unlock()
}

// snapshot returns the chat config and a copy of its turns.
func (b *chatBook) snapshot(ref string) (ChatConfig, []Turn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.chats[ref]
	if !ok {
		return ChatConfig{}, nil, ErrChatNotFound
	}
	return c.cfg, append([]Turn(nil), c.turns...), nil
}

// commit appends a completed exchange.
func (b *chatBook) commit(ref, userText, modelText string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.chats[ref]
	if !ok {
		return
	}
	c.turns = append(c.turns,
		Turn{Role: RoleUser, Text: userText},
		Turn{Role: RoleModel, Text: modelText},
	)
}
