// Package fake provides an in-memory GenerativeProvider for tests.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/storyloom/internal/provider"
)

// Operation names used for call counting and failure injection.
const (
	OpUpload         = "Upload"
	OpCreateCache    = "CreateCache"
	OpUpdateCacheTTL = "UpdateCacheTTL"
	OpDeleteCache    = "DeleteCache"
	OpCreateChat     = "CreateChat"
	OpSend           = "Send"
	OpSendStream     = "SendStream"
	OpSendStructured = "SendStructured"
	OpCountTokens    = "CountTokens"
)

// Provider is a deterministic in-memory provider. Replies echo the message
// unless Reply is set; structured replies come from Structured.
type Provider struct {
	// Reply computes a text reply. Nil echoes "reply to: <message>".
	Reply func(cfg provider.ChatConfig, history []provider.Turn, message string) string
	// Structured computes a structured reply. Nil returns "{}".
	Structured func(schema provider.Schema, message string) string
	// Usage is reported for every generation call.
	Usage provider.Usage
	// Now is the provider clock.
	Now func() time.Time

	mu     sync.Mutex
	calls  map[string]int
	fail   map[string]error
	files  map[string]provider.ContentRef
	caches map[string]Cache
	chats  map[string]*chat
}

// Cache is the fake's record of a created cache.
type Cache struct {
	Request   provider.CacheRequest
	Info      provider.CacheInfo
	ExpiresAt time.Time
}

type chat struct {
	cfg   provider.ChatConfig
	turns []provider.Turn
}

// New creates an empty fake.
func New() *Provider {
	return &Provider{
		Usage:  provider.Usage{PromptTokens: 1000, CachedTokens: 900, OutputTokens: 100, TotalTokens: 1100},
		Now:    time.Now,
		calls:  make(map[string]int),
		fail:   make(map[string]error),
		files:  make(map[string]provider.ContentRef),
		caches: make(map[string]Cache),
		chats:  make(map[string]*chat),
	}
}

// Fail makes every subsequent call to op return err. A nil err clears it.
func (p *Provider) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, op)
		return
	}
	p.fail[op] = err
}

// Calls returns how many times op was invoked, including failed calls.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Cache returns the recorded cache by name.
func (p *Provider) Cache(name string) (Cache, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.caches[name]
	return c, ok
}

// CacheCount is the number of live caches.
func (p *Provider) CacheCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.caches)
}

// DropCache removes a cache as if it expired remotely.
func (p *Provider) DropCache(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.caches, name)
}

// Chat returns the config and turns of a chat.
func (p *Provider) Chat(ref string) (provider.ChatConfig, []provider.Turn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chats[ref]
	if !ok {
		return provider.ChatConfig{}, nil, false
	}
	return c.cfg, append([]provider.Turn(nil), c.turns...), true
}

func (p *Provider) begin(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
	return p.fail[op]
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) Upload(_ context.Context, req provider.UploadRequest) (provider.ContentRef, error) {
	if err := p.begin(OpUpload); err != nil {
		return provider.ContentRef{}, err
	}
	name := "files/" + uuid.NewString()
	ref := provider.ContentRef{
		Kind:        provider.ContentFile,
		Name:        name,
		URI:         "fake://" + name,
		MIMEType:    req.MIMEType,
		DisplayName: req.DisplayName,
		SizeBytes:   int64(len(req.Data)),
	}
	p.mu.Lock()
	p.files[name] = ref
	p.mu.Unlock()
	return ref, nil
}

func (p *Provider) CreateCache(_ context.Context, req provider.CacheRequest) (provider.CacheInfo, error) {
	if err := p.begin(OpCreateCache); err != nil {
		return provider.CacheInfo{}, err
	}
	tokens := len(req.SystemInstruction) / 4
	for _, c := range req.Contents {
		if c.Kind == provider.ContentText {
			tokens += len(c.Text) / 4
		} else {
			tokens += int(c.SizeBytes) / 4
		}
	}
	info := provider.CacheInfo{
		Name:       "cachedContents/" + uuid.NewString(),
		TokenCount: tokens,
		ExpiresAt:  p.Now().Add(req.TTL),
	}
	p.mu.Lock()
	p.caches[info.Name] = Cache{Request: req, Info: info, ExpiresAt: info.ExpiresAt}
	p.mu.Unlock()
	return info, nil
}

func (p *Provider) UpdateCacheTTL(_ context.Context, name string, ttl time.Duration) error {
	if err := p.begin(OpUpdateCacheTTL); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.caches[name]
	if !ok {
		return fmt.Errorf("cache %s: %w", name, provider.ErrNotFound)
	}
	c.ExpiresAt = p.Now().Add(ttl)
	p.caches[name] = c
	return nil
}

func (p *Provider) DeleteCache(_ context.Context, name string) error {
	if err := p.begin(OpDeleteCache); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.caches[name]; !ok {
		return fmt.Errorf("cache %s: %w", name, provider.ErrNotFound)
	}
	delete(p.caches, name)
	return nil
}

func (p *Provider) CreateChat(_ context.Context, cfg provider.ChatConfig) (string, error) {
	if err := p.begin(OpCreateChat); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.CacheName != "" {
		if _, ok := p.caches[cfg.CacheName]; !ok {
			return "", fmt.Errorf("cache %s: %w", cfg.CacheName, provider.ErrNotFound)
		}
	}
	ref := "chats/" + uuid.NewString()
	p.chats[ref] = &chat{cfg: cfg}
	return ref, nil
}

// CloseChat forgets a chat. It is not counted as a call.
func (p *Provider) CloseChat(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.chats, ref)
}

// ChatCount is the number of open chats.
func (p *Provider) ChatCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chats)
}

func (p *Provider) reply(ref, message string) (string, error) {
	p.mu.Lock()
	c, ok := p.chats[ref]
	if !ok {
		p.mu.Unlock()
		return "", provider.ErrChatNotFound
	}
	cfg, history := c.cfg, append([]provider.Turn(nil), c.turns...)
	_, cached := p.caches[cfg.CacheName]
	p.mu.Unlock()
	if cfg.CacheName != "" && !cached {
		return "", fmt.Errorf("cache %s: %w", cfg.CacheName, provider.ErrNotFound)
	}

	if p.Reply != nil {
		return p.Reply(cfg, history, message), nil
	}
	return "reply to: " + message, nil
}

func (p *Provider) commit(ref, message, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.chats[ref]; ok {
		c.turns = append(c.turns,
			provider.Turn{Role: provider.RoleUser, Text: message},
			provider.Turn{Role: provider.RoleModel, Text: text},
		)
	}
}

func (p *Provider) Send(_ context.Context, ref, message string) (provider.Reply, error) {
	if err := p.begin(OpSend); err != nil {
		return provider.Reply{}, err
	}
	text, err := p.reply(ref, message)
	if err != nil {
		return provider.Reply{}, err
	}
	p.commit(ref, message, text)
	return provider.Reply{Text: text, Usage: p.Usage}, nil
}

// SendStream splits the reply into word-sized deltas.
func (p *Provider) SendStream(_ context.Context, ref, message string) (<-chan provider.Event, error) {
	if err := p.begin(OpSendStream); err != nil {
		return nil, err
	}
	text, err := p.reply(ref, message)
	if err != nil {
		return nil, err
	}

	words := strings.SplitAfter(text, " ")
	ch := make(chan provider.Event, len(words)+1)
	for _, w := range words {
		if w != "" {
			ch <- provider.Event{Type: provider.EventTextDelta, TextDelta: w}
		}
	}
	p.commit(ref, message, text)
	ch <- provider.Event{Type: provider.EventDone, Usage: p.Usage}
	close(ch)
	return ch, nil
}

func (p *Provider) SendStructured(_ context.Context, ref, message string, schema provider.Schema) (json.RawMessage, provider.Usage, error) {
	if err := p.begin(OpSendStructured); err != nil {
		return nil, provider.Usage{}, err
	}
	if _, err := p.reply(ref, message); err != nil {
		return nil, provider.Usage{}, err
	}
	raw := "{}"
	if p.Structured != nil {
		raw = p.Structured(schema, message)
	}
	out, err := provider.Validate(schema, []byte(raw))
	if err != nil {
		return nil, p.Usage, err
	}
	p.commit(ref, message, raw)
	return out, p.Usage, nil
}

func (p *Provider) CountTokens(_ context.Context, _ string, text string) (int, error) {
	if err := p.begin(OpCountTokens); err != nil {
		return 0, err
	}
	return len(text) / 4, nil
}

var _ provider.GenerativeProvider = (*Provider)(nil)
