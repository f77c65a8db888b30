package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// prefixCaches emulates named, TTL-bound caches for backends that only offer
// implicit prompt caching. A "cache" is a persisted prefix (system
// instruction plus source documents) that is sent verbatim at the head of
// every request, which is exactly what the vendor-side prompt cache keys on.
type prefixCaches struct {
	store BlobStore
	now   func() time.Time
}

type prefix struct {
	Model             string   `json:"model"`
	SystemInstruction string   `json:"system_instruction"`
	Documents         []string `json:"documents"`
}

func (p prefix) text() string {
	return strings.Join(p.Documents, "\n\n")
}

// estimateTokens counts four characters per token for backends without a
// counting endpoint.
func estimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

func newPrefixCaches(store BlobStore) *prefixCaches {
	if store == nil {
		store = NewMemoryBlobStore()
	}
	return &prefixCaches{store: store, now: time.Now}
}

func isTextMIME(mime string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml":
		return true
	}
	return false
}

func (c *prefixCaches) upload(ctx context.Context, req UploadRequest) (ContentRef, error) {
	mime := req.MIMEType
	if mime == "" {
		mime = "text/plain"
	}
	if !isTextMIME(mime) {
		return ContentRef{}, fmt.Errorf("%w: %s", ErrUnsupportedContent, mime)
	}

	name := "files/" + uuid.NewString()
	if err := c.store.PutBlob(ctx, Blob{Name: name, Kind: BlobUpload, Payload: req.Data}); err != nil {
		return ContentRef{}, fmt.Errorf("storing upload: %w", err)
	}
	return ContentRef{
		Kind:        ContentFile,
		Name:        name,
		URI:         "blob://" + name,
		MIMEType:    mime,
		DisplayName: req.DisplayName,
		SizeBytes:   int64(len(req.Data)),
	}, nil
}

func (c *prefixCaches) create(ctx context.Context, req CacheRequest) (prefix, CacheInfo, error) {
	p := prefix{Model: req.Model, SystemInstruction: req.SystemInstruction}
	for _, ref := range req.Contents {
		switch ref.Kind {
		case ContentText:
			p.Documents = append(p.Documents, ref.Text)
		case ContentFile:
			blob, err := c.store.GetBlob(ctx, ref.Name)
			if err != nil {
				return prefix{}, CacheInfo{}, fmt.Errorf("loading upload %s: %w", ref.Name, err)
			}
			doc := string(blob.Payload)
			if ref.DisplayName != "" {
				doc = "# " + ref.DisplayName + "\n\n" + doc
			}
			p.Documents = append(p.Documents, doc)
		default:
			return prefix{}, CacheInfo{}, fmt.Errorf("%w: content kind %q", ErrUnsupportedContent, ref.Kind)
		}
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return prefix{}, CacheInfo{}, fmt.Errorf("encoding prefix: %w", err)
	}
	info := CacheInfo{
		Name:      "cachedContents/" + uuid.NewString(),
		ExpiresAt: c.now().Add(req.TTL),
	}
	if err := c.store.PutBlob(ctx, Blob{Name: info.Name, Kind: BlobPrefix, Payload: payload, ExpiresAt: info.ExpiresAt}); err != nil {
		return prefix{}, CacheInfo{}, fmt.Errorf("storing prefix: %w", err)
	}
	return p, info, nil
}

func (c *prefixCaches) load(ctx context.Context, name string) (prefix, error) {
	blob, err := c.store.GetBlob(ctx, name)
	if err != nil {
		return prefix{}, err
	}
	if !blob.ExpiresAt.IsZero() && c.now().After(blob.ExpiresAt) {
		return prefix{}, fmt.Errorf("%w: cache %s expired", ErrNotFound, name)
	}
	var p prefix
	if err := json.Unmarshal(blob.Payload, &p); err != nil {
		return prefix{}, fmt.Errorf("decoding prefix %s: %w", name, err)
	}
	return p, nil
}

func (c *prefixCaches) extend(ctx context.Context, name string, ttl time.Duration) error {
	blob, err := c.store.GetBlob(ctx, name)
	if err != nil {
		return err
	}
	blob.ExpiresAt = c.now().Add(ttl)
	return c.store.PutBlob(ctx, blob)
}

func (c *prefixCaches) remove(ctx context.Context, name string) error {
	return c.store.DeleteBlob(ctx, name)
}

// chatPrefix resolves the cached prefix a chat is bound to, if any.
func (c *prefixCaches) chatPrefix(ctx context.Context, cfg ChatConfig) (prefix, error) {
	if cfg.CacheName == "" {
		return prefix{Model: cfg.Model}, nil
	}
	p, err := c.load(ctx, cfg.CacheName)
	if err != nil {
		return prefix{}, fmt.Errorf("loading cache %s: %w", cfg.CacheName, err)
	}
	return p, nil
}
