package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey        string
	BaseURL       string
	PollInterval  time.Duration
	UploadTimeout time.Duration
	HTTPClient    *http.Client
}

// GeminiProvider implements GenerativeProvider on the Gemini API: uploaded
// files, named cached contents with TTL, and cache-bound generation.
type GeminiProvider struct {
	client        *genai.Client
	chats         *chatBook
	pollInterval  time.Duration
	uploadTimeout time.Duration
	logger        *slog.Logger
}

// NewGeminiProvider creates a Gemini adapter.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GeminiProvider{
		client:        client,
		chats:         newChatBook(),
		pollInterval:  cfg.PollInterval,
		uploadTimeout: cfg.UploadTimeout,
		logger:        logger,
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

// Upload sends bytes to the Files API and waits while the file is PROCESSING.
func (p *GeminiProvider) Upload(ctx context.Context, req UploadRequest) (ContentRef, error) {
	file, err := p.client.Files.Upload(ctx, bytes.NewReader(req.Data), &genai.UploadFileConfig{
		DisplayName: req.DisplayName,
		MIMEType:    req.MIMEType,
	})
	if err != nil {
		return ContentRef{}, geminiErr("uploading file", err)
	}

	deadline := time.Now().Add(p.uploadTimeout)
	for file.State == genai.FileStateProcessing {
		if time.Now().After(deadline) {
			return ContentRef{}, fmt.Errorf("%w: %s still processing after %s", ErrUploadFailed, file.Name, p.uploadTimeout)
		}
		p.logger.Debug("waiting for file processing", "file", file.Name)
		select {
		case <-ctx.Done():
			return ContentRef{}, ctx.Err()
		case <-time.After(p.pollInterval):
		}
		file, err = p.client.Files.Get(ctx, file.Name, nil)
		if err != nil {
			return ContentRef{}, geminiErr("polling file", err)
		}
	}
	if file.State == genai.FileStateFailed {
		return ContentRef{}, fmt.Errorf("%w: %s", ErrUploadFailed, file.Name)
	}

	mime := file.MIMEType
	if mime == "" {
		mime = req.MIMEType
	}
	return ContentRef{
		Kind:        ContentFile,
		Name:        file.Name,
		URI:         file.URI,
		MIMEType:    mime,
		DisplayName: req.DisplayName,
		SizeBytes:   int64(len(req.Data)),
	}, nil
}

func (p *GeminiProvider) CreateCache(ctx context.Context, req CacheRequest) (CacheInfo, error) {
	cfg := &genai.CreateCachedContentConfig{
		DisplayName: req.DisplayName,
		TTL:         req.TTL,
		Contents:    geminiContents(req.Contents),
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}

	cached, err := p.client.Caches.Create(ctx, req.Model, cfg)
	if err != nil {
		return CacheInfo{}, geminiErr("creating cache", err)
	}

	info := CacheInfo{Name: cached.Name, ExpiresAt: cached.ExpireTime}
	if cached.UsageMetadata != nil {
		info.TokenCount = int(cached.UsageMetadata.TotalTokenCount)
	}
	return info, nil
}

func (p *GeminiProvider) UpdateCacheTTL(ctx context.Context, name string, ttl time.Duration) error {
	if _, err := p.client.Caches.Update(ctx, name, &genai.UpdateCachedContentConfig{TTL: ttl}); err != nil {
		return geminiErr("updating cache ttl", err)
	}
	return nil
}

func (p *GeminiProvider) DeleteCache(ctx context.Context, name string) error {
	if _, err := p.client.Caches.Delete(ctx, name, nil); err != nil {
		return geminiErr("deleting cache", err)
	}
	return nil
}

func (p *GeminiProvider) CreateChat(_ context.Context, cfg ChatConfig) (string, error) {
	return p.chats.open(cfg), nil
}

func (p *GeminiProvider) CloseChat(chatRef string) {
	p.chats.close(chatRef)
}

func (p *GeminiProvider) Send(ctx context.Context, chatRef, message string) (Reply, error) {
	cfg, turns, err := p.chats.snapshot(chatRef)
	if err != nil {
		return Reply{}, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, cfg.Model, geminiHistory(turns, message), geminiGenerateConfig(cfg))
	if err != nil {
		return Reply{}, geminiErr("generating content", err)
	}

	text := resp.Text()
	p.chats.commit(chatRef, message, text)
	return Reply{Text: text, Usage: geminiUsage(resp.UsageMetadata)}, nil
}

func (p *GeminiProvider) SendStream(ctx context.Context, chatRef, message string) (<-chan Event, error) {
	cfg, turns, err := p.chats.snapshot(chatRef)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)

		var full strings.Builder
		var usage Usage
		for resp, err := range p.client.Models.GenerateContentStream(ctx, cfg.Model, geminiHistory(turns, message), geminiGenerateConfig(cfg)) {
			if err != nil {
				emit(ctx, ch, Event{Type: EventError, Err: geminiErr("streaming content", err)})
				return
			}
			if resp.UsageMetadata != nil {
				usage = geminiUsage(resp.UsageMetadata)
			}
			if text := resp.Text(); text != "" {
				full.WriteString(text)
				if !emit(ctx, ch, Event{Type: EventTextDelta, TextDelta: text}) {
					return
				}
			}
		}

		p.chats.commit(chatRef, message, full.String())
		emit(ctx, ch, Event{Type: EventDone, Usage: usage})
	}()
	return ch, nil
}

func (p *GeminiProvider) SendStructured(ctx context.Context, chatRef, message string, schema Schema) (json.RawMessage, Usage, error) {
	cfg, turns, err := p.chats.snapshot(chatRef)
	if err != nil {
		return nil, Usage{}, err
	}
	schemaMap, err := schema.Map()
	if err != nil {
		return nil, Usage{}, err
	}

	gc := geminiGenerateConfig(cfg)
	gc.ResponseMIMEType = "application/json"
	gc.ResponseJsonSchema = schemaMap

	resp, err := p.client.Models.GenerateContent(ctx, cfg.Model, geminiHistory(turns, message), gc)
	if err != nil {
		return nil, Usage{}, geminiErr("generating structured content", err)
	}
	usage := geminiUsage(resp.UsageMetadata)

	text := resp.Text()
	out, err := Validate(schema, []byte(text))
	if err != nil {
		return nil, usage, err
	}
	p.chats.commit(chatRef, message, text)
	return out, usage, nil
}

func (p *GeminiProvider) CountTokens(ctx context.Context, model, text string) (int, error) {
	resp, err := p.client.Models.CountTokens(ctx, model, genai.Text(text), nil)
	if err != nil {
		return 0, geminiErr("counting tokens", err)
	}
	return int(resp.TotalTokens), nil
}

func geminiGenerateConfig(cfg ChatConfig) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{CachedContent: cfg.CacheName}
	if cfg.Thinking != "" {
		gc.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(int32(cfg.Thinking.Budget())),
		}
	}
	return gc
}

func geminiContents(refs []ContentRef) []*genai.Content {
	if len(refs) == 0 {
		return nil
	}
	parts := make([]*genai.Part, 0, len(refs))
	for _, ref := range refs {
		switch ref.Kind {
		case ContentFile:
			parts = append(parts, genai.NewPartFromURI(ref.URI, ref.MIMEType))
		default:
			parts = append(parts, genai.NewPartFromText(ref.Text))
		}
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

func geminiHistory(turns []Turn, message string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns)+1)
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	return append(contents, genai.NewContentFromText(message, genai.RoleUser))
}

func geminiUsage(m *genai.GenerateContentResponseUsageMetadata) Usage {
	if m == nil {
		return Usage{}
	}
	return Usage{
		PromptTokens: int(m.PromptTokenCount),
		CachedTokens: int(m.CachedContentTokenCount),
		OutputTokens: int(m.CandidatesTokenCount),
		TotalTokens:  int(m.TotalTokenCount),
	}
}

func geminiErr(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr.Code == http.StatusNotFound {
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// emit delivers ev unless ctx is done. It reports whether the event was sent.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
