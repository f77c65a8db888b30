package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIConfig configures the OpenAI-compatible adapter.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	MaxOutputTokens int
	// ReasoningEffort forwards the thinking level as reasoning_effort. Only
	// reasoning models accept it.
	ReasoningEffort bool
	HTTPClient      *http.Client
}

// OpenAIProvider implements GenerativeProvider on any Chat Completions API.
// Caches are emulated by persisted prefixes that are replayed verbatim at the
// head of each request, where automatic prompt caching picks them up.
type OpenAIProvider struct {
	client          openai.Client
	chats           *chatBook
	prefixes        *prefixCaches
	maxOutputTokens int
	reasoningEffort bool
	logger          *slog.Logger
}

// NewOpenAIProvider creates an OpenAI adapter. blobs holds emulated caches and
// uploads; nil keeps them in memory.
func NewOpenAIProvider(cfg OpenAIConfig, blobs BlobStore, logger *slog.Logger) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &OpenAIProvider{
		client:          openai.NewClient(opts...),
		chats:           newChatBook(),
		prefixes:        newPrefixCaches(blobs),
		maxOutputTokens: cfg.MaxOutputTokens,
		reasoningEffort: cfg.ReasoningEffort,
		logger:          logger,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Upload(ctx context.Context, req UploadRequest) (ContentRef, error) {
	return p.prefixes.upload(ctx, req)
}

func (p *OpenAIProvider) CreateCache(ctx context.Context, req CacheRequest) (CacheInfo, error) {
	pre, info, err := p.prefixes.create(ctx, req)
	if err != nil {
		return CacheInfo{}, err
	}
	info.TokenCount = estimateTokens(pre.SystemInstruction + pre.text())
	return info, nil
}

func (p *OpenAIProvider) UpdateCacheTTL(ctx context.Context, name string, ttl time.Duration) error {
	return p.prefixes.extend(ctx, name, ttl)
}

func (p *OpenAIProvider) DeleteCache(ctx context.Context, name string) error {
	return p.prefixes.remove(ctx, name)
}

func (p *OpenAIProvider) CreateChat(ctx context.Context, cfg ChatConfig) (string, error) {
	if _, err := p.prefixes.chatPrefix(ctx, cfg); err != nil {
		return "", err
	}
	return p.chats.open(cfg), nil
}

func (p *OpenAIProvider) CloseChat(chatRef string) {
	p.chats.close(chatRef)
}

func (p *OpenAIProvider) params(ctx context.Context, chatRef, message string) (openai.ChatCompletionNewParams, error) {
	cfg, turns, err := p.chats.snapshot(chatRef)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	pre, err := p.prefixes.chatPrefix(ctx, cfg)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	if sys := openAISystem(pre); sys != "" {
		msgs = append(msgs, openai.SystemMessage(sys))
	}
	for _, t := range turns {
		if t.Role == RoleModel {
			msgs = append(msgs, openai.AssistantMessage(t.Text))
		} else {
			msgs = append(msgs, openai.UserMessage(t.Text))
		}
	}
	msgs = append(msgs, openai.UserMessage(message))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(cfg.Model),
		Messages: msgs,
	}
	if p.maxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(p.maxOutputTokens))
	}
	if p.reasoningEffort && cfg.Thinking != "" {
		params.ReasoningEffort = shared.ReasoningEffort(cfg.Thinking)
	}
	return params, nil
}

func (p *OpenAIProvider) Send(ctx context.Context, chatRef, message string) (Reply, error) {
	params, err := p.params(ctx, chatRef, message)
	if err != nil {
		return Reply{}, err
	}
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("chat completion: %w", err)
	}

	text := openAIText(completion)
	p.chats.commit(chatRef, message, text)
	return Reply{Text: text, Usage: openAIUsage(completion.Usage)}, nil
}

func (p *OpenAIProvider) SendStream(ctx context.Context, chatRef, message string) (<-chan Event, error) {
	params, err := p.params(ctx, chatRef, message)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		var full strings.Builder
		var usage Usage
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = openAIUsage(chunk.Usage)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				full.WriteString(delta)
				if !emit(ctx, ch, Event{Type: EventTextDelta, TextDelta: delta}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, ch, Event{Type: EventError, Err: fmt.Errorf("chat completion stream: %w", err)})
			return
		}

		p.chats.commit(chatRef, message, full.String())
		emit(ctx, ch, Event{Type: EventDone, Usage: usage})
	}()
	return ch, nil
}

func (p *OpenAIProvider) SendStructured(ctx context.Context, chatRef, message string, schema Schema) (json.RawMessage, Usage, error) {
	params, err := p.params(ctx, chatRef, message)
	if err != nil {
		return nil, Usage{}, err
	}
	schemaMap, err := schema.Map()
	if err != nil {
		return nil, Usage{}, err
	}
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
			JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   schemaName(schema),
				Schema: schemaMap,
				Strict: openai.Bool(false),
			},
		},
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("structured chat completion: %w", err)
	}
	usage := openAIUsage(completion.Usage)

	text := openAIText(completion)
	out, err := Validate(schema, []byte(text))
	if err != nil {
		return nil, usage, err
	}
	p.chats.commit(chatRef, message, text)
	return out, usage, nil
}

// CountTokens estimates at four characters per token. Chat Completions has no
// counting endpoint.
func (p *OpenAIProvider) CountTokens(_ context.Context, _ string, text string) (int, error) {
	return estimateTokens(text), nil
}

func openAISystem(pre prefix) string {
	docs := pre.text()
	switch {
	case pre.SystemInstruction == "":
		return docs
	case docs == "":
		return pre.SystemInstruction
	default:
		return pre.SystemInstruction + "\n\n" + docs
	}
}

func openAIText(c *openai.ChatCompletion) string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Content
}

func openAIUsage(u openai.CompletionUsage) Usage {
	return Usage{
		PromptTokens: int(u.PromptTokens),
		CachedTokens: int(u.PromptTokensDetails.CachedTokens),
		OutputTokens: int(u.CompletionTokens),
		TotalTokens:  int(u.TotalTokens),
	}
}

// schemaName sanitizes a schema name to the [a-zA-Z0-9_-] set tool and
// response-format names accept.
func schemaName(s Schema) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s.Name)
	if name == "" {
		return "response"
	}
	return name
}
