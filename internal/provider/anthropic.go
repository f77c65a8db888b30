package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey          string
	BaseURL         string
	MaxOutputTokens int
	// Thinking enables extended thinking with the chat's level as budget.
	Thinking   bool
	HTTPClient *http.Client
}

// AnthropicProvider implements GenerativeProvider on the Messages API. Caches
// are emulated prefixes placed in the system prompt behind an ephemeral
// cache_control breakpoint.
type AnthropicProvider struct {
	client          anthropic.Client
	chats           *chatBook
	prefixes        *prefixCaches
	maxOutputTokens int64
	thinking        bool
	logger          *slog.Logger
}

// NewAnthropicProvider creates an Anthropic adapter. blobs holds emulated
// caches and uploads; nil keeps them in memory.
func NewAnthropicProvider(cfg AnthropicConfig, blobs BlobStore, logger *slog.Logger) *AnthropicProvider {
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, anthropicoption.WithHTTPClient(cfg.HTTPClient))
	}
	maxTokens := int64(cfg.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AnthropicProvider{
		client:          anthropic.NewClient(opts...),
		chats:           newChatBook(),
		prefixes:        newPrefixCaches(blobs),
		maxOutputTokens: maxTokens,
		thinking:        cfg.Thinking,
		logger:          logger,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Upload(ctx context.Context, req UploadRequest) (ContentRef, error) {
	return p.prefixes.upload(ctx, req)
}

func (p *AnthropicProvider) CreateCache(ctx context.Context, req CacheRequest) (CacheInfo, error) {
	pre, info, err := p.prefixes.create(ctx, req)
	if err != nil {
		return CacheInfo{}, err
	}
	text := pre.SystemInstruction + "\n\n" + pre.text()
	n, err := p.CountTokens(ctx, req.Model, text)
	if err != nil {
		p.logger.Warn("counting cache tokens failed, estimating", "cache", info.Name, "error", err)
		n = estimateTokens(text)
	}
	info.TokenCount = n
	return info, nil
}

func (p *AnthropicProvider) UpdateCacheTTL(ctx context.Context, name string, ttl time.Duration) error {
	return p.prefixes.extend(ctx, name, ttl)
}

func (p *AnthropicProvider) DeleteCache(ctx context.Context, name string) error {
	return p.prefixes.remove(ctx, name)
}

func (p *AnthropicProvider) CreateChat(ctx context.Context, cfg ChatConfig) (string, error) {
	if _, err := p.prefixes.chatPrefix(ctx, cfg); err != nil {
		return "", err
	}
	return p.chats.open(cfg), nil
}

func (p *AnthropicProvider) CloseChat(chatRef string) {
	p.chats.close(chatRef)
}

func (p *AnthropicProvider) params(ctx context.Context, chatRef, message string, withThinking bool) (anthropic.MessageNewParams, error) {
	cfg, turns, err := p.chats.snapshot(chatRef)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	pre, err := p.prefixes.chatPrefix(ctx, cfg)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	msgs := make([]anthropic.MessageParam, 0, len(turns)+1)
	for _, t := range turns {
		if t.Role == RoleModel {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Text)))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: p.maxOutputTokens,
		Messages:  msgs,
		System:    anthropicSystem(pre),
	}
	if withThinking && p.thinking && cfg.Thinking != "" {
		budget := int64(cfg.Thinking.Budget())
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		params.MaxTokens = budget + p.maxOutputTokens
	}
	return params, nil
}

func (p *AnthropicProvider) Send(ctx context.Context, chatRef, message string) (Reply, error) {
	params, err := p.params(ctx, chatRef, message, true)
	if err != nil {
		return Reply{}, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("creating message: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(b.Text)
		}
	}
	p.chats.commit(chatRef, message, text.String())
	return Reply{Text: text.String(), Usage: anthropicUsage(msg.Usage)}, nil
}

func (p *AnthropicProvider) SendStream(ctx context.Context, chatRef, message string) (<-chan Event, error) {
	params, err := p.params(ctx, chatRef, message, true)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		var full strings.Builder
		var usage Usage
		for stream.Next() {
			switch variant := stream.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage = anthropicUsage(variant.Message.Usage)
			case anthropic.ContentBlockDeltaEvent:
				if d, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
					full.WriteString(d.Text)
					if !emit(ctx, ch, Event{Type: EventTextDelta, TextDelta: d.Text}) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(variant.Usage.OutputTokens)
				usage.TotalTokens = usage.PromptTokens + usage.OutputTokens
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, ch, Event{Type: EventError, Err: fmt.Errorf("message stream: %w", err)})
			return
		}

		p.chats.commit(chatRef, message, full.String())
		emit(ctx, ch, Event{Type: EventDone, Usage: usage})
	}()
	return ch, nil
}

// SendStructured forces a single tool call whose input schema is the response
// schema and returns the tool input. Extended thinking is incompatible with a
// forced tool choice, so it is left off.
func (p *AnthropicProvider) SendStructured(ctx context.Context, chatRef, message string, schema Schema) (json.RawMessage, Usage, error) {
	params, err := p.params(ctx, chatRef, message, false)
	if err != nil {
		return nil, Usage{}, err
	}
	schemaMap, err := schema.Map()
	if err != nil {
		return nil, Usage{}, err
	}

	toolName := schemaName(schema)
	params.Tools = []anthropic.ToolUnionParam{{
		OfTool: &anthropic.ToolParam{
			Name:        toolName,
			Description: anthropic.String("Return the response as the tool input."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schemaMap["properties"],
				Required:   requiredFields(schemaMap),
			},
		},
	}}
	params.ToolChoice = anthropic.ToolChoiceUnionParam{
		OfTool: &anthropic.ToolChoiceToolParam{Name: toolName},
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("creating structured message: %w", err)
	}
	usage := anthropicUsage(msg.Usage)

	var raw json.RawMessage
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.ToolUseBlock); ok && b.Name == toolName {
			raw = json.RawMessage(b.Input)
			break
		}
	}
	if raw == nil {
		return nil, usage, fmt.Errorf("%w: no %s tool call in response", ErrSchemaViolation, toolName)
	}

	out, err := Validate(schema, raw)
	if err != nil {
		return nil, usage, err
	}
	p.chats.commit(chatRef, message, string(out))
	return out, usage, nil
}

func (p *AnthropicProvider) CountTokens(ctx context.Context, model, text string) (int, error) {
	res, err := p.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(model),
		Messages: []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(text))},
	})
	if err != nil {
		return 0, fmt.Errorf("counting tokens: %w", err)
	}
	return int(res.InputTokens), nil
}

// anthropicSystem places the instruction first and the documents last, with
// the cache breakpoint on the final block so the whole prefix is cached.
func anthropicSystem(pre prefix) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if pre.SystemInstruction != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: pre.SystemInstruction})
	}
	if docs := pre.text(); docs != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: docs})
	}
	if len(blocks) > 0 {
		blocks[len(blocks)-1].CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return blocks
}

// anthropicUsage folds cache reads and writes into the prompt count, which
// input_tokens excludes.
func anthropicUsage(u anthropic.Usage) Usage {
	prompt := int(u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens)
	return Usage{
		PromptTokens: prompt,
		CachedTokens: int(u.CacheReadInputTokens),
		OutputTokens: int(u.OutputTokens),
		TotalTokens:  prompt + int(u.OutputTokens),
	}
}

func requiredFields(schema map[string]any) []string {
	list, _ := schema["required"].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
