package session

import (
	"encoding/json"
	"time"

	"github.com/rpggio/storyloom/internal/domain/budget"
	"github.com/rpggio/storyloom/internal/domain/cache"
	"github.com/rpggio/storyloom/internal/domain/chat"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/provider"
)

// State is the durable envelope persisted per project after every mutation.
type State struct {
	Project    *project.Project     `json:"project"`
	Budget     budget.Snapshot      `json:"budget"`
	Sources    []Source             `json:"sources"`
	StageChats map[string]StageChat `json:"stage_chats"`
	Caches     []cache.Handle       `json:"caches"`
}

// Source is an uploaded piece of source material.
type Source struct {
	Name            string              `json:"name"`
	Ref             provider.ContentRef `json:"ref"`
	EstimatedTokens int                 `json:"estimated_tokens"`
	UploadedAt      time.Time           `json:"uploaded_at"`
}

// StageChat is the durable binding of a stage chat. The live provider chat
// is not part of it.
type StageChat struct {
	Stage    string                 `json:"stage"`
	Model    string                 `json:"model"`
	Thinking provider.ThinkingLevel `json:"thinking"`
	// CacheStage is the stage whose cache the chat is bound to.
	CacheStage   string    `json:"cache_stage"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (sc StageChat) binding(projectID string) chat.Binding {
	b := chat.Binding{Model: sc.Model, Thinking: sc.Thinking}
	if sc.CacheStage != "" {
		b.CacheKey = cache.Key{ProjectID: projectID, Stage: sc.CacheStage}
	}
	return b
}

// StageConfig holds the resolved generation settings for a stage.
type StageConfig struct {
	Model             string
	Thinking          provider.ThinkingLevel
	CacheTTL          time.Duration
	SystemInstruction string
}

// Workflow is the ordered set of stages and their defaults.
type Workflow struct {
	Stages       []string
	Config       map[string]StageConfig
	DefaultModel string
}

// StageRequest is one stage invocation.
type StageRequest struct {
	Stage  string
	Prompt string
	// Schema requests structured output when set.
	Schema *provider.Schema
	// SystemInstruction overrides the stage default when the cache is built.
	SystemInstruction string
	// Supplement is extra text placed in the cache next to the sources.
	Supplement string
}

// StageResult is the outcome of RunStage.
type StageResult struct {
	Stage         string          `json:"stage"`
	Text          string          `json:"text,omitempty"`
	Structured    json.RawMessage `json:"structured,omitempty"`
	Usage         provider.Usage  `json:"usage"`
	CacheName     string          `json:"cache_name,omitempty"`
	CacheCreated  bool            `json:"cache_created"`
	ChatRecreated bool            `json:"chat_recreated"`
	MessageCount  int             `json:"message_count"`
	Budget        budget.Status   `json:"budget"`
}

// Status is a read-only view of a project session.
type Status struct {
	ProjectID       string        `json:"project_id"`
	Name            string        `json:"name"`
	OverallProgress float64       `json:"overall_progress"`
	Budget          budget.Status `json:"budget"`
	Sources         []Source      `json:"sources"`
	Stages          []StageStatus `json:"stages"`
}

// StageStatus describes one workflow stage.
type StageStatus struct {
	Stage        string                `json:"stage"`
	Progress     project.StageProgress `json:"progress"`
	Cache        *CacheStatus          `json:"cache,omitempty"`
	ChatState    chat.State            `json:"chat_state"`
	MessageCount int                   `json:"message_count"`
}

// CacheStatus describes a stage cache.
type CacheStatus struct {
	ProviderName     string    `json:"provider_cache_name"`
	Model            string    `json:"model"`
	TokenCount       int       `json:"token_count"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Expired          bool      `json:"expired"`
}
