// Package app wires configuration, storage, the provider and the domain
// services shared by the server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rpggio/storyloom/internal/config"
	"github.com/rpggio/storyloom/internal/domain/activity"
	"github.com/rpggio/storyloom/internal/domain/cache"
	"github.com/rpggio/storyloom/internal/domain/chat"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/domain/screenplay"
	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/rpggio/storyloom/internal/provider"
	"github.com/rpggio/storyloom/internal/sqlite"
	"github.com/rpggio/storyloom/internal/telemetry"
)

// App holds the wired services.
type App struct {
	DB          *sqlite.DB
	Provider    provider.GenerativeProvider
	Projects    *project.Service
	Activity    *activity.Service
	Sessions    *session.Manager
	Screenplays *screenplay.Service
	Metrics     *telemetry.Recorder
	Logger      *slog.Logger
}

// Option customizes Build.
type Option func(*options)

type options struct {
	provider provider.GenerativeProvider
}

// WithProvider replaces the configured provider.
func WithProvider(p provider.GenerativeProvider) Option {
	return func(o *options) { o.provider = p }
}

// Build opens the database, runs migrations and wires every service.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	workflow, err := Workflow(cfg)
	if err != nil {
		return nil, err
	}

	if err := ensureDBDir(cfg.DB.Path); err != nil {
		return nil, fmt.Errorf("preparing database path: %w", err)
	}
	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	blobs := sqlite.NewBlobRepository(db)
	if n, err := blobs.PurgeExpiredBlobs(ctx, time.Now()); err != nil {
		logger.Warn("purging expired provider blobs", "error", err)
	} else if n > 0 {
		logger.Info("purged expired provider blobs", "count", n)
	}

	p := o.provider
	if p == nil {
		if p, err = NewProvider(ctx, cfg.Provider, blobs, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	metrics, err := telemetry.New(ctx, telemetry.Config{
		Enabled:  cfg.Metrics.Enabled,
		Endpoint: cfg.Metrics.Endpoint,
		Insecure: cfg.Metrics.Insecure,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	projects := project.NewService(sqlite.NewProjectRepository(db), Defaults(cfg.Defaults), logger)
	activitySvc := activity.NewService(sqlite.NewActivityRepository(db), logger)
	caches := cache.NewManager(p, logger)
	chats := chat.NewRegistry(p, caches, logger)

	sessions := session.NewManager(session.Deps{
		Store:     sqlite.NewStateRepository(db),
		Provider:  p,
		Caches:    caches,
		Chats:     chats,
		Projects:  projects,
		Activity:  activitySvc,
		Metrics:   metrics,
		Workflow:  workflow,
		MaxTokens: cfg.Budget.MaxTokens,
		Logger:    logger,
	})

	return &App{
		DB:          db,
		Provider:    p,
		Projects:    projects,
		Activity:    activitySvc,
		Sessions:    sessions,
		Screenplays: screenplay.NewService(sqlite.NewScreenplayRepository(db), activitySvc, logger),
		Metrics:     metrics,
		Logger:      logger,
	}, nil
}

// Close flushes metrics and closes the database.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Metrics.Close(ctx), a.DB.Close())
}

// NewProvider builds the adapter selected by cfg.Kind. Adapters without
// server-side caches keep their emulated caches in blobs.
func NewProvider(ctx context.Context, cfg config.ProviderConfig, blobs provider.BlobStore, logger *slog.Logger) (provider.GenerativeProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key is not configured", cfg.Kind)
	}
	switch cfg.Kind {
	case "", "gemini":
		p, err := provider.NewGeminiProvider(ctx, provider.GeminiConfig{
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			PollInterval:  cfg.UploadPollInterval,
			UploadTimeout: cfg.UploadTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			MaxOutputTokens: cfg.MaxOutputTokens,
		}, blobs, logger), nil
	case "anthropic":
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			MaxOutputTokens: cfg.MaxOutputTokens,
		}, blobs, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

// Workflow builds the stage set from configuration. Every workflow stage
// must have a stage entry.
func Workflow(cfg config.Config) (session.Workflow, error) {
	w := session.Workflow{
		Stages:       cfg.StageNames(),
		Config:       make(map[string]session.StageConfig, len(cfg.Stages)),
		DefaultModel: config.DefaultModel,
	}
	if len(w.Stages) == 0 {
		return session.Workflow{}, errors.New("workflow has no stages")
	}
	for name, sc := range cfg.Stages {
		switch sc.ThinkingLevel {
		case "", "low", "medium", "high":
		default:
			return session.Workflow{}, fmt.Errorf("stage %s: invalid thinking level %q", name, sc.ThinkingLevel)
		}
		w.Config[name] = session.StageConfig{
			Model:             sc.Model,
			Thinking:          provider.ThinkingLevel(sc.ThinkingLevel),
			CacheTTL:          time.Duration(sc.CacheTTLSeconds) * time.Second,
			SystemInstruction: sc.SystemInstruction,
		}
	}
	for _, stage := range w.Stages {
		if _, ok := w.Config[stage]; !ok {
			return session.Workflow{}, fmt.Errorf("workflow stage %s has no configuration", stage)
		}
	}
	return w, nil
}

// Defaults converts configured project defaults to settings.
func Defaults(d config.ProjectDefaults) project.Settings {
	return project.Settings{
		Language:              d.Language,
		TargetDurationMinutes: d.TargetDurationMinutes,
		CacheTTLSeconds:       d.CacheTTLSeconds,
		AutoSave:              d.AutoSave,
		StreamingEnabled:      d.StreamingEnabled,
		ImageModel:            d.ImageModel,
	}
}

func ensureDBDir(path string) error {
	if path == ":memory:" || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
