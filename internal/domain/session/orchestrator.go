package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rpggio/storyloom/internal/domain/activity"
	"github.com/rpggio/storyloom/internal/domain/budget"
	"github.com/rpggio/storyloom/internal/domain/cache"
	"github.com/rpggio/storyloom/internal/domain/chat"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/provider"
)

// Orchestrator runs the operations of one project session. Each mutating
// operation ends with a write-through save. Callers serialize mutating calls
// per project; the mutex here only keeps reads consistent.
type Orchestrator struct {
	deps    *Deps
	logger  *slog.Logger
	tracker *budget.Tracker

	mu    sync.Mutex
	state *State
}

// ID is the project ID.
func (o *Orchestrator) ID() string { return o.state.Project.ID }

// Project returns a copy of the project record.
func (o *Orchestrator) Project() project.Project {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := *o.state.Project
	p.Progress = make(map[string]*project.StageProgress, len(o.state.Project.Progress))
	for k, v := range o.state.Project.Progress {
		sp := *v
		p.Progress[k] = &sp
	}
	return p
}

// Sources lists uploaded sources in upload order.
func (o *Orchestrator) Sources() []Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Source(nil), o.state.Sources...)
}

// UploadSource reads a file and uploads it.
func (o *Orchestrator) UploadSource(ctx context.Context, path string) (provider.ContentRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return provider.ContentRef{}, fmt.Errorf("%w: reading %s: %v", ErrInvalidInput, path, err)
	}
	name := filepath.Base(path)
	return o.UploadBytes(ctx, name, detectMIME(name, data), data)
}

// UploadBytes hands source bytes to the provider and admits an estimate of
// size/4 tokens into the budget. The estimate is checked before uploading
// and is never reconciled with real usage. Re-uploading a name replaces it.
func (o *Orchestrator) UploadBytes(ctx context.Context, name, mimeType string, data []byte) (provider.ContentRef, error) {
	if strings.TrimSpace(name) == "" || len(data) == 0 {
		return provider.ContentRef{}, fmt.Errorf("%w: source name and content are required", ErrInvalidInput)
	}
	if mimeType == "" {
		mimeType = detectMIME(name, data)
	}

	component := "source:" + name
	estimate := len(data) / 4
	delta := estimate
	if existing, ok := o.tracker.Component(component); ok {
		delta -= existing.EstimatedTokens
	}
	if !o.tracker.CanAdd(delta) {
		return provider.ContentRef{}, fmt.Errorf("%w: %s needs ~%d tokens, %d remaining",
			ErrCapacityExceeded, name, estimate, o.tracker.RemainingTokens())
	}

	ref, err := o.deps.Provider.Upload(context.WithoutCancel(ctx), provider.UploadRequest{
		Data:        data,
		DisplayName: name,
		MIMEType:    mimeType,
	})
	if err != nil {
		return provider.ContentRef{}, fmt.Errorf("uploading %s: %w", name, err)
	}

	previewText := name
	if strings.HasPrefix(mimeType, "text/") {
		previewText = string(data)
	}

	o.mu.Lock()
	if !o.tracker.AddEstimate(component, estimate, previewText, false) {
		o.mu.Unlock()
		return provider.ContentRef{}, fmt.Errorf("%w: %s", ErrCapacityExceeded, name)
	}
	src := Source{Name: name, Ref: ref, EstimatedTokens: estimate, UploadedAt: o.deps.Now()}
	replaced := false
	for i := range o.state.Sources {
		if o.state.Sources[i].Name == name {
			o.state.Sources[i] = src
			replaced = true
		}
	}
	if !replaced {
		o.state.Sources = append(o.state.Sources, src)
	}
	o.mu.Unlock()

	o.logger.Info("source uploaded", "source", name, "mime", mimeType, "estimated_tokens", estimate)
	o.deps.Activity.Record(ctx, o.ID(), "", activity.TypeSourceUploaded, "uploaded "+name,
		map[string]any{"name": name, "mime_type": mimeType, "estimated_tokens": estimate})
	return ref, o.persist(ctx)
}

// ResolveStage returns the effective settings of stage: project overrides,
// then configured stage defaults, then global defaults.
func (o *Orchestrator) ResolveStage(stage string) (StageConfig, error) {
	cfg, ok := o.deps.Workflow.Config[stage]
	if !ok {
		return StageConfig{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	o.mu.Lock()
	settings := o.state.Project.Settings
	o.mu.Unlock()

	if override, ok := settings.Stages[stage]; ok {
		if override.Model != "" {
			cfg.Model = override.Model
		}
		if override.ThinkingLevel != "" {
			cfg.Thinking = provider.ParseThinkingLevel(override.ThinkingLevel)
		}
	}
	if cfg.Model == "" {
		cfg.Model = o.deps.Workflow.DefaultModel
	}
	if cfg.Thinking == "" {
		cfg.Thinking = provider.ThinkingMedium
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Duration(settings.CacheTTLSeconds) * time.Second
	}
	return cfg, nil
}

type preparedStage struct {
	key           cache.Key
	cfg           StageConfig
	handle        cache.Handle
	cacheCreated  bool
	chatRecreated bool
}

// prepare resolves the stage cache and chat, creating either as needed.
func (o *Orchestrator) prepare(ctx context.Context, req StageRequest) (*preparedStage, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	cfg, err := o.ResolveStage(req.Stage)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	contents := make([]provider.ContentRef, 0, len(o.state.Sources)+1)
	for _, s := range o.state.Sources {
		contents = append(contents, s.Ref)
	}
	o.mu.Unlock()
	if len(contents) == 0 {
		return nil, ErrNoSources
	}
	if req.Supplement != "" {
		contents = append(contents, provider.TextContent(req.Supplement))
	}

	systemInstruction := cfg.SystemInstruction
	if req.SystemInstruction != "" {
		systemInstruction = req.SystemInstruction
	}

	p := &preparedStage{key: cache.Key{ProjectID: o.ID(), Stage: req.Stage}, cfg: cfg}

	undo := func() {}
	if _, exists := o.deps.Caches.Get(p.key); !exists && req.Supplement != "" {
		name := "supplement:" + req.Stage
		prev, had := o.tracker.Component(name)
		if !o.tracker.AddComponent(name, req.Supplement, true) {
			return nil, fmt.Errorf("%w: supplement for %s", ErrCapacityExceeded, req.Stage)
		}
		undo = func() {
			if had {
				o.tracker.AddEstimate(name, prev.EstimatedTokens, prev.Preview, prev.IsCached)
				return
			}
			o.tracker.RemoveComponent(name)
		}
	}

	p.handle, p.cacheCreated, err = o.deps.Caches.CreateOrReuse(ctx, p.key, cache.CreateRequest{
		Model:             cfg.Model,
		SystemInstruction: systemInstruction,
		Contents:          contents,
		TTL:               cfg.CacheTTL,
	})
	if err != nil {
		// The supplement only counts once a cache holds it.
		undo()
		return nil, err
	}
	if p.cacheCreated {
		o.deps.Metrics.RecordCacheCreated(ctx, req.Stage)
		o.deps.Activity.Record(ctx, o.ID(), req.Stage, activity.TypeCacheCreated, "cache created for "+req.Stage,
			map[string]any{"cache": p.handle.ProviderName, "tokens": p.handle.TokenCount, "expires_at": p.handle.ExpiresAt})
	}

	prev, hadLive := o.deps.Chats.Get(p.key)
	wasStale := o.deps.Chats.State(p.key) == chat.StateStale
	h, err := o.deps.Chats.EnsureChat(ctx, p.key, chat.Binding{Model: cfg.Model, Thinking: cfg.Thinking, CacheKey: p.key})
	if err != nil {
		return nil, err
	}
	p.chatRecreated = wasStale || (hadLive && prev.ProviderRef != h.ProviderRef)
	if p.chatRecreated {
		o.logger.Info("chat recreated without prior turns", "stage", req.Stage)
		o.deps.Metrics.RecordChatRecreated(ctx, req.Stage)
		o.deps.Activity.Record(ctx, o.ID(), req.Stage, activity.TypeChatRecreated, "chat recreated for "+req.Stage, nil)
	}
	return p, nil
}

// RunStage resolves or creates the stage cache and chat, sends the prompt
// (structured when a schema is given), records usage and persists. Provider
// calls and the save run to completion even if ctx is cancelled. On
// ErrPersistence the result is still returned.
func (o *Orchestrator) RunStage(ctx context.Context, req StageRequest) (*StageResult, error) {
	start := o.deps.Now()
	pctx := context.WithoutCancel(ctx)

	result, err := o.runStage(pctx, req)
	o.deps.Metrics.RecordStage(ctx, req.Stage, o.deps.Now().Sub(start), err)
	return result, err
}

func (o *Orchestrator) runStage(ctx context.Context, req StageRequest) (*StageResult, error) {
	p, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &StageResult{
		Stage:         req.Stage,
		CacheName:     p.handle.ProviderName,
		CacheCreated:  p.cacheCreated,
		ChatRecreated: p.chatRecreated,
	}

	if req.Schema != nil {
		raw, usage, err := o.deps.Chats.SendStructured(ctx, p.key, req.Prompt, *req.Schema)
		if err != nil {
			o.dropLostCache(ctx, p, err)
			o.salvageUsage(ctx, req.Stage, usage)
			return nil, err
		}
		result.Structured, result.Usage = raw, usage
	} else {
		reply, err := o.deps.Chats.Send(ctx, p.key, req.Prompt)
		if err != nil {
			o.dropLostCache(ctx, p, err)
			return nil, err
		}
		result.Text, result.Usage = reply.Text, reply.Usage
	}

	if err := o.completeStage(ctx, req.Stage, p, result.Usage); err != nil {
		result.Budget = o.tracker.CheckStatus()
		return result, err
	}
	if h, ok := o.deps.Chats.Get(p.key); ok {
		result.MessageCount = h.MessageCount
	}
	result.Budget = o.tracker.CheckStatus()
	return result, nil
}

// dropLostCache forgets the stage cache when the provider reports it missing
// before its local expiry, so the next run rebuilds the cache and its chat.
func (o *Orchestrator) dropLostCache(ctx context.Context, p *preparedStage, err error) {
	if !errors.Is(err, provider.ErrNotFound) || p.handle.ProviderName == "" {
		return
	}
	if !o.deps.Caches.Invalidate(p.key, p.handle.ProviderName) {
		return
	}
	o.deps.Activity.Record(ctx, o.ID(), p.key.Stage, activity.TypeCacheDeleted, "cache lost on provider for "+p.key.Stage,
		map[string]any{"cache": p.handle.ProviderName})
	if perr := o.persist(ctx); perr != nil {
		o.logger.Warn("dropped cache not persisted", "stage", p.key.Stage, "error", perr)
	}
}

// salvageUsage records tokens spent by a failed call, such as a schema
// violation, so the ledger stays accurate.
func (o *Orchestrator) salvageUsage(ctx context.Context, stage string, usage provider.Usage) {
	if usage == (provider.Usage{}) {
		return
	}
	o.tracker.RecordUsage(budget.Usage(usage))
	o.deps.Metrics.RecordUsage(ctx, stage, usage)
	if err := o.persist(ctx); err != nil {
		o.logger.Warn("usage of failed call not persisted", "stage", stage, "error", err)
	}
}

// completeStage records usage, updates the stage binding and progress, and
// persists.
func (o *Orchestrator) completeStage(ctx context.Context, stage string, p *preparedStage, usage provider.Usage) error {
	o.tracker.RecordUsage(budget.Usage(usage))
	o.deps.Metrics.RecordUsage(ctx, stage, usage)

	messages := 0
	if h, ok := o.deps.Chats.Get(p.key); ok {
		messages = h.MessageCount
	}

	o.mu.Lock()
	o.state.StageChats[stage] = StageChat{
		Stage:        stage,
		Model:        p.cfg.Model,
		Thinking:     p.cfg.Thinking,
		CacheStage:   p.key.Stage,
		MessageCount: messages,
		UpdatedAt:    o.deps.Now(),
	}
	sp := o.state.Project.StageProgress(stage)
	if !sp.IsStarted {
		sp.IsStarted = true
		sp.UpdatedAt = o.deps.Now()
	}
	o.mu.Unlock()

	o.deps.Activity.Record(ctx, o.ID(), stage, activity.TypeStageRun, "ran "+stage, map[string]any{
		"prompt_tokens": usage.PromptTokens,
		"cached_tokens": usage.CachedTokens,
		"output_tokens": usage.OutputTokens,
		"messages":      messages,
	})
	return o.persist(ctx)
}

// RunStageStream is RunStage for free text, delivering the reply as events.
// Usage is recorded and persisted before Done is forwarded; a failed save
// turns Done into an Error. If ctx ends, forwarding stops but the reply is
// still drained and accounted.
func (o *Orchestrator) RunStageStream(ctx context.Context, req StageRequest) (<-chan chat.Event, error) {
	if req.Schema != nil {
		return nil, fmt.Errorf("%w: structured output cannot be streamed", ErrInvalidInput)
	}
	pctx := context.WithoutCancel(ctx)
	start := o.deps.Now()

	p, err := o.prepare(pctx, req)
	if err != nil {
		o.deps.Metrics.RecordStage(ctx, req.Stage, o.deps.Now().Sub(start), err)
		return nil, err
	}
	upstream, err := o.deps.Chats.Stream(pctx, p.key, req.Prompt)
	if err != nil {
		o.dropLostCache(pctx, p, err)
		o.deps.Metrics.RecordStage(ctx, req.Stage, o.deps.Now().Sub(start), err)
		return nil, err
	}

	out := make(chan chat.Event, 16)
	go func() {
		defer close(out)
		for ev := range upstream {
			switch ev.Type {
			case provider.EventDone:
				if err := o.completeStage(pctx, req.Stage, p, ev.Usage); err != nil {
					ev = chat.Event{Type: provider.EventError, Usage: ev.Usage, Err: err}
				}
				o.deps.Metrics.RecordStage(pctx, req.Stage, o.deps.Now().Sub(start), ev.Err)
			case provider.EventError:
				o.dropLostCache(pctx, p, ev.Err)
				o.deps.Metrics.RecordStage(pctx, req.Stage, o.deps.Now().Sub(start), ev.Err)
			}
			if ctx.Err() != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Status is a read-only view of progress, budget and per-stage state.
func (o *Orchestrator) Status() Status {
	now := o.deps.Now()

	o.mu.Lock()
	proj := o.state.Project
	st := Status{
		ProjectID:       proj.ID,
		Name:            proj.Name,
		OverallProgress: proj.OverallProgress(o.deps.Workflow.Stages),
		Sources:         append([]Source(nil), o.state.Sources...),
	}
	progress := make(map[string]project.StageProgress, len(proj.Progress))
	for k, v := range proj.Progress {
		progress[k] = *v
	}
	o.mu.Unlock()

	st.Budget = o.tracker.CheckStatus()
	for _, stage := range o.deps.Workflow.Stages {
		key := cache.Key{ProjectID: proj.ID, Stage: stage}
		ss := StageStatus{Stage: stage, ChatState: o.deps.Chats.State(key)}
		if sp, ok := progress[stage]; ok {
			ss.Progress = sp
		} else {
			ss.Progress = project.StageProgress{Stage: stage}
		}
		if h, ok := o.deps.Caches.Get(key); ok {
			ss.Cache = &CacheStatus{
				ProviderName:     h.ProviderName,
				Model:            h.Model,
				TokenCount:       h.TokenCount,
				ExpiresAt:        h.ExpiresAt,
				RemainingSeconds: h.RemainingSeconds(now),
				Expired:          h.IsExpired(now),
			}
		}
		if h, ok := o.deps.Chats.Get(key); ok {
			ss.MessageCount = h.MessageCount
		}
		st.Stages = append(st.Stages, ss)
	}
	return st
}

// Report returns the budget report.
func (o *Orchestrator) Report() budget.Report {
	return o.tracker.Report()
}

// History returns the turns of the stage chat in this process.
func (o *Orchestrator) History(stage string) ([]provider.Turn, error) {
	return o.deps.Chats.History(cache.Key{ProjectID: o.ID(), Stage: stage})
}

// ExtendCache extends the stage cache TTL. It returns false for a stage
// without a cache.
func (o *Orchestrator) ExtendCache(ctx context.Context, stage string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}
	pctx := context.WithoutCancel(ctx)
	ok, err := o.deps.Caches.ExtendTTL(pctx, cache.Key{ProjectID: o.ID(), Stage: stage}, ttl)
	if err != nil || !ok {
		return ok, err
	}
	o.deps.Activity.Record(ctx, o.ID(), stage, activity.TypeCacheExtended, "cache extended for "+stage,
		map[string]any{"ttl_seconds": int(ttl.Seconds())})
	return true, o.persist(pctx)
}

// DeleteCache deletes the stage cache. Unknown stages return false without
// error. The stage chat is rebound to a new cache on its next run.
func (o *Orchestrator) DeleteCache(ctx context.Context, stage string) (bool, error) {
	pctx := context.WithoutCancel(ctx)
	ok, err := o.deps.Caches.Delete(pctx, cache.Key{ProjectID: o.ID(), Stage: stage})
	if err != nil || !ok {
		return ok, err
	}
	o.tracker.RemoveComponent("supplement:" + stage)
	o.deps.Activity.Record(ctx, o.ID(), stage, activity.TypeCacheDeleted, "cache deleted for "+stage, nil)
	return true, o.persist(pctx)
}

// UpdateProgress sets stage progress. totalSteps is kept when zero.
func (o *Orchestrator) UpdateProgress(ctx context.Context, stage string, pct float64, step string, totalSteps int) (project.StageProgress, error) {
	if _, ok := o.deps.Workflow.Config[stage]; !ok {
		return project.StageProgress{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	o.mu.Lock()
	sp := o.state.Project.StageProgress(stage)
	if totalSteps > 0 {
		sp.TotalSteps = totalSteps
	}
	sp.Update(pct, step, o.deps.Now())
	out := *sp
	o.mu.Unlock()

	o.deps.Activity.Record(ctx, o.ID(), stage, activity.TypeProgressUpdated, fmt.Sprintf("%s at %.0f%%", stage, out.ProgressPercentage), nil)
	return out, o.persist(context.WithoutCancel(ctx))
}

// UpdateSettings applies a settings patch.
func (o *Orchestrator) UpdateSettings(ctx context.Context, patch project.SettingsPatch) (project.Settings, error) {
	o.mu.Lock()
	next, err := o.state.Project.Settings.Apply(patch)
	if err != nil {
		o.mu.Unlock()
		return project.Settings{}, err
	}
	o.state.Project.Settings = next
	o.mu.Unlock()

	o.deps.Activity.Record(ctx, o.ID(), "", activity.TypeSettingsUpdated, "settings updated", patch)
	return next, o.persist(context.WithoutCancel(ctx))
}

// CountTokens asks the provider to count text with the stage model.
func (o *Orchestrator) CountTokens(ctx context.Context, stage, text string) (int, error) {
	cfg, err := o.ResolveStage(stage)
	if err != nil {
		return 0, err
	}
	n, err := o.deps.Provider.CountTokens(ctx, cfg.Model, text)
	if err != nil {
		return 0, fmt.Errorf("counting tokens: %w", err)
	}
	return n, nil
}

// Decode unmarshals a structured stage result into v.
func (r *StageResult) Decode(v any) error {
	if len(r.Structured) == 0 {
		return errors.New("stage result has no structured output")
	}
	return json.Unmarshal(r.Structured, v)
}

func (o *Orchestrator) persist(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state.Project.UpdatedAt = o.deps.Now()
	o.state.Budget = o.tracker.Snapshot()
	o.state.Caches = o.deps.Caches.List(o.ID())

	if err := o.deps.Store.SaveProject(context.WithoutCancel(ctx), o.state); err != nil {
		o.logger.Error("persisting session state failed", "error", err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// detectMIME prefers the extension and falls back to content sniffing.
func detectMIME(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".fountain", ".txt":
		return "text/plain"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return strings.TrimSpace(strings.Split(t, ";")[0])
	}
	return strings.Split(http.DetectContentType(data), ";")[0]
}
