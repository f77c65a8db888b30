package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rpggio/storyloom/internal/domain/activity"
	"github.com/rpggio/storyloom/internal/domain/budget"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/domain/screenplay"
	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/rpggio/storyloom/internal/provider"
)

type handlers struct {
	svc        Services
	allowPaths bool
	logger     *slog.Logger
}

// ── Inputs ──

type createProjectInput struct {
	ID          string                 `json:"id,omitempty" jsonschema:"project identifier; generated when omitted"`
	Name        string                 `json:"name" jsonschema:"project display name"`
	Description string                 `json:"description,omitempty"`
	Settings    *project.SettingsPatch `json:"settings,omitempty" jsonschema:"settings that differ from the server defaults"`
}

type emptyInput struct{}

type projectInput struct {
	ProjectID string `json:"project_id" jsonschema:"project identifier"`
}

type updateSettingsInput struct {
	ProjectID string                `json:"project_id" jsonschema:"project identifier"`
	Settings  project.SettingsPatch `json:"settings" jsonschema:"fields to change; omitted fields are kept"`
}

type uploadSourceInput struct {
	ProjectID string `json:"project_id" jsonschema:"project identifier"`
	Name      string `json:"name,omitempty" jsonschema:"source name; required with content"`
	Content   string `json:"content,omitempty" jsonschema:"inline source text"`
	MIMEType  string `json:"mime_type,omitempty" jsonschema:"content type; detected when omitted"`
	Path      string `json:"path,omitempty" jsonschema:"file on the server to upload instead of content"`
}

type runStageInput struct {
	ProjectID         string `json:"project_id" jsonschema:"project identifier"`
	Stage             string `json:"stage" jsonschema:"workflow stage name"`
	Prompt            string `json:"prompt" jsonschema:"message sent to the stage chat"`
	SystemInstruction string `json:"system_instruction,omitempty" jsonschema:"used when the stage cache is created"`
	Supplement        string `json:"supplement,omitempty" jsonschema:"extra text cached next to the sources"`
	Stream            bool   `json:"stream,omitempty" jsonschema:"send the reply as progress notifications while it is generated"`
}

type stageInput struct {
	ProjectID string `json:"project_id" jsonschema:"project identifier"`
	Stage     string `json:"stage" jsonschema:"workflow stage name"`
}

type extendCacheInput struct {
	ProjectID  string `json:"project_id" jsonschema:"project identifier"`
	Stage      string `json:"stage" jsonschema:"workflow stage name"`
	TTLSeconds int    `json:"ttl_seconds" jsonschema:"new lifetime counted from now"`
}

type countTokensInput struct {
	ProjectID string `json:"project_id" jsonschema:"project identifier"`
	Stage     string `json:"stage" jsonschema:"stage whose model does the counting"`
	Text      string `json:"text"`
}

type updateProgressInput struct {
	ProjectID  string  `json:"project_id" jsonschema:"project identifier"`
	Stage      string  `json:"stage" jsonschema:"workflow stage name"`
	Percentage float64 `json:"percentage" jsonschema:"0 to 100; 100 completes the stage"`
	Step       string  `json:"step,omitempty" jsonschema:"current step description"`
	TotalSteps int     `json:"total_steps,omitempty"`
}

type activityInput struct {
	ProjectID string `json:"project_id,omitempty" jsonschema:"filter by project"`
	Stage     string `json:"stage,omitempty" jsonschema:"filter by stage"`
	Type      string `json:"type,omitempty" jsonschema:"filter by activity type"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum entries; defaults to 50"`
	Offset    int    `json:"offset,omitempty"`
}

type selectConceptInput struct {
	ProjectID       string `json:"project_id" jsonschema:"project identifier"`
	Index           int    `json:"index" jsonschema:"zero-based concept index from screenplay_analyze"`
	DurationMinutes int    `json:"duration_minutes,omitempty" jsonschema:"film length; defaults to the project setting"`
}

type updateBeatSheetInput struct {
	ProjectID string               `json:"project_id" jsonschema:"project identifier"`
	BeatSheet screenplay.BeatSheet `json:"beat_sheet" jsonschema:"the full replacement beat sheet"`
}

type writeSceneInput struct {
	ProjectID string `json:"project_id" jsonschema:"project identifier"`
	Stream    bool   `json:"stream,omitempty" jsonschema:"send the scene as progress notifications while it is written"`
}

type sceneInput struct {
	ProjectID   string `json:"project_id" jsonschema:"project identifier"`
	SceneNumber int    `json:"scene_number"`
}

type reviseSceneInput struct {
	ProjectID   string `json:"project_id" jsonschema:"project identifier"`
	SceneNumber int    `json:"scene_number"`
	Notes       string `json:"notes" jsonschema:"what to change"`
}

type screenplayGetInput struct {
	ProjectID string `json:"project_id" jsonschema:"project identifier"`
	Format    string `json:"format,omitempty" jsonschema:"json (default) or text"`
}

// ── Outputs ──

type uploadOutput struct {
	Source provider.ContentRef `json:"source"`
	Budget budget.Status       `json:"budget"`
}

type streamOutput struct {
	Stage  string         `json:"stage"`
	Text   string         `json:"text"`
	Usage  provider.Usage `json:"usage"`
	Budget budget.Status  `json:"budget"`
}

type partialOutput struct {
	Result  any       `json:"result"`
	Warning *APIError `json:"warning"`
}

func registerTools(server *sdkmcp.Server, h *handlers) {
	// Projects
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "create_project", Description: "Create a project to hold source material and workflow state"}, h.createProject)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "list_projects", Description: "List projects, most recently updated first"}, h.listProjects)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "get_status", Description: "Get progress, budget, caches and chats of a project"}, h.getStatus)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "update_settings", Description: "Change project settings such as language, duration, cache TTL or per-stage models"}, h.updateSettings)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "delete_project", Description: "Delete a project and tear down its provider caches"}, h.deleteProject)

	// Sources and stages
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "upload_source", Description: "Upload source material; rejected when it would exceed the token budget"}, h.uploadSource)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "run_stage", Description: "Send a prompt to a stage chat, creating its cache and chat when needed"}, h.runStage)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "get_history", Description: "Get the turns of a stage chat held by this process"}, h.getHistory)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "count_tokens", Description: "Count tokens of text with a stage's model"}, h.countTokens)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "update_progress", Description: "Record progress of a workflow stage"}, h.updateProgress)

	// Caches and budget
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "extend_cache", Description: "Extend the lifetime of a stage cache"}, h.extendCache)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "delete_cache", Description: "Delete a stage cache; the next run rebuilds it"}, h.deleteCache)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "get_budget_report", Description: "Get the token budget breakdown and cumulative usage"}, h.budgetReport)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "get_recent_activity", Description: "List recent orchestration events"}, h.recentActivity)

	// Screenplay workflow
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_analyze", Description: "Analyze the sources and propose three film concepts"}, h.analyze)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_select_concept", Description: "Choose a concept and build the protagonist's character card"}, h.selectConcept)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_beat_sheet", Description: "Build the fifteen-beat story skeleton"}, h.beatSheet)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_update_beat_sheet", Description: "Replace the beat sheet with an edited one"}, h.updateBeatSheet)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_outline", Description: "Break the beat sheet into timed scene outlines"}, h.outline)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_write_scene", Description: "Write the next unwritten scene"}, h.writeScene)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_expand_scene", Description: "Rewrite a scene with more detail at twice its duration"}, h.expandScene)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_revise_scene", Description: "Revise a scene following notes"}, h.reviseScene)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_approve_scene", Description: "Mark a scene approved"}, h.approveScene)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_optimize", Description: "Review the written screenplay as a script doctor"}, h.optimize)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_finalize", Description: "Mark the screenplay completed"}, h.finalize)
	sdkmcp.AddTool(server, &sdkmcp.Tool{Name: "screenplay_get", Description: "Get the screenplay document as JSON or formatted text"}, h.getScreenplay)
}

// ── Results ──

func jsonResult(v any) (*sdkmcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func textResult(text string) (*sdkmcp.CallToolResult, any, error) {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
	}, nil, nil
}

func toolError(err error, fallbackCode string) (*sdkmcp.CallToolResult, any, error) {
	return nil, nil, MapError(err, fallbackCode)
}

// respond returns v, or v with a warning when only the save after the
// change failed.
func respond[T any](v *T, err error, fallbackCode string) (*sdkmcp.CallToolResult, any, error) {
	if err == nil {
		return jsonResult(v)
	}
	if v != nil && errors.Is(err, session.ErrPersistence) {
		return jsonResult(partialOutput{Result: v, Warning: MapError(err, fallbackCode)})
	}
	return toolError(err, fallbackCode)
}

func (h *handlers) load(ctx context.Context, id string) (*session.Orchestrator, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: project_id is required", session.ErrInvalidInput)
	}
	return h.svc.Sessions.Load(ctx, id)
}

// progressReporter forwards text deltas as progress notifications when the
// caller asked for them with a progress token.
func progressReporter(ctx context.Context, req *sdkmcp.CallToolRequest, logger *slog.Logger) func(string) {
	if req == nil || req.Params == nil || req.Session == nil {
		return nil
	}
	token := req.Params.GetProgressToken()
	if token == nil {
		return nil
	}
	n := 0
	return func(delta string) {
		n++
		err := req.Session.NotifyProgress(ctx, &sdkmcp.ProgressNotificationParams{
			ProgressToken: token,
			Progress:      float64(n),
			Message:       delta,
		})
		if err != nil {
			logger.Debug("progress notification dropped", "error", err)
		}
	}
}

// ── Projects ──

func (h *handlers) createProject(ctx context.Context, _ *sdkmcp.CallToolRequest, in createProjectInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.svc.Sessions.Create(ctx, project.CreateRequest{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		Settings:    in.Settings,
	})
	if err != nil {
		return toolError(err, CodeInternal)
	}
	return jsonResult(o.Status())
}

func (h *handlers) listProjects(ctx context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, any, error) {
	list, err := h.svc.Sessions.List(ctx)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	if list == nil {
		list = []project.Summary{}
	}
	return jsonResult(map[string]any{"projects": list})
}

func (h *handlers) getStatus(ctx context.Context, _ *sdkmcp.CallToolRequest, in projectInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	return jsonResult(o.Status())
}

func (h *handlers) updateSettings(ctx context.Context, _ *sdkmcp.CallToolRequest, in updateSettingsInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	settings, err := o.UpdateSettings(ctx, in.Settings)
	return respond(&settings, err, CodeInternal)
}

func (h *handlers) deleteProject(ctx context.Context, _ *sdkmcp.CallToolRequest, in projectInput) (*sdkmcp.CallToolResult, any, error) {
	if _, err := h.load(ctx, in.ProjectID); err != nil {
		return toolError(err, CodeInternal)
	}
	if err := h.svc.Sessions.Delete(ctx, in.ProjectID); err != nil {
		return toolError(err, CodeInternal)
	}
	return jsonResult(map[string]any{"deleted": true, "project_id": in.ProjectID})
}

// ── Sources and stages ──

func (h *handlers) uploadSource(ctx context.Context, _ *sdkmcp.CallToolRequest, in uploadSourceInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}

	var ref provider.ContentRef
	switch {
	case in.Path != "" && in.Content != "":
		err = fmt.Errorf("%w: give either path or content", session.ErrInvalidInput)
	case in.Path != "":
		if !h.allowPaths {
			err = fmt.Errorf("%w: path uploads are disabled; send content instead", session.ErrInvalidInput)
		} else {
			ref, err = o.UploadSource(ctx, in.Path)
		}
	default:
		ref, err = o.UploadBytes(ctx, in.Name, in.MIMEType, []byte(in.Content))
	}
	if err != nil && !errors.Is(err, session.ErrPersistence) {
		return toolError(err, CodeProviderUnavailable)
	}
	out := uploadOutput{Source: ref, Budget: o.Status().Budget}
	return respond(&out, err, CodeProviderUnavailable)
}

func (h *handlers) runStage(ctx context.Context, req *sdkmcp.CallToolRequest, in runStageInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	sreq := session.StageRequest{
		Stage:             in.Stage,
		Prompt:            in.Prompt,
		SystemInstruction: in.SystemInstruction,
		Supplement:        in.Supplement,
	}
	if !in.Stream {
		res, err := o.RunStage(ctx, sreq)
		return respond(res, err, CodeProviderUnavailable)
	}

	events, err := o.RunStageStream(ctx, sreq)
	if err != nil {
		return toolError(err, CodeProviderUnavailable)
	}
	notify := progressReporter(ctx, req, h.logger)
	out := streamOutput{Stage: in.Stage}
	var text strings.Builder
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case provider.EventTextDelta:
			text.WriteString(ev.TextDelta)
			if notify != nil {
				notify(ev.TextDelta)
			}
		case provider.EventDone:
			out.Usage = ev.Usage
		case provider.EventError:
			out.Usage = ev.Usage
			streamErr = ev.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return toolError(err, CodeInternal)
	}
	out.Text = text.String()
	out.Budget = o.Status().Budget
	return respond(&out, streamErr, CodeProviderUnavailable)
}

func (h *handlers) getHistory(ctx context.Context, _ *sdkmcp.CallToolRequest, in stageInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	turns, err := o.History(in.Stage)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	return jsonResult(map[string]any{"stage": in.Stage, "turns": turns})
}

func (h *handlers) countTokens(ctx context.Context, _ *sdkmcp.CallToolRequest, in countTokensInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	n, err := o.CountTokens(ctx, in.Stage, in.Text)
	if err != nil {
		return toolError(err, CodeProviderUnavailable)
	}
	return jsonResult(map[string]any{"stage": in.Stage, "tokens": n})
}

func (h *handlers) updateProgress(ctx context.Context, _ *sdkmcp.CallToolRequest, in updateProgressInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	sp, err := o.UpdateProgress(ctx, in.Stage, in.Percentage, in.Step, in.TotalSteps)
	return respond(&sp, err, CodeInternal)
}

// ── Caches and budget ──

func (h *handlers) extendCache(ctx context.Context, _ *sdkmcp.CallToolRequest, in extendCacheInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	ok, err := o.ExtendCache(ctx, in.Stage, time.Duration(in.TTLSeconds)*time.Second)
	out := map[string]any{"stage": in.Stage, "extended": ok}
	return respond(&out, err, CodeProviderUnavailable)
}

func (h *handlers) deleteCache(ctx context.Context, _ *sdkmcp.CallToolRequest, in stageInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	ok, err := o.DeleteCache(ctx, in.Stage)
	out := map[string]any{"stage": in.Stage, "deleted": ok}
	return respond(&out, err, CodeProviderUnavailable)
}

func (h *handlers) budgetReport(ctx context.Context, _ *sdkmcp.CallToolRequest, in projectInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	return jsonResult(o.Report())
}

func (h *handlers) recentActivity(ctx context.Context, _ *sdkmcp.CallToolRequest, in activityInput) (*sdkmcp.CallToolResult, any, error) {
	opts := activity.ListActivityOptions{
		ProjectID: in.ProjectID,
		Stage:     in.Stage,
		Limit:     in.Limit,
		Offset:    in.Offset,
	}
	if in.Type != "" {
		typ := activity.ActivityType(in.Type)
		opts.ActivityType = &typ
	}
	entries, err := h.svc.Activity.GetRecentActivity(ctx, opts)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	if entries == nil {
		entries = []activity.ActivityEntry{}
	}
	return jsonResult(map[string]any{"entries": entries})
}

// ── Screenplay ──

func (h *handlers) analyze(ctx context.Context, _ *sdkmcp.CallToolRequest, in projectInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	res, err := h.svc.Screenplays.Analyze(ctx, o)
	return respond(res, err, CodeProviderUnavailable)
}

func (h *handlers) selectConcept(ctx context.Context, _ *sdkmcp.CallToolRequest, in selectConceptInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	res, err := h.svc.Screenplays.SelectConcept(ctx, o, in.Index, in.DurationMinutes)
	return respond(res, err, CodeProviderUnavailable)
}

func (h *handlers) beatSheet(ctx context.Context, _ *sdkmcp.CallToolRequest, in projectInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	res, err := h.svc.Screenplays.CreateBeatSheet(ctx, o)
	return respond(res, err, CodeProviderUnavailable)
}

func (h *handlers) updateBeatSheet(ctx context.Context, _ *sdkmcp.CallToolRequest, in updateBeatSheetInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	res, err := h.svc.Screenplays.UpdateBeatSheet(ctx, o, in.BeatSheet)
	return respond(res, err, CodeInternal)
}

func (h *handlers) outline(ctx context.Context, _ *sdkmcp.CallToolRequest, in projectInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	res, err := h.svc.Screenplays.CreateSceneOutlines(ctx, o)
	return respond(res, err, CodeProviderUnavailable)
}

func (h *handlers) writeScene(ctx context.Context, req *sdkmcp.CallToolRequest, in writeSceneInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	var res *screenplay.SceneResponse
	if in.Stream {
		res, err = h.svc.Screenplays.WriteNextSceneStream(ctx, o, progressReporter(ctx, req, h.logger))
	} else {
		res, err = h.svc.Screenplays.WriteNextScene(ctx, o)
	}
	return respond(res, err, CodeProviderUnavailable)
}

func (h *handlers) expandScene(ctx context.Context, _ *sdkmcp.CallToolRequest, in sceneInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	res, err := h.svc.Screenplays.ExpandScene(ctx, o, in.SceneNumber)
	return respond(res, err, CodeProviderUnavailable)
}

func (h *handlers) reviseScene(ctx context.Context, _ *sdkmcp.CallToolRequest, in reviseSceneInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	res, err := h.svc.Screenplays.ReviseScene(ctx, o, in.SceneNumber, in.Notes)
	return respond(res, err, CodeProviderUnavailable)
}

func (h *handlers) approveScene(ctx context.Context, _ *sdkmcp.CallToolRequest, in sceneInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	res, err := h.svc.Screenplays.ApproveScene(ctx, o, in.SceneNumber)
	return respond(res, err, CodeInternal)
}

func (h *handlers) optimize(ctx context.Context, _ *sdkmcp.CallToolRequest, in projectInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	res, err := h.svc.Screenplays.Optimize(ctx, o)
	return respond(res, err, CodeProviderUnavailable)
}

func (h *handlers) finalize(ctx context.Context, _ *sdkmcp.CallToolRequest, in projectInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	res, err := h.svc.Screenplays.Finalize(ctx, o)
	return respond(res, err, CodeInternal)
}

func (h *handlers) getScreenplay(ctx context.Context, _ *sdkmcp.CallToolRequest, in screenplayGetInput) (*sdkmcp.CallToolResult, any, error) {
	o, err := h.load(ctx, in.ProjectID)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	doc, err := h.svc.Screenplays.Get(ctx, o)
	if err != nil {
		return toolError(err, CodeInternal)
	}
	switch in.Format {
	case "", "json":
		return jsonResult(doc)
	case "text":
		return textResult(screenplay.Format(doc))
	default:
		return toolError(fmt.Errorf("%w: format must be json or text", screenplay.ErrInvalidInput), CodeInvalidInput)
	}
}
