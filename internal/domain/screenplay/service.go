package screenplay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/rpggio/storyloom/internal/domain/activity"
	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/rpggio/storyloom/internal/provider"
	"github.com/rpggio/storyloom/internal/repository"
)

// Workflow stages the screenplay steps run on.
const (
	StageAnalyze = "analyze"
	StageOutline = "outline"
	StageWrite   = "write"
	StageReview  = "review"
)

var (
	conceptsSchema     = provider.MustSchemaFor[ConceptsResponse]("concepts")
	characterSchema    = provider.MustSchemaFor[CharacterCardResponse]("character_card")
	beatSheetSchema    = provider.MustSchemaFor[BeatSheetResponse]("beat_sheet")
	outlinesSchema     = provider.MustSchemaFor[SceneOutlinesResponse]("scene_outlines")
	sceneSchema        = provider.MustSchemaFor[SceneResponse]("scene")
	optimizationSchema = provider.MustSchemaFor[OptimizationReport]("optimization_report")
)

// Service drives the screenplay workflow through a project session and keeps
// the resulting document. Calls for one project must be serialized.
type Service struct {
	repo     Repository
	activity session.ActivityLog
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a screenplay service. activity may be nil.
func NewService(repo Repository, log session.ActivityLog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, activity: log, logger: logger, now: time.Now}
}

// Get returns the project's screenplay, or an empty draft if none exists.
func (s *Service) Get(ctx context.Context, r Runner) (*Document, error) {
	doc, err := s.repo.Get(ctx, r.ID())
	if errors.Is(err, repository.ErrNotFound) {
		now := s.now()
		return &Document{
			ProjectID: r.ID(),
			Title:     r.Project().Name,
			Status:    StatusDraft,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading screenplay: %w", err)
	}
	return doc, nil
}

// Analyze proposes three concepts from the uploaded sources.
func (s *Service) Analyze(ctx context.Context, r Runner) (*ConceptsResponse, error) {
	doc, err := s.Get(ctx, r)
	if err != nil {
		return nil, err
	}

	var resp ConceptsResponse
	stageErr, err := s.structured(ctx, r, session.StageRequest{Stage: StageAnalyze, Prompt: analyzePrompt}, conceptsSchema, &resp)
	if err != nil {
		return nil, err
	}

	doc.Concepts = resp.Concepts
	doc.SourceSummary = resp.SourceSummary
	doc.SelectedConcept = nil
	doc.Status = StatusConceptSelection
	return &resp, s.finish(ctx, r, doc, stageErr, StageAnalyze, 50, "concepts generated", 2)
}

// SelectConcept fixes the concept and target length and builds the
// protagonist card. index is zero-based; durationMinutes falls back to the
// project setting when zero.
func (s *Service) SelectConcept(ctx context.Context, r Runner, index, durationMinutes int) (*CharacterCardResponse, error) {
	doc, err := s.Get(ctx, r)
	if err != nil {
		return nil, err
	}
	if len(doc.Concepts) == 0 {
		return nil, fmt.Errorf("%w: analyze the source first", ErrStepOrder)
	}
	if index < 0 || index >= len(doc.Concepts) {
		return nil, fmt.Errorf("%w: concept index %d out of range 0-%d", ErrInvalidInput, index, len(doc.Concepts)-1)
	}
	if durationMinutes <= 0 {
		durationMinutes = r.Project().Settings.TargetDurationMinutes
	}

	prompt := fmt.Sprintf(characterPrompt, index+1, durationMinutes, asJSON(doc.Concepts[index]))
	var resp CharacterCardResponse
	stageErr, err := s.structured(ctx, r, session.StageRequest{Stage: StageAnalyze, Prompt: prompt}, characterSchema, &resp)
	if err != nil {
		return nil, err
	}

	doc.SelectedConcept = &index
	doc.TargetMinutes = durationMinutes
	doc.Protagonist = &resp.Protagonist
	doc.SupportingCharacters = resp.SuggestedSupporting
	doc.Status = StatusCharacter
	return &resp, s.finish(ctx, r, doc, stageErr, StageAnalyze, 100, "character card created", 2)
}

// CreateBeatSheet builds the fifteen-beat skeleton.
func (s *Service) CreateBeatSheet(ctx context.Context, r Runner) (*BeatSheetResponse, error) {
	doc, err := s.Get(ctx, r)
	if err != nil {
		return nil, err
	}
	concept, ok := doc.Concept()
	if !ok || doc.Protagonist == nil {
		return nil, fmt.Errorf("%w: select a concept first", ErrStepOrder)
	}

	prompt := fmt.Sprintf(beatSheetPrompt, doc.TargetMinutes, asJSON(concept), asJSON(doc.Protagonist))
	var resp BeatSheetResponse
	stageErr, err := s.structured(ctx, r, session.StageRequest{Stage: StageOutline, Prompt: prompt}, beatSheetSchema, &resp)
	if err != nil {
		return nil, err
	}

	doc.BeatSheet = &resp.BeatSheet
	doc.Status = StatusBeatSheet
	return &resp, s.finish(ctx, r, doc, stageErr, StageOutline, 50, "beat sheet created", 2)
}

// UpdateBeatSheet replaces the beat sheet with a hand-edited one. Beats are
// kept in number order and a missing total duration is summed from the
// beats. Existing scene outlines are left alone.
func (s *Service) UpdateBeatSheet(ctx context.Context, r Runner, sheet BeatSheet) (*BeatSheet, error) {
	if err := sheet.Validate(); err != nil {
		return nil, err
	}
	doc, err := s.Get(ctx, r)
	if err != nil {
		return nil, err
	}
	if doc.Protagonist == nil {
		return nil, fmt.Errorf("%w: select a concept first", ErrStepOrder)
	}

	beats := slices.Clone(sheet.Beats)
	slices.SortFunc(beats, func(a, b Beat) int { return a.Number - b.Number })
	sheet.Beats = beats
	if sheet.TotalDurationMinutes == 0 {
		secs := 0
		for _, b := range beats {
			secs += b.EstimatedDurationSeconds
		}
		sheet.TotalDurationMinutes = (secs + 59) / 60
	}

	doc.BeatSheet = &sheet
	if doc.Status == StatusCharacter {
		doc.Status = StatusBeatSheet
	}
	if err := s.save(ctx, r, doc, fmt.Sprintf("beat sheet edited (%d beats)", len(beats))); err != nil {
		return &sheet, err
	}
	return &sheet, nil
}

// CreateSceneOutlines splits the beat sheet into timed scenes.
func (s *Service) CreateSceneOutlines(ctx context.Context, r Runner) (*SceneOutlinesResponse, error) {
	doc, err := s.Get(ctx, r)
	if err != nil {
		return nil, err
	}
	if doc.BeatSheet == nil {
		return nil, fmt.Errorf("%w: create the beat sheet first", ErrStepOrder)
	}

	prompt := fmt.Sprintf(outlinePrompt, asJSON(doc.BeatSheet), doc.TargetMinutes, doc.TargetMinutes*60)
	var resp SceneOutlinesResponse
	stageErr, err := s.structured(ctx, r, session.StageRequest{Stage: StageOutline, Prompt: prompt}, outlinesSchema, &resp)
	if err != nil {
		return nil, err
	}

	doc.SceneOutlines = resp.Outlines
	doc.Scenes = nil
	doc.Status = StatusSceneOutline
	return &resp, s.finish(ctx, r, doc, stageErr, StageOutline, 100, fmt.Sprintf("%d scenes outlined", len(resp.Outlines)), 2)
}

// WriteNextScene writes the first outlined scene not yet written.
func (s *Service) WriteNextScene(ctx context.Context, r Runner) (*SceneResponse, error) {
	doc, outline, err := s.nextScene(ctx, r)
	if err != nil {
		return nil, err
	}

	var resp SceneResponse
	stageErr, err := s.structured(ctx, r, writeRequest(doc, outline), sceneSchema, &resp)
	if err != nil {
		return nil, err
	}
	return s.storeScene(ctx, r, doc, outline, &resp, stageErr)
}

// WriteNextSceneStream is WriteNextScene with the reply streamed to onDelta.
// A reply that is not scene JSON is kept verbatim as the scene action.
func (s *Service) WriteNextSceneStream(ctx context.Context, r Runner, onDelta func(string)) (*SceneResponse, error) {
	doc, outline, err := s.nextScene(ctx, r)
	if err != nil {
		return nil, err
	}

	events, err := r.RunStageStream(ctx, writeRequest(doc, outline))
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	var stageErr error
	for ev := range events {
		switch ev.Type {
		case provider.EventTextDelta:
			text.WriteString(ev.TextDelta)
			if onDelta != nil {
				onDelta(ev.TextDelta)
			}
		case provider.EventError:
			if !errors.Is(ev.Err, session.ErrPersistence) {
				return nil, ev.Err
			}
			stageErr = ev.Err
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	resp := parseScene(text.String(), outline)
	return s.storeScene(ctx, r, doc, outline, resp, stageErr)
}

// ExpandScene rewrites a scene at twice its duration.
func (s *Service) ExpandScene(ctx context.Context, r Runner, number int) (*SceneResponse, error) {
	doc, scene, err := s.scene(ctx, r, number)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(expandScenePrompt, asJSON(scene), scene.DurationSeconds*2)
	return s.rewrite(ctx, r, doc, scene, prompt, "expanded")
}

// ReviseScene rewrites a scene following the given notes.
func (s *Service) ReviseScene(ctx context.Context, r Runner, number int, notes string) (*SceneResponse, error) {
	if strings.TrimSpace(notes) == "" {
		return nil, fmt.Errorf("%w: revision notes are required", ErrInvalidInput)
	}
	doc, scene, err := s.scene(ctx, r, number)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(reviseScenePrompt, asJSON(scene), notes)
	return s.rewrite(ctx, r, doc, scene, prompt, "revised")
}

// ApproveScene marks a written scene approved.
func (s *Service) ApproveScene(ctx context.Context, r Runner, number int) (*Scene, error) {
	doc, scene, err := s.scene(ctx, r, number)
	if err != nil {
		return nil, err
	}
	scene.Status = SceneApproved
	doc.putScene(scene)
	if err := s.save(ctx, r, doc, fmt.Sprintf("scene %d approved", number)); err != nil {
		return &scene, err
	}
	return &scene, nil
}

// Optimize runs the script-doctor review over the written scenes.
func (s *Service) Optimize(ctx context.Context, r Runner) (*OptimizationReport, error) {
	doc, err := s.Get(ctx, r)
	if err != nil {
		return nil, err
	}
	if len(doc.Scenes) == 0 {
		return nil, fmt.Errorf("%w: write scenes first", ErrStepOrder)
	}

	var resp OptimizationReport
	req := session.StageRequest{Stage: StageReview, Prompt: fmt.Sprintf(optimizePrompt, Format(doc))}
	stageErr, err := s.structured(ctx, r, req, optimizationSchema, &resp)
	if err != nil {
		return nil, err
	}

	doc.Optimization = &resp
	doc.Status = StatusOptimization
	return &resp, s.finish(ctx, r, doc, stageErr, StageReview, 50, fmt.Sprintf("review scored %d/10", resp.OverallScore), 2)
}

// Finalize completes the workflow.
func (s *Service) Finalize(ctx context.Context, r Runner) (*Document, error) {
	doc, err := s.Get(ctx, r)
	if err != nil {
		return nil, err
	}
	if len(doc.Scenes) == 0 {
		return nil, fmt.Errorf("%w: nothing written yet", ErrStepOrder)
	}
	doc.Status = StatusCompleted
	return doc, s.finish(ctx, r, doc, nil, StageReview, 100, "completed", 2)
}

func (s *Service) nextScene(ctx context.Context, r Runner) (*Document, SceneOutline, error) {
	doc, err := s.Get(ctx, r)
	if err != nil {
		return nil, SceneOutline{}, err
	}
	if len(doc.SceneOutlines) == 0 {
		return nil, SceneOutline{}, fmt.Errorf("%w: outline the scenes first", ErrStepOrder)
	}
	outline, ok := doc.NextOutline()
	if !ok {
		return nil, SceneOutline{}, ErrAllScenesWritten
	}
	return doc, outline, nil
}

func (s *Service) scene(ctx context.Context, r Runner, number int) (*Document, Scene, error) {
	doc, err := s.Get(ctx, r)
	if err != nil {
		return nil, Scene{}, err
	}
	scene, ok := doc.Scene(number)
	if !ok {
		return nil, Scene{}, fmt.Errorf("%w: %d", ErrSceneNotFound, number)
	}
	return doc, *scene, nil
}

// writeRequest carries the story bible as the write-stage cache supplement
// so each scene prompt stays small.
func writeRequest(doc *Document, o SceneOutline) session.StageRequest {
	concept, _ := doc.Concept()
	bible := asJSON(map[string]any{
		"concept":     concept,
		"protagonist": doc.Protagonist,
		"supporting":  doc.SupportingCharacters,
		"beat_sheet":  doc.BeatSheet,
		"outlines":    doc.SceneOutlines,
	})
	return session.StageRequest{
		Stage: StageWrite,
		Prompt: fmt.Sprintf(writeScenePrompt,
			o.SceneNumber, o.Location, o.TimeOfDay, o.DurationSeconds, o.BriefDescription,
			o.DurationSeconds, o.SceneNumber, o.Location, o.TimeOfDay, o.DurationSeconds),
		Supplement: "Story bible:\n" + bible,
	}
}

func (s *Service) storeScene(ctx context.Context, r Runner, doc *Document, o SceneOutline, resp *SceneResponse, stageErr error) (*SceneResponse, error) {
	resp.Scene.SceneNumber = o.SceneNumber
	if resp.Scene.Header == "" {
		resp.Scene.Header = sceneHeader(o)
	}
	if resp.Scene.DurationSeconds <= 0 {
		resp.Scene.DurationSeconds = o.DurationSeconds
	}
	resp.Scene.Status = SceneDraft
	resp.Scene.RevisionCount = 0
	doc.putScene(resp.Scene)
	doc.Status = StatusWriting

	step := fmt.Sprintf("scene %d/%d written", len(doc.Scenes), len(doc.SceneOutlines))
	return resp, s.finish(ctx, r, doc, stageErr, StageWrite, doc.WritingProgress(), step, len(doc.SceneOutlines))
}

func (s *Service) rewrite(ctx context.Context, r Runner, doc *Document, prev Scene, prompt, verb string) (*SceneResponse, error) {
	var resp SceneResponse
	stageErr, err := s.structured(ctx, r, session.StageRequest{Stage: StageWrite, Prompt: prompt}, sceneSchema, &resp)
	if err != nil {
		return nil, err
	}

	resp.Scene.SceneNumber = prev.SceneNumber
	resp.Scene.Status = SceneRevised
	resp.Scene.RevisionCount = prev.RevisionCount + 1
	doc.putScene(resp.Scene)

	summary := fmt.Sprintf("scene %d %s", prev.SceneNumber, verb)
	return &resp, errors.Join(stageErr, s.save(ctx, r, doc, summary))
}

// structured runs a schema-bound stage and decodes the reply into out. A
// failed session save is returned as stageErr alongside a usable reply.
func (s *Service) structured(ctx context.Context, r Runner, req session.StageRequest, schema provider.Schema, out any) (stageErr, err error) {
	req.Schema = &schema
	req.SystemInstruction = systemInstruction

	res, err := r.RunStage(ctx, req)
	if res == nil {
		return nil, err
	}
	if derr := res.Decode(out); derr != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", provider.ErrSchemaViolation, schema.Name, derr)
	}
	if err != nil {
		s.logger.Warn("stage result kept despite failed save", "project", r.ID(), "stage", req.Stage, "error", err)
	}
	return err, nil
}

// finish saves the document and records stage progress.
func (s *Service) finish(ctx context.Context, r Runner, doc *Document, stageErr error, stage string, pct float64, step string, totalSteps int) error {
	saveErr := s.save(ctx, r, doc, step)
	_, progressErr := r.UpdateProgress(ctx, stage, pct, step, totalSteps)
	return errors.Join(stageErr, saveErr, progressErr)
}

func (s *Service) save(ctx context.Context, r Runner, doc *Document, summary string) error {
	doc.ProjectID = r.ID()
	doc.UpdatedAt = s.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = doc.UpdatedAt
	}
	if err := s.repo.Save(context.WithoutCancel(ctx), doc); err != nil {
		s.logger.Error("saving screenplay failed", "project", r.ID(), "error", err)
		return fmt.Errorf("%w: screenplay: %w", session.ErrPersistence, err)
	}
	if s.activity != nil {
		s.activity.Record(ctx, r.ID(), "", activity.TypeScreenplaySaved, summary,
			map[string]any{"status": doc.Status, "scenes": len(doc.Scenes)})
	}
	return nil
}

// parseScene decodes a streamed scene, tolerating a fenced JSON block.
func parseScene(text string, o SceneOutline) *SceneResponse {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")

	var resp SceneResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err == nil && resp.Scene.Action != "" {
		return &resp
	}
	return &SceneResponse{Scene: Scene{
		SceneNumber:     o.SceneNumber,
		Header:          sceneHeader(o),
		Action:          strings.TrimSpace(text),
		DurationSeconds: o.DurationSeconds,
	}}
}
