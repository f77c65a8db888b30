package screenplay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the furthest workflow step a screenplay has reached.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusConceptSelection Status = "concept_selection"
	StatusCharacter        Status = "character"
	StatusBeatSheet        Status = "beat_sheet"
	StatusSceneOutline     Status = "scene_outline"
	StatusWriting          Status = "writing"
	StatusOptimization     Status = "optimization"
	StatusCompleted        Status = "completed"
)

// Scene status values.
const (
	SceneDraft    = "draft"
	SceneApproved = "approved"
	SceneRevised  = "revised"
)

// Concept is one proposed film adaptation.
type Concept struct {
	Genre              string `json:"genre" jsonschema:"film genre such as drama or adventure"`
	Logline            string `json:"logline" jsonschema:"one-sentence hook"`
	Tone               string `json:"tone" jsonschema:"overall tone such as epic or dark"`
	TargetAudience     string `json:"target_audience,omitempty"`
	UniqueSellingPoint string `json:"unique_selling_point,omitempty" jsonschema:"what sets this concept apart"`
}

// CharacterCard describes a character's dramatic makeup.
type CharacterCard struct {
	Name         string   `json:"name"`
	DramaticNeed string   `json:"dramatic_need" jsonschema:"what the character wants to achieve over the film"`
	PointOfView  string   `json:"point_of_view" jsonschema:"how the character sees the world"`
	Attitude     string   `json:"attitude" jsonschema:"how the character reacts to events"`
	Arc          string   `json:"arc" jsonschema:"who the character is at the start and who they become"`
	Backstory    string   `json:"backstory,omitempty"`
	Flaws        []string `json:"flaws,omitempty"`
}

// Beat is one step of the story skeleton.
type Beat struct {
	Number                   int    `json:"number"`
	Name                     string `json:"name" jsonschema:"beat name such as Opening Image or Catalyst"`
	Description              string `json:"description"`
	EstimatedDurationSeconds int    `json:"estimated_duration_seconds"`
	KeyMoment                string `json:"key_moment,omitempty"`
}

// BeatSheet is the fifteen-beat story skeleton.
type BeatSheet struct {
	Beats                []Beat `json:"beats"`
	TotalDurationMinutes int    `json:"total_duration_minutes"`
	ActOneEnd            int    `json:"act_one_end,omitempty" jsonschema:"beat number closing act one"`
	Midpoint             int    `json:"midpoint,omitempty"`
	ActTwoEnd            int    `json:"act_two_end,omitempty" jsonschema:"beat number closing act two"`
}

// Validate checks a hand-edited beat sheet: numbered, named beats with
// non-negative durations, and act markers that point at existing beats.
func (b BeatSheet) Validate() error {
	if len(b.Beats) == 0 {
		return fmt.Errorf("%w: beat sheet has no beats", ErrInvalidInput)
	}
	if b.TotalDurationMinutes < 0 {
		return fmt.Errorf("%w: negative total duration", ErrInvalidInput)
	}
	seen := make(map[int]bool, len(b.Beats))
	for i, beat := range b.Beats {
		if beat.Number <= 0 {
			return fmt.Errorf("%w: beat %d has no number", ErrInvalidInput, i+1)
		}
		if seen[beat.Number] {
			return fmt.Errorf("%w: beat number %d repeated", ErrInvalidInput, beat.Number)
		}
		seen[beat.Number] = true
		if strings.TrimSpace(beat.Name) == "" {
			return fmt.Errorf("%w: beat %d has no name", ErrInvalidInput, beat.Number)
		}
		if beat.EstimatedDurationSeconds < 0 {
			return fmt.Errorf("%w: beat %d has a negative duration", ErrInvalidInput, beat.Number)
		}
	}
	markers := []struct {
		label  string
		number int
	}{{"act_one_end", b.ActOneEnd}, {"midpoint", b.Midpoint}, {"act_two_end", b.ActTwoEnd}}
	for _, m := range markers {
		if m.number != 0 && !seen[m.number] {
			return fmt.Errorf("%w: %s refers to missing beat %d", ErrInvalidInput, m.label, m.number)
		}
	}
	return nil
}

// SceneOutline is a timed summary of a scene to be written.
type SceneOutline struct {
	SceneNumber      int    `json:"scene_number"`
	Location         string `json:"location" jsonschema:"location in capitals"`
	TimeOfDay        string `json:"time_of_day" jsonschema:"DAY, NIGHT, DUSK and so on"`
	DurationSeconds  int    `json:"duration_seconds"`
	BriefDescription string `json:"brief_description"`
	BeatReference    int    `json:"beat_reference,omitempty"`
	EmotionalArc     string `json:"emotional_arc,omitempty"`
}

// DialogueLine is one spoken line.
type DialogueLine struct {
	Character     string `json:"character"`
	Line          string `json:"line"`
	Parenthetical string `json:"parenthetical,omitempty"`
}

// UnmarshalJSON accepts the typed shape as well as a loose bag using
// speaker/name for the character and text/dialogue for the line.
func (d *DialogueLine) UnmarshalJSON(data []byte) error {
	var bag map[string]any
	if err := json.Unmarshal(data, &bag); err != nil {
		return fmt.Errorf("dialogue line: %w", err)
	}
	pick := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := bag[k].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
		return ""
	}
	*d = DialogueLine{
		Character:     pick("character", "speaker", "name"),
		Line:          pick("line", "text", "dialogue"),
		Parenthetical: pick("parenthetical"),
	}
	return nil
}

// Scene is a fully written scene.
type Scene struct {
	SceneNumber     int            `json:"scene_number"`
	Header          string         `json:"header" jsonschema:"SCENE N: LOCATION - TIME - [DURATION: N seconds]"`
	Action          string         `json:"action" jsonschema:"second-by-second action description"`
	Dialogue        []DialogueLine `json:"dialogue,omitempty"`
	DurationSeconds int            `json:"duration_seconds"`
	Status          string         `json:"status,omitempty"`
	RevisionCount   int            `json:"revision_count,omitempty"`
	Notes           string         `json:"notes,omitempty"`
}

// OptimizationReport is the script-doctor review of a full draft.
type OptimizationReport struct {
	ContinuityIssues         []string `json:"continuity_issues,omitempty"`
	PlotHoles                []string `json:"plot_holes,omitempty"`
	MotivationIssues         []string `json:"motivation_issues,omitempty"`
	ClicheWarnings           []string `json:"cliche_warnings,omitempty"`
	PassiveProtagonistIssues []string `json:"passive_protagonist_issues,omitempty"`
	FirstTenMinutesCheck     string   `json:"first_ten_minutes_check"`
	RoboticDialogueIssues    []string `json:"robotic_dialogue_issues,omitempty"`
	OverallScore             int      `json:"overall_score" jsonschema:"overall quality from 1 to 10"`
	Recommendations          []string `json:"recommendations"`
}

// Structured response shapes requested from the model.
type (
	ConceptsResponse struct {
		Concepts      []Concept `json:"concepts" jsonschema:"exactly three distinct film concepts"`
		SourceSummary string    `json:"source_summary"`
	}

	CharacterCardResponse struct {
		Protagonist         CharacterCard `json:"protagonist"`
		SuggestedSupporting []string      `json:"suggested_supporting,omitempty"`
	}

	BeatSheetResponse struct {
		BeatSheet BeatSheet `json:"beat_sheet"`
	}

	SceneOutlinesResponse struct {
		Outlines             []SceneOutline `json:"outlines"`
		TotalDurationSeconds int            `json:"total_duration_seconds"`
	}

	SceneResponse struct {
		Scene        Scene  `json:"scene"`
		QualityNotes string `json:"quality_notes,omitempty"`
	}
)

// Document is the screenplay built up across the workflow.
type Document struct {
	ProjectID            string              `json:"project_id"`
	Title                string              `json:"title"`
	SourceSummary        string              `json:"source_summary,omitempty"`
	Concepts             []Concept           `json:"concepts"`
	SelectedConcept      *int                `json:"selected_concept_index,omitempty"`
	Protagonist          *CharacterCard      `json:"protagonist,omitempty"`
	SupportingCharacters []string            `json:"supporting_characters,omitempty"`
	BeatSheet            *BeatSheet          `json:"beat_sheet,omitempty"`
	SceneOutlines        []SceneOutline      `json:"scene_outlines"`
	Scenes               []Scene             `json:"scenes"`
	TargetMinutes        int                 `json:"target_duration_minutes,omitempty"`
	Optimization         *OptimizationReport `json:"optimization_report,omitempty"`
	Status               Status              `json:"status"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// Concept returns the selected concept.
func (d *Document) Concept() (Concept, bool) {
	if d.SelectedConcept == nil || *d.SelectedConcept < 0 || *d.SelectedConcept >= len(d.Concepts) {
		return Concept{}, false
	}
	return d.Concepts[*d.SelectedConcept], true
}

// Scene returns the written scene with the given number.
func (d *Document) Scene(number int) (*Scene, bool) {
	for i := range d.Scenes {
		if d.Scenes[i].SceneNumber == number {
			return &d.Scenes[i], true
		}
	}
	return nil, false
}

// ApprovedScenes counts approved scenes.
func (d *Document) ApprovedScenes() int {
	n := 0
	for _, s := range d.Scenes {
		if s.Status == SceneApproved {
			n++
		}
	}
	return n
}

// WritingProgress is the share of outlined scenes written, 0..100.
func (d *Document) WritingProgress() float64 {
	if len(d.SceneOutlines) == 0 {
		return 0
	}
	return min(float64(len(d.Scenes))/float64(len(d.SceneOutlines))*100, 100)
}

// NextOutline returns the first outline without a written scene.
func (d *Document) NextOutline() (SceneOutline, bool) {
	for _, o := range d.SceneOutlines {
		if _, written := d.Scene(o.SceneNumber); !written {
			return o, true
		}
	}
	return SceneOutline{}, false
}

// putScene inserts or replaces a scene keeping scene-number order.
func (d *Document) putScene(s Scene) {
	if existing, ok := d.Scene(s.SceneNumber); ok {
		*existing = s
		return
	}
	i := 0
	for i < len(d.Scenes) && d.Scenes[i].SceneNumber < s.SceneNumber {
		i++
	}
	d.Scenes = append(d.Scenes, Scene{})
	copy(d.Scenes[i+1:], d.Scenes[i:])
	d.Scenes[i] = s
}
