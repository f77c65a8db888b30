package project

import (
	"fmt"
	"time"
)

// Project is one adaptation workspace: a source, its settings and the
// progress of each workflow stage.
type Project struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Settings    Settings                  `json:"settings"`
	Progress    map[string]*StageProgress `json:"progress"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Settings are per-project knobs, validated on create and update.
type Settings struct {
	Language              string                   `json:"language"`
	TargetDurationMinutes int                      `json:"target_duration_minutes"`
	CacheTTLSeconds       int                      `json:"cache_ttl_seconds"`
	AutoSave              bool                     `json:"auto_save"`
	StreamingEnabled      bool                     `json:"streaming_enabled"`
	ImageModel            string                   `json:"image_model,omitempty"`
	Stages                map[string]StageOverride `json:"stages,omitempty"`
}

// StageOverride replaces the configured model or thinking level of a stage.
type StageOverride struct {
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinking_level,omitempty"`
}

const (
	MinDurationMinutes = 1
	MaxDurationMinutes = 180
	MinCacheTTLSeconds = 300
	MaxCacheTTLSeconds = 86400
)

// Validate checks setting ranges.
func (s Settings) Validate() error {
	if s.TargetDurationMinutes < MinDurationMinutes || s.TargetDurationMinutes > MaxDurationMinutes {
		return fmt.Errorf("%w: target duration must be %d-%d minutes", ErrInvalidInput, MinDurationMinutes, MaxDurationMinutes)
	}
	if s.CacheTTLSeconds < MinCacheTTLSeconds || s.CacheTTLSeconds > MaxCacheTTLSeconds {
		return fmt.Errorf("%w: cache ttl must be %d-%d seconds", ErrInvalidInput, MinCacheTTLSeconds, MaxCacheTTLSeconds)
	}
	for stage, o := range s.Stages {
		switch o.ThinkingLevel {
		case "", "low", "medium", "high":
		default:
			return fmt.Errorf("%w: stage %s thinking level %q", ErrInvalidInput, stage, o.ThinkingLevel)
		}
	}
	return nil
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	Language              *string                  `json:"language,omitempty"`
	TargetDurationMinutes *int                     `json:"target_duration_minutes,omitempty"`
	CacheTTLSeconds       *int                     `json:"cache_ttl_seconds,omitempty"`
	AutoSave              *bool                    `json:"auto_save,omitempty"`
	StreamingEnabled      *bool                    `json:"streaming_enabled,omitempty"`
	Stages                map[string]StageOverride `json:"stages,omitempty"`
}

// Apply returns s with the patch applied, or an error if the result is
// invalid. s is not modified.
func (s Settings) Apply(p SettingsPatch) (Settings, error) {
	out := s
	if p.Language != nil {
		out.Language = *p.Language
	}
	if p.TargetDurationMinutes != nil {
		out.TargetDurationMinutes = *p.TargetDurationMinutes
	}
	if p.CacheTTLSeconds != nil {
		out.CacheTTLSeconds = *p.CacheTTLSeconds
	}
	if p.AutoSave != nil {
		out.AutoSave = *p.AutoSave
	}
	if p.StreamingEnabled != nil {
		out.StreamingEnabled = *p.StreamingEnabled
	}
	if len(p.Stages) > 0 {
		out.Stages = make(map[string]StageOverride, len(s.Stages)+len(p.Stages))
		for k, v := range s.Stages {
			out.Stages[k] = v
		}
		for k, v := range p.Stages {
			out.Stages[k] = v
		}
	}
	if err := out.Validate(); err != nil {
		return s, err
	}
	return out, nil
}

// StageProgress tracks how far a workflow stage has come.
type StageProgress struct {
	Stage              string    `json:"stage"`
	IsStarted          bool      `json:"is_started"`
	IsCompleted        bool      `json:"is_completed"`
	ProgressPercentage float64   `json:"progress_percentage"`
	CurrentStep        string    `json:"current_step,omitempty"`
	TotalSteps         int       `json:"total_steps"`
	CompletedSteps     int       `json:"completed_steps"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Update sets the percentage (clamped to 0-100) and current step. Reaching
// 100 completes the stage.
func (p *StageProgress) Update(pct float64, step string, now time.Time) {
	switch {
	case pct < 0:
		pct = 0
	case pct > 100:
		pct = 100
	}
	p.IsStarted = true
	p.ProgressPercentage = pct
	if step != "" {
		p.CurrentStep = step
	}
	if p.TotalSteps > 0 {
		p.CompletedSteps = int(pct / 100 * float64(p.TotalSteps))
	}
	p.IsCompleted = pct >= 100
	p.UpdatedAt = now
}

// StageProgress returns the progress record of stage, creating it if needed.
func (p *Project) StageProgress(stage string) *StageProgress {
	if p.Progress == nil {
		p.Progress = make(map[string]*StageProgress)
	}
	sp, ok := p.Progress[stage]
	if !ok {
		sp = &StageProgress{Stage: stage}
		p.Progress[stage] = sp
	}
	return sp
}

// OverallProgress averages progress across the workflow stages; stages with
// no record count as zero.
func (p *Project) OverallProgress(workflow []string) float64 {
	if len(workflow) == 0 {
		return 0
	}
	var sum float64
	for _, stage := range workflow {
		if sp, ok := p.Progress[stage]; ok {
			sum += sp.ProgressPercentage
		}
	}
	return sum / float64(len(workflow))
}

// Summary is a lightweight representation for listing.
type Summary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Language    string    `json:"language"`
	SourceCount int       `json:"source_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
