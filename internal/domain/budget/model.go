package budget

import "time"

// Level classifies real token consumption against the budget.
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

const (
	// DefaultMaxTokens is the context budget used when none is configured.
	DefaultMaxTokens = 1_000_000

	warningThreshold  = 0.80
	criticalThreshold = 0.95

	previewLength = 100
)

// Component is one admitted piece of context with its estimated footprint.
type Component struct {
	Name            string    `json:"name"`
	EstimatedTokens int       `json:"estimated_tokens"`
	AddedAt         time.Time `json:"added_at"`
	IsCached        bool      `json:"is_cached"`
	Preview         string    `json:"preview,omitempty"`
}

// Usage is the provider-reported token usage of a single call, or the
// cumulative sum of many.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	CachedTokens int `json:"cached_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CacheHitRatio is the share of prompt tokens served from cache, 0..1.
func (u Usage) CacheHitRatio() float64 {
	if u.PromptTokens == 0 {
		return 0
	}
	return float64(u.CachedTokens) / float64(u.PromptTokens)
}

// Status reports real usage (cumulative prompt tokens) against the budget.
type Status struct {
	Level             Level   `json:"level"`
	Message           string  `json:"message"`
	CurrentTokens     int     `json:"current_tokens"`
	MaxTokens         int     `json:"max_tokens"`
	Percentage        float64 `json:"percentage"`
	Remaining         int     `json:"remaining"`
	CachedTokens      int     `json:"cached_tokens"`
	CacheRatio        float64 `json:"cache_ratio"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	TotalTokens       int     `json:"total_tokens"`
}

// BreakdownEntry describes one component's share of the estimated total.
type BreakdownEntry struct {
	Name       string    `json:"name"`
	Tokens     int       `json:"tokens"`
	Percentage float64   `json:"percentage"`
	IsCached   bool      `json:"is_cached"`
	AddedAt    time.Time `json:"added_at"`
	Preview    string    `json:"preview,omitempty"`
}

// Cumulative summarizes the usage ledger.
type Cumulative struct {
	Requests      int     `json:"total_requests"`
	PromptTokens  int     `json:"total_prompt_tokens"`
	CachedTokens  int     `json:"total_cached_tokens"`
	OutputTokens  int     `json:"total_output_tokens"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
}

// Report combines status, breakdown and ledger totals.
type Report struct {
	Status          Status           `json:"status"`
	EstimatedTokens int              `json:"estimated_tokens"`
	Breakdown       []BreakdownEntry `json:"breakdown"`
	Cumulative      Cumulative       `json:"cumulative"`
}

// Snapshot is the durable form of a tracker.
type Snapshot struct {
	MaxTokens  int         `json:"max_tokens"`
	Components []Component `json:"components"`
	Total      Usage       `json:"total"`
	Requests   int         `json:"requests"`
}
