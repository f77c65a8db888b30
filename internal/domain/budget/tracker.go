package budget

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

// Tracker keeps two separate accounting planes for one session: an estimated
// inventory of admitted context components, and the cumulative usage reported
// by the provider. Admission decisions look only at the first; status queries
// look only at the second.
//
// Capacity rejections are reported through boolean returns and never mutate
// state.
type Tracker struct {
	mu         sync.RWMutex
	maxTokens  int
	components map[string]*Component
	order      []string
	estimated  int
	total      Usage
	history    []Usage
	requests   int
	now        func() time.Time
}

// New creates a tracker. A non-positive maxTokens selects DefaultMaxTokens.
func New(maxTokens int) *Tracker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Tracker{
		maxTokens:  maxTokens,
		components: make(map[string]*Component),
		now:        time.Now,
	}
}

// Restore rebuilds a tracker from its durable snapshot. The per-call usage
// history is not durable; only its length survives.
func Restore(snap Snapshot) *Tracker {
	t := New(snap.MaxTokens)
	for _, c := range snap.Components {
		comp := c
		if _, exists := t.components[comp.Name]; exists {
			continue
		}
		t.components[comp.Name] = &comp
		t.order = append(t.order, comp.Name)
		t.estimated += comp.EstimatedTokens
	}
	t.total = clampUsage(snap.Total)
	t.requests = snap.Requests
	return t
}

// EstimateTokens is the fixed local heuristic: one token per four characters,
// rounded down.
func EstimateTokens(content string) int {
	return utf8.RuneCountInString(content) / 4
}

// MaxTokens returns the configured budget.
func (t *Tracker) MaxTokens() int {
	return t.maxTokens
}

// AddComponent admits content under name. Adding a name that already exists
// behaves like UpdateComponent.
func (t *Tracker) AddComponent(name, content string, isCached bool) bool {
	return t.AddEstimate(name, EstimateTokens(content), preview(content), isCached)
}

// AddEstimate admits a component whose token count the caller already
// estimated. contentPreview is truncated like content previews.
func (t *Tracker) AddEstimate(name string, tokens int, contentPreview string, isCached bool) bool {
	if tokens < 0 {
		tokens = 0
	}
	contentPreview = preview(contentPreview)

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.components[name]; ok {
		if t.estimated-existing.EstimatedTokens+tokens > t.maxTokens {
			return false
		}
		t.estimated += tokens - existing.EstimatedTokens
		existing.EstimatedTokens = tokens
		existing.Preview = contentPreview
		existing.IsCached = isCached
		return true
	}

	if t.estimated+tokens > t.maxTokens {
		return false
	}
	t.components[name] = &Component{
		Name:            name,
		EstimatedTokens: tokens,
		AddedAt:         t.now(),
		IsCached:        isCached,
		Preview:         contentPreview,
	}
	t.order = append(t.order, name)
	t.estimated += tokens
	return true
}

// UpdateComponent replaces the content of an existing component. The
// admission check runs against the delta.
func (t *Tracker) UpdateComponent(name, content string) bool {
	tokens := EstimateTokens(content)

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.components[name]
	if !ok {
		return false
	}
	if t.estimated-existing.EstimatedTokens+tokens > t.maxTokens {
		return false
	}
	t.estimated += tokens - existing.EstimatedTokens
	existing.EstimatedTokens = tokens
	existing.Preview = preview(content)
	return true
}

// RemoveComponent drops a component. It returns false when name is absent.
func (t *Tracker) RemoveComponent(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.components[name]
	if !ok {
		return false
	}
	t.estimated -= existing.EstimatedTokens
	delete(t.components, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Component returns a copy of the named component.
func (t *Tracker) Component(name string) (Component, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.components[name]
	if !ok {
		return Component{}, false
	}
	return *c, true
}

// Components returns copies of all components in insertion order.
func (t *Tracker) Components() []Component {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Component, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.components[name])
	}
	return out
}

// RecordUsage folds one provider call into the cumulative ledger. It is
// always accepted.
func (t *Tracker) RecordUsage(u Usage) {
	u = clampUsage(u)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, u)
	t.requests++
	t.total.PromptTokens += u.PromptTokens
	t.total.CachedTokens += u.CachedTokens
	t.total.OutputTokens += u.OutputTokens
	t.total.TotalTokens += u.TotalTokens
}

// History returns the usage records observed by this process.
func (t *Tracker) History() []Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Usage(nil), t.history...)
}

// TotalUsage returns the cumulative ledger.
func (t *Tracker) TotalUsage() Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// CurrentTokens is the estimated size of admitted components.
func (t *Tracker) CurrentTokens() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.estimated
}

// CachedTokens is the estimated size of components flagged as cached.
func (t *Tracker) CachedTokens() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sum := 0
	for _, c := range t.components {
		if c.IsCached {
			sum += c.EstimatedTokens
		}
	}
	return sum
}

// RemainingTokens is the estimated headroom.
func (t *Tracker) RemainingTokens() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxTokens - t.estimated
}

// UsagePercentage is the estimated fill level, 0..100.
func (t *Tracker) UsagePercentage() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return float64(t.estimated) / float64(t.maxTokens) * 100
}

// CanAdd reports whether n more estimated tokens would be admitted.
func (t *Tracker) CanAdd(n int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.estimated+n <= t.maxTokens
}

// CheckStatus classifies real usage (cumulative prompt tokens).
func (t *Tracker) CheckStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statusLocked()
}

func (t *Tracker) statusLocked() Status {
	realTokens := t.total.PromptTokens
	ratio := float64(realTokens) / float64(t.maxTokens)
	pct := ratio * 100
	remaining := t.maxTokens - realTokens

	st := Status{
		CurrentTokens:     realTokens,
		MaxTokens:         t.maxTokens,
		Percentage:        pct,
		Remaining:         remaining,
		CachedTokens:      t.total.CachedTokens,
		TotalOutputTokens: t.total.OutputTokens,
		TotalTokens:       t.total.TotalTokens,
	}
	if realTokens > 0 {
		st.CacheRatio = float64(t.total.CachedTokens) / float64(realTokens) * 100
	}

	switch {
	case ratio >= criticalThreshold:
		st.Level = LevelCritical
		st.Message = fmt.Sprintf("critical: %.1f%% of the token budget used, only %s tokens left", pct, humanize.Comma(int64(remaining)))
	case ratio >= warningThreshold:
		st.Level = LevelWarning
		st.Message = fmt.Sprintf("warning: %.1f%% of the token budget used, %s tokens left", pct, humanize.Comma(int64(remaining)))
	default:
		st.Level = LevelOK
		st.Message = fmt.Sprintf("token usage normal: %.1f%% used", pct)
	}
	return st
}

// Breakdown lists components with their share of the estimated total.
func (t *Tracker) Breakdown() []BreakdownEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.breakdownLocked()
}

func (t *Tracker) breakdownLocked() []BreakdownEntry {
	out := make([]BreakdownEntry, 0, len(t.order))
	for _, name := range t.order {
		c := t.components[name]
		entry := BreakdownEntry{
			Name:     c.Name,
			Tokens:   c.EstimatedTokens,
			IsCached: c.IsCached,
			AddedAt:  c.AddedAt,
			Preview:  c.Preview,
		}
		if t.estimated > 0 {
			entry.Percentage = float64(c.EstimatedTokens) / float64(t.estimated) * 100
		}
		out = append(out, entry)
	}
	return out
}

// Report returns a detailed usage report.
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Report{
		Status:          t.statusLocked(),
		EstimatedTokens: t.estimated,
		Breakdown:       t.breakdownLocked(),
		Cumulative: Cumulative{
			Requests:      t.requests,
			PromptTokens:  t.total.PromptTokens,
			CachedTokens:  t.total.CachedTokens,
			OutputTokens:  t.total.OutputTokens,
			CacheHitRatio: t.total.CacheHitRatio(),
		},
	}
}

// Snapshot captures the durable state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	comps := make([]Component, 0, len(t.order))
	for _, name := range t.order {
		comps = append(comps, *t.components[name])
	}
	return Snapshot{
		MaxTokens:  t.maxTokens,
		Components: comps,
		Total:      t.total,
		Requests:   t.requests,
	}
}

func clampUsage(u Usage) Usage {
	u.PromptTokens = max(u.PromptTokens, 0)
	u.CachedTokens = max(u.CachedTokens, 0)
	u.OutputTokens = max(u.OutputTokens, 0)
	u.TotalTokens = max(u.TotalTokens, 0)
	return u
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "..."
}
