package budget_test

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/rpggio/storyloom/internal/domain/budget"
	"github.com/stretchr/testify/require"
)

func TestTracker_AddComponentWithinBudget(t *testing.T) {
	tr := budget.New(1_000_000)

	require.True(t, tr.AddComponent("sys", strings.Repeat("a", 4000), false))
	require.Equal(t, 1000, tr.CurrentTokens())

	comp, ok := tr.Component("sys")
	require.True(t, ok)
	require.Equal(t, 1000, comp.EstimatedTokens)
	require.Equal(t, strings.Repeat("a", 100)+"...", comp.Preview)
}

func TestTracker_AddComponentRejectsOverflow(t *testing.T) {
	tr := budget.New(1_000_000)
	require.True(t, tr.AddComponent("sys", strings.Repeat("a", 4000), false))

	require.False(t, tr.AddComponent("huge", strings.Repeat("b", 4_000_004), false))
	require.Equal(t, 1000, tr.CurrentTokens())
	_, ok := tr.Component("huge")
	require.False(t, ok)
	require.Len(t, tr.Components(), 1)
}

func TestTracker_EstimatesCharactersNotBytes(t *testing.T) {
	require.Equal(t, 2, budget.EstimateTokens("şğıöüçŞĞ"))

	tr := budget.New(1000)
	require.True(t, tr.AddComponent("tr", strings.Repeat("ş", 4000), false))
	require.Equal(t, 1000, tr.CurrentTokens())
	require.Equal(t, 0, tr.RemainingTokens())

	comp, ok := tr.Component("tr")
	require.True(t, ok)
	require.Equal(t, strings.Repeat("ş", 100)+"...", comp.Preview)
}

func TestTracker_DefaultMaxTokens(t *testing.T) {
	require.Equal(t, budget.DefaultMaxTokens, budget.New(0).MaxTokens())
}

func TestTracker_UpdateComponentChecksDelta(t *testing.T) {
	tr := budget.New(1000)
	require.True(t, tr.AddComponent("a", strings.Repeat("x", 2000), false)) // 500
	require.True(t, tr.AddComponent("b", strings.Repeat("x", 1600), false)) // 400

	// 500 -> 600 fits only because the old 500 is subtracted first.
	require.True(t, tr.UpdateComponent("a", strings.Repeat("y", 2400)))
	require.Equal(t, 1000, tr.CurrentTokens())

	require.False(t, tr.UpdateComponent("a", strings.Repeat("y", 2404)))
	require.Equal(t, 1000, tr.CurrentTokens())
	comp, _ := tr.Component("a")
	require.Equal(t, 600, comp.EstimatedTokens)

	require.False(t, tr.UpdateComponent("missing", "abcd"))
}

func TestTracker_RemoveComponent(t *testing.T) {
	tr := budget.New(1000)
	require.True(t, tr.AddComponent("a", strings.Repeat("x", 400), true))

	require.True(t, tr.RemoveComponent("a"))
	require.False(t, tr.RemoveComponent("a"))
	require.Equal(t, 0, tr.CurrentTokens())
	require.Empty(t, tr.Components())
}

func TestTracker_AdmissionInvariantHoldsForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tr := budget.New(10_000)

	for i := 0; i < 2000; i++ {
		name := string(rune('a' + rng.Intn(20)))
		content := strings.Repeat("z", rng.Intn(12_000))
		before := tr.Components()

		var ok bool
		switch rng.Intn(3) {
		case 0:
			ok = tr.AddComponent(name, content, rng.Intn(2) == 0)
		case 1:
			ok = tr.UpdateComponent(name, content)
		default:
			tr.RemoveComponent(name)
			ok = true
		}

		require.LessOrEqual(t, tr.CurrentTokens(), tr.MaxTokens())
		if !ok {
			require.Equal(t, before, tr.Components())
		}
	}
}

func TestTracker_CheckStatusLevels(t *testing.T) {
	tests := []struct {
		name   string
		prompt int
		level  budget.Level
	}{
		{"empty", 0, budget.LevelOK},
		{"just below warning", 799_999, budget.LevelOK},
		{"warning boundary inclusive", 800_000, budget.LevelWarning},
		{"just below critical", 949_999, budget.LevelWarning},
		{"critical boundary inclusive", 950_000, budget.LevelCritical},
		{"over budget", 1_200_000, budget.LevelCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := budget.New(1_000_000)
			tr.RecordUsage(budget.Usage{PromptTokens: tt.prompt})
			require.Equal(t, tt.level, tr.CheckStatus().Level)
		})
	}
}

func TestTracker_StatusLevelIsMonotonic(t *testing.T) {
	tr := budget.New(1_000_000)
	rank := map[budget.Level]int{budget.LevelOK: 0, budget.LevelWarning: 1, budget.LevelCritical: 2}

	last := 0
	for i := 0; i < 100; i++ {
		tr.RecordUsage(budget.Usage{PromptTokens: 12_500})
		st := tr.CheckStatus()
		require.GreaterOrEqual(t, rank[st.Level], last)
		last = rank[st.Level]

		ratio := float64(st.CurrentTokens) / float64(st.MaxTokens)
		switch {
		case ratio >= 0.95:
			require.Equal(t, budget.LevelCritical, st.Level)
		case ratio >= 0.80:
			require.Equal(t, budget.LevelWarning, st.Level)
		default:
			require.Equal(t, budget.LevelOK, st.Level)
		}
	}
}

func TestTracker_StatusUsesRealUsageNotEstimates(t *testing.T) {
	tr := budget.New(1000)
	require.True(t, tr.AddComponent("big", strings.Repeat("x", 3960), false)) // 990 estimated

	st := tr.CheckStatus()
	require.Equal(t, budget.LevelOK, st.Level)
	require.Equal(t, 0, st.CurrentTokens)

	tr.RecordUsage(budget.Usage{PromptTokens: 400, CachedTokens: 100, OutputTokens: 50, TotalTokens: 450})
	st = tr.CheckStatus()
	require.Equal(t, 400, st.CurrentTokens)
	require.Equal(t, 600, st.Remaining)
	require.InDelta(t, 40.0, st.Percentage, 0.0001)
	require.Equal(t, 100, st.CachedTokens)
	require.InDelta(t, 25.0, st.CacheRatio, 0.0001)
	require.Equal(t, 50, st.TotalOutputTokens)
	require.Equal(t, 450, st.TotalTokens)
}

func TestTracker_RecordUsageIsMonotonic(t *testing.T) {
	tr := budget.New(0)
	tr.RecordUsage(budget.Usage{PromptTokens: 10, OutputTokens: 5, TotalTokens: 15})
	tr.RecordUsage(budget.Usage{PromptTokens: -3, OutputTokens: 2, TotalTokens: 2})

	total := tr.TotalUsage()
	require.Equal(t, 10, total.PromptTokens)
	require.Equal(t, 7, total.OutputTokens)
	require.Equal(t, 17, total.TotalTokens)
	require.Len(t, tr.History(), 2)
}

func TestTracker_CanAddIsPure(t *testing.T) {
	tr := budget.New(100)
	require.True(t, tr.CanAdd(100))
	require.False(t, tr.CanAdd(101))
	require.Equal(t, 0, tr.CurrentTokens())
}

func TestTracker_ReportAndBreakdown(t *testing.T) {
	tr := budget.New(1000)
	require.True(t, tr.AddComponent("system", strings.Repeat("s", 400), true))
	require.True(t, tr.AddComponent("source", strings.Repeat("t", 1200), false))
	tr.RecordUsage(budget.Usage{PromptTokens: 200, CachedTokens: 100})

	breakdown := tr.Breakdown()
	require.Len(t, breakdown, 2)
	require.Equal(t, "system", breakdown[0].Name)
	require.InDelta(t, 25.0, breakdown[0].Percentage, 0.0001)
	require.True(t, breakdown[0].IsCached)

	report := tr.Report()
	require.Equal(t, 400, report.EstimatedTokens)
	require.Equal(t, 1, report.Cumulative.Requests)
	require.InDelta(t, 0.5, report.Cumulative.CacheHitRatio, 0.0001)
	require.Equal(t, 100, tr.CachedTokens())
}

func TestTracker_SnapshotRestore(t *testing.T) {
	tr := budget.New(5000)
	require.True(t, tr.AddComponent("a", strings.Repeat("x", 800), true))
	require.True(t, tr.AddComponent("b", strings.Repeat("x", 400), false))
	tr.RecordUsage(budget.Usage{PromptTokens: 300, CachedTokens: 200, OutputTokens: 20, TotalTokens: 320})

	restored := budget.Restore(tr.Snapshot())
	require.Equal(t, 5000, restored.MaxTokens())
	require.Equal(t, tr.Components(), restored.Components())
	require.Equal(t, tr.TotalUsage(), restored.TotalUsage())
	require.Equal(t, 300, restored.CurrentTokens())
	require.Equal(t, 1, restored.Report().Cumulative.Requests)
	require.Empty(t, restored.History())
}
