package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpggio/storyloom/internal/app"
	"github.com/rpggio/storyloom/internal/domain/budget"
	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/rpggio/storyloom/internal/provider"
	"github.com/rpggio/storyloom/internal/provider/fake"
)

type harness struct {
	t    *testing.T
	db   string
	fake *fake.Provider
}

func newHarness(t *testing.T) *harness {
	t.Setenv("STORYLOOM_CONFIG_PATH", "")
	t.Setenv("STORYLOOM_MAX_TOKENS", "")
	return &harness{t: t, db: filepath.Join(t.TempDir(), "loom.db"), fake: fake.New()}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	cmd := newRootCmd(app.WithProvider(h.fake))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--db", h.db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, out)
	return out
}

func TestCLI_StageAcrossInvocations(t *testing.T) {
	h := newHarness(t)
	src := filepath.Join(t.TempDir(), "novel.txt")
	require.NoError(t, os.WriteFile(src, []byte(strings.Repeat("The lamp turns. ", 50)), 0o644))

	out := h.mustRun("create", "--id", "p1", "--language", "en", "The Lighthouse")
	require.Contains(t, out, "created p1")

	out = h.mustRun("upload", "p1", src)
	require.Contains(t, out, "uploaded "+src)

	out = h.mustRun("run", "p1", "analyze", "What", "is", "it?")
	require.Contains(t, out, "reply to: What is it?")
	require.Contains(t, out, "cache created")

	// Each invocation is a new process as far as chats go.
	out = h.mustRun("--json", "run", "p1", "analyze", "Again")
	var res session.StageResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.True(t, res.ChatRecreated)
	require.False(t, res.CacheCreated)
	require.Equal(t, 1, res.MessageCount)
	require.Equal(t, 1, h.fake.CacheCount())

	out = h.mustRun("--json", "status", "p1")
	var st session.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Equal(t, "The Lighthouse", st.Name)
	require.Len(t, st.Sources, 1)
	require.Equal(t, 2*h.fake.Usage.OutputTokens, st.Budget.TotalOutputTokens)

	out = h.mustRun("status", "p1")
	require.Contains(t, out, "The Lighthouse")
	require.Contains(t, out, "analyze")

	out = h.mustRun("projects")
	require.Contains(t, out, "p1")
	require.Contains(t, out, "The Lighthouse")

	out = h.mustRun("cache", "extend", "p1", "analyze", "--ttl", "1h")
	require.Contains(t, out, "extended analyze cache")
	out = h.mustRun("cache", "delete", "p1", "write")
	require.Contains(t, out, "no cache for write")

	out = h.mustRun("activity", "p1", "--type", "stage_run")
	require.Equal(t, 2, strings.Count(out, "stage_run"))

	h.mustRun("delete", "p1")
	require.Zero(t, h.fake.CacheCount())
	_, err := h.run("status", "p1")
	require.Error(t, err)
}

func TestCLI_Screenplay(t *testing.T) {
	h := newHarness(t)
	h.fake.Structured = func(_ provider.Schema, _ string) string {
		return `{"concepts":[{"genre":"Drama","logline":"a","tone":"b"},{"genre":"Noir","logline":"c","tone":"d"},{"genre":"Fable","logline":"e","tone":"f"}],"source_summary":"s"}`
	}
	src := filepath.Join(t.TempDir(), "novel.txt")
	require.NoError(t, os.WriteFile(src, []byte("A keeper and a storm."), 0o644))

	h.mustRun("create", "--id", "p1", "The Lighthouse")
	h.mustRun("upload", "p1", src)

	out := h.mustRun("screenplay", "analyze", "p1")
	require.Contains(t, out, `"genre": "Noir"`)

	_, err := h.run("sp", "beats", "p1")
	require.Error(t, err)

	beats := filepath.Join(t.TempDir(), "beats.json")
	require.NoError(t, os.WriteFile(beats, []byte(`{"beats":[{"number":1,"name":"Opening Image"}]}`), 0o644))
	out, err = h.run("sp", "edit-beats", "p1", beats)
	require.ErrorContains(t, err, "select a concept first", out)

	out = h.mustRun("sp", "export", "p1")
	require.True(t, strings.HasPrefix(out, "# The Lighthouse\n"), out)
}

func TestBudgetBar(t *testing.T) {
	bar := budgetBar(budget.Status{Level: budget.LevelWarning, Percentage: 50, CurrentTokens: 500000, MaxTokens: 1000000})
	require.Contains(t, bar, "50.0%")
	require.Contains(t, bar, "500,000 / 1,000,000 tokens")
	require.Equal(t, barWidth/2, strings.Count(bar, "█"))

	full := budgetBar(budget.Status{Level: budget.LevelCritical, Percentage: 140})
	require.Equal(t, barWidth, strings.Count(full, "█"))
	require.Zero(t, strings.Count(full, "░"))
}

func TestRenderTable(t *testing.T) {
	out := renderTable(table{
		headers: []string{"Stage", "Msgs"},
		rows:    [][]string{{"analyze", "12"}, {"write", "3"}},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 6)
	require.Contains(t, lines[1], "Stage")
	require.Contains(t, lines[3], "analyze")
	require.Contains(t, lines[4], "│ write   │    3 │")
}
