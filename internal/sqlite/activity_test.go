package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/rpggio/storyloom/internal/domain/activity"
	"github.com/stretchr/testify/require"
)

func TestActivityRepository_LogList(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	repo := NewActivityRepository(db)
	entry1 := &activity.ActivityEntry{
		ProjectID:    "p1",
		ActivityType: activity.TypeSourceUploaded,
		Summary:      "uploaded novel.txt",
		Details:      `{"name":"novel.txt"}`,
	}
	entry2 := &activity.ActivityEntry{
		ProjectID:    "p1",
		Stage:        "analyze",
		ActivityType: activity.TypeStageRun,
		Summary:      "ran analyze",
	}

	require.NoError(t, repo.Log(ctx, entry1))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, repo.Log(ctx, entry2))
	require.NotZero(t, entry1.ID)

	entries, err := repo.List(ctx, activity.ListActivityOptions{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, entry2.ActivityType, entries[0].ActivityType)
	require.Equal(t, "analyze", entries[0].Stage)
	require.Equal(t, entry1.Details, entries[1].Details)
}

func TestActivityRepository_Filters(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	repo := NewActivityRepository(db)

	for _, e := range []activity.ActivityEntry{
		{ProjectID: "p1", Stage: "analyze", ActivityType: activity.TypeCacheCreated, Summary: "a"},
		{ProjectID: "p1", Stage: "write", ActivityType: activity.TypeCacheCreated, Summary: "b"},
		{ProjectID: "p1", Stage: "write", ActivityType: activity.TypeStageRun, Summary: "c"},
		{ProjectID: "p2", Stage: "write", ActivityType: activity.TypeStageRun, Summary: "d"},
	} {
		require.NoError(t, repo.Log(ctx, &e))
	}

	typ := activity.TypeCacheCreated
	entries, err := repo.List(ctx, activity.ListActivityOptions{ProjectID: "p1", ActivityType: &typ})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	entries, err = repo.List(ctx, activity.ListActivityOptions{Stage: "write"})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	entries, err = repo.List(ctx, activity.ListActivityOptions{ProjectID: "p1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b", entries[0].Summary)

	entries, err = repo.List(ctx, activity.ListActivityOptions{ProjectID: "p1", Offset: 2})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a", entries[0].Summary)
}

func TestActivityRepository_OutlivesProject(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	insertProject(t, db, "p1")

	repo := NewActivityRepository(db)
	require.NoError(t, repo.Log(ctx, &activity.ActivityEntry{ProjectID: "p1", ActivityType: activity.TypeProjectCreated, Summary: "created"}))
	require.NoError(t, NewStateRepository(db).DeleteProject(ctx, "p1"))

	entries, err := repo.List(ctx, activity.ListActivityOptions{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
