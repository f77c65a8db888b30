package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrefixCaches_CreateLoadExtendExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := newPrefixCaches(nil)
	c.now = func() time.Time { return now }

	ref, err := c.upload(ctx, UploadRequest{Data: []byte("INT. KITCHEN - DAY"), DisplayName: "draft.txt", MIMEType: "text/plain"})
	require.NoError(t, err)
	require.Equal(t, ContentFile, ref.Kind)

	pre, info, err := c.create(ctx, CacheRequest{
		Model:             "m",
		SystemInstruction: "be brief",
		Contents:          []ContentRef{ref, TextContent("notes")},
		TTL:               time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), info.ExpiresAt)
	require.Contains(t, pre.text(), "# draft.txt")
	require.Contains(t, pre.text(), "notes")

	loaded, err := c.chatPrefix(ctx, ChatConfig{Model: "m", CacheName: info.Name})
	require.NoError(t, err)
	require.Equal(t, pre, loaded)

	now = now.Add(2 * time.Hour)
	_, err = c.load(ctx, info.Name)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.extend(ctx, info.Name, time.Hour))
	_, err = c.load(ctx, info.Name)
	require.NoError(t, err)

	require.NoError(t, c.remove(ctx, info.Name))
	require.ErrorIs(t, c.remove(ctx, info.Name), ErrNotFound)
}

func TestPrefixCaches_RejectsBinaryUploads(t *testing.T) {
	c := newPrefixCaches(nil)
	_, err := c.upload(context.Background(), UploadRequest{Data: []byte{0x25, 0x50}, MIMEType: "application/pdf"})
	require.ErrorIs(t, err, ErrUnsupportedContent)
}

func TestChatPrefix_NoCache(t *testing.T) {
	c := newPrefixCaches(nil)
	pre, err := c.chatPrefix(context.Background(), ChatConfig{Model: "m"})
	require.NoError(t, err)
	require.Empty(t, pre.text())
}
