package store

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathIndexRebuildAndEntries(t *testing.T) {
	idx, err := OpenPathIndex(t.TempDir())
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	entries := []ManifestEntry{
		{Path: "a.txt", Blob: "sha256:h1", Size: 1},
		{Path: "b/c.txt", Blob: "sha256:h2", Size: 2},
	}
	require.NoError(t, idx.Rebuild(ctx, "sha256:snap", entries))

	got, err := idx.Entries(ctx, "sha256:snap")
	require.NoError(t, err)
	sort.Slice(got, func(i, j int) bool { return got[i].Path < got[j].Path })
	require.Equal(t, entries, got)
}

func TestPathIndexDropClearsSnapshot(t *testing.T) {
	idx, err := OpenPathIndex(t.TempDir())
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	require.NoError(t, idx.Rebuild(ctx, "sha256:snap", []ManifestEntry{{Path: "a.txt", Blob: "sha256:h1", Size: 1}}))
	require.NoError(t, idx.Drop(ctx, "sha256:snap"))

	got, err := idx.Entries(ctx, "sha256:snap")
	require.NoError(t, err)
	require.Empty(t, got)
}
