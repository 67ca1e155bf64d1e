package worktree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cellar/internal/rpcerr"
)

func TestResolveExistingRejectsEscape(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))

	_, err := ResolveExisting(root, "../a.txt")
	rpcErr, ok := rpcerr.As(err)
	require.True(t, ok)
	require.Equal(t, rpcerr.PathEscape, rpcErr.Code)
}

func TestResolveExistingRejectsBackslash(t *testing.T) {
	root := t.TempDir()
	_, err := ResolveExisting(root, `a\b.txt`)
	rpcErr, ok := rpcerr.As(err)
	require.True(t, ok)
	require.Equal(t, rpcerr.InvalidArgument, rpcErr.Code)
}

func TestResolveExistingRejectsLeadingSlash(t *testing.T) {
	root := t.TempDir()
	_, err := ResolveExisting(root, "/etc/passwd")
	rpcErr, ok := rpcerr.As(err)
	require.True(t, ok)
	require.Equal(t, rpcerr.InvalidArgument, rpcErr.Code)
}

func TestResolveExistingFindsNestedFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "c.txt"), []byte("x"), 0o644))

	full, err := ResolveExisting(root, "a/b/c.txt")
	require.NoError(t, err)
	require.FileExists(t, full)
}

func TestResolveForWriteWalksToNearestAncestor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))

	full, err := ResolveForWrite(root, "a/b/new.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "a", "b", "new.txt"), full)
}

func TestResolveForWriteRejectsParentEscape(t *testing.T) {
	root := t.TempDir()
	_, err := ResolveForWrite(root, "../escape.txt")
	rpcErr, ok := rpcerr.As(err)
	require.True(t, ok)
	require.Equal(t, rpcerr.PathEscape, rpcErr.Code)
}
