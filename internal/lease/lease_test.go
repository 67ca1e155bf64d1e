package lease

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cellar/internal/fingerprint"
	"cellar/internal/rpcerr"
)

func gitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-q")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())
	return dir
}

func TestIssueAndTouchOrdering(t *testing.T) {
	c := New(nil)
	dir := gitRepo(t)
	fp, err := fingerprint.Probe(context.Background(), dir)
	require.NoError(t, err)

	id := c.Issue(dir, fp)
	c.Touch(id, "b/c.txt")
	c.Touch(id, "a.txt")
	c.Touch(id, "a.txt") // duplicate, set semantics

	touched, ok := c.Touched(id)
	require.True(t, ok)
	require.Equal(t, []string{"a.txt", "b/c.txt"}, touched)
}

func TestValidateDetectsStaleLease(t *testing.T) {
	c := New(nil)
	dir := gitRepo(t)
	fp, err := fingerprint.Probe(context.Background(), dir)
	require.NoError(t, err)
	id := c.Issue(dir, fp)

	require.NoError(t, c.Validate(context.Background(), id, dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))

	err = c.Validate(context.Background(), id, dir)
	require.Error(t, err)
	rpcErr, ok := rpcerr.As(err)
	require.True(t, ok)
	require.Equal(t, rpcerr.StaleLease, rpcErr.Code)
}

func TestValidateUnknownLeaseIsNotFound(t *testing.T) {
	c := New(nil)
	err := c.Validate(context.Background(), "missing", "/tmp")
	rpcErr, ok := rpcerr.As(err)
	require.True(t, ok)
	require.Equal(t, rpcerr.NotFound, rpcErr.Code)
}
