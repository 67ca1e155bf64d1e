package worktree

import (
	"context"
	"encoding/base64"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cellar/internal/fingerprint"
	"cellar/internal/lease"
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

func issueLease(t *testing.T, c *lease.Controller, dir string) string {
	t.Helper()
	fp, err := fingerprint.Probe(context.Background(), dir)
	require.NoError(t, err)
	return c.Issue(dir, fp)
}

func TestWriteFileCreatesAndTouches(t *testing.T) {
	dir := gitRepo(t)
	leases := lease.New(nil)
	id := issueLease(t, leases, dir)
	tools := New(leases)

	content := base64.StdEncoding.EncodeToString([]byte("hello\n"))
	res, err := tools.WriteFile(context.Background(), WriteFileParams{
		LeaseID: id, RepoRoot: dir, Path: "a/b.txt", ContentBase64: content, CreateDirs: true,
	})
	require.NoError(t, err)
	require.Equal(t, 6, res.BytesWritten)
	require.False(t, res.DryRun)

	got, err := os.ReadFile(filepath.Join(dir, "a", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(got))

	touched, _ := leases.Touched(id)
	require.Equal(t, []string{"a/b.txt"}, touched)
}

func TestWriteFileDryRunDoesNotWriteOrTouch(t *testing.T) {
	dir := gitRepo(t)
	leases := lease.New(nil)
	id := issueLease(t, leases, dir)
	tools := New(leases)

	content := base64.StdEncoding.EncodeToString([]byte("x"))
	res, err := tools.WriteFile(context.Background(), WriteFileParams{
		LeaseID: id, RepoRoot: dir, Path: "new.txt", ContentBase64: content, DryRun: true,
	})
	require.NoError(t, err)
	require.True(t, res.DryRun)

	_, statErr := os.Stat(filepath.Join(dir, "new.txt"))
	require.True(t, os.IsNotExist(statErr))

	touched, _ := leases.Touched(id)
	require.Empty(t, touched)
}

func TestWriteFileRejectsPathEscape(t *testing.T) {
	dir := gitRepo(t)
	leases := lease.New(nil)
	id := issueLease(t, leases, dir)
	tools := New(leases)

	content := base64.StdEncoding.EncodeToString([]byte("x"))
	_, err := tools.WriteFile(context.Background(), WriteFileParams{
		LeaseID: id, RepoRoot: dir, Path: "../outside.txt", ContentBase64: content,
	})
	rpcErr, ok := rpcerr.As(err)
	require.True(t, ok)
	require.Equal(t, rpcerr.PathEscape, rpcErr.Code)
}

func TestWriteFileStaleLeaseFails(t *testing.T) {
	dir := gitRepo(t)
	leases := lease.New(nil)
	id := issueLease(t, leases, dir)
	tools := New(leases)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "external.txt"), []byte("x"), 0o644))

	content := base64.StdEncoding.EncodeToString([]byte("x"))
	_, err := tools.WriteFile(context.Background(), WriteFileParams{
		LeaseID: id, RepoRoot: dir, Path: "a.txt", ContentBase64: content,
	})
	rpcErr, ok := rpcerr.As(err)
	require.True(t, ok)
	require.Equal(t, rpcerr.StaleLease, rpcErr.Code)
}

func TestDeleteFileTouchesLease(t *testing.T) {
	dir := gitRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gone.txt"), []byte("x"), 0o644))

	leases := lease.New(nil)
	id := issueLease(t, leases, dir)
	tools := New(leases)

	res, err := tools.Delete(context.Background(), DeleteParams{LeaseID: id, RepoRoot: dir, Path: "gone.txt"})
	require.NoError(t, err)
	require.False(t, res.DryRun)

	_, statErr := os.Stat(filepath.Join(dir, "gone.txt"))
	require.True(t, os.IsNotExist(statErr))

	touched, _ := leases.Touched(id)
	require.Equal(t, []string{"gone.txt"}, touched)
}

func TestDeleteNonEmptyDirRequiresRecursive(t *testing.T) {
	dir := gitRepo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "f.txt"), []byte("x"), 0o644))

	leases := lease.New(nil)
	id := issueLease(t, leases, dir)
	tools := New(leases)

	_, err := tools.Delete(context.Background(), DeleteParams{LeaseID: id, RepoRoot: dir, Path: "sub"})
	rpcErr, ok := rpcerr.As(err)
	require.True(t, ok)
	require.Equal(t, rpcerr.InvalidArgument, rpcErr.Code)

	res, err := tools.Delete(context.Background(), DeleteParams{LeaseID: id, RepoRoot: dir, Path: "sub", Recursive: true})
	require.NoError(t, err)
	require.False(t, res.DryRun)
	_, statErr := os.Stat(filepath.Join(dir, "sub"))
	require.True(t, os.IsNotExist(statErr))
}
