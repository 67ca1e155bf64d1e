package patch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cellar/internal/blobstore"
	"cellar/internal/fingerprint"
	"cellar/internal/lease"
	"cellar/internal/rpcerr"
	"cellar/internal/snapshot"
	"cellar/internal/store"
)

type fixture struct {
	meta   *store.Store
	blobs  *blobstore.Store
	leases *lease.Controller
	snap   *snapshot.Engine
	tx     *Transactor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	meta, err := store.Open(dir, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	blobs, err := blobstore.New(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	leases := lease.New(meta)
	snap := snapshot.New(meta, blobs, leases)
	tx := New(meta, blobs, leases)

	return &fixture{meta: meta, blobs: blobs, leases: leases, snap: snap, tx: tx}
}

func gitRepoWithFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-q")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	return dir
}

func flipPatch(path, from, to string) string {
	return fmt.Sprintf(`--- a/%s
+++ b/%s
@@ -1,1 +1,1 @@
-%s
+%s
`, path, path, from, to)
}

func TestApplyWorktreeSucceedsAndTouches(t *testing.T) {
	f := newFixture(t)
	dir := gitRepoWithFile(t, "a.txt", "original\n")

	fp, err := fingerprint.Probe(context.Background(), dir)
	require.NoError(t, err)
	leaseID := f.leases.Issue(dir, fp)

	res, err := f.tx.Apply(context.Background(), Params{
		RepoRoot: dir, Patch: flipPatch("a.txt", "original", "modified"),
		Mode: "worktree", LeaseID: leaseID,
	})
	require.NoError(t, err)
	require.Empty(t, res.Rejects)
	require.Len(t, res.Applied, 1)
	require.Equal(t, "a.txt", res.Applied[0].Path)

	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "modified\n", string(got))

	touched, _ := f.leases.Touched(leaseID)
	require.Equal(t, []string{"a.txt"}, touched)
}

func TestApplyWorktreeFailureLeavesFingerprintUnchanged(t *testing.T) {
	f := newFixture(t)
	dir := gitRepoWithFile(t, "a.txt", "unrelated\n")

	fpBefore, err := fingerprint.Probe(context.Background(), dir)
	require.NoError(t, err)
	leaseID := f.leases.Issue(dir, fpBefore)

	res, err := f.tx.Apply(context.Background(), Params{
		RepoRoot: dir, Patch: flipPatch("a.txt", "original", "modified"),
		Mode: "worktree", LeaseID: leaseID,
	})
	require.NoError(t, err)
	require.Empty(t, res.Applied)
	require.NotEmpty(t, res.Rejects)
	require.Equal(t, fpBefore, *res.Fingerprint)

	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "unrelated\n", string(got))
}

func TestApplyWorktreeRejectOnConflictReturnsPatchConflict(t *testing.T) {
	f := newFixture(t)
	dir := gitRepoWithFile(t, "a.txt", "unrelated\n")

	fp, err := fingerprint.Probe(context.Background(), dir)
	require.NoError(t, err)
	leaseID := f.leases.Issue(dir, fp)

	_, err = f.tx.Apply(context.Background(), Params{
		RepoRoot: dir, Patch: flipPatch("a.txt", "original", "modified"),
		Mode: "worktree", LeaseID: leaseID, RejectOnConflict: true,
	})
	rpcErr, ok := rpcerr.As(err)
	require.True(t, ok)
	require.Equal(t, rpcerr.PatchConflict, rpcErr.Code)
}

func TestApplySnapshotModeIsIdempotentAndTracksLineage(t *testing.T) {
	f := newFixture(t)
	dir := gitRepoWithFile(t, "a.txt", "original\n")

	base, err := f.snap.Create(context.Background(), snapshot.CreateParams{RepoRoot: dir, Paths: []string{"a.txt"}})
	require.NoError(t, err)

	patchText := flipPatch("a.txt", "original", "modified")

	res1, err := f.tx.Apply(context.Background(), Params{
		SnapshotID: base, Patch: patchText, Mode: "snapshot",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res1.SnapshotID)

	res2, err := f.tx.Apply(context.Background(), Params{
		SnapshotID: base, Patch: patchText, Mode: "snapshot",
	})
	require.NoError(t, err)
	require.Equal(t, res1.SnapshotID, res2.SnapshotID)

	info, err := f.snap.Info(res1.SnapshotID)
	require.NoError(t, err)
	require.NotNil(t, info.DerivedFrom)
	require.Equal(t, base, *info.DerivedFrom)
	require.NotNil(t, info.AppliedPatchHash)

	fileRes, err := f.snap.File(context.Background(), snapshot.FileParams{
		SnapshotID: res1.SnapshotID, Path: "a.txt", Mode: snapshot.ModeSnapshot,
	})
	require.NoError(t, err)
	require.Equal(t, "modified\n", string(fileRes.Content))
}

func TestApplySnapshotModeConflictReturnsRejectsNoNewSnapshot(t *testing.T) {
	f := newFixture(t)
	dir := gitRepoWithFile(t, "a.txt", "unrelated\n")

	base, err := f.snap.Create(context.Background(), snapshot.CreateParams{RepoRoot: dir, Paths: []string{"a.txt"}})
	require.NoError(t, err)

	res, err := f.tx.Apply(context.Background(), Params{
		SnapshotID: base, Patch: flipPatch("a.txt", "original", "modified"), Mode: "snapshot",
	})
	require.NoError(t, err)
	require.Empty(t, res.Applied)
	require.NotEmpty(t, res.Rejects)
	require.Equal(t, base, res.SnapshotID)
}
