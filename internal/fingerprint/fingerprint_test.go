package fingerprint

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func gitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		require.NoError(t, cmd.Run())
	}
	run("init", "-q")
	return dir
}

func TestProbeUnbornRepoHasEmptyHead(t *testing.T) {
	dir := gitRepo(t)
	fp, err := Probe(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, "", fp.HeadOID)
	require.NotEmpty(t, fp.StatusHash)
}

func TestProbeDeterministicForSameState(t *testing.T) {
	dir := gitRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0o644))

	first, err := Probe(context.Background(), dir)
	require.NoError(t, err)
	second, err := Probe(context.Background(), dir)
	require.NoError(t, err)
	require.True(t, first.Equal(second))
}

func TestProbeStatusChangesOnMutation(t *testing.T) {
	dir := gitRepo(t)
	before, err := Probe(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0o644))

	after, err := Probe(context.Background(), dir)
	require.NoError(t, err)
	require.NotEqual(t, before.StatusHash, after.StatusHash)
}
