package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cellar/internal/blobstore"
)

func TestCollectGarbageDeletesOnlyZeroRefcountBlobs(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	blobs, err := blobstore.New(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	keptHash, _, err := blobs.Put([]byte("kept"), blobstore.CodecNone)
	require.NoError(t, err)
	orphanHash, _, err := blobs.Put([]byte("orphan"), blobstore.CodecNone)
	require.NoError(t, err)

	require.NoError(t, s.InsertBlobIfMissing(keptHash, 4, "none", "fs"))
	require.NoError(t, s.InsertBlobIfMissing(orphanHash, 6, "none", "fs"))

	row := SnapshotRow{SnapshotID: "sha256:snap3", RepoRoot: "/repo", FingerprintJSON: "{}", ManifestHash: "sha256:m3", ManifestBytes: []byte("{}")}
	require.NoError(t, s.PutSnapshot(row, []ManifestEntry{{Path: "a.txt", Blob: keptHash, Size: 4}}))

	b, err := s.GetBlob(orphanHash)
	require.NoError(t, err)
	require.EqualValues(t, 0, b.Refcount)

	collected, err := s.CollectGarbage(blobs)
	require.NoError(t, err)
	require.Equal(t, 1, collected)

	data, err := blobs.Get(orphanHash)
	require.NoError(t, err)
	require.Nil(t, data)

	got, err := s.GetBlob(orphanHash)
	require.NoError(t, err)
	require.Nil(t, got)

	kept, err := s.GetBlob(keptHash)
	require.NoError(t, err)
	require.NotNil(t, kept)

	keptData, err := blobs.Get(keptHash)
	require.NoError(t, err)
	require.Equal(t, "kept", string(keptData))
}
