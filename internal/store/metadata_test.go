package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutSnapshotReferenceIntegrityAborts(t *testing.T) {
	s := newTestStore(t)

	err := s.PutSnapshot(SnapshotRow{
		SnapshotID:      "sha256:deadbeef",
		RepoRoot:        "/repo",
		FingerprintJSON: "{}",
		ManifestHash:    "sha256:zz",
		ManifestBytes:   []byte("{}"),
	}, []ManifestEntry{{Path: "a.txt", Blob: "sha256:never-registered", Size: 1}})
	require.Error(t, err)

	got, err := s.GetSnapshot("sha256:deadbeef")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPutSnapshotRefcountConservation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertBlobIfMissing("sha256:h1", 3, "none", "fs"))

	row := SnapshotRow{
		SnapshotID:      "sha256:snap1",
		RepoRoot:        "/repo",
		FingerprintJSON: "{}",
		ManifestHash:    "sha256:m1",
		ManifestBytes:   []byte("{}"),
	}
	entries := []ManifestEntry{{Path: "a.txt", Blob: "sha256:h1", Size: 3}}
	require.NoError(t, s.PutSnapshot(row, entries))

	b, err := s.GetBlob("sha256:h1")
	require.NoError(t, err)
	require.EqualValues(t, 1, b.Refcount)

	// Overwrite with an empty manifest: refcount must drop back to zero.
	row.ManifestBytes = []byte("{}")
	require.NoError(t, s.PutSnapshot(row, nil))

	b, err = s.GetBlob("sha256:h1")
	require.NoError(t, err)
	require.EqualValues(t, 0, b.Refcount)
}

func TestGetManifestEntriesSortedByPath(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertBlobIfMissing("sha256:h1", 1, "none", "fs"))
	require.NoError(t, s.InsertBlobIfMissing("sha256:h2", 1, "none", "fs"))

	row := SnapshotRow{SnapshotID: "sha256:snap2", RepoRoot: "/repo", FingerprintJSON: "{}", ManifestHash: "sha256:m2", ManifestBytes: []byte("{}")}
	entries := []ManifestEntry{
		{Path: "z.txt", Blob: "sha256:h2", Size: 1},
		{Path: "a.txt", Blob: "sha256:h1", Size: 1},
	}
	require.NoError(t, s.PutSnapshot(row, entries))

	got, err := s.GetManifestEntries("sha256:snap2")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a.txt", got[0].Path)
	require.Equal(t, "z.txt", got[1].Path)
}
