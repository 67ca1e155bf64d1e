// Package snapshot implements the content-addressed snapshot engine: create,
// list, file, grep, diff, changes, and export, each gated by a mode selector
// that reads either the live worktree or a stored manifest.
package snapshot

import (
	"sort"

	"cellar/internal/canon"
	"cellar/internal/fingerprint"
	"cellar/internal/store"
)

// Mode selects whether an operation reads the live filesystem (gated by a
// lease) or a stored, immutable manifest.
type Mode string

const (
	ModeWorktree Mode = "worktree"
	ModeSnapshot Mode = "snapshot"
)

// canonicalManifest sorts entries by path and renders the canonical bytes
// together with their manifest hash.
func canonicalManifest(entries []store.ManifestEntry) (bytes []byte, hash string, err error) {
	sorted := make([]store.ManifestEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	arr := make([]any, len(sorted))
	for i, e := range sorted {
		arr[i] = map[string]any{"path": e.Path, "blob": e.Blob, "size": e.Size}
	}
	obj := map[string]any{"entries": arr}

	bytes, err = canon.Marshal(obj)
	if err != nil {
		return nil, "", err
	}
	return bytes, canon.Sha256Hex(bytes), nil
}

// snapshotID is the identity rule for snapshots:
// sha256(canonical(fingerprint) || 0x0A || canonical(manifest)).
func snapshotID(fp fingerprint.Fingerprint, manifestBytes []byte) (string, error) {
	fpBytes, err := fp.Canonical()
	if err != nil {
		return "", err
	}
	return canon.Digest(fpBytes, []byte{0x0A}, manifestBytes), nil
}
