package snapshot

import (
	"context"
	"sort"
	"strings"

	"cellar/internal/blobstore"
	"cellar/internal/fingerprint"
	"cellar/internal/lease"
	"cellar/internal/rpcerr"
	"cellar/internal/store"
	"cellar/internal/worktree"
)

// Engine implements the snapshot operations, sharing the blob backend,
// metadata catalog, and lease controller with the worktree tools.
type Engine struct {
	meta   *store.Store
	blobs  *blobstore.Store
	leases *lease.Controller
	paths  *store.PathIndex // optional derived cache; nil disables it
}

func New(meta *store.Store, blobs *blobstore.Store, leases *lease.Controller) *Engine {
	return &Engine{meta: meta, blobs: blobs, leases: leases}
}

// WithPathIndex attaches the derived badger-backed prefix cache: list and
// grep consult it before falling back to a full manifest_entries scan.
// Never required for correctness.
func (e *Engine) WithPathIndex(p *store.PathIndex) *Engine {
	e.paths = p
	return e
}

// CreateParams configures a snapshot.create call. An empty LeaseID causes a
// fresh lease to be issued against the current fingerprint; an empty Paths
// captures the lease's touched-file set instead.
type CreateParams struct {
	RepoRoot string
	LeaseID  string
	Paths    []string
}

// Create captures repo_root's selected paths into a new, immutable,
// content-addressed manifest and returns its snapshot id. Idempotent:
// identical inputs (same fingerprint, same bytes) yield the same id and a
// no-op write.
func (e *Engine) Create(ctx context.Context, p CreateParams) (string, error) {
	leaseID := p.LeaseID
	var fp fingerprint.Fingerprint
	if leaseID == "" {
		probed, err := fingerprint.Probe(ctx, p.RepoRoot)
		if err != nil {
			return "", err
		}
		fp = probed
		leaseID = e.leases.Issue(p.RepoRoot, fp)
	} else {
		if err := e.leases.Validate(ctx, leaseID, p.RepoRoot); err != nil {
			return "", err
		}
		got, ok := e.leases.FingerprintOf(leaseID)
		if !ok {
			return "", rpcerr.New(rpcerr.NotFound, "lease not found: "+leaseID)
		}
		fp = got
	}

	paths := p.Paths
	if len(paths) == 0 {
		touched, _ := e.leases.Touched(leaseID)
		paths = touched
	}

	seen := make(map[string]struct{}, len(paths))
	unique := make([]string, 0, len(paths))
	for _, pth := range paths {
		if _, dup := seen[pth]; dup {
			continue
		}
		seen[pth] = struct{}{}
		unique = append(unique, pth)
	}
	sort.Strings(unique)

	entries := make([]store.ManifestEntry, 0, len(unique))
	for _, rel := range unique {
		full, err := worktree.ResolveExisting(p.RepoRoot, rel)
		if err != nil {
			return "", err
		}
		data, err := readRegularFile(full)
		if err != nil {
			return "", err
		}

		hash, _, err := e.blobs.Put(data, blobstore.CodecZstd)
		if err != nil {
			return "", err
		}
		if err := e.meta.InsertBlobIfMissing(hash, int64(len(data)), string(blobstore.CodecZstd), "filesystem"); err != nil {
			return "", err
		}

		entries = append(entries, store.ManifestEntry{Path: rel, Blob: hash, Size: int64(len(data))})
	}

	manifestBytes, manifestHash, err := canonicalManifest(entries)
	if err != nil {
		return "", err
	}
	id, err := snapshotID(fp, manifestBytes)
	if err != nil {
		return "", err
	}

	if existing, err := e.meta.GetSnapshot(id); err == nil && existing != nil {
		return id, nil
	}

	fpJSON, err := fp.Canonical()
	if err != nil {
		return "", err
	}
	headSHA := fp.HeadOID

	row := store.SnapshotRow{
		SnapshotID:      id,
		RepoRoot:        p.RepoRoot,
		HeadSHA:         headSHA,
		FingerprintJSON: string(fpJSON),
		ManifestHash:    manifestHash,
		ManifestBytes:   manifestBytes,
	}
	if err := e.meta.PutSnapshot(row, entries); err != nil {
		return "", err
	}
	if e.paths != nil {
		// Best-effort: a stale or missing cache only costs a slower
		// full-scan answer later, never a wrong one.
		_ = e.paths.Rebuild(ctx, id, entries)
	}
	return id, nil
}

// Info returns the persisted snapshot row for id, the direct accessor for
// reading derived_from/applied_patch_hash back after a snapshot-mode patch.
func (e *Engine) Info(id string) (*store.SnapshotRow, error) {
	row, err := e.meta.GetSnapshot(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, rpcerr.New(rpcerr.NotFound, "snapshot not found: "+id)
	}
	return row, nil
}

// manifestEntries returns the sorted manifest entries for a stored snapshot,
// preferring the derived path index when attached and populated.
func (e *Engine) manifestEntries(snapshotID string) ([]store.ManifestEntry, error) {
	return e.manifestEntriesCtx(context.Background(), snapshotID)
}

func (e *Engine) manifestEntriesCtx(ctx context.Context, snapshotID string) ([]store.ManifestEntry, error) {
	if snapshotID == "" {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "snapshot_id is required in snapshot mode")
	}
	row, err := e.meta.GetSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, rpcerr.New(rpcerr.NotFound, "snapshot not found: "+snapshotID)
	}

	if e.paths != nil {
		if cached, err := e.paths.Entries(ctx, snapshotID); err == nil && len(cached) > 0 {
			sort.Slice(cached, func(i, j int) bool { return cached[i].Path < cached[j].Path })
			return cached, nil
		}
	}

	entries, err := e.meta.GetManifestEntries(snapshotID)
	if err != nil {
		return nil, err
	}
	if e.paths != nil && len(entries) > 0 {
		_ = e.paths.Rebuild(ctx, snapshotID, entries)
	}
	return entries, nil
}

// readBlob fetches and decompresses a manifest entry's logical bytes.
func (e *Engine) readBlob(entry store.ManifestEntry) ([]byte, error) {
	row, err := e.meta.GetBlob(entry.Blob)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, rpcerr.New(rpcerr.NotFound, "blob not found: "+entry.Blob)
	}
	data, err := e.blobs.GetDecompressed(entry.Blob, blobstore.Codec(row.Compression))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, rpcerr.New(rpcerr.NotFound, "blob bytes missing: "+entry.Blob)
	}
	return data, nil
}

// entryAt finds the manifest entry for an exact path, or nil.
func entryAt(entries []store.ManifestEntry, path string) *store.ManifestEntry {
	for i := range entries {
		if entries[i].Path == path {
			return &entries[i]
		}
	}
	return nil
}

// childPrefix returns the prefix ("dir/") that paths under dir start with;
// the empty string means the repository root and yields an empty prefix.
func childPrefix(dir string) string {
	if dir == "" {
		return ""
	}
	return strings.TrimSuffix(dir, "/") + "/"
}
