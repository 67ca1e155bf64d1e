// Package patch implements workspace.apply_patch: worktree-mode application
// via a "git apply" subprocess gated by a lease, and snapshot-mode
// application via scratch-directory materialization and re-ingest into a
// new immutable snapshot.
package patch

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"lukechampine.com/blake3"

	"cellar/internal/blobstore"
	"cellar/internal/canon"
	"cellar/internal/fingerprint"
	"cellar/internal/lease"
	"cellar/internal/rpcerr"
	"cellar/internal/store"
)

// Reject describes one file whose hunks "git apply" could not place.
type Reject struct {
	Path  string `json:"path"`
	Hunks []Hunk `json:"hunks"`
}

type Hunk struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Applied describes one file a patch touched successfully.
type Applied struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

type Params struct {
	RepoRoot         string
	Patch            string
	Mode             string // "worktree" | "snapshot"
	LeaseID          string
	SnapshotID       string
	Strip            *int
	RejectOnConflict bool
	DryRun           bool
}

// Result carries either worktree-mode or snapshot-mode outcome fields; the
// unused half of each mode is left at its zero value.
type Result struct {
	Applied     []Applied                `json:"applied"`
	Rejects     []Reject                 `json:"rejects"`
	LeaseID     string                   `json:"lease_id,omitempty"`
	Fingerprint *fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	SnapshotID  string                   `json:"snapshot_id,omitempty"`
}

// Transactor applies patches against either the live worktree or a stored
// snapshot.
type Transactor struct {
	meta   *store.Store
	blobs  *blobstore.Store
	leases *lease.Controller
}

func New(meta *store.Store, blobs *blobstore.Store, leases *lease.Controller) *Transactor {
	return &Transactor{meta: meta, blobs: blobs, leases: leases}
}

func (t *Transactor) Apply(ctx context.Context, p Params) (*Result, error) {
	switch p.Mode {
	case "worktree":
		return t.applyWorktree(ctx, p)
	case "snapshot":
		return t.applySnapshot(ctx, p)
	default:
		return nil, rpcerr.New(rpcerr.InvalidArgument, "unknown mode: "+p.Mode)
	}
}

func (t *Transactor) applyWorktree(ctx context.Context, p Params) (*Result, error) {
	if p.LeaseID == "" {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "lease_id is required in worktree mode")
	}
	if err := t.leases.Validate(ctx, p.LeaseID, p.RepoRoot); err != nil {
		return nil, err
	}

	args := []string{"apply", "--verbose"}
	if p.DryRun {
		args = append(args, "--check")
	}
	if p.Strip != nil {
		args = append(args, strip(*p.Strip))
	}

	_, stderr, runErr := runGitApply(ctx, p.RepoRoot, p.Patch, args)

	if runErr == nil {
		touched := parsePatchTouchedFiles(p.Patch)
		if !p.DryRun {
			t.leases.Touch(p.LeaseID, touched...)
		}

		newFP, err := fingerprint.Probe(ctx, p.RepoRoot)
		if err != nil {
			return nil, err
		}
		applied := make([]Applied, len(touched))
		for i, f := range touched {
			applied[i] = Applied{Path: f, Status: "ok"}
		}
		return &Result{Applied: applied, Rejects: []Reject{}, LeaseID: p.LeaseID, Fingerprint: &newFP}, nil
	}

	rejects := parseGitApplyErrors(stderr, p.Patch)
	if p.RejectOnConflict {
		return nil, rpcerr.Wrap(rpcerr.PatchConflict, "git apply rejected the patch", runErr).WithData(map[string]any{"rejects": rejects})
	}

	currentFP, fpErr := fingerprint.Probe(ctx, p.RepoRoot)
	if fpErr != nil {
		return nil, fpErr
	}
	return &Result{Applied: []Applied{}, Rejects: rejects, LeaseID: p.LeaseID, Fingerprint: &currentFP}, nil
}

func (t *Transactor) applySnapshot(ctx context.Context, p Params) (*Result, error) {
	if p.SnapshotID == "" {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "snapshot_id is required in snapshot mode")
	}
	base, err := t.meta.GetSnapshot(p.SnapshotID)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, rpcerr.New(rpcerr.NotFound, "snapshot not found: "+p.SnapshotID)
	}
	entries, err := t.meta.GetManifestEntries(p.SnapshotID)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "cellar-patch-*")
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "create scratch directory", err)
	}
	defer os.RemoveAll(scratch)

	// dedup maps a blake3 content digest to the already-known sha256 blob
	// hash for that content, populated while materializing the base
	// manifest. Re-ingestion after a successful apply uses it to skip a
	// redundant compress+sha256 Put for every file the patch left untouched.
	dedup := make(map[string]string, len(entries))

	for _, ent := range entries {
		blobRow, err := t.meta.GetBlob(ent.Blob)
		if err != nil {
			return nil, err
		}
		if blobRow == nil {
			return nil, rpcerr.New(rpcerr.ReferenceIntegrity, "manifest references unregistered blob "+ent.Blob)
		}
		data, err := t.blobs.GetDecompressed(ent.Blob, blobstore.Codec(blobRow.Compression))
		if err != nil {
			return nil, err
		}
		full := filepath.Join(scratch, filepath.FromSlash(ent.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, rpcerr.Wrap(rpcerr.IO, "create scratch parent directory", err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return nil, rpcerr.Wrap(rpcerr.IO, "materialize scratch file", err)
		}
		dedup[blake3Hex(data)] = ent.Blob
	}

	args := []string{"apply", "--verbose"}
	if p.Strip != nil {
		args = append(args, strip(*p.Strip))
	}
	_, stderr, runErr := runGitApply(ctx, scratch, p.Patch, args)

	if runErr != nil {
		rejects := parseGitApplyErrors(stderr, p.Patch)
		if p.RejectOnConflict {
			return nil, rpcerr.Wrap(rpcerr.PatchConflict, "git apply rejected the patch", runErr).WithData(map[string]any{"rejects": rejects})
		}
		return &Result{SnapshotID: p.SnapshotID, Applied: []Applied{}, Rejects: rejects}, nil
	}

	if p.DryRun {
		return &Result{SnapshotID: p.SnapshotID, Applied: []Applied{}, Rejects: []Reject{}}, nil
	}

	newEntries, err := ingestScratch(scratch, t.blobs, t.meta, dedup)
	if err != nil {
		return nil, err
	}

	manifestBytes, manifestHash, err := canonicalManifestBytes(newEntries)
	if err != nil {
		return nil, err
	}

	newID := canon.Digest([]byte(base.FingerprintJSON), []byte{0x0A}, manifestBytes)
	patchHash := canon.Sha256Hex([]byte(p.Patch))

	derivedFrom := p.SnapshotID
	appliedHash := patchHash
	row := store.SnapshotRow{
		SnapshotID:       newID,
		RepoRoot:         base.RepoRoot,
		HeadSHA:          base.HeadSHA,
		FingerprintJSON:  base.FingerprintJSON,
		ManifestHash:     manifestHash,
		ManifestBytes:    manifestBytes,
		DerivedFrom:      &derivedFrom,
		AppliedPatchHash: &appliedHash,
	}
	if err := t.meta.PutSnapshot(row, newEntries); err != nil {
		return nil, err
	}

	return &Result{SnapshotID: newID, Applied: []Applied{}, Rejects: []Reject{}}, nil
}

func strip(n int) string {
	return "-p" + strconv.Itoa(n)
}

func runGitApply(ctx context.Context, dir, patch string, args []string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(patch)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	return outBuf.String(), errBuf.String(), runErr
}

// parsePatchTouchedFiles extracts the destination path of every "+++ " line.
func parsePatchTouchedFiles(patchText string) []string {
	var files []string
	for _, line := range strings.Split(patchText, "\n") {
		if !strings.HasPrefix(line, "+++ ") {
			continue
		}
		pathPart := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
		clean := strings.TrimPrefix(pathPart, "b/")
		if clean != "/dev/null" {
			files = append(files, clean)
		}
	}
	return files
}

// parseGitApplyErrors extracts structured rejects from git's stderr,
// falling back to marking every touched file rejected if no specific
// "patch failed" lines are found.
func parseGitApplyErrors(stderr, patchText string) []Reject {
	var rejects []Reject
	for _, line := range strings.Split(stderr, "\n") {
		const marker = "error: patch failed: "
		idx := strings.Index(line, marker)
		if idx < 0 {
			continue
		}
		part := line[idx+len(marker):]
		parts := strings.SplitN(part, ":", 2)
		if len(parts) >= 1 && parts[0] != "" {
			rejects = append(rejects, Reject{
				Path:  parts[0],
				Hunks: []Hunk{{Index: 0, Reason: "context_mismatch"}},
			})
		}
	}
	if len(rejects) == 0 {
		for _, f := range parsePatchTouchedFiles(patchText) {
			rejects = append(rejects, Reject{
				Path:  f,
				Hunks: []Hunk{{Index: 0, Reason: "unknown_failure"}},
			})
		}
	}
	return rejects
}

// ingestScratch walks the materialized scratch directory, storing every
// file as a blob and returning the resulting manifest entries. dedup short-
// circuits the Put for files whose blake3 digest matches a blob already
// known from the base manifest (see applySnapshot); it never substitutes
// for the sha256 identity, which is recomputed and verified by blobs.Put
// whenever dedup misses.
func ingestScratch(scratch string, blobs *blobstore.Store, meta *store.Store, dedup map[string]string) ([]store.ManifestEntry, error) {
	var entries []store.ManifestEntry
	err := filepath.WalkDir(scratch, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(scratch, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var hash string
		if known, ok := dedup[blake3Hex(data)]; ok {
			hash = known
		} else {
			hash, _, err = blobs.Put(data, blobstore.CodecZstd)
			if err != nil {
				return err
			}
		}
		if err := meta.InsertBlobIfMissing(hash, int64(len(data)), string(blobstore.CodecZstd), "filesystem"); err != nil {
			return err
		}
		entries = append(entries, store.ManifestEntry{Path: rel, Blob: hash, Size: int64(len(data))})
		return nil
	})
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "ingest scratch directory", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func blake3Hex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func canonicalManifestBytes(entries []store.ManifestEntry) (bytes []byte, hash string, err error) {
	arr := make([]any, len(entries))
	for i, e := range entries {
		arr[i] = map[string]any{"path": e.Path, "blob": e.Blob, "size": e.Size}
	}
	obj := map[string]any{"entries": arr}
	bytes, err = canon.Marshal(obj)
	if err != nil {
		return nil, "", err
	}
	return bytes, canon.Sha256Hex(bytes), nil
}
