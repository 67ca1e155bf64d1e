// Package fingerprint computes the repository state identity consumed by
// the lease controller. It shells out to git (rev-parse HEAD, write-tree,
// and porcelain status) so that identical repo states always yield
// identical fingerprints.
package fingerprint

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"cellar/internal/canon"
	"cellar/internal/rpcerr"
)

// Fingerprint is the triple identifying a live repository's state.
type Fingerprint struct {
	HeadOID    string `json:"head_oid"`
	IndexOID   string `json:"index_oid"`
	StatusHash string `json:"status_hash"`
}

// Equal reports whether f and other are byte-equal in all three fields.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.HeadOID == other.HeadOID &&
		f.IndexOID == other.IndexOID &&
		f.StatusHash == other.StatusHash
}

// Canonical renders f as canonical fingerprint JSON.
func (f Fingerprint) Canonical() ([]byte, error) {
	return canon.Marshal(map[string]any{
		"head_oid":    f.HeadOID,
		"index_oid":   f.IndexOID,
		"status_hash": f.StatusHash,
	})
}

// Probe computes the fingerprint for repoRoot. head_oid and index_oid degrade
// to "" on failure (unborn branch / unrepresentable index); a failure to
// obtain the status bytes is fatal and returned as VCS_UNAVAILABLE.
func Probe(ctx context.Context, repoRoot string) (Fingerprint, error) {
	headOID := runTrimmed(ctx, repoRoot, "rev-parse", "HEAD")
	indexOID := runTrimmed(ctx, repoRoot, "write-tree")

	status, err := run(ctx, repoRoot, "status", "--porcelain=v1", "-z")
	if err != nil {
		return Fingerprint{}, rpcerr.Wrap(rpcerr.VCSUnavailable, "git status failed", err)
	}

	return Fingerprint{
		HeadOID:    headOID,
		IndexOID:   indexOID,
		StatusHash: canon.Sha256Hex(status),
	}, nil
}

func run(ctx context.Context, repoRoot string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoRoot
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

func runTrimmed(ctx context.Context, repoRoot string, args ...string) string {
	out, err := run(ctx, repoRoot, args...)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(out), "\n")
}
