package snapshot

import (
	"context"
	"os"

	"cellar/internal/canon"
	"cellar/internal/fingerprint"
	"cellar/internal/rpcerr"
	"cellar/internal/worktree"
)

type FileParams struct {
	RepoRoot   string
	Path       string
	Mode       Mode
	LeaseID    string
	SnapshotID string
}

// FileResult carries a single file's logical bytes plus the derived fields
// every read returns: size, a content hash, and a binary/text
// classification by NUL-sniffing the first 512 bytes.
type FileResult struct {
	Path    string `json:"path"`
	Content []byte `json:"-"`
	Size    int64  `json:"size"`
	SHA     string `json:"sha"`
	Kind    string `json:"kind"` // "text" | "binary"
}

const (
	kindText   = "text"
	kindBinary = "binary"
)

func fileKind(data []byte) string {
	if isBinary(data) {
		return kindBinary
	}
	return kindText
}

func newFileResult(path string, data []byte) *FileResult {
	return &FileResult{
		Path:    path,
		Content: data,
		Size:    int64(len(data)),
		SHA:     canon.Sha256Hex(data),
		Kind:    fileKind(data),
	}
}

// File reads a single path's logical content, from the live worktree
// (gated by a lease, issuing one if absent) or from a stored manifest.
func (e *Engine) File(ctx context.Context, p FileParams) (*FileResult, error) {
	switch p.Mode {
	case ModeWorktree:
		leaseID := p.LeaseID
		if leaseID == "" {
			fp, err := fingerprint.Probe(ctx, p.RepoRoot)
			if err != nil {
				return nil, err
			}
			leaseID = e.leases.Issue(p.RepoRoot, fp)
		} else if err := e.leases.Validate(ctx, leaseID, p.RepoRoot); err != nil {
			return nil, err
		}

		full, err := worktree.ResolveExisting(p.RepoRoot, p.Path)
		if err != nil {
			return nil, err
		}
		data, err := readRegularFile(full)
		if err != nil {
			return nil, err
		}
		e.leases.Touch(leaseID, p.Path)
		return newFileResult(p.Path, data), nil

	case ModeSnapshot:
		entries, err := e.manifestEntries(p.SnapshotID)
		if err != nil {
			return nil, err
		}
		ent := entryAt(entries, p.Path)
		if ent == nil {
			return nil, rpcerr.New(rpcerr.NotFound, "path not present in snapshot: "+p.Path)
		}
		data, err := e.readBlob(*ent)
		if err != nil {
			return nil, err
		}
		return newFileResult(p.Path, data), nil

	default:
		return nil, rpcerr.New(rpcerr.InvalidArgument, "unknown mode: "+string(p.Mode))
	}
}

// readRegularFile reads the full contents of a resolved, existing path and
// rejects directories (there is no "read a directory" operation).
func readRegularFile(full string) ([]byte, error) {
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rpcerr.New(rpcerr.NotFound, "file not found: "+full)
		}
		return nil, rpcerr.Wrap(rpcerr.IO, "stat file", err)
	}
	if info.IsDir() {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "path is a directory: "+full)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "read file", err)
	}
	return data, nil
}
