package worktree

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"

	"cellar/internal/lease"
	"cellar/internal/rpcerr"
)

// Tools binds the worktree write_file and delete operations to a lease
// controller: every call revalidates the lease's fingerprint before
// touching the filesystem and records the touched path on success.
type Tools struct {
	leases *lease.Controller
}

func New(leases *lease.Controller) *Tools {
	return &Tools{leases: leases}
}

type WriteFileParams struct {
	LeaseID       string
	RepoRoot      string
	Path          string
	ContentBase64 string
	CreateDirs    bool
	DryRun        bool
}

type WriteFileResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
	DryRun       bool   `json:"dry_run"`
}

// WriteFile decodes base64 content and writes it atomically (temp file plus
// rename) to the resolved target. DryRun validates and resolves the path
// without touching disk or the lease's touched set.
func (t *Tools) WriteFile(ctx context.Context, p WriteFileParams) (*WriteFileResult, error) {
	if err := t.leases.Validate(ctx, p.LeaseID, p.RepoRoot); err != nil {
		return nil, err
	}

	content, err := base64.StdEncoding.DecodeString(p.ContentBase64)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.InvalidArgument, "decode base64 content", err)
	}

	target, err := ResolveForWrite(p.RepoRoot, p.Path)
	if err != nil {
		return nil, err
	}

	if p.DryRun {
		return &WriteFileResult{Path: p.Path, BytesWritten: len(content), DryRun: true}, nil
	}

	dir := filepath.Dir(target)
	if p.CreateDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, rpcerr.Wrap(rpcerr.IO, "create parent directories", err)
		}
	} else if _, statErr := os.Stat(dir); statErr != nil {
		return nil, rpcerr.New(rpcerr.NotFound, "parent directory does not exist: "+filepath.Dir(p.Path))
	}

	tmp, err := os.CreateTemp(dir, ".cellar-tmp-*")
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, rpcerr.Wrap(rpcerr.IO, "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, rpcerr.Wrap(rpcerr.IO, "close temp file", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return nil, rpcerr.Wrap(rpcerr.IO, "rename temp file into place", err)
	}

	t.leases.Touch(p.LeaseID, p.Path)
	return &WriteFileResult{Path: p.Path, BytesWritten: len(content), DryRun: false}, nil
}

type DeleteParams struct {
	LeaseID   string
	RepoRoot  string
	Path      string
	Recursive bool
	DryRun    bool
}

type DeleteResult struct {
	Path   string `json:"path"`
	DryRun bool   `json:"dry_run"`
}

// Delete removes a file, or a directory when Recursive is set. A non-empty
// directory without Recursive is rejected rather than silently pruned.
func (t *Tools) Delete(ctx context.Context, p DeleteParams) (*DeleteResult, error) {
	if err := t.leases.Validate(ctx, p.LeaseID, p.RepoRoot); err != nil {
		return nil, err
	}

	target, err := ResolveExisting(p.RepoRoot, p.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(target)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "stat delete target", err)
	}

	if info.IsDir() && !p.Recursive {
		entries, err := os.ReadDir(target)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.IO, "read directory for delete", err)
		}
		if len(entries) > 0 {
			return nil, rpcerr.New(rpcerr.InvalidArgument, "directory is not empty, recursive not set: "+p.Path)
		}
	}

	if p.DryRun {
		return &DeleteResult{Path: p.Path, DryRun: true}, nil
	}

	var removeErr error
	if info.IsDir() {
		removeErr = os.RemoveAll(target)
	} else {
		removeErr = os.Remove(target)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return nil, rpcerr.Wrap(rpcerr.IO, "remove path", removeErr)
	}

	t.leases.Touch(p.LeaseID, p.Path)
	return &DeleteResult{Path: p.Path, DryRun: false}, nil
}
