package snapshot

import (
	"context"
	"fmt"
	"os"
	"strings"

	"cellar/internal/fingerprint"
	"cellar/internal/rpcerr"
	"cellar/internal/worktree"
)

type DiffParams struct {
	RepoRoot       string
	Path           string
	Mode           Mode
	LeaseID        string
	SnapshotID     string
	FromSnapshotID string
}

// Diff synthesizes a git-style unified diff for a single path between an
// optional base snapshot and the target (worktree or another snapshot),
// with binary, new-file, and deleted-file special cases.
func (e *Engine) Diff(ctx context.Context, p DiffParams) (string, error) {
	newContent, newExists, err := e.resolveDiffSide(ctx, p.Mode, p.RepoRoot, p.Path, p.LeaseID, p.SnapshotID, true)
	if err != nil {
		return "", err
	}

	var oldContent []byte
	oldExists := false
	if p.FromSnapshotID != "" {
		oldContent, oldExists, err = e.resolveDiffSide(ctx, ModeSnapshot, p.RepoRoot, p.Path, "", p.FromSnapshotID, false)
		if err != nil {
			return "", err
		}
	}

	if !oldExists && !newExists {
		return "", rpcerr.New(rpcerr.NotFound, "path not present on either side of the diff: "+p.Path)
	}

	if (oldExists && isBinary(oldContent)) || (newExists && isBinary(newContent)) {
		return fmt.Sprintf("Binary files a/%s and b/%s differ\n", p.Path, p.Path), nil
	}

	var header, oldLabel, newLabel string
	switch {
	case !oldExists:
		header = fmt.Sprintf("diff --git a/%s b/%s\nnew file mode 100644\n", p.Path, p.Path)
		oldLabel, newLabel = "/dev/null", "b/"+p.Path
	case !newExists:
		header = fmt.Sprintf("diff --git a/%s b/%s\ndeleted file mode 100644\n", p.Path, p.Path)
		oldLabel, newLabel = "a/"+p.Path, "/dev/null"
	default:
		header = fmt.Sprintf("diff --git a/%s b/%s\n", p.Path, p.Path)
		oldLabel, newLabel = "a/"+p.Path, "b/"+p.Path
	}

	oldLines := splitLinesOrEmpty(oldContent, oldExists)
	newLines := splitLinesOrEmpty(newContent, newExists)
	ops := lcsDiff(oldLines, newLines)
	hunks := unifiedHunks(ops)
	if hunks == "" {
		return "", nil
	}

	return header + "--- " + oldLabel + "\n+++ " + newLabel + "\n" + hunks, nil
}

func splitLinesOrEmpty(content []byte, exists bool) []string {
	if !exists || len(content) == 0 {
		return nil
	}
	return strings.Split(string(content), "\n")
}

func (e *Engine) resolveDiffSide(ctx context.Context, mode Mode, repoRoot, path, leaseID, snapshotID string, touch bool) ([]byte, bool, error) {
	switch mode {
	case ModeWorktree:
		if leaseID == "" {
			fp, err := fingerprint.Probe(ctx, repoRoot)
			if err != nil {
				return nil, false, err
			}
			leaseID = e.leases.Issue(repoRoot, fp)
		} else if err := e.leases.Validate(ctx, leaseID, repoRoot); err != nil {
			return nil, false, err
		}

		full, err := worktree.ResolveExisting(repoRoot, path)
		if err != nil {
			if rpcErr, ok := rpcerr.As(err); ok && rpcErr.Code == rpcerr.NotFound {
				return nil, false, nil
			}
			return nil, false, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, false, rpcerr.Wrap(rpcerr.IO, "read diff target", err)
		}
		if touch {
			e.leases.Touch(leaseID, path)
		}
		return data, true, nil

	case ModeSnapshot:
		entries, err := e.manifestEntries(snapshotID)
		if err != nil {
			return nil, false, err
		}
		ent := entryAt(entries, path)
		if ent == nil {
			return nil, false, nil
		}
		data, err := e.readBlob(*ent)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil

	default:
		return nil, false, rpcerr.New(rpcerr.InvalidArgument, "unknown mode: "+string(mode))
	}
}
