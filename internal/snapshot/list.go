package snapshot

import (
	"context"
	"os"
	"sort"
	"strings"

	"cellar/internal/fingerprint"
	"cellar/internal/rpcerr"
	"cellar/internal/worktree"
)

// Entry is one listed child: a file or a synthesized directory.
type Entry struct {
	Path string `json:"path"`
	Type string `json:"type"` // "file" | "dir"
}

const (
	entryFile = "file"
	entryDir  = "dir"
)

type ListParams struct {
	RepoRoot   string
	Path       string
	Mode       Mode
	LeaseID    string
	SnapshotID string
	Limit      int
	Offset     int
}

type ListResult struct {
	Entries   []Entry `json:"entries"`
	Total     int     `json:"total"`
	Truncated bool    `json:"truncated"`
}

// List returns the immediate children of Path, in worktree mode from the
// live filesystem (touching every returned entry), in snapshot mode by
// decomposing the flat manifest into synthesized directories.
func (e *Engine) List(ctx context.Context, p ListParams) (*ListResult, error) {
	var all []Entry
	var err error

	switch p.Mode {
	case ModeWorktree:
		all, err = e.listWorktree(ctx, &p)
	case ModeSnapshot:
		all, err = e.listSnapshot(p.SnapshotID, p.Path)
	default:
		return nil, rpcerr.New(rpcerr.InvalidArgument, "unknown mode: "+string(p.Mode))
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	total := len(all)

	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if p.Limit > 0 && offset+p.Limit < total {
		end = offset + p.Limit
	}
	page := all[offset:end]

	if p.Mode == ModeWorktree {
		for _, it := range page {
			e.leases.Touch(p.LeaseID, it.Path)
		}
	}

	return &ListResult{
		Entries:   page,
		Total:     total,
		Truncated: offset+len(page) < total,
	}, nil
}

func (e *Engine) listWorktree(ctx context.Context, p *ListParams) ([]Entry, error) {
	if p.LeaseID == "" {
		fp, err := fingerprint.Probe(ctx, p.RepoRoot)
		if err != nil {
			return nil, err
		}
		p.LeaseID = e.leases.Issue(p.RepoRoot, fp)
	} else if err := e.leases.Validate(ctx, p.LeaseID, p.RepoRoot); err != nil {
		return nil, err
	}

	dir := p.RepoRoot
	if p.Path != "" {
		resolved, err := worktree.ResolveExisting(p.RepoRoot, p.Path)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	children, err := os.ReadDir(dir)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "read directory", err)
	}

	out := make([]Entry, 0, len(children))
	for _, c := range children {
		name := c.Name()
		if strings.HasPrefix(name, ".") && name != ".gitignore" {
			continue
		}
		childPath := name
		if p.Path != "" {
			childPath = p.Path + "/" + name
		}
		typ := entryFile
		if c.IsDir() {
			typ = entryDir
		}
		out = append(out, Entry{Path: childPath, Type: typ})
	}
	return out, nil
}

func (e *Engine) listSnapshot(snapshotID, dir string) ([]Entry, error) {
	entries, err := e.manifestEntries(snapshotID)
	if err != nil {
		return nil, err
	}

	prefix := childPrefix(dir)
	seenDirs := make(map[string]struct{})
	out := make([]Entry, 0)

	for _, ent := range entries {
		if prefix != "" && !strings.HasPrefix(ent.Path, prefix) {
			continue
		}
		rest := ent.Path[len(prefix):]
		if rest == "" {
			continue
		}
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			dirName := rest[:slash]
			full := prefix + dirName
			if _, ok := seenDirs[full]; !ok {
				seenDirs[full] = struct{}{}
				out = append(out, Entry{Path: full, Type: entryDir})
			}
			continue
		}
		out = append(out, Entry{Path: ent.Path, Type: entryFile})
	}
	return out, nil
}
