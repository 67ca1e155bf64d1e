package snapshot

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"cellar/internal/fingerprint"
	"cellar/internal/rpcerr"
	"cellar/internal/store"
	"cellar/internal/worktree"
)

const grepMatchCap = 100

// binarySniffLen mirrors git's own heuristic: a NUL byte in the first 512
// bytes marks a file as binary and excludes it from text search and diff.
const binarySniffLen = 512

type Match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

type GrepParams struct {
	RepoRoot        string
	Pattern         string
	Paths           []string
	Mode            Mode
	LeaseID         string
	SnapshotID      string
	CaseInsensitive bool
}

type GrepResult struct {
	Matches   []Match `json:"matches"`
	Truncated bool    `json:"truncated"`
}

// Grep searches line-split UTF-8 text across the candidate file set for
// Pattern, capping at 100 total match lines. Worktree mode touches every
// candidate file, matched or not, since any candidate's mutation could
// later produce or suppress a match.
func (e *Engine) Grep(ctx context.Context, p GrepParams) (*GrepResult, error) {
	expr := p.Pattern
	if p.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.InvalidArgument, "compile grep pattern", err)
	}

	switch p.Mode {
	case ModeWorktree:
		return e.grepWorktree(ctx, p, re)
	case ModeSnapshot:
		return e.grepSnapshot(p, re)
	default:
		return nil, rpcerr.New(rpcerr.InvalidArgument, "unknown mode: "+string(p.Mode))
	}
}

func (e *Engine) grepWorktree(ctx context.Context, p GrepParams, re *regexp.Regexp) (*GrepResult, error) {
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

	candidates, err := worktreeCandidates(p.RepoRoot, p.Paths)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		e.leases.Touch(leaseID, c)
	}

	var matches []Match
	truncated := false
	for _, rel := range candidates {
		if len(matches) >= grepMatchCap {
			truncated = true
			break
		}
		full, err := worktree.ResolveExisting(p.RepoRoot, rel)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.IO, "read candidate file", err)
		}
		if isBinary(data) {
			continue
		}
		matches, truncated = scanLines(matches, rel, data, re)
		if truncated {
			break
		}
	}
	return &GrepResult{Matches: matches, Truncated: truncated}, nil
}

func (e *Engine) grepSnapshot(p GrepParams, re *regexp.Regexp) (*GrepResult, error) {
	entries, err := e.manifestEntries(p.SnapshotID)
	if err != nil {
		return nil, err
	}
	entries = filterByPrefixes(entries, p.Paths)

	var matches []Match
	truncated := false
	for _, ent := range entries {
		if len(matches) >= grepMatchCap {
			truncated = true
			break
		}
		data, err := e.readBlob(ent)
		if err != nil {
			return nil, err
		}
		if isBinary(data) {
			continue
		}
		matches, truncated = scanLines(matches, ent.Path, data, re)
		if truncated {
			break
		}
	}
	return &GrepResult{Matches: matches, Truncated: truncated}, nil
}

func scanLines(matches []Match, path string, data []byte, re *regexp.Regexp) ([]Match, bool) {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if len(matches) >= grepMatchCap {
			return matches, true
		}
		if re.MatchString(line) {
			matches = append(matches, Match{Path: path, Line: i + 1, Text: line})
		}
	}
	return matches, len(matches) >= grepMatchCap
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

func filterByPrefixes(entries []store.ManifestEntry, paths []string) []store.ManifestEntry {
	if len(paths) == 0 {
		return entries
	}
	var out []store.ManifestEntry
	for _, ent := range entries {
		for _, pfx := range paths {
			if ent.Path == pfx || strings.HasPrefix(ent.Path, childPrefix(pfx)) {
				out = append(out, ent)
				break
			}
		}
	}
	return out
}

// worktreeCandidates enumerates the files under paths (or the whole repo if
// paths is empty) in sorted-directory-walk order.
func worktreeCandidates(repoRoot string, paths []string) ([]string, error) {
	roots := paths
	if len(roots) == 0 {
		roots = []string{""}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, rel := range roots {
		full, err := worktree.ResolveExisting(repoRoot, rel)
		if err != nil {
			return nil, err
		}
		err = filepath.WalkDir(full, func(walkPath string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			relPath, err := filepath.Rel(repoRoot, walkPath)
			if err != nil {
				return err
			}
			relPath = filepath.ToSlash(relPath)
			if _, dup := seen[relPath]; dup {
				return nil
			}
			seen[relPath] = struct{}{}
			out = append(out, relPath)
			return nil
		})
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.IO, "walk candidate files", err)
		}
	}
	sort.Strings(out)
	return out, nil
}
