// Package worktree implements the transactional tools that read and mutate
// the live filesystem under a lease: write_file, delete, and (via
// internal/patch) apply_patch in worktree mode. Path resolution is strict:
// no "..", no leading separator, no backslash, and no component that
// escapes repo_root once existing ancestors are canonicalized.
package worktree

import (
	"os"
	"path/filepath"
	"strings"

	"cellar/internal/rpcerr"
)

func validateRelPath(relPath string) error {
	if strings.Contains(relPath, "\\") {
		return rpcerr.New(rpcerr.InvalidArgument, "path contains a backslash: "+relPath)
	}
	if strings.HasPrefix(relPath, "/") {
		return rpcerr.New(rpcerr.InvalidArgument, "path has a leading separator: "+relPath)
	}
	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return rpcerr.New(rpcerr.PathEscape, "path contains a parent-directory component: "+relPath)
		}
	}
	return nil
}

func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ResolveExisting validates and resolves relPath, which must already exist
// under repoRoot, returning its canonicalized absolute path.
func ResolveExisting(repoRoot, relPath string) (string, error) {
	if err := validateRelPath(relPath); err != nil {
		return "", err
	}
	canonicalRoot, err := filepath.EvalSymlinks(repoRoot)
	if err != nil {
		return "", rpcerr.Wrap(rpcerr.IO, "canonicalize repo root", err)
	}

	full := repoRoot
	if relPath != "" {
		full = filepath.Join(repoRoot, filepath.FromSlash(relPath))
	}

	canonicalFull, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", rpcerr.New(rpcerr.NotFound, "path does not exist: "+relPath)
		}
		return "", rpcerr.Wrap(rpcerr.IO, "canonicalize path", err)
	}
	if !isWithin(canonicalFull, canonicalRoot) {
		return "", rpcerr.New(rpcerr.PathEscape, "path escapes repo root: "+relPath)
	}
	return canonicalFull, nil
}

// ResolveForWrite validates and resolves relPath for a target that may not
// exist yet: it walks to the nearest existing ancestor, canonicalizes that
// ancestor, verifies containment, then appends the remaining path
// components by name.
func ResolveForWrite(repoRoot, relPath string) (string, error) {
	if err := validateRelPath(relPath); err != nil {
		return "", err
	}
	if relPath == "" {
		return "", rpcerr.New(rpcerr.InvalidArgument, "path must not be empty")
	}

	canonicalRoot, err := filepath.EvalSymlinks(repoRoot)
	if err != nil {
		return "", rpcerr.Wrap(rpcerr.IO, "canonicalize repo root", err)
	}

	comps := strings.Split(relPath, "/")
	cur := repoRoot
	idx := 0
	for idx < len(comps) {
		candidate := filepath.Join(cur, comps[idx])
		if _, statErr := os.Lstat(candidate); statErr != nil {
			break
		}
		cur = candidate
		idx++
	}

	canonicalCur, err := filepath.EvalSymlinks(cur)
	if err != nil {
		return "", rpcerr.Wrap(rpcerr.IO, "canonicalize nearest existing ancestor", err)
	}
	if !isWithin(canonicalCur, canonicalRoot) {
		return "", rpcerr.New(rpcerr.PathEscape, "path escapes repo root: "+relPath)
	}

	result := canonicalCur
	for ; idx < len(comps); idx++ {
		result = filepath.Join(result, comps[idx])
	}
	if !isWithin(result, canonicalRoot) {
		return "", rpcerr.New(rpcerr.PathEscape, "path escapes repo root: "+relPath)
	}
	return result, nil
}
