// Package toolserver is the stdio JSON-RPC loop: it reads newline-delimited
// JSON requests from stdin, dispatches by tool name to the snapshot engine,
// worktree tools, and patch transactor, and writes single-line JSON
// responses to stdout. Argument-schema validation beyond JSON
// well-formedness belongs to the caller; path and base64 sanity live in the
// core itself.
package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/rs/zerolog"

	"cellar/internal/patch"
	"cellar/internal/rpcerr"
	"cellar/internal/snapshot"
	"cellar/internal/worktree"
)

const maxLineBytes = 64 * 1024 * 1024

type request struct {
	ID   any             `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type response struct {
	ID     any        `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

// Server binds the three tool surfaces to the stdio transport.
type Server struct {
	snap  *snapshot.Engine
	wt    *worktree.Tools
	patch *patch.Transactor
	log   zerolog.Logger
}

func New(snap *snapshot.Engine, wt *worktree.Tools, patchTx *patch.Transactor, logger zerolog.Logger) *Server {
	return &Server{snap: snap, wt: wt, patch: patchTx, log: logger}
}

// Serve reads one JSON request per line from r and writes one JSON response
// per line to w, until r is exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(response{Error: &errorBody{
				Code:    string(rpcerr.InvalidArgument),
				Message: "malformed request: " + err.Error(),
			}})
			continue
		}

		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	result, err := s.call(ctx, req.Tool, req.Args)
	if err != nil {
		rpcErr, ok := rpcerr.As(err)
		if !ok {
			rpcErr = rpcerr.Wrap(rpcerr.Internal, "unhandled error", err)
		}
		s.log.Error().Str("tool", req.Tool).Err(err).Msg("tool call failed")
		return response{ID: req.ID, Error: &errorBody{Code: string(rpcErr.Code), Message: rpcErr.Message, Data: rpcErr.Data}}
	}
	return response{ID: req.ID, Result: result}
}

func (s *Server) call(ctx context.Context, tool string, raw json.RawMessage) (any, error) {
	switch tool {
	case "snapshot.create":
		var p struct {
			RepoRoot string   `json:"repo_root"`
			LeaseID  string   `json:"lease_id"`
			Paths    []string `json:"paths"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		id, err := s.snap.Create(ctx, snapshot.CreateParams{RepoRoot: p.RepoRoot, LeaseID: p.LeaseID, Paths: p.Paths})
		if err != nil {
			return nil, err
		}
		return map[string]string{"snapshot_id": id}, nil

	case "snapshot.list":
		var p struct {
			RepoRoot   string `json:"repo_root"`
			Path       string `json:"path"`
			Mode       string `json:"mode"`
			LeaseID    string `json:"lease_id"`
			SnapshotID string `json:"snapshot_id"`
			Limit      int    `json:"limit"`
			Offset     int    `json:"offset"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return s.snap.List(ctx, snapshot.ListParams{
			RepoRoot: p.RepoRoot, Path: p.Path, Mode: snapshot.Mode(p.Mode),
			LeaseID: p.LeaseID, SnapshotID: p.SnapshotID, Limit: p.Limit, Offset: p.Offset,
		})

	case "snapshot.file":
		var p struct {
			RepoRoot   string `json:"repo_root"`
			Path       string `json:"path"`
			Mode       string `json:"mode"`
			LeaseID    string `json:"lease_id"`
			SnapshotID string `json:"snapshot_id"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		res, err := s.snap.File(ctx, snapshot.FileParams{
			RepoRoot: p.RepoRoot, Path: p.Path, Mode: snapshot.Mode(p.Mode),
			LeaseID: p.LeaseID, SnapshotID: p.SnapshotID,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"path":           res.Path,
			"content_base64": base64.StdEncoding.EncodeToString(res.Content),
			"size":           res.Size,
			"sha":            res.SHA,
			"kind":           res.Kind,
		}, nil

	case "snapshot.grep":
		var p struct {
			RepoRoot        string   `json:"repo_root"`
			Pattern         string   `json:"pattern"`
			Paths           []string `json:"paths"`
			Mode            string   `json:"mode"`
			LeaseID         string   `json:"lease_id"`
			SnapshotID      string   `json:"snapshot_id"`
			CaseInsensitive bool     `json:"case_insensitive"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return s.snap.Grep(ctx, snapshot.GrepParams{
			RepoRoot: p.RepoRoot, Pattern: p.Pattern, Paths: p.Paths, Mode: snapshot.Mode(p.Mode),
			LeaseID: p.LeaseID, SnapshotID: p.SnapshotID, CaseInsensitive: p.CaseInsensitive,
		})

	case "snapshot.diff":
		var p struct {
			RepoRoot       string `json:"repo_root"`
			Path           string `json:"path"`
			Mode           string `json:"mode"`
			LeaseID        string `json:"lease_id"`
			SnapshotID     string `json:"snapshot_id"`
			FromSnapshotID string `json:"from_snapshot_id"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		diffText, err := s.snap.Diff(ctx, snapshot.DiffParams{
			RepoRoot: p.RepoRoot, Path: p.Path, Mode: snapshot.Mode(p.Mode),
			LeaseID: p.LeaseID, SnapshotID: p.SnapshotID, FromSnapshotID: p.FromSnapshotID,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"unified_diff": diffText}, nil

	case "snapshot.changes":
		var p struct {
			SnapshotID     string `json:"snapshot_id"`
			FromSnapshotID string `json:"from_snapshot_id"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		changes, err := s.snap.Changes(p.SnapshotID, p.FromSnapshotID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"changes": changes}, nil

	case "snapshot.info":
		var p struct {
			SnapshotID string `json:"snapshot_id"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		row, err := s.snap.Info(p.SnapshotID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"snapshot_id":        row.SnapshotID,
			"repo_root":          row.RepoRoot,
			"head_sha":           row.HeadSHA,
			"fingerprint_json":   row.FingerprintJSON,
			"manifest_hash":      row.ManifestHash,
			"derived_from":       row.DerivedFrom,
			"applied_patch_hash": row.AppliedPatchHash,
			"label":              row.Label,
			"created_at":         row.CreatedAt,
		}, nil

	case "snapshot.export":
		var p struct {
			SnapshotID string `json:"snapshot_id"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		tarBytes, err := s.snap.Export(p.SnapshotID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"tar_bundle_base64": base64.StdEncoding.EncodeToString(tarBytes)}, nil

	case "workspace.apply_patch":
		var p struct {
			RepoRoot         string `json:"repo_root"`
			Patch            string `json:"patch"`
			Mode             string `json:"mode"`
			LeaseID          string `json:"lease_id"`
			SnapshotID       string `json:"snapshot_id"`
			Strip            *int   `json:"strip"`
			RejectOnConflict bool   `json:"reject_on_conflict"`
			DryRun           bool   `json:"dry_run"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return s.patch.Apply(ctx, patch.Params{
			RepoRoot: p.RepoRoot, Patch: p.Patch, Mode: p.Mode, LeaseID: p.LeaseID,
			SnapshotID: p.SnapshotID, Strip: p.Strip, RejectOnConflict: p.RejectOnConflict, DryRun: p.DryRun,
		})

	case "workspace.write_file":
		var p struct {
			RepoRoot      string `json:"repo_root"`
			Path          string `json:"path"`
			ContentBase64 string `json:"content_base64"`
			LeaseID       string `json:"lease_id"`
			CreateDirs    bool   `json:"create_dirs"`
			DryRun        bool   `json:"dry_run"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return s.wt.WriteFile(ctx, worktree.WriteFileParams{
			RepoRoot: p.RepoRoot, Path: p.Path, ContentBase64: p.ContentBase64,
			LeaseID: p.LeaseID, CreateDirs: p.CreateDirs, DryRun: p.DryRun,
		})

	case "workspace.delete":
		var p struct {
			RepoRoot  string `json:"repo_root"`
			Path      string `json:"path"`
			LeaseID   string `json:"lease_id"`
			Recursive bool   `json:"recursive"`
			DryRun    bool   `json:"dry_run"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return s.wt.Delete(ctx, worktree.DeleteParams{
			RepoRoot: p.RepoRoot, Path: p.Path, LeaseID: p.LeaseID, Recursive: p.Recursive, DryRun: p.DryRun,
		})

	default:
		return nil, rpcerr.New(rpcerr.InvalidArgument, "unknown tool: "+tool)
	}
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return rpcerr.Wrap(rpcerr.InvalidArgument, "malformed tool arguments", err)
	}
	return nil
}
