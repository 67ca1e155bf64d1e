package store

import (
	"context"
	"encoding/json"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger4 "github.com/ipfs/go-ds-badger4"

	"cellar/internal/rpcerr"
)

// PathIndex is a derived, rebuildable cache over manifest_entries, keyed by
// snapshot_id + path, used by the snapshot engine to avoid a full manifest
// scan on large snapshots for snapshot.list/snapshot.grep. It is never the
// source of truth: sqlite's manifest_entries table is authoritative, and a
// PathIndex miss or corruption only costs a slower (full-scan) answer.
type PathIndex struct {
	ds *badger4.Datastore
}

type indexedEntry struct {
	Blob string `json:"blob"`
	Size int64  `json:"size"`
}

// OpenPathIndex opens (creating if needed) the badger-backed index under dir.
func OpenPathIndex(dir string) (*PathIndex, error) {
	bds, err := badger4.NewDatastore(dir, nil)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "open path index", err)
	}
	return &PathIndex{ds: bds}, nil
}

func (p *PathIndex) Close() error { return p.ds.Close() }

func snapshotPrefix(snapshotID string) ds.Key {
	return ds.NewKey("/snap").ChildString(snapshotID)
}

func entryKey(snapshotID, path string) ds.Key {
	return snapshotPrefix(snapshotID).ChildString(path)
}

// Rebuild replaces the cached entries for snapshotID with entries.
func (p *PathIndex) Rebuild(ctx context.Context, snapshotID string, entries []ManifestEntry) error {
	if err := p.Drop(ctx, snapshotID); err != nil {
		return err
	}
	batch, err := p.ds.Batch(ctx)
	if err != nil {
		return rpcerr.Wrap(rpcerr.IO, "open path index batch", err)
	}
	for _, e := range entries {
		val, err := json.Marshal(indexedEntry{Blob: e.Blob, Size: e.Size})
		if err != nil {
			return rpcerr.Wrap(rpcerr.Internal, "marshal indexed entry", err)
		}
		if err := batch.Put(ctx, entryKey(snapshotID, e.Path), val); err != nil {
			return rpcerr.Wrap(rpcerr.IO, "stage path index entry", err)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return rpcerr.Wrap(rpcerr.IO, "commit path index batch", err)
	}
	return nil
}

// Drop removes every cached entry for snapshotID.
func (p *PathIndex) Drop(ctx context.Context, snapshotID string) error {
	q := query.Query{Prefix: snapshotPrefix(snapshotID).String(), KeysOnly: true}
	results, err := p.ds.Query(ctx, q)
	if err != nil {
		return rpcerr.Wrap(rpcerr.IO, "query path index for drop", err)
	}
	defer results.Close()

	batch, err := p.ds.Batch(ctx)
	if err != nil {
		return rpcerr.Wrap(rpcerr.IO, "open path index batch", err)
	}
	for r := range results.Next() {
		if r.Error != nil {
			return rpcerr.Wrap(rpcerr.IO, "iterate path index for drop", r.Error)
		}
		if err := batch.Delete(ctx, ds.NewKey(r.Key)); err != nil {
			return rpcerr.Wrap(rpcerr.IO, "stage path index delete", err)
		}
	}
	return batch.Commit(ctx)
}

// Entries returns the cached entries for snapshotID in key order. A caller
// needing a correctness-critical ordering guarantee must still sort by path
// itself; the cache only promises the set is complete when non-empty.
func (p *PathIndex) Entries(ctx context.Context, snapshotID string) ([]ManifestEntry, error) {
	q := query.Query{Prefix: snapshotPrefix(snapshotID).String()}
	results, err := p.ds.Query(ctx, q)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "query path index", err)
	}
	defer results.Close()

	prefixLen := len(snapshotPrefix(snapshotID).String()) + 1 // drop the leading '/'
	var out []ManifestEntry
	for r := range results.Next() {
		if r.Error != nil {
			return nil, rpcerr.Wrap(rpcerr.IO, "iterate path index", r.Error)
		}
		var ie indexedEntry
		if err := json.Unmarshal(r.Value, &ie); err != nil {
			return nil, rpcerr.Wrap(rpcerr.Internal, "unmarshal indexed entry", err)
		}
		key := r.Key
		if len(key) < prefixLen {
			continue
		}
		out = append(out, ManifestEntry{Path: key[prefixLen:], Blob: ie.Blob, Size: ie.Size})
	}
	return out, nil
}
