package store

import "cellar/internal/rpcerr"

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	size_bytes INTEGER NOT NULL,
	compression TEXT NOT NULL,
	storage TEXT NOT NULL,
	refcount INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id TEXT PRIMARY KEY,
	repo_root TEXT NOT NULL,
	head_sha TEXT NOT NULL,
	fingerprint_json TEXT NOT NULL,
	manifest_hash TEXT NOT NULL,
	manifest_bytes BLOB NOT NULL,
	derived_from TEXT,
	applied_patch_hash TEXT,
	label TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS manifest_entries (
	snapshot_id TEXT NOT NULL,
	path TEXT NOT NULL,
	blob_hash TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	PRIMARY KEY (snapshot_id, path)
);

CREATE TABLE IF NOT EXISTS leases (
	lease_id TEXT PRIMARY KEY,
	repo_root TEXT NOT NULL,
	fingerprint_json TEXT NOT NULL,
	touched_json TEXT NOT NULL,
	issued_at INTEGER NOT NULL
);
`

func migrate(d *db) error {
	if _, err := d.conn.Exec(schema); err != nil {
		return rpcerr.Wrap(rpcerr.IO, "apply schema migrations", err)
	}
	return nil
}
