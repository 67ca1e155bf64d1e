package store

import (
	"database/sql"
	"path/filepath"
	"time"

	"cellar/internal/rpcerr"
)

// ManifestEntry is one {path, blob, size} row of a manifest.
type ManifestEntry struct {
	Path string `json:"path"`
	Blob string `json:"blob"`
	Size int64  `json:"size"`
}

// BlobRow is a catalog row from the blobs relation.
type BlobRow struct {
	Hash        string
	SizeBytes   int64
	Compression string
	Storage     string
	Refcount    int64
	CreatedAt   int64
}

// SnapshotRow is a persisted snapshot tuple.
type SnapshotRow struct {
	SnapshotID       string
	RepoRoot         string
	HeadSHA          string
	FingerprintJSON  string
	ManifestHash     string
	ManifestBytes    []byte
	DerivedFrom      *string
	AppliedPatchHash *string
	Label            *string
	CreatedAt        int64
}

// LeaseRow is a persisted lease snapshot, mirrored best-effort from the
// in-memory lease controller for crash recovery; the in-memory map remains
// authoritative.
type LeaseRow struct {
	LeaseID         string
	RepoRoot        string
	FingerprintJSON string
	TouchedJSON     string
	IssuedAt        int64
}

// Store is the durable metadata catalog.
type Store struct {
	d *db
}

// Open creates (if needed) and opens the metadata store under dataDir,
// applying schema migrations.
func Open(dataDir string, opts Options) (*Store, error) {
	path := filepath.Join(dataDir, "store.sqlite")
	d, err := openDB(path, opts)
	if err != nil {
		return nil, err
	}
	if err := migrate(d); err != nil {
		d.Close()
		return nil, err
	}
	return &Store{d: d}, nil
}

func (s *Store) Close() error { return s.d.Close() }

// InsertBlobIfMissing registers a blob's catalog row if it doesn't already
// exist; refcount starts at 0 and is adjusted only by PutSnapshot.
func (s *Store) InsertBlobIfMissing(hash string, sizeBytes int64, compression, storage string) error {
	_, err := s.d.conn.Exec(
		`INSERT OR IGNORE INTO blobs (hash, size_bytes, compression, storage, refcount, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		hash, sizeBytes, compression, storage, time.Now().Unix(),
	)
	if err != nil {
		return rpcerr.Wrap(rpcerr.IO, "insert blob row", err)
	}
	return nil
}

// GetBlob returns the catalog row for hash, or nil if not present.
func (s *Store) GetBlob(hash string) (*BlobRow, error) {
	row := s.d.conn.QueryRow(
		`SELECT hash, size_bytes, compression, storage, refcount, created_at FROM blobs WHERE hash = ?`,
		hash,
	)
	var b BlobRow
	if err := row.Scan(&b.Hash, &b.SizeBytes, &b.Compression, &b.Storage, &b.Refcount, &b.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, rpcerr.Wrap(rpcerr.IO, "get blob row", err)
	}
	return &b, nil
}

// PutSnapshot persists a snapshot and its manifest in one transaction:
// decrement old refs, upsert the row, replace manifest_entries, increment
// new refs, abort with REFERENCE_INTEGRITY if any referenced blob is
// missing from the catalog.
func (s *Store) PutSnapshot(row SnapshotRow, entries []ManifestEntry) error {
	tx, err := s.d.conn.Begin()
	if err != nil {
		return rpcerr.Wrap(rpcerr.IO, "begin snapshot transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var existing int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM snapshots WHERE snapshot_id = ?`, row.SnapshotID).Scan(&existing); err != nil {
		return rpcerr.Wrap(rpcerr.IO, "check existing snapshot", err)
	}

	if existing > 0 {
		priorRows, err := tx.Query(`SELECT blob_hash FROM manifest_entries WHERE snapshot_id = ?`, row.SnapshotID)
		if err != nil {
			return rpcerr.Wrap(rpcerr.IO, "read prior manifest entries", err)
		}
		var priorHashes []string
		for priorRows.Next() {
			var h string
			if err := priorRows.Scan(&h); err != nil {
				priorRows.Close()
				return rpcerr.Wrap(rpcerr.IO, "scan prior manifest entry", err)
			}
			priorHashes = append(priorHashes, h)
		}
		priorRows.Close()

		for _, h := range priorHashes {
			if _, err := tx.Exec(`UPDATE blobs SET refcount = MAX(0, refcount - 1) WHERE hash = ?`, h); err != nil {
				return rpcerr.Wrap(rpcerr.IO, "decrement blob refcount", err)
			}
		}
	}

	if row.CreatedAt == 0 {
		row.CreatedAt = time.Now().Unix()
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO snapshots
		 (snapshot_id, repo_root, head_sha, fingerprint_json, manifest_hash, manifest_bytes, derived_from, applied_patch_hash, label, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.SnapshotID, row.RepoRoot, row.HeadSHA, row.FingerprintJSON, row.ManifestHash, row.ManifestBytes,
		row.DerivedFrom, row.AppliedPatchHash, row.Label, row.CreatedAt,
	); err != nil {
		return rpcerr.Wrap(rpcerr.IO, "upsert snapshot row", err)
	}

	if _, err := tx.Exec(`DELETE FROM manifest_entries WHERE snapshot_id = ?`, row.SnapshotID); err != nil {
		return rpcerr.Wrap(rpcerr.IO, "clear prior manifest entries", err)
	}

	for _, e := range entries {
		if _, err := tx.Exec(
			`INSERT INTO manifest_entries (snapshot_id, path, blob_hash, size_bytes) VALUES (?, ?, ?, ?)`,
			row.SnapshotID, e.Path, e.Blob, e.Size,
		); err != nil {
			return rpcerr.Wrap(rpcerr.IO, "insert manifest entry", err)
		}

		result, err := tx.Exec(`UPDATE blobs SET refcount = refcount + 1 WHERE hash = ?`, e.Blob)
		if err != nil {
			return rpcerr.Wrap(rpcerr.IO, "increment blob refcount", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return rpcerr.Wrap(rpcerr.IO, "read rows affected", err)
		}
		if n == 0 {
			return rpcerr.New(rpcerr.ReferenceIntegrity, "manifest references unregistered blob "+e.Blob)
		}
	}

	if err := tx.Commit(); err != nil {
		return rpcerr.Wrap(rpcerr.IO, "commit snapshot transaction", err)
	}
	committed = true
	return nil
}

// GetSnapshot returns the stored snapshot row, or nil if id is unknown.
func (s *Store) GetSnapshot(id string) (*SnapshotRow, error) {
	row := s.d.conn.QueryRow(
		`SELECT snapshot_id, repo_root, head_sha, fingerprint_json, manifest_hash, manifest_bytes,
		        derived_from, applied_patch_hash, label, created_at
		 FROM snapshots WHERE snapshot_id = ?`, id,
	)
	var r SnapshotRow
	if err := row.Scan(&r.SnapshotID, &r.RepoRoot, &r.HeadSHA, &r.FingerprintJSON, &r.ManifestHash, &r.ManifestBytes,
		&r.DerivedFrom, &r.AppliedPatchHash, &r.Label, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, rpcerr.Wrap(rpcerr.IO, "get snapshot row", err)
	}
	return &r, nil
}

// GetManifestEntries returns the manifest entries for snapshot id, sorted by path.
func (s *Store) GetManifestEntries(id string) ([]ManifestEntry, error) {
	rows, err := s.d.conn.Query(
		`SELECT path, blob_hash, size_bytes FROM manifest_entries WHERE snapshot_id = ? ORDER BY path ASC`, id,
	)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "list manifest entries", err)
	}
	defer rows.Close()

	var out []ManifestEntry
	for rows.Next() {
		var e ManifestEntry
		if err := rows.Scan(&e.Path, &e.Blob, &e.Size); err != nil {
			return nil, rpcerr.Wrap(rpcerr.IO, "scan manifest entry", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// PutLease upserts the persisted mirror of a lease (best effort).
func (s *Store) PutLease(row LeaseRow) error {
	_, err := s.d.conn.Exec(
		`INSERT OR REPLACE INTO leases (lease_id, repo_root, fingerprint_json, touched_json, issued_at)
		 VALUES (?, ?, ?, ?, ?)`,
		row.LeaseID, row.RepoRoot, row.FingerprintJSON, row.TouchedJSON, row.IssuedAt,
	)
	if err != nil {
		return rpcerr.Wrap(rpcerr.IO, "persist lease row", err)
	}
	return nil
}

// DeleteLease removes the persisted mirror of an expired lease.
func (s *Store) DeleteLease(leaseID string) error {
	_, err := s.d.conn.Exec(`DELETE FROM leases WHERE lease_id = ?`, leaseID)
	if err != nil {
		return rpcerr.Wrap(rpcerr.IO, "delete lease row", err)
	}
	return nil
}

// ZeroRefcountBlobs returns the hashes of all blobs with refcount 0,
// candidates for the garbage-collection pass.
func (s *Store) ZeroRefcountBlobs() ([]string, error) {
	rows, err := s.d.conn.Query(`SELECT hash FROM blobs WHERE refcount = 0`)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "query orphan blobs", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, rpcerr.Wrap(rpcerr.IO, "scan orphan blob", err)
		}
		out = append(out, h)
	}
	return out, nil
}

// DeleteBlobRow removes a blob's catalog row, used after its bytes have been
// reclaimed by garbage collection.
func (s *Store) DeleteBlobRow(hash string) error {
	_, err := s.d.conn.Exec(`DELETE FROM blobs WHERE hash = ?`, hash)
	if err != nil {
		return rpcerr.Wrap(rpcerr.IO, "delete blob row", err)
	}
	return nil
}
