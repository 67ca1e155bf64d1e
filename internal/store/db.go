// Package store implements the durable metadata catalog: blobs, snapshots,
// manifest_entries, and leases, backed by sqlite (store.sqlite).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"cellar/internal/rpcerr"
)

// Options configures the sqlite connection underlying the metadata store.
type Options struct {
	JournalMode string // default "WAL"
	Synchronous string // default "NORMAL"
	BusyTimeout time.Duration
}

// db is a thin wrapper around *sql.DB; it knows nothing about blobs,
// snapshots, or leases.
type db struct {
	conn *sql.DB
}

func openDB(path string, opts Options) (*db, error) {
	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	sync := opts.Synchronous
	if sync == "" {
		sync = "NORMAL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.IO, "open sqlite database", err)
	}
	// Writers serialize at the metadata-store level; a single connection
	// avoids SQLITE_BUSY storms under WAL with concurrent callers.
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA synchronous=%s", sync),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			return nil, rpcerr.Wrap(rpcerr.IO, "apply pragma "+p, err)
		}
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, rpcerr.Wrap(rpcerr.IO, "ping sqlite database", err)
	}

	return &db{conn: conn}, nil
}

func (d *db) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
