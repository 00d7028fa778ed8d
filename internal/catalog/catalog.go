// Package catalog implements the durable {bucket_id -> current_link,
// sync_state, last_error} mapping (C6) and its per-id mutual exclusion.
//
// Persistence is backed by modernc.org/sqlite, a pure-Go (no cgo) driver —
// grounded on AKJUS-bsc-erigon's go.mod, the one repo in the example pack
// that wires a Go-native SQLite driver — fitting spec.md §6.2's small
// keyed-row schema more naturally than the teacher's own WAL-replay
// pattern in core/ledger.go (see DESIGN.md).
package catalog

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
	"github.com/jaxbucket/jaxbucket/internal/linkdata"
)

// SyncState is the operator-facing sync status of a bucket row.
type SyncState string

const (
	Synced    SyncState = "synced"
	Syncing   SyncState = "syncing"
	OutOfSync SyncState = "out_of_sync"
	Failed    SyncState = "failed"
)

// Row is a catalog row: per spec.md §3.8, the catalog is authoritative for
// "which version is ours".
type Row struct {
	ID              [16]byte
	Name            string
	CurrentLink     linkdata.Link
	PreviousLink    linkdata.Link
	SyncState       SyncState
	LastSyncAttempt *time.Time
	LastError       string
}

// Catalog is a sqlite-backed implementation of C6, with per-id mutual
// exclusion enforced in-process (spec.md §4.6/§5): a per-id update is
// serialisable with all other per-id operations; updates across ids may
// proceed in parallel.
type Catalog struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[[16]byte]*sync.Mutex
}

// Open opens or creates the catalog database at dsn (a sqlite file path, or
// ":memory:").
func Open(dsn string) (*Catalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.BlockStoreError, "open catalog db", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer, avoids SQLITE_BUSY under our own locking
	c := &Catalog{db: db, locks: make(map[[16]byte]*sync.Mutex)}
	if err := c.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	bucket_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	current_link BLOB,
	previous_link BLOB,
	sync_state TEXT NOT NULL,
	last_sync_attempt INTEGER,
	last_error TEXT
);`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return jaxerr.Wrap(jaxerr.BlockStoreError, "migrate catalog schema", err)
	}
	return nil
}

func (c *Catalog) lockFor(id [16]byte) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	m, ok := c.locks[id]
	if !ok {
		m = &sync.Mutex{}
		c.locks[id] = m
	}
	return m
}

func idHex(id [16]byte) string { return fmt.Sprintf("%x", id[:]) }

// Get returns the row for id, or (Row{}, false) if absent.
func (c *Catalog) Get(ctx context.Context, id [16]byte) (Row, bool, error) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return c.getLocked(ctx, id)
}

func (c *Catalog) getLocked(ctx context.Context, id [16]byte) (Row, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT name, current_link, previous_link, sync_state, last_sync_attempt, last_error FROM buckets WHERE bucket_id = ?`,
		idHex(id))

	var (
		name                        string
		curBytes, prevBytes         []byte
		state                       string
		lastAttempt                 sql.NullInt64
		lastError                   sql.NullString
	)
	if err := row.Scan(&name, &curBytes, &prevBytes, &state, &lastAttempt, &lastError); err != nil {
		if err == sql.ErrNoRows {
			return Row{}, false, nil
		}
		return Row{}, false, jaxerr.Wrap(jaxerr.BlockStoreError, "scan catalog row", err)
	}

	var cur, prev linkdata.Link
	_ = cur.UnmarshalBinary(curBytes)
	_ = prev.UnmarshalBinary(prevBytes)

	out := Row{ID: id, Name: name, CurrentLink: cur, PreviousLink: prev, SyncState: SyncState(state), LastError: lastError.String}
	if lastAttempt.Valid {
		t := time.Unix(lastAttempt.Int64, 0).UTC()
		out.LastSyncAttempt = &t
	}
	return out, true, nil
}

// UpsertCurrent installs link as current for id, used on admission of a new
// bucket from a peer (spec.md §4.6). A new row gets no previous link; on an
// existing row the old current link becomes the previous link.
func (c *Catalog) UpsertCurrent(ctx context.Context, id [16]byte, name string, link linkdata.Link) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	curBytes, _ := link.MarshalBinary()
	_, err := c.db.ExecContext(ctx, `
INSERT INTO buckets (bucket_id, name, current_link, previous_link, sync_state, last_sync_attempt, last_error)
VALUES (?, ?, ?, NULL, ?, ?, NULL)
ON CONFLICT(bucket_id) DO UPDATE SET name=excluded.name, current_link=excluded.current_link, previous_link=buckets.current_link, sync_state=excluded.sync_state, last_sync_attempt=excluded.last_sync_attempt, last_error=NULL`,
		idHex(id), name, curBytes, string(Synced), time.Now().Unix())
	if err != nil {
		return jaxerr.Wrap(jaxerr.BlockStoreError, "upsert current", err)
	}
	return nil
}

// Advance is equivalent to UpsertCurrent but intended after chain
// verification has already succeeded — the catalog's "advance" is
// atomic: observers see either the pre- or post-advance link, never a
// partial write (spec.md §4.6/§5).
func (c *Catalog) Advance(ctx context.Context, id [16]byte, newLink linkdata.Link) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	newBytes, _ := newLink.MarshalBinary()
	res, err := c.db.ExecContext(ctx, `
UPDATE buckets SET previous_link = current_link, current_link = ?, sync_state = ?, last_sync_attempt = ?, last_error = NULL
WHERE bucket_id = ?`,
		newBytes, string(Synced), time.Now().Unix(), idHex(id))
	if err != nil {
		return jaxerr.Wrap(jaxerr.BlockStoreError, "advance catalog row", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return jaxerr.New(jaxerr.NotFound, "advance: no catalog row for bucket id")
	}
	return nil
}

// SetSyncState records sync progress for operators (spec.md §4.6).
func (c *Catalog) SetSyncState(ctx context.Context, id [16]byte, state SyncState, reason string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var lastErr any
	if reason != "" {
		lastErr = reason
	}
	_, err := c.db.ExecContext(ctx,
		`UPDATE buckets SET sync_state = ?, last_sync_attempt = ?, last_error = ? WHERE bucket_id = ?`,
		string(state), time.Now().Unix(), lastErr, idHex(id))
	if err != nil {
		return jaxerr.Wrap(jaxerr.BlockStoreError, "set sync state", err)
	}
	return nil
}

// ListIDs returns every bucket id this catalog tracks, for callers that
// periodically schedule Pull events across all known buckets.
func (c *Catalog) ListIDs(ctx context.Context) ([][16]byte, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT bucket_id FROM buckets`)
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.BlockStoreError, "list bucket ids", err)
	}
	defer rows.Close()

	var ids [][16]byte
	for rows.Next() {
		var hexID string
		if err := rows.Scan(&hexID); err != nil {
			return nil, jaxerr.Wrap(jaxerr.BlockStoreError, "scan bucket id", err)
		}
		raw, err := hex.DecodeString(hexID)
		if err != nil || len(raw) != 16 {
			return nil, jaxerr.New(jaxerr.BlockStoreError, "corrupt bucket id in catalog: "+hexID)
		}
		var id [16]byte
		copy(id[:], raw)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, jaxerr.Wrap(jaxerr.BlockStoreError, "iterate bucket ids", err)
	}
	return ids, nil
}
