// Package identity provides the persisted bidirectional mapping between
// local and remote task identities.
//
// The store is the single source of truth for "have I seen this remote
// item before". It is backed by an embedded SQLite database (WAL mode) so
// identity survives process restarts and is never rediscovered by
// heuristic title-matching. Each project sync session owns its own store;
// the database file lives under the session's state directory, keyed by
// project, so one project's storage is an independent failure domain.
//
// Besides the (localID ↔ remoteID, lastKnownRevision) mapping, the store
// persists two pieces of reconciliation state:
//
//   - pending-sync markers for items whose remote write has not yet
//     succeeded, so they are retried after a restart instead of dropped
//   - tombstones for deleted items, retained for a bounded window to
//     distinguish "never existed" from "recently deleted" during race
//     windows with in-flight edits
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Entry is one identity mapping row.
type Entry struct {
	LocalID      string
	RemoteID     string
	LastRevision int64
	PendingSync  bool
	TombstonedAt *time.Time
}

// Tombstoned reports whether this entry is a delete tombstone.
func (e *Entry) Tombstoned() bool { return e.TombstonedAt != nil }

// Store persists identity mappings for one project.
type Store struct {
	conn      *sql.DB
	projectID string
	path      string
	logger    *log.Logger
}

// Open creates or opens the identity database at path, scoped to projectID.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done.
func Open(path, projectID string, logger *log.Logger) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[identity] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping identity database: %w", err)
	}

	s := &Store{conn: conn, projectID: projectID, path: path, logger: logger}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close identity database: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mappings (
		project_id    TEXT NOT NULL,
		local_id      TEXT NOT NULL,
		remote_id     TEXT NOT NULL DEFAULT '',
		last_revision INTEGER NOT NULL DEFAULT 0,
		pending_sync  INTEGER NOT NULL DEFAULT 0,
		tombstoned_at TEXT,
		PRIMARY KEY (project_id, local_id)
	);

	-- At most one live (non-tombstoned) mapping per remote id.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_remote
	    ON mappings(project_id, remote_id)
	    WHERE remote_id != '' AND tombstoned_at IS NULL;

	CREATE INDEX IF NOT EXISTS idx_mappings_pending
	    ON mappings(project_id, pending_sync);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize identity schema: %w", err)
	}
	return nil
}

// Bind records a (localID ↔ remoteID) mapping with its revision.
//
// Binding an already-bound pair to the same remoteID is a no-op beyond the
// revision update. Binding to a different remoteID is a conflict: the most
// recent successful remote write is trusted, and the discrepancy is
// logged. Any other local row already holding remoteID is displaced for
// the same reason.
func (s *Store) Bind(ctx context.Context, localID, remoteID string, revision int64) error {
	if localID == "" || remoteID == "" {
		return fmt.Errorf("local and remote ids are required")
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Displace a different local row holding this remote id.
	var otherLocal string
	err = tx.QueryRowContext(ctx,
		`SELECT local_id FROM mappings
		 WHERE project_id = ? AND remote_id = ? AND local_id != ? AND tombstoned_at IS NULL`,
		s.projectID, remoteID, localID).Scan(&otherLocal)
	switch {
	case err == nil:
		s.logger.Printf("Binding conflict: remote %s moves from local %s to %s", remoteID, otherLocal, localID)
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM mappings WHERE project_id = ? AND local_id = ?`,
			s.projectID, otherLocal); err != nil {
			return fmt.Errorf("failed to displace conflicting mapping: %w", err)
		}
	case err != sql.ErrNoRows:
		return fmt.Errorf("failed to check remote binding: %w", err)
	}

	// Log a rebind of this local row to a different remote id.
	var prevRemote string
	err = tx.QueryRowContext(ctx,
		`SELECT remote_id FROM mappings WHERE project_id = ? AND local_id = ?`,
		s.projectID, localID).Scan(&prevRemote)
	if err == nil && prevRemote != "" && prevRemote != remoteID {
		s.logger.Printf("Binding conflict: local %s rebinds from remote %s to %s", localID, prevRemote, remoteID)
	} else if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check local binding: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mappings (project_id, local_id, remote_id, last_revision, pending_sync, tombstoned_at)
		VALUES (?, ?, ?, ?, 0, NULL)
		ON CONFLICT(project_id, local_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			last_revision = excluded.last_revision,
			pending_sync = 0,
			tombstoned_at = NULL`,
		s.projectID, localID, remoteID, revision); err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit binding: %w", err)
	}
	return nil
}

// Resolve returns the entry for a local id.
func (s *Store) Resolve(ctx context.Context, localID string) (Entry, bool, error) {
	return s.query(ctx, `SELECT local_id, remote_id, last_revision, pending_sync, tombstoned_at
		FROM mappings WHERE project_id = ? AND local_id = ?`, localID)
}

// ResolveRemote returns the entry for a remote id, tombstones included.
func (s *Store) ResolveRemote(ctx context.Context, remoteID string) (Entry, bool, error) {
	return s.query(ctx, `SELECT local_id, remote_id, last_revision, pending_sync, tombstoned_at
		FROM mappings WHERE project_id = ? AND remote_id = ?
		ORDER BY tombstoned_at IS NOT NULL LIMIT 1`, remoteID)
}

func (s *Store) query(ctx context.Context, q, key string) (Entry, bool, error) {
	var e Entry
	var pending int
	var tombstoned sql.NullString
	err := s.conn.QueryRowContext(ctx, q, s.projectID, key).
		Scan(&e.LocalID, &e.RemoteID, &e.LastRevision, &pending, &tombstoned)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to resolve mapping: %w", err)
	}
	e.PendingSync = pending != 0
	if tombstoned.Valid {
		if t, err := time.Parse(time.RFC3339, tombstoned.String); err == nil {
			e.TombstonedAt = &t
		}
	}
	return e, true, nil
}

// UpdateRevision records the last-known revision for a bound local id.
func (s *Store) UpdateRevision(ctx context.Context, localID string, revision int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE mappings SET last_revision = ? WHERE project_id = ? AND local_id = ?`,
		revision, s.projectID, localID)
	if err != nil {
		return fmt.Errorf("failed to update revision: %w", err)
	}
	return nil
}

// Unbind removes the mapping for a local id. Idempotent.
func (s *Store) Unbind(ctx context.Context, localID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM mappings WHERE project_id = ? AND local_id = ?`,
		s.projectID, localID)
	if err != nil {
		return fmt.Errorf("failed to unbind %s: %w", localID, err)
	}
	return nil
}

// MarkPendingSync flags a local item whose remote write has not succeeded.
// Creates the row if the item was never bound (a pending local create).
func (s *Store) MarkPendingSync(ctx context.Context, localID string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO mappings (project_id, local_id, pending_sync)
		VALUES (?, ?, 1)
		ON CONFLICT(project_id, local_id) DO UPDATE SET pending_sync = 1`,
		s.projectID, localID)
	if err != nil {
		return fmt.Errorf("failed to mark pending sync: %w", err)
	}
	return nil
}

// ClearPendingSync clears the pending flag for a local item.
func (s *Store) ClearPendingSync(ctx context.Context, localID string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE mappings SET pending_sync = 0 WHERE project_id = ? AND local_id = ?`,
		s.projectID, localID)
	if err != nil {
		return fmt.Errorf("failed to clear pending sync: %w", err)
	}
	return nil
}

// PendingLocalIDs returns the local ids flagged pending-sync. Tombstoned
// rows are included: a tombstone that is still pending is a delete whose
// remote write has not been issued yet (see MarkPendingDelete).
func (s *Store) PendingLocalIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT local_id FROM mappings
		 WHERE project_id = ? AND pending_sync = 1
		 ORDER BY local_id`,
		s.projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pending item: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending items: %w", err)
	}
	return ids, nil
}

// MarkTombstone converts the mapping into a delete tombstone. The row
// survives until SweepTombstones retires it, suppressing resurrection from
// stale events in the meantime.
func (s *Store) MarkTombstone(ctx context.Context, localID string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE mappings SET tombstoned_at = ?, pending_sync = 0
		 WHERE project_id = ? AND local_id = ?`,
		time.Now().UTC().Format(time.RFC3339), s.projectID, localID)
	if err != nil {
		return fmt.Errorf("failed to tombstone %s: %w", localID, err)
	}
	return nil
}

// MarkPendingDelete tombstones the mapping while leaving it flagged
// pending-sync: the item is locally deleted but the remote soft-delete has
// not been issued. Used when a queued delete must survive a shutdown; the
// retry pass replays the remote delete and then clears the flag.
func (s *Store) MarkPendingDelete(ctx context.Context, localID string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE mappings SET tombstoned_at = ?, pending_sync = 1
		 WHERE project_id = ? AND local_id = ?`,
		time.Now().UTC().Format(time.RFC3339), s.projectID, localID)
	if err != nil {
		return fmt.Errorf("failed to mark pending delete for %s: %w", localID, err)
	}
	return nil
}

// SweepTombstones removes tombstones older than the retention window and
// returns how many were retired.
func (s *Store) SweepTombstones(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339)
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM mappings WHERE project_id = ? AND tombstoned_at IS NOT NULL AND tombstoned_at < ?`,
		s.projectID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep tombstones: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Bindings returns all mappings for the project, tombstones included.
// Used by the snapshot-diff reconciliation pass.
func (s *Store) Bindings(ctx context.Context) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT local_id, remote_id, last_revision, pending_sync, tombstoned_at
		 FROM mappings WHERE project_id = ? ORDER BY local_id`,
		s.projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var pending int
		var tombstoned sql.NullString
		if err := rows.Scan(&e.LocalID, &e.RemoteID, &e.LastRevision, &pending, &tombstoned); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		e.PendingSync = pending != 0
		if tombstoned.Valid {
			if t, err := time.Parse(time.RFC3339, tombstoned.String); err == nil {
				e.TombstonedAt = &t
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bindings: %w", err)
	}
	return entries, nil
}
