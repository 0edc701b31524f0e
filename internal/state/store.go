package state

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	cmerrors "contextmate/internal/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

const dbPragmas = "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"

// Store is the durable local catalogue of tracked files and the action
// log. Every exported method is atomic: writes take the store-wide mutex,
// so callers never observe a partially-applied update.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the sqlite-backed state store at path and
// runs pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s%s", path, dbPragmas))
	if err != nil {
		return nil, cmerrors.Wrap(err, "state: open db")
	}
	db.SetMaxOpenConns(1) // sqlite + WAL: one writer connection avoids SQLITE_BUSY

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, cmerrors.Wrap(err, "state: prepare migrations fs")
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		db.Close()
		return nil, cmerrors.Wrap(err, "state: goose provider")
	}
	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, cmerrors.Wrap(err, "state: migrate")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanTrackedFile(row interface {
	Scan(dest ...any) error
}) (*TrackedFile, error) {
	var tf TrackedFile
	var lastSynced sql.NullInt64
	if err := row.Scan(&tf.ID, &tf.Path, &tf.ContentHash, &tf.EncryptedHash, &tf.Version, &tf.Size, &tf.SyncState, &tf.LastModified, &lastSynced); err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		v := lastSynced.Int64
		tf.LastSynced = &v
	}
	return &tf, nil
}

const selectColumns = "id, path, content_hash, encrypted_hash, version, size, sync_state, last_modified, last_synced"

// Get returns the tracked file at path, or nil if not tracked.
func (s *Store) Get(ctx context.Context, path string) (*TrackedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM tracked_files WHERE path = ?", path)
	tf, err := scanTrackedFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cmerrors.Wrap(err, "state: get")
	}
	return tf, nil
}

// Upsert inserts or replaces the tracked file record for r.Path. It is
// idempotent: upsert(r); upsert(r) is equivalent to upsert(r).
func (s *Store) Upsert(ctx context.Context, r TrackedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastSynced any
	if r.LastSynced != nil {
		lastSynced = *r.LastSynced
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_files (id, path, content_hash, encrypted_hash, version, size, sync_state, last_modified, last_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			encrypted_hash = excluded.encrypted_hash,
			version = excluded.version,
			size = excluded.size,
			sync_state = excluded.sync_state,
			last_modified = excluded.last_modified,
			last_synced = excluded.last_synced
	`, r.ID, r.Path, r.ContentHash, r.EncryptedHash, r.Version, r.Size, r.SyncState, r.LastModified, lastSynced)
	if err != nil {
		return cmerrors.Wrap(err, "state: upsert")
	}
	return nil
}

// All returns every tracked file, in unspecified order.
func (s *Store) All(ctx context.Context) ([]TrackedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(ctx, "SELECT "+selectColumns+" FROM tracked_files")
}

// ByState returns tracked files in a single sync state.
func (s *Store) ByState(ctx context.Context, state SyncState) ([]TrackedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(ctx, "SELECT "+selectColumns+" FROM tracked_files WHERE sync_state = ?", state)
}

// ModifiedOrPending returns tracked files in state "modified" or "pending",
// the set the full sweep uploads at its known version.
func (s *Store) ModifiedOrPending(ctx context.Context) ([]TrackedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(ctx, "SELECT "+selectColumns+" FROM tracked_files WHERE sync_state IN (?, ?)", StateModified, StatePending)
}

func (s *Store) queryLocked(ctx context.Context, query string, args ...any) ([]TrackedFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cmerrors.Wrap(err, "state: query")
	}
	defer rows.Close()

	var out []TrackedFile
	for rows.Next() {
		tf, err := scanTrackedFile(rows)
		if err != nil {
			return nil, cmerrors.Wrap(err, "state: scan")
		}
		out = append(out, *tf)
	}
	return out, rows.Err()
}

// MarkSynced sets a tracked file to state=synced with the given version and
// encrypted hash. Idempotent once the target version is reached.
func (s *Store) MarkSynced(ctx context.Context, path string, version int64, encryptedHash string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracked_files SET sync_state = ?, version = ?, encrypted_hash = ?, last_synced = ?
		WHERE path = ?
	`, StateSynced, version, encryptedHash, now, path)
	if err != nil {
		return cmerrors.Wrap(err, "state: mark synced")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return cmerrors.ErrNotFound
	}
	return nil
}

// MarkConflict sets a tracked file to state=conflict.
func (s *Store) MarkConflict(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "UPDATE tracked_files SET sync_state = ? WHERE path = ?", StateConflict, path)
	if err != nil {
		return cmerrors.Wrap(err, "state: mark conflict")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return cmerrors.ErrNotFound
	}
	return nil
}

// Remove deletes the tracked file record for path.
func (s *Store) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM tracked_files WHERE path = ?", path)
	if err != nil {
		return cmerrors.Wrap(err, "state: remove")
	}
	return nil
}

// Append adds one entry to the action log.
func (s *Store) Append(ctx context.Context, e ActionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_log (action, path, version, size, timestamp, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Action, e.Path, e.Version, e.Size, e.Timestamp, e.Details)
	if err != nil {
		return cmerrors.Wrap(err, "state: append action")
	}
	return nil
}

// Query returns action log entries matching q, newest first, ties broken
// by descending id.
func (s *Store) Query(ctx context.Context, q ActionQuery) ([]ActionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT id, action, path, version, size, timestamp, details FROM action_log WHERE 1=1"
	var args []any
	if q.Action != "" {
		query += " AND action = ?"
		args = append(args, q.Action)
	}
	if q.PathPrefix != "" {
		query += " AND path LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(q.PathPrefix)+"%")
	}
	if q.Since > 0 {
		query += " AND timestamp >= ?"
		args = append(args, q.Since)
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cmerrors.Wrap(err, "state: query action log")
	}
	defer rows.Close()

	var out []ActionEntry
	for rows.Next() {
		var e ActionEntry
		var version, size sql.NullInt64
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.Path, &version, &size, &e.Timestamp, &details); err != nil {
			return nil, cmerrors.Wrap(err, "state: scan action log")
		}
		if version.Valid {
			v := version.Int64
			e.Version = &v
		}
		if size.Valid {
			v := size.Int64
			e.Size = &v
		}
		e.Details = details.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}
