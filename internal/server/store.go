// Package server implements the ContextMate server: per-user namespaced
// file storage with optimistic-concurrency uploads, passphrase-session and
// API-key authentication, and websocket change notification.
package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"contextmate/internal/contenthash"
	cmerrors "contextmate/internal/errors"
	"contextmate/internal/util"
)

//go:embed migrations/*.sql
var migrations embed.FS

// FileRecord is one row of the per-user file metadata table.
type FileRecord struct {
	Path          string
	Version       int64
	EncryptedHash string
	Size          int64
	UpdatedAt     int64
}

// User is a registered account.
type User struct {
	ID                 string
	AuthKeyHash        string
	Salt               string
	EncryptedMasterKey string
	CreatedAt          int64
}

// Device is a registered client device.
type Device struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	Name              string `json:"name"`
	PublicKey         string `json:"public_key"`
	EncryptedSettings string `json:"encrypted_settings,omitempty"`
	CreatedAt         int64  `json:"created_at"`
}

// APIKey is a scoped, revocable credential. KeyHash is never serialized.
type APIKey struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	KeyHash     string `json:"-"`
	Scope       string `json:"scope"`
	Permissions string `json:"permissions"`
	CreatedAt   int64  `json:"created_at"`
	RevokedAt   *int64 `json:"revoked_at,omitempty"`
}

// Store is the server's durable state: sqlite-backed metadata plus
// content-addressed blob files on disk.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	blobRoot string
}

// Open opens (creating if absent) the server's sqlite database at dbPath
// and roots blob storage under blobRoot.
func Open(ctx context.Context, dbPath, blobRoot string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", dbPath))
	if err != nil {
		return nil, cmerrors.Wrap(err, "server: open db")
	}
	db.SetMaxOpenConns(1)

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, cmerrors.Wrap(err, "server: migrate")
	}

	if err := os.MkdirAll(blobRoot, 0o755); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, blobRoot: blobRoot}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// blobPath returns the on-disk location for a user's blob at path,
// content-addressed by (user_id, sha256(path)) so the filesystem layout
// never reveals vault-relative path structure.
func (s *Store) blobPath(userID, path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(s.blobRoot, userID, hex.EncodeToString(sum[:]))
}

// CreateUser inserts a newly registered account.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, auth_key_hash, salt, encrypted_master_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.AuthKeyHash, u.Salt, u.EncryptedMasterKey, u.CreatedAt)
	return err
}

// UserByAuthKeyHash looks up a user by their auth key hash, for login.
func (s *Store) UserByAuthKeyHash(ctx context.Context, hash string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, "SELECT id, auth_key_hash, salt, encrypted_master_key, created_at FROM users WHERE auth_key_hash = ?", hash)
	var u User
	if err := row.Scan(&u.ID, &u.AuthKeyHash, &u.Salt, &u.EncryptedMasterKey, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// SaltByUserID returns the registration salt for userID, for the public
// salt-lookup endpoint.
func (s *Store) SaltByUserID(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, "SELECT salt FROM users WHERE id = ?", userID)
	var salt string
	if err := row.Scan(&salt); err != nil {
		if err == sql.ErrNoRows {
			return "", cmerrors.ErrNotFound
		}
		return "", err
	}
	return salt, nil
}

// CreateDevice registers a new device for a user.
func (s *Store) CreateDevice(ctx context.Context, d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, name, public_key, encrypted_settings, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.UserID, d.Name, d.PublicKey, d.EncryptedSettings, d.CreatedAt)
	return err
}

// ListDevices returns every device registered to userID.
func (s *Store) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, public_key, encrypted_settings, created_at FROM devices WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var settings sql.NullString
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.PublicKey, &settings, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.EncryptedSettings = settings.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDevice removes a device belonging to userID.
func (s *Store) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ? AND user_id = ?", deviceID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cmerrors.ErrNotFound
	}
	return nil
}

// ListFiles returns every file record for userID, optionally filtered to
// those updated at or after sinceMs.
func (s *Store) ListFiles(ctx context.Context, userID string, sinceMs int64) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT path, version, encrypted_hash, size, updated_at FROM files WHERE user_id = ?"
	args := []any{userID}
	if sinceMs > 0 {
		query += " AND updated_at >= ?"
		args = append(args, sinceMs)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var r FileRecord
		if err := rows.Scan(&r.Path, &r.Version, &r.EncryptedHash, &r.Size, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ErrConflict signals the CAS condition failed; Current is the version the
// server actually has.
type ErrConflict struct{ Current int64 }

func (e *ErrConflict) Error() string { return fmt.Sprintf("version conflict: current=%d", e.Current) }

// Upload performs the optimistic-concurrency file write: if expectedVersion
// matches the server's current version (0 meaning "no record yet"), the
// metadata row is updated/created and the blob is written; otherwise
// *ErrConflict is returned and nothing changes.
func (s *Store) Upload(ctx context.Context, userID, path string, envelopeBytes []byte, encryptedHash string, expectedVersion, now int64) (newVersion int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int64
	row := tx.QueryRowContext(ctx, "SELECT version FROM files WHERE user_id = ? AND path = ?", userID, path)
	err = row.Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if expectedVersion != 0 {
			return 0, &ErrConflict{Current: 0}
		}
		newVersion = 1
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (user_id, path, version, encrypted_hash, size, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, userID, path, newVersion, encryptedHash, len(envelopeBytes), now); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		if current != expectedVersion {
			return 0, &ErrConflict{Current: current}
		}
		newVersion = current + 1
		res, err := tx.ExecContext(ctx, `
			UPDATE files SET version = ?, encrypted_hash = ?, size = ?, updated_at = ?
			WHERE user_id = ? AND path = ? AND version = ?
		`, newVersion, encryptedHash, len(envelopeBytes), now, userID, path, current)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, &ErrConflict{Current: current}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	// Blob writes happen only after the metadata row is decided; a failed
	// write here also removes any previous blob, leaving the row pointing at
	// a blob that 404s on GET until a later upload succeeds.
	if err := s.writeBlob(userID, path, envelopeBytes); err != nil {
		os.Remove(s.blobPath(userID, path))
		return newVersion, cmerrors.Wrap(err, "server: write blob")
	}
	return newVersion, nil
}

func (s *Store) writeBlob(userID, path string, data []byte) error {
	dest := s.blobPath(userID, path)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	buf := util.GetMiBBuffer()
	_, copyErr := io.CopyBuffer(f, bytes.NewReader(data), buf)
	util.PutMiBBuffer(buf)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return copyErr
	}
	if closeErr != nil {
		os.Remove(tmp)
		return closeErr
	}
	return os.Rename(tmp, dest)
}

// Download returns the metadata and blob bytes for (userID, path).
func (s *Store) Download(ctx context.Context, userID, path string) (envelopeBytes []byte, rec FileRecord, err error) {
	s.mu.Lock()
	row := s.db.QueryRowContext(ctx, "SELECT path, version, encrypted_hash, size, updated_at FROM files WHERE user_id = ? AND path = ?", userID, path)
	err = row.Scan(&rec.Path, &rec.Version, &rec.EncryptedHash, &rec.Size, &rec.UpdatedAt)
	s.mu.Unlock()
	if err == sql.ErrNoRows {
		return nil, rec, cmerrors.ErrNotFound
	}
	if err != nil {
		return nil, rec, err
	}

	f, err := os.Open(s.blobPath(userID, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rec, cmerrors.ErrNotFound // blob missing: distinct case, same sentinel
		}
		return nil, rec, err
	}
	defer f.Close()
	var buf bytes.Buffer
	pooled := util.GetMiBBuffer()
	_, err = io.CopyBuffer(&buf, f, pooled)
	util.PutMiBBuffer(pooled)
	if err != nil {
		return nil, rec, err
	}
	envelopeBytes = buf.Bytes()
	if !contenthash.Equal(contenthash.Sum(envelopeBytes), rec.EncryptedHash) {
		return nil, rec, cmerrors.ErrDecryptFailed
	}
	return envelopeBytes, rec, nil
}

// Delete removes a file's metadata row and blob.
func (s *Store) Delete(ctx context.Context, userID, path string) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE user_id = ? AND path = ?", userID, path)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return cmerrors.ErrNotFound
	}
	os.Remove(s.blobPath(userID, path))
	return nil
}

// CreateAPIKey inserts a new scoped credential.
func (s *Store) CreateAPIKey(ctx context.Context, k APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, name, key_hash, scope, permissions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, k.ID, k.UserID, k.Name, k.KeyHash, k.Scope, k.Permissions, k.CreatedAt)
	return err
}

// APIKeyByHash finds a non-revoked key by its hash, for request auth.
func (s *Store) APIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, key_hash, scope, permissions, created_at, revoked_at
		FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL
	`, hash)
	var k APIKey
	var revokedAt sql.NullInt64
	if err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.Scope, &k.Permissions, &k.CreatedAt, &revokedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.Int64
	}
	return &k, nil
}

// ListAPIKeys returns every key (revoked or not) belonging to userID.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, key_hash, scope, permissions, created_at, revoked_at
		FROM api_keys WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		var k APIKey
		var revokedAt sql.NullInt64
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.Scope, &k.Permissions, &k.CreatedAt, &revokedAt); err != nil {
			return nil, err
		}
		if revokedAt.Valid {
			v := revokedAt.Int64
			k.RevokedAt = &v
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey sets revoked_at for (userID, keyID), scoped to the owner.
func (s *Store) RevokeAPIKey(ctx context.Context, userID, keyID string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "UPDATE api_keys SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL", now, keyID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cmerrors.ErrNotFound
	}
	return nil
}

// AppendAudit adds one entry to the server-side audit log.
func (s *Store) AppendAudit(ctx context.Context, userID, action, path string, version, size *int64, now int64, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, action, path, version, size, timestamp, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, userID, action, path, version, size, now, details)
	return err
}

// AuditQuery filters AuditEntry rows returned by QueryAudit.
type AuditQuery struct {
	Action     string
	PathPrefix string
	Since      int64
	Limit      int
	Offset     int
}

// AuditEntry is one row of the server-side audit log.
type AuditEntry struct {
	ID        int64  `json:"id"`
	Action    string `json:"action"`
	Path      string `json:"path"`
	Version   *int64 `json:"version,omitempty"`
	Size      *int64 `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Details   string `json:"details,omitempty"`
}

// QueryAudit returns audit log entries for userID matching q, newest first.
func (s *Store) QueryAudit(ctx context.Context, userID string, q AuditQuery) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT id, action, path, version, size, timestamp, details FROM audit_log WHERE user_id = ?"
	args := []any{userID}
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
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var version, size sql.NullInt64
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.Path, &version, &size, &e.Timestamp, &details); err != nil {
			return nil, err
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
