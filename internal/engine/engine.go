// Package engine is the central sync reconciliation loop: it wires the
// local state store, file watcher, server API client, and change
// subscription into the bidirectional sync state machine, plus optional
// adapters and extra-path mappings for satellite file trees.
package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"contextmate/internal/adapter"
	"contextmate/internal/changesub"
	"contextmate/internal/contenthash"
	"contextmate/internal/envelope"
	cmerrors "contextmate/internal/errors"
	"contextmate/internal/extrapaths"
	"contextmate/internal/keys"
	"contextmate/internal/log"
	"contextmate/internal/serverapi"
	"contextmate/internal/state"
	"contextmate/internal/watcher"
)

// ServerClient is the subset of serverapi.Client the engine depends on,
// narrowed to an interface so tests can substitute a fake.
type ServerClient interface {
	Upload(ctx context.Context, path string, envelopeBytes []byte, encryptedHash string, expectedVersion int64) (int64, error)
	Download(ctx context.Context, path string) ([]byte, int64, string, error)
	List(ctx context.Context) ([]serverapi.FileMeta, error)
	Delete(ctx context.Context, path string) error
}

// Config configures one Engine instance.
type Config struct {
	VaultRoot    string
	PollInterval      time.Duration // default 60s
	Adapters          []adapter.Adapter
	ExtraPaths        *extrapaths.Manager
	AdapterBackupRoot func(adapterName string) string
}

// Engine owns one user's sync loop: one state store, one watcher, one
// server client, one change subscription, and zero or more adapters.
type Engine struct {
	cfg    Config
	store  *state.Store
	client ServerClient
	vault  *keys.Material // vault-wide encryption key

	watchEvents  <-chan watcher.Event
	remoteEvents <-chan changesub.Event

	pathLocksMu sync.Mutex
	pathLocks   map[string]*sync.Mutex

	now func() int64
}

// New creates an Engine. watchEvents and remoteEvents are the already-
// started watcher and change-subscription event channels; the caller owns
// their lifecycle.
func New(cfg Config, store *state.Store, client ServerClient, vaultKey *keys.Material, watchEvents <-chan watcher.Event, remoteEvents <-chan changesub.Event, now func() int64) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	return &Engine{
		cfg:          cfg,
		store:        store,
		client:       client,
		vault:        vaultKey,
		watchEvents:  watchEvents,
		remoteEvents: remoteEvents,
		pathLocks:    make(map[string]*sync.Mutex),
		now:          now,
	}
}

func (e *Engine) lockPath(path string) func() {
	e.pathLocksMu.Lock()
	l, ok := e.pathLocks[path]
	if !ok {
		l = &sync.Mutex{}
		e.pathLocks[path] = l
	}
	e.pathLocksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Run performs the startup sequence (one full sweep, then an indefinite
// loop over watcher events, remote notifications, and a periodic sweep
// timer) until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.FullSweep(ctx); err != nil {
		log.Error("initial full sweep failed", log.Err(err))
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.watchEvents:
			if !ok {
				e.watchEvents = nil
				continue
			}
			e.handleLocalEvent(ctx, ev)
		case ev, ok := <-e.remoteEvents:
			if !ok {
				e.remoteEvents = nil
				continue
			}
			e.handleRemoteEvent(ctx, ev)
		case <-ticker.C:
			if err := e.FullSweep(ctx); err != nil {
				log.Error("periodic full sweep failed", log.Err(err))
			}
		}
	}
}

// handleLocalEvent dispatches one per-path handler under that path's lock,
// catching and logging any panic or error so one bad path never stops the
// engine (spec's "any unexpected exception inside the engine's per-path
// handler is caught, logged, and surfaced" policy).
func (e *Engine) handleLocalEvent(ctx context.Context, ev watcher.Event) {
	unlock := e.lockPath(ev.Path)
	defer unlock()
	defer func() {
		if r := recover(); r != nil {
			e.logSyncError("local-event", ev.Path, fmt.Errorf("panic: %v", r))
		}
	}()

	var err error
	switch ev.Kind {
	case watcher.Added, watcher.Changed:
		err = e.handleLocalChange(ctx, ev.Path)
	case watcher.Removed:
		err = e.handleLocalDelete(ctx, ev.Path)
	}
	if err != nil {
		e.logSyncError("local-event", ev.Path, err)
	}
}

func (e *Engine) handleRemoteEvent(ctx context.Context, ev changesub.Event) {
	unlock := e.lockPath(ev.Path)
	defer unlock()

	var err error
	switch ev.Type {
	case changesub.EventFileUpdated:
		err = e.handleRemoteUpdate(ctx, ev.Path, ev.Version)
	case changesub.EventFileDeleted:
		err = e.handleRemoteDelete(ctx, ev.Path)
	}
	if err != nil {
		e.logSyncError("remote-event", ev.Path, err)
	}
}

func (e *Engine) logSyncError(op, path string, err error) {
	log.Error("sync handler failed", log.String("op", op), log.String("path", path), log.Err(err))
	_ = e.store.Append(context.Background(), state.ActionEntry{
		Action: state.ActionError, Path: path, Timestamp: e.now(), Details: err.Error(),
	})
}

// absPath resolves a vault-relative path to an absolute path, rejecting
// anything that would escape the vault root.
func (e *Engine) absPath(relPath string) (string, error) {
	joined := filepath.Join(e.cfg.VaultRoot, relPath)
	root := filepath.Clean(e.cfg.VaultRoot)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("engine: path %q escapes vault root: %w", relPath, cmerrors.ErrPathRejected)
	}
	return joined, nil
}

// conflictSiblingPath computes the sibling path conflicting content is
// written to: ".md" suffix becomes ".conflict.md"; otherwise ".conflict"
// is appended.
func conflictSiblingPath(relPath string) string {
	if strings.HasSuffix(relPath, ".md") {
		return strings.TrimSuffix(relPath, ".md") + ".conflict.md"
	}
	return relPath + ".conflict"
}

// handleLocalChange implements the "local change" state transition: read,
// hash, skip-if-unchanged, encrypt, upload, and resolve a 409 by
// materializing a conflict.
func (e *Engine) handleLocalChange(ctx context.Context, relPath string) error {
	abs, err := e.absPath(relPath)
	if err != nil {
		return err
	}
	plaintext, err := os.ReadFile(abs)
	if err != nil {
		return cmerrors.Wrap(err, "engine: read local file")
	}

	tracked, err := e.store.Get(ctx, relPath)
	if err != nil {
		return err
	}
	contentHash := contenthash.Sum(plaintext)
	if tracked != nil && tracked.ContentHash == contentHash {
		return nil // unchanged since last sync
	}

	expectedVersion := int64(0)
	if tracked != nil {
		expectedVersion = tracked.Version
	}

	newVersion, _, encHash, err := e.encryptAndUpload(ctx, relPath, plaintext, expectedVersion)
	if err == nil {
		return e.recordSynced(ctx, relPath, contentHash, encHash, newVersion, int64(len(plaintext)))
	}

	var conflict *cmerrors.ConflictError
	if !cmerrors.As(err, &conflict) {
		return err
	}
	return e.resolveUploadConflict(ctx, relPath, plaintext)
}

func (e *Engine) encryptAndUpload(ctx context.Context, relPath string, plaintext []byte, expectedVersion int64) (newVersion int64, envBytes []byte, encHash string, err error) {
	pathKey, err := keys.PathKey(e.vault, relPath)
	if err != nil {
		return 0, nil, "", err
	}
	defer pathKey.Close()

	envBytes, err = envelope.Seal(pathKey.Bytes(), plaintext)
	if err != nil {
		return 0, nil, "", cmerrors.Wrap(err, "engine: seal envelope")
	}
	encHash = contenthash.Sum(envBytes)

	newVersion, err = e.client.Upload(ctx, relPath, envBytes, encHash, expectedVersion)
	return newVersion, envBytes, encHash, err
}

func (e *Engine) recordSynced(ctx context.Context, relPath, contentHash, encHash string, version, size int64) error {
	if err := e.store.Upsert(ctx, state.TrackedFile{
		ID: relPath, Path: relPath, ContentHash: contentHash, EncryptedHash: encHash,
		Version: version, Size: size, SyncState: state.StateSynced, LastModified: e.now(),
		LastSynced: ptr(e.now()),
	}); err != nil {
		return err
	}
	return e.store.Append(ctx, state.ActionEntry{Action: state.ActionUpload, Path: relPath, Version: ptr(version), Size: ptr(size), Timestamp: e.now()})
}

// resolveUploadConflict handles a 409 on local upload: the local edit is
// preserved in the conflict sibling, then the authoritative remote content
// replaces the original path.
func (e *Engine) resolveUploadConflict(ctx context.Context, relPath string, localPlaintext []byte) error {
	abs, err := e.absPath(conflictSiblingPath(relPath))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return cmerrors.Wrap(err, "engine: mkdir for conflict sibling")
	}
	if err := os.WriteFile(abs, localPlaintext, 0o644); err != nil {
		return cmerrors.Wrap(err, "engine: write conflict sibling")
	}

	remotePlaintext, version, encHash, err := e.downloadAndDecrypt(ctx, relPath)
	if err != nil {
		return err
	}
	target, err := e.absPath(relPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(target, remotePlaintext, 0o644); err != nil {
		return cmerrors.Wrap(err, "engine: write authoritative remote content")
	}

	if err := e.store.Upsert(ctx, state.TrackedFile{
		ID: relPath, Path: relPath, ContentHash: contenthash.Sum(remotePlaintext), EncryptedHash: encHash,
		Version: version, Size: int64(len(remotePlaintext)), SyncState: state.StateConflict, LastModified: e.now(),
		LastSynced: ptr(e.now()),
	}); err != nil {
		return err
	}
	return e.store.Append(ctx, state.ActionEntry{Action: state.ActionConflict, Path: relPath, Version: ptr(version), Timestamp: e.now()})
}

func (e *Engine) downloadAndDecrypt(ctx context.Context, relPath string) (plaintext []byte, version int64, encHash string, err error) {
	envBytes, version, encHash, err := e.client.Download(ctx, relPath)
	if err != nil {
		return nil, 0, "", err
	}
	pathKey, err := keys.PathKey(e.vault, relPath)
	if err != nil {
		return nil, 0, "", err
	}
	defer pathKey.Close()
	plaintext, err = envelope.Open(pathKey.Bytes(), envBytes)
	if err != nil {
		return nil, 0, "", err
	}
	return plaintext, version, encHash, nil
}

// handleLocalDelete propagates a local removal to the server and forgets
// the tracked record.
func (e *Engine) handleLocalDelete(ctx context.Context, relPath string) error {
	if err := e.client.Delete(ctx, relPath); err != nil && !cmerrors.Is(err, cmerrors.ErrNotFound) {
		return err
	}
	if err := e.store.Remove(ctx, relPath); err != nil {
		return err
	}
	return e.store.Append(ctx, state.ActionEntry{Action: state.ActionDelete, Path: relPath, Timestamp: e.now()})
}

// handleRemoteDelete reacts to a remote-delete notification: forget the
// tracked record. No on-disk action; the engine does not remove local
// files it did not observe the user deleting.
func (e *Engine) handleRemoteDelete(ctx context.Context, relPath string) error {
	if err := e.store.Remove(ctx, relPath); err != nil {
		return err
	}
	return e.store.Append(ctx, state.ActionEntry{Action: state.ActionDelete, Path: relPath, Timestamp: e.now()})
}

// handleRemoteUpdate reacts to a file-updated notification: ignores
// already-known versions, materializes a conflict if the local copy was
// modified, otherwise downloads and writes through.
func (e *Engine) handleRemoteUpdate(ctx context.Context, relPath string, notifiedVersion int64) error {
	tracked, err := e.store.Get(ctx, relPath)
	if err != nil {
		return err
	}
	if tracked != nil && tracked.Version >= notifiedVersion {
		return nil // already known; idempotent no-op
	}

	wasModified := tracked != nil && tracked.SyncState == state.StateModified
	if wasModified {
		abs, err := e.absPath(relPath)
		if err != nil {
			return err
		}
		localBytes, readErr := os.ReadFile(abs)
		if readErr == nil {
			siblingAbs, err := e.absPath(conflictSiblingPath(relPath))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(siblingAbs), 0o755); err != nil {
				return cmerrors.Wrap(err, "engine: mkdir for conflict sibling")
			}
			if err := os.WriteFile(siblingAbs, localBytes, 0o644); err != nil {
				return cmerrors.Wrap(err, "engine: write conflict sibling")
			}
		}
	}

	plaintext, version, encHash, err := e.downloadAndDecrypt(ctx, relPath)
	if err != nil {
		return err
	}
	abs, err := e.absPath(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return cmerrors.Wrap(err, "engine: mkdir for downloaded file")
	}
	if err := os.WriteFile(abs, plaintext, 0o644); err != nil {
		return cmerrors.Wrap(err, "engine: write downloaded file")
	}

	syncState := state.StateSynced
	if wasModified {
		syncState = state.StateConflict
	}
	if err := e.store.Upsert(ctx, state.TrackedFile{
		ID: relPath, Path: relPath, ContentHash: contenthash.Sum(plaintext), EncryptedHash: encHash,
		Version: version, Size: int64(len(plaintext)), SyncState: syncState, LastModified: e.now(),
		LastSynced: ptr(e.now()),
	}); err != nil {
		return err
	}
	action := state.ActionDownload
	if wasModified {
		action = state.ActionConflict
	}
	if err := e.store.Append(ctx, state.ActionEntry{Action: action, Path: relPath, Version: ptr(version), Timestamp: e.now()}); err != nil {
		return err
	}

	if e.cfg.ExtraPaths != nil {
		if _, writeErr := e.cfg.ExtraPaths.WriteBack(relPath, plaintext); writeErr != nil {
			log.Warn("extra-path write-back failed", log.String("path", relPath), log.Err(writeErr))
		}
	}
	return nil
}

// FullSweep reconciles the entire vault against the server: uploads new
// and pending local changes, downloads newer remote files, and
// materializes conflicts for anything modified locally and remotely.
func (e *Engine) FullSweep(ctx context.Context) error {
	if e.cfg.ExtraPaths != nil {
		res, err := e.cfg.ExtraPaths.ImportToVault(e.cfg.VaultRoot)
		if err != nil {
			log.Warn("extra-paths import failed", log.Err(err))
		}
		for _, relPath := range res.Imported {
			unlock := e.lockPath(relPath)
			if err := e.handleLocalChange(ctx, relPath); err != nil {
				e.logSyncError("full-sweep-extra-import", relPath, err)
			}
			unlock()
		}
	}
	for _, a := range e.cfg.Adapters {
		if _, err := adapter.Import(a); err != nil {
			log.Warn("adapter import failed", log.String("adapter", a.Name()), log.Err(err))
		}
	}

	remote, err := e.client.List(ctx)
	if err != nil {
		return cmerrors.Wrap(err, "engine: list remote files")
	}
	remoteByPath := make(map[string]serverapi.FileMeta, len(remote))
	for _, f := range remote {
		remoteByPath[f.Path] = f
	}

	local, err := e.store.All(ctx)
	if err != nil {
		return err
	}
	localByPath := make(map[string]state.TrackedFile, len(local))
	for _, f := range local {
		localByPath[f.Path] = f
	}

	onDisk, err := e.walkVaultFiles()
	if err != nil {
		return err
	}

	for _, relPath := range onDisk {
		if _, tracked := localByPath[relPath]; tracked {
			continue
		}
		if _, remote := remoteByPath[relPath]; remote {
			continue
		}
		unlock := e.lockPath(relPath)
		if err := e.handleLocalChange(ctx, relPath); err != nil {
			e.logSyncError("full-sweep-new-local", relPath, err)
		}
		unlock()
	}

	pending, err := e.store.ModifiedOrPending(ctx)
	if err != nil {
		return err
	}
	for _, tf := range pending {
		unlock := e.lockPath(tf.Path)
		if err := e.handleLocalChange(ctx, tf.Path); err != nil {
			e.logSyncError("full-sweep-pending", tf.Path, err)
		}
		unlock()
	}

	for path, meta := range remoteByPath {
		tracked, isTracked := localByPath[path]
		if isTracked && meta.Version <= tracked.Version {
			continue
		}
		unlock := e.lockPath(path)
		if err := e.handleRemoteUpdate(ctx, path, meta.Version); err != nil {
			e.logSyncError("full-sweep-remote", path, err)
		}
		unlock()
	}

	return nil
}

// walkVaultFiles returns every vault-relative path on disk, applying the
// same dotfile/node_modules/conflict-sibling exclusions as the watcher.
func (e *Engine) walkVaultFiles() ([]string, error) {
	var out []string
	err := filepath.WalkDir(e.cfg.VaultRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.cfg.VaultRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if watcher.DefaultIgnore(rel) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, cmerrors.Wrap(err, "engine: walk vault")
	}
	return out, nil
}

func ptr(v int64) *int64 { return &v }
