package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"contextmate/internal/changesub"
	"contextmate/internal/contenthash"
	"contextmate/internal/envelope"
	cmerrors "contextmate/internal/errors"
	"contextmate/internal/keys"
	"contextmate/internal/serverapi"
	"contextmate/internal/state"
	"contextmate/internal/watcher"
)

// fakeServer is an in-memory ServerClient for engine tests.
type fakeServer struct {
	mu      sync.Mutex
	vault   *keys.Material
	files   map[string]*fakeFile
	nextErr map[string]error
}

type fakeFile struct {
	envelope []byte
	version  int64
	hash     string
}

func newFakeServer(vault *keys.Material) *fakeServer {
	return &fakeServer{vault: vault, files: make(map[string]*fakeFile), nextErr: make(map[string]error)}
}

func (f *fakeServer) Upload(ctx context.Context, path string, envBytes []byte, hash string, expectedVersion int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.files[path]
	current := int64(0)
	if ok {
		current = existing.version
	}
	if current != expectedVersion {
		return 0, cmerrors.NewConflictError(path, current, expectedVersion)
	}
	newVersion := current + 1
	f.files[path] = &fakeFile{envelope: envBytes, version: newVersion, hash: hash}
	return newVersion, nil
}

func (f *fakeServer) Download(ctx context.Context, path string) ([]byte, int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.files[path]
	if !ok {
		return nil, 0, "", cmerrors.ErrNotFound
	}
	return ff.envelope, ff.version, ff.hash, nil
}

func (f *fakeServer) List(ctx context.Context) ([]serverapi.FileMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []serverapi.FileMeta
	for path, ff := range f.files {
		out = append(out, serverapi.FileMeta{Path: path, Version: ff.version, EncryptedHash: ff.hash})
	}
	return out, nil
}

func (f *fakeServer) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

// remoteWrite simulates another client uploading path directly against the
// fake server, bypassing this engine, for conflict/remote-update tests.
func (f *fakeServer) remoteWrite(path string, plaintext []byte) int64 {
	pathKey, _ := keys.PathKey(f.vault, path)
	defer pathKey.Close()
	env, _ := envelope.Seal(pathKey.Bytes(), plaintext)
	hash := contenthash.Sum(env)

	f.mu.Lock()
	defer f.mu.Unlock()
	current := int64(0)
	if ff, ok := f.files[path]; ok {
		current = ff.version
	}
	newVersion := current + 1
	f.files[path] = &fakeFile{envelope: env, version: newVersion, hash: hash}
	return newVersion
}

func newTestEngine(t *testing.T) (*Engine, *fakeServer, string) {
	t.Helper()
	vaultRoot := t.TempDir()
	store, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	vaultKey := keys.NewMaterial(make([]byte, keys.KeySize))
	fs := newFakeServer(vaultKey)

	watchEvents := make(chan watcher.Event)
	remoteEvents := make(chan changesub.Event)

	counter := int64(0)
	now := func() int64 { counter++; return counter }

	e := New(Config{VaultRoot: vaultRoot}, store, fs, vaultKey, watchEvents, remoteEvents, now)
	return e, fs, vaultRoot
}

func writeVaultFile(t *testing.T, vaultRoot, relPath, content string) {
	t.Helper()
	abs := filepath.Join(vaultRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFullSweepUploadsNewLocalFile(t *testing.T) {
	e, fs, vaultRoot := newTestEngine(t)
	writeVaultFile(t, vaultRoot, "skills/a/SKILL.md", "# A")

	if err := e.FullSweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	tf, err := e.store.Get(context.Background(), "skills/a/SKILL.md")
	if err != nil {
		t.Fatal(err)
	}
	if tf == nil || tf.SyncState != state.StateSynced || tf.Version != 1 {
		t.Fatalf("unexpected tracked record: %+v", tf)
	}
	if _, ok := fs.files["skills/a/SKILL.md"]; !ok {
		t.Fatal("expected file to be uploaded to fake server")
	}
}

func TestHandleLocalChangeSkipsUnchangedContent(t *testing.T) {
	e, fs, vaultRoot := newTestEngine(t)
	writeVaultFile(t, vaultRoot, "a.md", "same")

	if err := e.handleLocalChange(context.Background(), "a.md"); err != nil {
		t.Fatal(err)
	}
	if err := e.handleLocalChange(context.Background(), "a.md"); err != nil {
		t.Fatal(err)
	}
	if fs.files["a.md"].version != 1 {
		t.Fatalf("re-uploading unchanged content should be a no-op, version = %d", fs.files["a.md"].version)
	}
}

func TestHandleRemoteUpdateMaterializesConflictWhenLocalModified(t *testing.T) {
	e, fs, vaultRoot := newTestEngine(t)
	writeVaultFile(t, vaultRoot, "notes.md", "local edit")

	if err := e.store.Upsert(context.Background(), state.TrackedFile{
		ID: "notes.md", Path: "notes.md", ContentHash: contenthash.Sum([]byte("local edit")),
		Version: 1, SyncState: state.StateModified,
	}); err != nil {
		t.Fatal(err)
	}

	fs.remoteWrite("notes.md", []byte("original"))
	remoteVersion := fs.remoteWrite("notes.md", []byte("remote content"))

	if err := e.handleRemoteUpdate(context.Background(), "notes.md", remoteVersion); err != nil {
		t.Fatal(err)
	}

	conflictBytes, err := os.ReadFile(filepath.Join(vaultRoot, "notes.conflict.md"))
	if err != nil {
		t.Fatalf("expected conflict sibling to be written: %v", err)
	}
	if string(conflictBytes) != "local edit" {
		t.Errorf("conflict sibling content = %q; want local edit", conflictBytes)
	}

	mainBytes, err := os.ReadFile(filepath.Join(vaultRoot, "notes.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(mainBytes) != "remote content" {
		t.Errorf("main file content = %q; want remote content", mainBytes)
	}

	tf, err := e.store.Get(context.Background(), "notes.md")
	if err != nil {
		t.Fatal(err)
	}
	if tf.SyncState != state.StateConflict {
		t.Errorf("sync state = %v; want conflict", tf.SyncState)
	}
}

func TestHandleRemoteUpdateIgnoresKnownVersion(t *testing.T) {
	e, fs, vaultRoot := newTestEngine(t)
	writeVaultFile(t, vaultRoot, "a.md", "content")

	if err := e.handleLocalChange(context.Background(), "a.md"); err != nil {
		t.Fatal(err)
	}
	tf, err := e.store.Get(context.Background(), "a.md")
	if err != nil {
		t.Fatal(err)
	}

	// Notify at the version we already have: must be a no-op.
	if err := e.handleRemoteUpdate(context.Background(), "a.md", tf.Version); err != nil {
		t.Fatal(err)
	}
	_ = fs
}

func TestHandleLocalDeletePropagatesToServer(t *testing.T) {
	e, fs, vaultRoot := newTestEngine(t)
	writeVaultFile(t, vaultRoot, "a.md", "content")
	if err := e.handleLocalChange(context.Background(), "a.md"); err != nil {
		t.Fatal(err)
	}

	if err := e.handleLocalDelete(context.Background(), "a.md"); err != nil {
		t.Fatal(err)
	}
	if _, ok := fs.files["a.md"]; ok {
		t.Error("expected file removed from fake server")
	}
	tf, err := e.store.Get(context.Background(), "a.md")
	if err != nil {
		t.Fatal(err)
	}
	if tf != nil {
		t.Errorf("expected tracked record removed, got %+v", tf)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.absPath("../outside.md"); !cmerrors.Is(err, cmerrors.ErrPathRejected) {
		t.Errorf("expected ErrPathRejected, got %v", err)
	}
}
