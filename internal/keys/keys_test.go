package keys

import (
	"bytes"
	"fmt"
	"testing"
)

func TestMasterDeterministic(t *testing.T) {
	pass := []byte("correct horse battery staple")
	salt := bytes.Repeat([]byte{0x42}, 32)

	m1 := Master(pass, salt)
	defer m1.Close()
	m2 := Master(pass, salt)
	defer m2.Close()

	if !bytes.Equal(m1.Bytes(), m2.Bytes()) {
		t.Fatal("Master derivation is not deterministic")
	}
	if len(m1.Bytes()) != KeySize {
		t.Fatalf("Master key length = %d; want %d", len(m1.Bytes()), KeySize)
	}
}

func TestKeySeparation(t *testing.T) {
	pass := []byte("correct horse battery staple")
	salt := bytes.Repeat([]byte{0x01}, 32)
	master := Master(pass, salt)
	defer master.Close()

	vault := VaultKey(master)
	defer vault.Close()
	auth := AuthKey(master)
	defer auth.Close()
	share := ShareKey(master)
	defer share.Close()

	if bytes.Equal(vault.Bytes(), auth.Bytes()) || bytes.Equal(vault.Bytes(), share.Bytes()) || bytes.Equal(auth.Bytes(), share.Bytes()) {
		t.Fatal("vault/auth/share keys must be mutually distinct")
	}
}

func TestPathKeyMatchesManualDerivation(t *testing.T) {
	pass := []byte("hunter2")
	salt := bytes.Repeat([]byte{0x07}, 32)
	master := Master(pass, salt)
	defer master.Close()
	vault := VaultKey(master)
	defer vault.Close()

	got, err := PathKey(vault, "a/x")
	if err != nil {
		t.Fatalf("PathKey: %v", err)
	}
	defer got.Close()

	folder := FolderKey(vault, "a")
	defer folder.Close()
	want := FileKey(folder, "x")
	defer want.Close()

	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Fatal("path_key(\"a/x\") must equal file_k(folder_k(\"a\"), \"x\")")
	}
}

func TestPathKeySeparationAcrossManyPaths(t *testing.T) {
	pass := []byte("pw")
	salt := bytes.Repeat([]byte{0x09}, 32)
	master := Master(pass, salt)
	defer master.Close()
	vault := VaultKey(master)
	defer vault.Close()

	seen := make(map[string]string)
	for i := 0; i < 1000; i++ {
		path := fmt.Sprintf("folder%c/file%d", 'A'+i%26, i/26)
		k, err := PathKey(vault, path)
		if err != nil {
			t.Fatalf("PathKey(%q): %v", path, err)
		}
		h := string(k.Bytes())
		if prev, dup := seen[h]; dup {
			t.Fatalf("PathKey(%q) and PathKey(%q) derived the same key", prev, path)
		}
		seen[h] = path
		k.Close()
	}
}

func TestPathKeyRejectsEmptyFolder(t *testing.T) {
	vault := NewMaterial(bytes.Repeat([]byte{0x01}, 32))
	defer vault.Close()

	if _, err := PathKey(vault, ""); err != ErrEmptyPath {
		t.Fatalf("PathKey(\"\") error = %v; want ErrEmptyPath", err)
	}
	if _, err := PathKey(vault, "/x"); err != ErrEmptyPath {
		t.Fatalf("PathKey(\"/x\") error = %v; want ErrEmptyPath", err)
	}
}

func TestPathKeyNoSeparatorUsesWholePathAsFolder(t *testing.T) {
	vault := NewMaterial(bytes.Repeat([]byte{0x01}, 32))
	defer vault.Close()

	k, err := PathKey(vault, "ROOT.md")
	if err != nil {
		t.Fatalf("PathKey(\"ROOT.md\"): %v", err)
	}
	defer k.Close()

	folder := FolderKey(vault, "ROOT.md")
	defer folder.Close()
	want := FileKey(folder, "")
	defer want.Close()

	if !bytes.Equal(k.Bytes(), want.Bytes()) {
		t.Fatal("path with no '/' should derive as folder=whole path, rest=\"\"")
	}
}

func TestMaterialCloseZeroes(t *testing.T) {
	m := NewMaterial([]byte{1, 2, 3, 4})
	m.Close()
	if m.Bytes() != nil {
		t.Fatal("Bytes() after Close must be nil")
	}
	m.Close() // idempotent
}
