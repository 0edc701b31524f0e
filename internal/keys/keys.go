// Package keys implements ContextMate's key hierarchy: a single passphrase
// and a per-user salt deterministically yield a tree of 32-byte symmetric
// keys, down to one independent key per vault path.
//
// This is AUDIT-CRITICAL code - changes here directly affect which keys a
// client can derive, and therefore which ciphertexts it can decrypt.
package keys

import (
	"crypto/sha256"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for the master key.
//
// CRITICAL: these MUST NOT change without a format-version bump; changing
// them silently would make every existing vault undecryptable.
const (
	Argon2Time    = 3
	Argon2MemKiB  = 65536 // 64 MiB
	Argon2Threads = 4
	KeySize       = 32
)

// HKDF info strings. Separation between independent keys is achieved purely
// through distinct info strings over a shared all-zero salt.
const (
	infoVaultEnc = "contextmate-vault-enc"
	infoAuth     = "contextmate-auth"
	infoSharing  = "contextmate-sharing"
	folderPrefix = "contextmate-folder-"
	filePrefix   = "contextmate-file-"
)

var zeroSalt = make([]byte, sha256.Size)

// ErrEmptyPath is returned when a path has no segments to split on.
var ErrEmptyPath = errors.New("keys: path must not be empty")

// Master derives the root key from a passphrase and a per-user salt using
// Argon2id. The salt should be 32 random bytes, generated once at
// registration and stored alongside the user's server record.
func Master(passphrase, salt []byte) *Material {
	raw := argon2.IDKey(passphrase, salt, Argon2Time, Argon2MemKiB, Argon2Threads, KeySize)
	return NewMaterial(raw)
}

// hkdfDerive expands a 32-byte key into a fresh, independent 32-byte key
// under the given info string.
func hkdfDerive(key []byte, info string) *Material {
	r := hkdf.New(sha256.New, key, zeroSalt, []byte(info))
	out := make([]byte, KeySize)
	if _, err := readFull(r, out); err != nil {
		// hkdf.New with a valid hash and all-zero salt only errors when
		// the derived-key length is unreasonably large; KeySize is fixed and
		// small, so this branch is unreachable in practice.
		panic("keys: hkdf stream exhausted: " + err.Error())
	}
	return NewMaterial(out)
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// VaultKey derives the vault-wide encryption key from master key material.
func VaultKey(master *Material) *Material {
	return hkdfDerive(master.Bytes(), infoVaultEnc)
}

// AuthKey derives the key used to prove passphrase knowledge to the server.
func AuthKey(master *Material) *Material {
	return hkdfDerive(master.Bytes(), infoAuth)
}

// ShareKey derives the (currently unused by the sync engine, reserved for
// future sharing features) sharing key.
func ShareKey(master *Material) *Material {
	return hkdfDerive(master.Bytes(), infoSharing)
}

// FolderKey derives the per-folder key for the first path segment.
func FolderKey(vaultKey *Material, folder string) *Material {
	return hkdfDerive(vaultKey.Bytes(), folderPrefix+folder)
}

// FileKey derives the per-file key given an already-derived folder key and
// the remainder of the path after the first segment.
func FileKey(folderKey *Material, rest string) *Material {
	return hkdfDerive(folderKey.Bytes(), filePrefix+rest)
}

// PathKey derives the symmetric key used to encrypt the file at path. It
// splits on the first "/": the first segment selects the folder key, and
// the remainder selects the file key within that folder.
//
// Renaming a file across top-level folders necessarily re-keys it: this is
// intentional and isolates blast radius if a folder key is ever exposed.
func PathKey(vaultKey *Material, path string) (*Material, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	folder, rest, _ := strings.Cut(path, "/")
	if folder == "" {
		return nil, ErrEmptyPath
	}
	fk := FolderKey(vaultKey, folder)
	defer fk.Close()
	return FileKey(fk, rest), nil
}
