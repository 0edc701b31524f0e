// Package extrapaths lets a user mirror arbitrary external files into the
// vault by glob pattern, independent of the fixed adapter variants: each
// configured mapping claims a slice of the vault's "custom/" namespace.
package extrapaths

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Mapping associates one absolute glob pattern with a vault-relative
// prefix under "custom/".
type Mapping struct {
	// Glob is an absolute doublestar pattern, e.g. "/home/u/notes/**/*.md".
	Glob string
	// VaultPrefix is the vault-relative directory matched files are mirrored
	// under, e.g. "custom/notes".
	VaultPrefix string
}

// base returns the non-wildcard ancestor directory of the pattern, the
// minimal directory that must be watched to observe every match.
func (m Mapping) base() string {
	base, _ := doublestar.SplitPattern(m.Glob)
	return base
}

// Manager implements the engine's extra-paths contract: discovery,
// bidirectional path mapping, and one-shot import, for a fixed set of
// glob-to-vault mappings.
type Manager struct {
	mappings []Mapping
}

// New creates a Manager for the given mappings.
func New(mappings []Mapping) *Manager {
	return &Manager{mappings: mappings}
}

// WatchPaths returns the minimal set of ancestor directories the engine
// should register with the file watcher to observe every mapping.
func (m *Manager) WatchPaths() []string {
	seen := make(map[string]bool)
	var out []string
	for _, mapping := range m.mappings {
		b := mapping.base()
		if b != "" && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

// SourceToVault maps an absolute external path to its vault-relative
// counterpart under the matching mapping's prefix, or ok=false if no
// mapping claims it or the path is excluded (dotfiles, node_modules).
func (m *Manager) SourceToVault(absPath string) (vaultRel string, ok bool) {
	if excluded(absPath) {
		return "", false
	}
	for _, mapping := range m.mappings {
		matched, err := doublestar.Match(mapping.Glob, filepath.ToSlash(absPath))
		if err != nil || !matched {
			continue
		}
		rel, err := filepath.Rel(mapping.base(), absPath)
		if err != nil {
			continue
		}
		return filepath.ToSlash(filepath.Join(mapping.VaultPrefix, rel)), true
	}
	return "", false
}

// vaultToSource is the inverse of SourceToVault: given a vault-relative
// path, find the owning mapping and compute the absolute external path.
func (m *Manager) vaultToSource(vaultRel string) (string, bool) {
	for _, mapping := range m.mappings {
		prefix := mapping.VaultPrefix + "/"
		if !strings.HasPrefix(vaultRel, prefix) {
			continue
		}
		rel := strings.TrimPrefix(vaultRel, prefix)
		return filepath.Join(mapping.base(), filepath.FromSlash(rel)), true
	}
	return "", false
}

// WriteBack mirrors plaintext back to the external source file for
// vaultRel, if a mapping claims it. Failure is the caller's to tolerate:
// this only reports whether a mapping owns the path and the write error,
// if any.
func (m *Manager) WriteBack(vaultRel string, data []byte) (mapped bool, err error) {
	src, ok := m.vaultToSource(vaultRel)
	if !ok {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		return true, err
	}
	return true, os.WriteFile(src, data, 0o644)
}

// ImportResult reports every vault-relative path ImportToVault copied into
// the vault on that call.
type ImportResult struct {
	Imported []string
}

// ImportToVault performs one-shot discovery and copy of every file matching
// a configured mapping: each match is copied into vaultRoot at its mapped
// vault-relative path, and the list of copied paths is returned so the
// caller can push them through the normal encrypt-and-upload path.
func (m *Manager) ImportToVault(vaultRoot string) (ImportResult, error) {
	var res ImportResult
	for _, mapping := range m.mappings {
		base := mapping.base()
		if _, err := os.Stat(base); os.IsNotExist(err) {
			continue // non-existent ancestors are tolerated
		}
		matches, err := doublestar.Glob(os.DirFS(base), relPattern(mapping.Glob, base))
		if err != nil {
			return res, err
		}
		for _, rel := range matches {
			absPath := filepath.Join(base, rel)
			if excluded(absPath) {
				continue
			}
			info, err := os.Lstat(absPath)
			if err != nil || info.IsDir() {
				continue
			}
			vaultRel := filepath.ToSlash(filepath.Join(mapping.VaultPrefix, rel))
			dst := filepath.Join(vaultRoot, filepath.FromSlash(vaultRel))
			if err := copyIntoVault(absPath, dst); err != nil {
				return res, err
			}
			res.Imported = append(res.Imported, vaultRel)
		}
	}
	return res, nil
}

// copyIntoVault copies src into dst via a temp-file-then-rename, the same
// atomic write pattern internal/adapter uses for its own file copies.
func copyIntoVault(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".contextmate-tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// relPattern strips the non-wildcard base from an absolute glob, for use
// with an fs.FS rooted at base.
func relPattern(glob, base string) string {
	rel := strings.TrimPrefix(filepath.ToSlash(glob), filepath.ToSlash(base))
	return strings.TrimPrefix(rel, "/")
}

// excluded reports whether absPath should never be imported, regardless of
// mapping: dotfiles and node_modules directories anywhere in the path.
func excluded(absPath string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(absPath), "/") {
		if seg == "" {
			continue
		}
		if seg == "node_modules" || strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
