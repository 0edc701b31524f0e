package adapter

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	cmerrors "contextmate/internal/errors"
)

// Mirror adapts an arbitrary user-chosen directory, mirroring its contents
// verbatim under "custom/<label>/..." in the vault.
type Mirror struct {
	externalRoot string
	vaultRoot    string
	label        string
}

// NewMirror creates a Mirror adapter for externalRoot under the given
// label, mapping into vaultRoot. It refuses configurations where
// externalRoot is inside vaultRoot or vice versa, since either would make
// the symlink farm self-referential.
func NewMirror(externalRoot, vaultRoot, label string) (*Mirror, error) {
	extAbs, err := filepath.Abs(externalRoot)
	if err != nil {
		return nil, err
	}
	vaultAbs, err := filepath.Abs(vaultRoot)
	if err != nil {
		return nil, err
	}
	if isWithin(vaultAbs, extAbs) || isWithin(extAbs, vaultAbs) || extAbs == vaultAbs {
		return nil, fmt.Errorf("adapter: mirror %q and vault %q may not nest: %w", extAbs, vaultAbs, cmerrors.ErrPathRejected)
	}
	return &Mirror{externalRoot: extAbs, vaultRoot: vaultAbs, label: label}, nil
}

func (m *Mirror) Name() string         { return "mirror-" + m.label }
func (m *Mirror) ExternalRoot() string { return m.externalRoot }
func (m *Mirror) VaultRoot() string    { return m.vaultRoot }

// VaultRelative maps every discovered path under "custom/<label>/...".
func (m *Mirror) VaultRelative(rel string) string {
	return filepath.ToSlash(filepath.Join("custom", m.label, rel))
}

// Discover walks the external directory verbatim, excluding dotfiles and
// node_modules directories.
func (m *Mirror) Discover() ([]string, error) {
	var out []string
	err := fs.WalkDir(os.DirFS(m.externalRoot), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if name == "node_modules" || (len(name) > 0 && name[0] == '.') {
				return fs.SkipDir
			}
			return nil
		}
		if len(name) > 0 && name[0] == '.' {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
