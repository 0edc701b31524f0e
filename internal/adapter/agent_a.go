package adapter

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// AgentAFixedFiles are the well-known files every Agent-A adapter tracks
// regardless of configuration.
var AgentAFixedFiles = []string{"AGENTS.md", "settings.json"}

// AgentA adapts a fixed set of well-known files plus user-configured extra
// files and glob patterns under a .agent-a/ directory into the vault.
type AgentA struct {
	externalRoot string
	vaultRoot    string
	extraGlobs   []string // relative to externalRoot, e.g. ".agent-a/**/*.md"
}

// NewAgentA creates an Agent-A adapter rooted at externalRoot, mapping into
// vaultRoot, with additional glob patterns to discover beyond the fixed
// files.
func NewAgentA(externalRoot, vaultRoot string, extraGlobs []string) *AgentA {
	return &AgentA{externalRoot: externalRoot, vaultRoot: vaultRoot, extraGlobs: extraGlobs}
}

func (a *AgentA) Name() string         { return "agent-a" }
func (a *AgentA) ExternalRoot() string { return a.externalRoot }
func (a *AgentA) VaultRoot() string    { return a.vaultRoot }

// VaultRelative maps a path under externalRoot into "agent-a/<rel>" in the
// vault, preserving the original subtree shape.
func (a *AgentA) VaultRelative(rel string) string {
	return filepath.ToSlash(filepath.Join("agent-a", rel))
}

// Discover returns the fixed files that exist, plus every file matching
// one of the configured extra globs.
func (a *AgentA) Discover() ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	for _, name := range AgentAFixedFiles {
		if _, err := os.Lstat(filepath.Join(a.externalRoot, name)); err == nil {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}

	for _, pattern := range a.extraGlobs {
		matches, err := doublestar.Glob(os.DirFS(a.externalRoot), pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			info, err := os.Lstat(filepath.Join(a.externalRoot, m))
			if err != nil || info.IsDir() {
				continue
			}
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}
