package adapter

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// AgentBRootFile is the distinguished root file Agent-B merges in alongside
// its tracked subtrees.
const AgentBRootFile = "ROOT.md"

// agentBSubtreeGlobs are the subtree patterns Agent-B discovers, relative
// to externalRoot.
var agentBSubtreeGlobs = []string{
	"skills/**",
	"projects/*/memory.md",
	"rules/**",
}

// AgentB adapts Agent-B's skills/, per-project memory files, rules/, and
// root file into a single "agent-b/..." vault sub-tree.
type AgentB struct {
	externalRoot string
	vaultRoot    string
}

// NewAgentB creates an Agent-B adapter rooted at externalRoot, mapping into
// vaultRoot.
func NewAgentB(externalRoot, vaultRoot string) *AgentB {
	return &AgentB{externalRoot: externalRoot, vaultRoot: vaultRoot}
}

func (a *AgentB) Name() string         { return "agent-b" }
func (a *AgentB) ExternalRoot() string { return a.externalRoot }
func (a *AgentB) VaultRoot() string    { return a.vaultRoot }

// VaultRelative maps every discovered path, subtree or root file alike,
// under "agent-b/", preserving its relative shape.
func (a *AgentB) VaultRelative(rel string) string {
	return filepath.ToSlash(filepath.Join("agent-b", rel))
}

// Discover returns every file in the configured subtrees plus the root
// file, if present.
func (a *AgentB) Discover() ([]string, error) {
	fsys := os.DirFS(a.externalRoot)
	seen := make(map[string]bool)
	var out []string

	for _, pattern := range agentBSubtreeGlobs {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			info, err := fs.Stat(fsys, m)
			if err != nil || info.IsDir() {
				continue
			}
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}

	if _, err := os.Lstat(filepath.Join(a.externalRoot, AgentBRootFile)); err == nil {
		if !seen[AgentBRootFile] {
			out = append(out, AgentBRootFile)
		}
	}
	return out, nil
}
