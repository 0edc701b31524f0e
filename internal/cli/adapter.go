package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"contextmate/internal/adapter"
)

var adapterCmd = &cobra.Command{
	Use:   "adapter",
	Short: "Link, verify, and unlink external agent directories against the vault",
}

func init() {
	link := &cobra.Command{
		Use:   "link agent-a|agent-b|mirror <external-dir> [vault-label]",
		Short: "Import files into the vault and replace them with symlinks",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildAdapter(args)
			if err != nil {
				return err
			}
			res, err := adapter.Import(a)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d, skipped %d (already in vault)\n", len(res.Imported), len(res.Skipped))

			backupRoot := adapter.BackupRoot(flagConfigDir, a.Name())
			if err := adapter.Linkify(a, backupRoot); err != nil {
				return err
			}
			fmt.Printf("linked %s -> vault (backups under %s)\n", a.ExternalRoot(), backupRoot)
			return nil
		},
	}

	unlink := &cobra.Command{
		Use:   "unlink agent-a|agent-b|mirror <external-dir> [vault-label]",
		Short: "Replace symlinks with real files restored from backup",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildAdapter(args)
			if err != nil {
				return err
			}
			backupRoot := adapter.BackupRoot(flagConfigDir, a.Name())
			if err := adapter.Unlinkify(a, backupRoot); err != nil {
				return err
			}
			fmt.Println("unlinked")
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify agent-a|agent-b|mirror <external-dir> [vault-label]",
		Short: "Check that every expected symlink still points into the vault",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildAdapter(args)
			if err != nil {
				return err
			}
			res, err := adapter.Verify(a)
			if err != nil {
				return err
			}
			fmt.Printf("valid: %d, broken: %d\n", len(res.Valid), len(res.Broken))
			for _, p := range res.Broken {
				fmt.Printf("  broken: %s\n", p)
			}
			return nil
		},
	}

	syncBack := &cobra.Command{
		Use:   "sync-back agent-a|agent-b|mirror <external-dir> [vault-label]",
		Short: "Copy editor overwrites of the real file back into the vault",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildAdapter(args)
			if err != nil {
				return err
			}
			res, err := adapter.SyncBack(a)
			if err != nil {
				return err
			}
			fmt.Printf("synced back %d file(s)\n", len(res.Synced))
			return nil
		},
	}

	adapterCmd.AddCommand(link, unlink, verify, syncBack)
}

func buildAdapter(args []string) (adapter.Adapter, error) {
	kind, externalDir := args[0], args[1]
	externalDir, err := filepath.Abs(externalDir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(externalDir); err != nil {
		return nil, fmt.Errorf("adapter: external dir: %w", err)
	}

	root := vaultDir()
	switch kind {
	case "agent-a":
		return adapter.NewAgentA(externalDir, root, nil), nil
	case "agent-b":
		return adapter.NewAgentB(externalDir, root), nil
	case "mirror":
		label := filepath.Base(externalDir)
		if len(args) == 3 {
			label = args[2]
		}
		return adapter.NewMirror(externalDir, root, label)
	default:
		return nil, fmt.Errorf("adapter: unknown kind %q (want agent-a, agent-b, or mirror)", kind)
	}
}
