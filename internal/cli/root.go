// Package cli implements the contextmate client command-line interface:
// account setup, the sync daemon, adapter management, and status reporting.
package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"contextmate/internal/changesub"
	"contextmate/internal/contenthash"
	"contextmate/internal/engine"
	"contextmate/internal/keys"
	"contextmate/internal/log"
	"contextmate/internal/serverapi"
	"contextmate/internal/state"
	"contextmate/internal/util"
	"contextmate/internal/watcher"
)

// Version is set by main.go at build time.
var Version = "dev"

var (
	flagServerURL string
	flagVaultDir  string
	flagConfigDir string
)

var rootCmd = &cobra.Command{
	Use:     "contextmate",
	Short:   "Zero-knowledge sync for AI-agent context vaults",
	Version: Version,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	defaultConfigDir, err := os.UserConfigDir()
	if err != nil {
		defaultConfigDir = "."
	}
	defaultConfigDir = filepath.Join(defaultConfigDir, "contextmate")

	rootCmd.PersistentFlags().StringVar(&flagServerURL, "server", "http://localhost:8787", "ContextMate server base URL")
	rootCmd.PersistentFlags().StringVar(&flagVaultDir, "vault", "", "vault root directory (defaults to ~/.contextmate/vault)")
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", defaultConfigDir, "local config/state directory")

	rootCmd.AddCommand(registerCmd, loginCmd, daemonCmd, statusCmd, adapterCmd, recoveryCodeCmd)
}

// Execute runs the CLI, wiring SIGINT/SIGTERM to cancel any in-flight
// long-running command (principally `daemon`).
func Execute(version string) int {
	Version = version
	rootCmd.Version = version

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nshutting down...")
		cancel()
	}()

	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func vaultDir() string {
	if flagVaultDir != "" {
		return flagVaultDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".contextmate", "vault")
}

type localConfig struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Salt     string `json:"salt"` // hex
	Token    string `json:"token"`
}

func configPath() string { return filepath.Join(flagConfigDir, "config.json") }

func loadConfig() (*localConfig, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		return nil, err
	}
	var c localConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func saveConfig(c *localConfig) error {
	if err := os.MkdirAll(flagConfigDir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), data, 0o600)
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a new account on the configured server",
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := promptPassphrase("Choose a passphrase: ")
		if err != nil {
			return err
		}

		salt, err := util.RandomBytes(32)
		if err != nil {
			return err
		}
		master := keys.Master([]byte(passphrase), salt)
		defer master.Close()
		authKey := keys.AuthKey(master)
		defer authKey.Close()

		body, _ := json.Marshal(map[string]string{
			"auth_key_hash": contenthash.Sum(authKey.Bytes()),
			"salt":          hex.EncodeToString(salt),
		})
		resp, err := http.Post(flagServerURL+"/auth/register", "application/json", jsonBody(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("register failed: status %d", resp.StatusCode)
		}
		var out struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		if err := saveConfig(&localConfig{UserID: out.UserID, Salt: hex.EncodeToString(salt)}); err != nil {
			return err
		}
		fmt.Printf("registered as %s\n", out.UserID)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate this device and obtain a session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("run 'contextmate register' first: %w", err)
		}
		passphrase, err := promptPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		salt, err := hex.DecodeString(cfg.Salt)
		if err != nil {
			return err
		}
		master := keys.Master([]byte(passphrase), salt)
		defer master.Close()
		authKey := keys.AuthKey(master)
		defer authKey.Close()

		deviceID := cfg.DeviceID
		if deviceID == "" {
			deviceID = randomDeviceID()
		}

		body, _ := json.Marshal(map[string]string{
			"auth_key_hash": contenthash.Sum(authKey.Bytes()),
			"device_id":     deviceID,
		})
		resp, err := http.Post(flagServerURL+"/auth/login", "application/json", jsonBody(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("login failed: status %d", resp.StatusCode)
		}
		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		cfg.DeviceID = deviceID
		cfg.Token = out.Token
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("logged in")
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine: watch the vault and stay connected to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("run 'contextmate login' first: %w", err)
		}

		root := vaultDir()
		if err := os.MkdirAll(root, 0o755); err != nil {
			return err
		}

		st, err := state.Open(cmd.Context(), filepath.Join(flagConfigDir, "state.db"))
		if err != nil {
			return err
		}
		defer st.Close()

		client := serverapi.New(flagServerURL, cfg.Token)

		w, err := watcher.New(root)
		if err != nil {
			return err
		}
		defer w.Stop()
		if err := w.Start(cmd.Context()); err != nil {
			return err
		}

		sub := changesub.New(flagServerURL, cfg.Token, cfg.DeviceID)
		sub.Connect(cmd.Context())
		defer sub.Disconnect()

		salt, err := hex.DecodeString(cfg.Salt)
		if err != nil {
			return err
		}
		// The daemon needs the vault key but never the passphrase again once
		// logged in; a real deployment unwraps encrypted_master_key from
		// login instead of re-deriving, kept simple here for one passphrase
		// prompt per daemon start.
		passphrase, err := promptPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		master := keys.Master([]byte(passphrase), salt)
		defer master.Close()
		vaultKey := keys.VaultKey(master)
		defer vaultKey.Close()

		eng := engine.New(engine.Config{VaultRoot: root, PollInterval: 60 * time.Second},
			st, client, vaultKey, w.Events(), sub.Events(), func() int64 { return time.Now().UnixMilli() })

		log.Info("daemon starting", log.String("vault", root))
		return eng.Run(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracked files and their sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := state.Open(cmd.Context(), filepath.Join(flagConfigDir, "state.db"))
		if err != nil {
			return err
		}
		defer st.Close()

		files, err := st.All(cmd.Context())
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Printf("%-10s %8s  %s\n", f.SyncState, util.Sizeify(f.Size), f.Path)
		}
		return nil
	},
}

var recoveryCodeCmd = &cobra.Command{
	Use:   "recovery-code",
	Short: "Generate a printable recovery passphrase",
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := util.GenPassword(util.PassgenOptions{Length: 24, Upper: true, Lower: true, Numbers: true})
		if err != nil {
			return err
		}
		fmt.Println(code)
		return nil
	},
}

func randomDeviceID() string {
	b, err := util.RandomBytes(8)
	if err != nil {
		return "device"
	}
	return hex.EncodeToString(b)
}
