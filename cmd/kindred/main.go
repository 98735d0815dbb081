package main

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	kindred "github.com/kindredapp/kindred-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.kindred/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	Endpoint string `toml:"endpoint"`
}

// ConfigAuth holds the identity of the logged-in subject. Tokens live in
// the durable store, not here.
type ConfigAuth struct {
	SubjectID   string `toml:"subject_id"`
	Destination string `toml:"destination"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.kindred, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".kindred")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file. A missing file yields a
// zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Client wiring
// ============================================================================

// newClient builds a Client with a file-backed store so session and
// queue state survive between CLI invocations. The CLI assumes the
// network is reachable; the library's queue still verifies per pass.
func newClient(cfg *Config) (*kindred.Client, kindred.Store, error) {
	if cfg.Default.Endpoint == "" {
		return nil, nil, fmt.Errorf("no endpoint configured; run 'kindred config set default.endpoint <url>'")
	}
	dir, err := configDir()
	if err != nil {
		return nil, nil, err
	}
	store, err := kindred.NewFileStore(filepath.Join(dir, "store.json"))
	if err != nil {
		return nil, nil, err
	}
	client := kindred.NewClient(cfg.Default.Endpoint, store)
	client.Reachability().Set(kindred.ConnectionConnected)
	return client, store, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "kindred",
	Short: "Kindred resilience layer CLI",
	Long:  "Command-line interface for the Kindred client resilience layer.\nManage your session, queue messages offline, and watch live data.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
