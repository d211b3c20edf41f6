package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for toybox-sync.
type Config struct {
	// ToyBox account credentials. The identifier is tried as an email
	// first; accounts registered under a username fall back automatically.
	Email    string `env:"TOYBOX_EMAIL"`
	Password string `env:"TOYBOX_PASSWORD"`

	// DDP endpoint. Only needs changing to point at a staging platform.
	Endpoint string `env:"TOYBOX_ENDPOINT" envDefault:"wss://www.make.toys/websocket"`

	// Printer to report on. If empty, the first printer on the account
	// is used.
	PrinterID string `env:"TOYBOX_PRINTER_ID"`

	// Poll intervals for the snapshot loop. Active applies while a
	// print is running, idle otherwise.
	ActivePollInterval time.Duration `env:"TOYBOX_ACTIVE_POLL_INTERVAL" envDefault:"30s"`
	IdlePollInterval   time.Duration `env:"TOYBOX_IDLE_POLL_INTERVAL" envDefault:"5m"`

	// Directory for the session database. Defaults to ~/.toybox-sync/.
	StateDir string `env:"TOYBOX_STATE_DIR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Email == "" {
		return fmt.Errorf("TOYBOX_EMAIL is required")
	}

	if c.Password == "" {
		return fmt.Errorf("TOYBOX_PASSWORD is required")
	}

	if c.ActivePollInterval <= 0 {
		return fmt.Errorf("TOYBOX_ACTIVE_POLL_INTERVAL must be positive")
	}

	if c.IdlePollInterval <= 0 {
		return fmt.Errorf("TOYBOX_IDLE_POLL_INTERVAL must be positive")
	}

	return nil
}

// StatePath returns the path of the session database: either under the
// configured state directory, or ~/.toybox-sync/state.db.
func (c *Config) StatePath() (string, error) {
	dir := c.StateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}

		dir = filepath.Join(home, ".toybox-sync")
	}

	return filepath.Join(dir, "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
