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

// Config holds all environment-based configuration for anilist-sync.
type Config struct {
	// AniList access token (required). Opaque secret, never logged.
	Token string `env:"ANILIST_TOKEN"`

	// AniList user name to sync. If empty, the token's own viewer
	// account is used.
	User string `env:"ANILIST_USER" envDefault:""`

	// Interval between automatic sync cycles.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"15m"`

	// Remote request budget. AniList's degraded quota is 30 req/min.
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`

	// Maximum attempts per remote call before it fails as unavailable.
	RetryMaxAttempts int `env:"RETRY_MAX_ATTEMPTS" envDefault:"4"`

	// Gate for the opt-in delete path. Entries listed in the desired
	// file's remove set are only deleted remotely when this is true.
	DeletionEnabled bool `env:"DELETION_ENABLED" envDefault:"false"`

	// Control surface listen address.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Optional bearer token for the control surface. Empty disables
	// authentication, the sane default for localhost binds.
	ControlToken string `env:"CONTROL_TOKEN" envDefault:""`

	// Path to the snapshot database. Defaults to
	// ~/.anilist-sync/state.db when empty.
	StateDB string `env:"STATE_DB" envDefault:""`

	// Optional YAML file of desired list overrides. When set, the file
	// is watched and edits trigger a sync cycle.
	DesiredFile string `env:"DESIRED_FILE" envDefault:""`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the access token to other users.
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

	if cfg.StateDB == "" {
		path, err := DefaultStateDB()
		if err != nil {
			return nil, err
		}

		cfg.StateDB = path
	}

	// Resolve the desired file to an absolute path so the watcher can
	// monitor its parent directory regardless of the working directory
	// the daemon was started from.
	if cfg.DesiredFile != "" {
		abs, err := filepath.Abs(cfg.DesiredFile)
		if err != nil {
			return nil, fmt.Errorf("resolving desired file path: %w", err)
		}

		cfg.DesiredFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Token == "" {
		return fmt.Errorf("ANILIST_TOKEN is required")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// DefaultStateDB returns the default snapshot database path:
// ~/.anilist-sync/state.db
func DefaultStateDB() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".anilist-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
