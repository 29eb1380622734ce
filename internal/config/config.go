// Package config provides configuration loading for learnd.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/learnd/internal/logging"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the full learnd configuration.
type Config struct {
	// Base is the knowledge-base root: the Git working copy that contains
	// the index database and the document tree. All three stores are
	// assumed pre-initialized by setup tooling.
	Base string `koanf:"base"`

	Store   StoreConfig    `koanf:"store"`
	Lock    LockConfig     `koanf:"lock"`
	Retry   RetryConfig    `koanf:"retry"`
	Commit  CommitConfig   `koanf:"commit"`
	Logging logging.Config `koanf:"logging"`
}

// StoreConfig locates the individual stores inside the base. Relative paths
// are resolved against Base.
type StoreConfig struct {
	// IndexPath is the SQLite index database file.
	IndexPath string `koanf:"index_path"`

	// DocumentsDir is the root of the per-record document tree.
	DocumentsDir string `koanf:"documents_dir"`

	// LockDir holds advisory-lock artifacts. Kept out of the document
	// tree so lock churn never shows up in history.
	LockDir string `koanf:"lock_dir"`
}

// LockConfig tunes the advisory lock.
type LockConfig struct {
	// Strategy is auto, flock, or dir.
	Strategy string `koanf:"strategy"`

	// Timeout bounds a single acquisition wait.
	Timeout Duration `koanf:"timeout"`
}

// RetryConfig tunes the index busy-retry loop.
type RetryConfig struct {
	Attempts  int      `koanf:"attempts"`
	BaseDelay Duration `koanf:"base_delay"`
	MaxDelay  Duration `koanf:"max_delay"`
}

// CommitConfig controls the history commit signature.
type CommitConfig struct {
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// applyDefaults fills unset fields in place.
func applyDefaults(cfg *Config) {
	if cfg.Store.IndexPath == "" {
		cfg.Store.IndexPath = "index.db"
	}
	if cfg.Store.DocumentsDir == "" {
		cfg.Store.DocumentsDir = "docs"
	}
	if cfg.Store.LockDir == "" {
		cfg.Store.LockDir = ".locks"
	}
	if cfg.Lock.Strategy == "" {
		cfg.Lock.Strategy = "auto"
	}
	if cfg.Lock.Timeout == 0 {
		cfg.Lock.Timeout = Duration(10 * time.Second)
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 5
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = Duration(50 * time.Millisecond)
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects incoherent configuration before any store is touched.
func (c *Config) Validate() error {
	if c.Base == "" {
		return fmt.Errorf("base must be set")
	}
	switch c.Lock.Strategy {
	case "auto", "flock", "dir":
	default:
		return fmt.Errorf("lock.strategy must be auto, flock or dir, got %q", c.Lock.Strategy)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.BaseDelay.Duration() > c.Retry.MaxDelay.Duration() {
		return fmt.Errorf("retry.base_delay %s exceeds retry.max_delay %s",
			c.Retry.BaseDelay.Duration(), c.Retry.MaxDelay.Duration())
	}
	if c.Lock.Timeout.Duration() <= 0 {
		return fmt.Errorf("lock.timeout must be positive")
	}
	return nil
}

// IndexPath returns the absolute index database path.
func (c *Config) IndexPath() string {
	return c.resolve(c.Store.IndexPath)
}

// DocumentsDir returns the absolute document tree root.
func (c *Config) DocumentsDir() string {
	return c.resolve(c.Store.DocumentsDir)
}

// LockDir returns the absolute lock directory.
func (c *Config) LockDir() string {
	return c.resolve(c.Store.LockDir)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Base, p)
}
