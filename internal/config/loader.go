package config

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// envPrefix namespaces learnd's environment variables.
	envPrefix = "LEARND_"

	// maxConfigFileSize rejects runaway config files.
	maxConfigFileSize = 1024 * 1024
)

// Load reads configuration from an optional YAML file, then overrides with
// LEARND_* environment variables, then applies defaults and validates.
//
// Precedence (highest to lowest):
//  1. Environment variables (LEARND_BASE, LEARND_LOCK_TIMEOUT, ...)
//  2. YAML config file
//  3. Defaults
//
// The mapping strips the prefix, lowercases, and splits section from field
// on the first underscore: LEARND_LOCK_TIMEOUT -> lock.timeout,
// LEARND_STORE_INDEX_PATH -> store.index_path. Top-level scalars (BASE) stay
// as-is.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		if lower == "base" {
			return lower
		}
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// readConfigFile opens and validates the config file through a single file
// descriptor, so the permission check and the read cannot race against a
// file swap. A missing file is not an error; env vars may carry the whole
// configuration.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return content, nil
}

// validateConfigFileProperties rejects world/group-accessible or oversized
// config files.
func validateConfigFileProperties(info fs.FileInfo) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("permissions %04o too open, want 0600", perm)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("file exceeds %d bytes", maxConfigFileSize)
	}
	return nil
}
