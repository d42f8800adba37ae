package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".valet"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// DatabaseFile is the default sqlite database file name.
	DatabaseFile = "valet.db"
)

// Secret values that must never survive into production.
var placeholderSecrets = map[string]struct{}{
	"":                     {},
	"changeme":             {},
	"change-me":            {},
	"secret":               {},
	"dev-secret":           {},
	"your-secret-key-here": {},
}

// ErrProductionPolicy wraps all boot-time misconfiguration failures.
var ErrProductionPolicy = errors.New("production policy violation")

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("VALET_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("VALET_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Override with environment variables for each group.
	groups := []struct {
		prefix string
		target any
	}{
		{"VALET_SERVER", &cfg.Server},
		{"VALET_AUTH", &cfg.Auth},
		{"VALET_RATE_LIMIT", &cfg.RateLimit},
		{"VALET_MEMORY", &cfg.Memory},
		{"VALET_BUS", &cfg.Bus},
		{"VALET_AUDIT", &cfg.Audit},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.target); err != nil {
			return nil, fmt.Errorf("%s environment: %w", g.prefix, err)
		}
	}

	if cfg.Server.DatabaseURL == "" {
		home, err := resolveHomeDir()
		if err != nil {
			return nil, err
		}
		cfg.Server.DatabaseURL = filepath.Join(home, ConfigDir, DatabaseFile)
	}

	return cfg, nil
}

// Save writes the configuration back to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// Validate enforces the boot policy. In production it refuses placeholder
// secrets and weak hash costs; in development it only normalises values.
func (c *Config) Validate() error {
	if c.Auth.MinPasswordLength < 8 {
		c.Auth.MinPasswordLength = 8
	}
	if c.RateLimit.MaxAttempts <= 0 {
		c.RateLimit.MaxAttempts = 5
	}
	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = 256
	}
	if key := c.Memory.EncryptionKey; key != "" && len(key) != 32 {
		return fmt.Errorf("%w: memory encryption key must be exactly 32 bytes, got %d", ErrProductionPolicy, len(key))
	}
	if !c.Server.IsProduction() {
		return nil
	}
	if _, bad := placeholderSecrets[strings.ToLower(strings.TrimSpace(c.Auth.JWTSecretKey))]; bad {
		return fmt.Errorf("%w: jwt secret key is empty or a known placeholder", ErrProductionPolicy)
	}
	if len(c.Auth.JWTSecretKey) < 32 {
		return fmt.Errorf("%w: jwt secret key must be at least 32 bytes in production", ErrProductionPolicy)
	}
	if _, bad := placeholderSecrets[strings.ToLower(strings.TrimSpace(c.Auth.AdminPassword))]; bad {
		return fmt.Errorf("%w: admin password is empty or a known placeholder", ErrProductionPolicy)
	}
	if c.Auth.BcryptCostFactor < 12 {
		return fmt.Errorf("%w: bcrypt cost factor %d is below the required minimum of 12", ErrProductionPolicy, c.Auth.BcryptCostFactor)
	}
	return nil
}
