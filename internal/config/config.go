package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves a knob unset.
const (
	DefaultCutoffMonths       = 6
	DefaultChunkSize          = 200
	DefaultMaxAttachmentBytes = 256 << 20
	DefaultCountryCode        = "1"
)

// Config represents the threadvault configuration.
type Config struct {
	Accounts map[string]AccountConfig `yaml:"accounts"`
	Import   ImportConfig             `yaml:"import"`
	Self     SelfConfig               `yaml:"self"`
}

// AccountConfig describes one message source to import from.
type AccountConfig struct {
	// Source is "live" (a readable chat store on this machine) or
	// "backup" (a device backup directory with a manifest).
	Source  string `yaml:"source"`
	Path    string `yaml:"path"`
	Enabled bool   `yaml:"enabled"`
}

// ImportConfig holds the knobs shared by every import run.
type ImportConfig struct {
	CutoffMonths       int    `yaml:"cutoff_months"`
	ChunkSize          int    `yaml:"chunk_size"`
	MaxAttachmentBytes int64  `yaml:"max_attachment_bytes"`
	DefaultCountryCode string `yaml:"default_country_code"`
}

// SelfConfig lists the identifiers that belong to the archive's owner,
// used to tell outbound from inbound and to drop the owner from thread
// participant lists.
type SelfConfig struct {
	Identifiers []string `yaml:"identifiers"`
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("THREADVAULT_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "threadvault"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("THREADVAULT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "ThreadVault"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "threadvault"), nil
	}

	return filepath.Join(home, ".local", "share", "threadvault"), nil
}

// GetAttachmentDir returns the root of the content-addressed attachment store.
func GetAttachmentDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "attachments"), nil
}

// Load loads config from the config file
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	var cfg Config
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Missing file yields a default config.
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Accounts == nil {
		cfg.Accounts = make(map[string]AccountConfig)
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Import.CutoffMonths == 0 {
		c.Import.CutoffMonths = DefaultCutoffMonths
	}
	if c.Import.ChunkSize <= 0 {
		c.Import.ChunkSize = DefaultChunkSize
	}
	if c.Import.MaxAttachmentBytes <= 0 {
		c.Import.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if c.Import.DefaultCountryCode == "" {
		c.Import.DefaultCountryCode = DefaultCountryCode
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("THREADVAULT_CUTOFF_MONTHS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Import.CutoffMonths = n
		}
	}
	if v := os.Getenv("THREADVAULT_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Import.ChunkSize = n
		}
	}
	if v := os.Getenv("THREADVAULT_MAX_ATTACHMENT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Import.MaxAttachmentBytes = n
		}
	}
	if v := os.Getenv("THREADVAULT_COUNTRY_CODE"); v != "" {
		c.Import.DefaultCountryCode = v
	}
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
