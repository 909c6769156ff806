package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig describes a single calendar source.
type SourceConfig struct {
	// ID is an internal identifier used for logging and as the SourceID of
	// every record read from this source.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// Kind is "ics" (subscription URL) or "caldav" (collection URL).
	Kind string `yaml:"kind" json:"kind"`
	URL  string `yaml:"url" json:"url"`

	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone whose calendar days and wall clock drive
	// reconciliation (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays and BackfillDays define the expansion window around now.
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	// MaxOccurrences caps the occurrences emitted per series.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`
	// Workers is the number of series expanded in parallel.
	Workers int `yaml:"workers" json:"workers"`

	CacheDir  string `yaml:"cache_dir" json:"cache_dir"`
	StorePath string `yaml:"store_path" json:"store_path"`
	// KeepRuns is how many snapshots the store retains.
	KeepRuns int `yaml:"keep_runs" json:"keep_runs"`

	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "UTC"
	defaultRefresh        = "*/15 * * * *"
	defaultHorizonDays    = 28
	defaultBackfillDays   = 1
	defaultMaxOccurrences = 200
	defaultCacheDir       = "./var/ics-cache"
	defaultStorePath      = "./var/meetrecon.db"
	defaultKeepRuns       = 20
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		Timezone:       defaultTimezone,
		LogLevel:       "info",
		RefreshCron:    defaultRefresh,
		HorizonDays:    defaultHorizonDays,
		BackfillDays:   defaultBackfillDays,
		MaxOccurrences: defaultMaxOccurrences,
		Workers:        1,
		CacheDir:       defaultCacheDir,
		StorePath:      defaultStorePath,
		KeepRuns:       defaultKeepRuns,
		Sources:        []SourceConfig{},
		BasicAuth:      nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = "info"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = defaultMaxOccurrences
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.StorePath == "" {
		c.StorePath = defaultStorePath
	}
	if c.KeepRuns <= 0 {
		c.KeepRuns = defaultKeepRuns
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Kind = strings.ToLower(src.Kind)
		if src.Kind == "" {
			src.Kind = "ics"
		}
		if src.ID == "" {
			src.ID = fmt.Sprintf("source-%d", i+1)
		}
	}
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if seen[src.ID] {
			errs = append(errs, fmt.Errorf("source %s: duplicate id", src.ID))
		}
		seen[src.ID] = true
		if src.URL == "" {
			errs = append(errs, fmt.Errorf("source %s: url is empty", src.ID))
		}
		if src.Kind != "ics" && src.Kind != "caldav" {
			errs = append(errs, fmt.Errorf("source %s: unknown kind %q", src.ID, src.Kind))
		}
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".meetrecon-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Set permissions to 0600 on temp file before rename.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	// Rename over the target path.
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
