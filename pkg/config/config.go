// Package config loads vellum configuration from a YAML file with
// sensible defaults. Flags on the CLI override file values; the file
// overrides defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vellumlab/vellum/pkg/errdefs"
)

// Duration is a time.Duration that unmarshals from YAML strings
// ("90s", "5m") as well as bare integers, which are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return errdefs.InvalidArgument("duration %q: %v", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// GoldPolicy names one of the gold-standard detection heuristics
// applied during import.
type GoldPolicy string

const (
	// GoldPolicyNoVersionMarker treats files without a ".vN." version
	// marker in the filename as gold.
	GoldPolicyNoVersionMarker GoldPolicy = "no-version-marker"
	// GoldPolicyFilenameRegex treats files matching GoldRegex as gold.
	GoldPolicyFilenameRegex GoldPolicy = "filename-regex"
	// GoldPolicyGoldDir treats files located under GoldDir as gold.
	GoldPolicyGoldDir GoldPolicy = "gold-dir"
)

// WebDAV holds the remote replica endpoint configuration.
type WebDAV struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	RemoteRoot string `yaml:"remote_root"`
}

// Import holds importer tuning.
type Import struct {
	// GoldPolicies is the order in which gold-detection heuristics are
	// consulted. The first policy wins; disagreements are logged.
	GoldPolicies []GoldPolicy `yaml:"gold_policies"`
	GoldRegex    string       `yaml:"gold_regex"`
	GoldDir      string       `yaml:"gold_dir"`
	// SkipCollectionDirs are organizational directory names never used
	// as collection names ("pdf", "tei", "versions").
	SkipCollectionDirs []string `yaml:"skip_collection_dirs"`
}

// Config is the root configuration document.
type Config struct {
	DataRoot string `yaml:"data_root"`

	LockTTL           Duration `yaml:"lock_ttl"`
	RemoteLockTTL     Duration `yaml:"remote_lock_ttl"`
	RemoteLockTimeout Duration `yaml:"remote_lock_timeout"`

	WebDAV WebDAV `yaml:"webdav"`
	Import Import `yaml:"import"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataRoot:          "data",
		LockTTL:           Duration(90 * time.Second),
		RemoteLockTTL:     Duration(60 * time.Second),
		RemoteLockTimeout: Duration(300 * time.Second),
		WebDAV: WebDAV{
			RemoteRoot: "/vellum",
		},
		Import: Import{
			GoldPolicies: []GoldPolicy{
				GoldPolicyGoldDir,
				GoldPolicyNoVersionMarker,
			},
			GoldDir:            "tei",
			SkipCollectionDirs: []string{"pdf", "tei", "versions"},
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errdefs.InvalidArgument("parse config %s: %v", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside the core.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return errdefs.InvalidArgument("data_root must not be empty")
	}
	if c.LockTTL <= 0 {
		return errdefs.InvalidArgument("lock_ttl must be positive")
	}
	if c.WebDAV.Enabled && c.WebDAV.BaseURL == "" {
		return errdefs.InvalidArgument("webdav.base_url required when webdav is enabled")
	}
	for _, p := range c.Import.GoldPolicies {
		switch p {
		case GoldPolicyNoVersionMarker, GoldPolicyFilenameRegex, GoldPolicyGoldDir:
		default:
			return errdefs.InvalidArgument("unknown gold policy %q", p)
		}
	}
	return nil
}

// Paths derived from the data root. The layout is fixed:
//
//	<data>/files/<shard>/<hash><ext>   blob store
//	<data>/db/metadata.db              catalog
//	<data>/db/locks.db                 lock store
//	<data>/schema/cache/               schema cache
//	<data>/tmp/                        scratch space

func (c *Config) FilesDir() string   { return filepath.Join(c.DataRoot, "files") }
func (c *Config) DBDir() string      { return filepath.Join(c.DataRoot, "db") }
func (c *Config) MetadataDB() string { return filepath.Join(c.DataRoot, "db", "metadata.db") }
func (c *Config) LocksDB() string    { return filepath.Join(c.DataRoot, "db", "locks.db") }
func (c *Config) SchemaCacheDir() string {
	return filepath.Join(c.DataRoot, "schema", "cache")
}
func (c *Config) TmpDir() string { return filepath.Join(c.DataRoot, "tmp") }
