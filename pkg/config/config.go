// Package config loads tagsync settings from an optional YAML file and
// TAGSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kubux/tagsync/pkg/materialize"
	"github.com/kubux/tagsync/pkg/model"
)

// EnvPrefix prefixes every environment override, e.g. TAGSYNC_SYNC_DIR or
// TAGSYNC_SYNC_BATCH_SIZE.
const EnvPrefix = "TAGSYNC"

// EnvConfig names the variable selecting the config file.
const EnvConfig = "TAGSYNC_CONFIG"

// Store backends.
const (
	BackendSQLite  = "sqlite"
	BackendNotmuch = "notmuch"
)

// StoreConfig selects the Local Tag Store.
type StoreConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend" json:"backend"`
	NotmuchBin    string        `mapstructure:"notmuch_bin" yaml:"notmuch_bin" json:"notmuch_bin"`
	NotmuchConfig string        `mapstructure:"notmuch_config" yaml:"notmuch_config" json:"notmuch_config"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// SyncConfig tunes the watcher and syncer.
type SyncConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	Debounce     time.Duration `mapstructure:"debounce" yaml:"debounce" json:"debounce"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	PassTimeout  time.Duration `mapstructure:"pass_timeout" yaml:"pass_timeout" json:"pass_timeout"`
	// Policy is "lww" or "lww-remove-bias".
	Policy string `mapstructure:"policy" yaml:"policy" json:"policy"`
}

// LogConfig tunes this device's Operation Log.
type LogConfig struct {
	SegmentMaxBytes int64 `mapstructure:"segment_max_bytes" yaml:"segment_max_bytes" json:"segment_max_bytes"`
	Fsync           bool  `mapstructure:"fsync" yaml:"fsync" json:"fsync"`
}

// Config is the top-level configuration.
type Config struct {
	// DeviceID pins the device identity. Empty: generated on first run.
	DeviceID string `mapstructure:"device_id" yaml:"device_id" json:"device_id"`

	// BaseDir anchors relative paths below.
	BaseDir     string `mapstructure:"base_dir" yaml:"base_dir" json:"base_dir"`
	SyncDir     string `mapstructure:"sync_dir" yaml:"sync_dir" json:"sync_dir"`
	StateDB     string `mapstructure:"state_db" yaml:"state_db" json:"state_db"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`

	Store StoreConfig `mapstructure:"store" yaml:"store" json:"store"`
	Sync  SyncConfig  `mapstructure:"sync" yaml:"sync" json:"sync"`
	Log   LogConfig   `mapstructure:"log" yaml:"log" json:"log"`

	file string
}

// File returns the config file that was read, or "" when none existed.
func (c *Config) File() string { return c.file }

// DefaultPath returns ~/.config/kubux-mail-client/tagsync.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tagsync.yaml"
	}
	return filepath.Join(home, ".config", "kubux-mail-client", "tagsync.yaml")
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "kubux-mail-client")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device_id", "")
	v.SetDefault("base_dir", defaultBaseDir())
	v.SetDefault("sync_dir", "sync")
	v.SetDefault("state_db", "tagsync.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.notmuch_bin", "notmuch")
	v.SetDefault("store.notmuch_config", "")
	v.SetDefault("store.timeout", 30*time.Second)
	v.SetDefault("sync.poll_interval", 30*time.Second)
	v.SetDefault("sync.debounce", 500*time.Millisecond)
	v.SetDefault("sync.batch_size", 1000)
	v.SetDefault("sync.pass_timeout", time.Minute)
	v.SetDefault("sync.policy", materialize.PolicyLWW)
	v.SetDefault("log.segment_max_bytes", 4<<20)
	v.SetDefault("log.fsync", true)
}

// Load reads path (TAGSYNC_CONFIG or DefaultPath when empty). A missing
// file yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{}
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) || explicit {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		cfg.file = path
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
}

func (c *Config) resolvePaths() {
	c.BaseDir = expandHome(c.BaseDir)
	c.SyncDir = c.under(c.SyncDir)
	c.StateDB = c.under(c.StateDB)
	if c.Store.NotmuchConfig != "" {
		c.Store.NotmuchConfig = c.under(c.Store.NotmuchConfig)
	}
}

func (c *Config) under(p string) string {
	p = expandHome(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate checks values that would otherwise fail later.
func (c *Config) Validate() error {
	if c.DeviceID != "" {
		if err := model.ValidateDeviceID(c.DeviceID); err != nil {
			return fmt.Errorf("device_id: %w", err)
		}
	}
	if c.SyncDir == "" {
		return errors.New("sync_dir must be set")
	}
	if c.StateDB == "" {
		return errors.New("state_db must be set")
	}
	switch c.Store.Backend {
	case BackendSQLite, BackendNotmuch:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if _, err := materialize.PolicyByName(c.Sync.Policy); err != nil {
		return fmt.Errorf("sync.policy: %w", err)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Log.SegmentMaxBytes <= 0 {
		return fmt.Errorf("log.segment_max_bytes must be positive, got %d", c.Log.SegmentMaxBytes)
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
