// Package config loads timelink settings from defaults, a YAML config file,
// TIMELINK_* environment variables and the credentials file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. TIMELINK_SYNC_BATCH_SIZE.
const EnvPrefix = "TIMELINK"

// Config is the resolved configuration.
type Config struct {
	Store  StoreConfig  `mapstructure:"store"`
	Toggl  TogglConfig  `mapstructure:"toggl"`
	Jira   JiraConfig   `mapstructure:"jira"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`

	// CredentialsFile overrides ~/.config/timelink/credentials.yml.
	CredentialsFile string `mapstructure:"credentials_file"`
}

// StoreConfig selects the mirror database.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`    // file path for sqlite, connection string for postgres
}

// TogglConfig configures the time-tracking source.
type TogglConfig struct {
	Token       string `mapstructure:"token"`
	WorkspaceID int64  `mapstructure:"workspace_id"`
	BaseURL     string `mapstructure:"base_url"`
}

// JiraConfig configures the issue tracker.
type JiraConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIVersion      string        `mapstructure:"api_version"`
	Email           string        `mapstructure:"email"`
	Token           string        `mapstructure:"token"`
	EpicLinkField   string        `mapstructure:"epic_link_field"`
	RoadmapField    string        `mapstructure:"roadmap_field"`
	InitiativeField string        `mapstructure:"initiative_field"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the reconciliation pipeline.
type SyncConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	Lookback  time.Duration `mapstructure:"lookback"`
	Cron      string        `mapstructure:"cron"`
	Timezone  string        `mapstructure:"timezone"`
}

// LogConfig configures internal/logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ServerConfig configures the HTTP trigger.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "")

	v.SetDefault("toggl.token", "")
	v.SetDefault("toggl.workspace_id", 0)
	v.SetDefault("toggl.base_url", "https://api.track.toggl.com")

	v.SetDefault("jira.base_url", "")
	v.SetDefault("jira.api_version", "2")
	v.SetDefault("jira.email", "")
	v.SetDefault("jira.token", "")
	v.SetDefault("jira.epic_link_field", "customfield_10014")
	v.SetDefault("jira.roadmap_field", "")
	v.SetDefault("jira.initiative_field", "")
	v.SetDefault("jira.timeout", "30s")

	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.lookback", "168h")
	v.SetDefault("sync.cron", "0 * * * *")
	v.SetDefault("sync.timezone", "UTC")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("credentials_file", "")
}

// Dir returns ~/.config/timelink.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "timelink"), nil
}

// Load reads the configuration. An explicit path must exist; without one,
// ~/.config/timelink/config.yaml is read if present.
// Missing tokens are filled from the credentials chain.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Store.DSN == "" && isSQLite(cfg.Store.Driver) {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.Store.DSN = filepath.Join(homeDir, ".cache", "timelink", "timelink.db")
	}

	if err := cfg.applyCredentials(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return true
	}
	return false
}

// Requirement names a group of settings a command depends on.
type Requirement int

const (
	NeedStore Requirement = 1 << iota
	NeedToggl
	NeedJira
	NeedSchedule
)

// Validate reports every missing or malformed setting the requirements need.
func (c *Config) Validate(req Requirement) error {
	var errs []error

	if req&NeedStore != 0 {
		switch strings.ToLower(c.Store.Driver) {
		case "", "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
		default:
			errs = append(errs, fmt.Errorf("store.driver %q: valid drivers are sqlite, postgres", c.Store.Driver))
		}
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required"))
		}
	}

	if req&NeedToggl != 0 {
		if c.Toggl.Token == "" {
			errs = append(errs, errors.New("no Toggl token found: set TOGGL_API_TOKEN or add toggl.api_token to the credentials file"))
		}
		if c.Toggl.WorkspaceID <= 0 {
			errs = append(errs, errors.New("toggl.workspace_id is required"))
		}
	}

	if req&NeedJira != 0 {
		if c.Jira.BaseURL == "" {
			errs = append(errs, errors.New("jira.base_url is required"))
		}
		if c.Jira.Token == "" {
			errs = append(errs, errors.New("no Jira token found: set JIRA_API_TOKEN or add jira.api_token to the credentials file"))
		}
		if c.Jira.APIVersion != "2" && c.Jira.APIVersion != "3" {
			errs = append(errs, fmt.Errorf("jira.api_version %q: must be 2 or 3", c.Jira.APIVersion))
		}
	}

	if req&(NeedToggl|NeedJira) != 0 && c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize))
	}

	if req&NeedSchedule != 0 {
		if _, err := c.Location(); err != nil {
			errs = append(errs, err)
		}
		if _, err := cron.ParseStandard(c.Sync.Cron); err != nil {
			errs = append(errs, fmt.Errorf("sync.cron %q: %w", c.Sync.Cron, err))
		}
	}

	return errors.Join(errs...)
}

// Location returns the scheduler time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Sync.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return nil, fmt.Errorf("sync.timezone %q: %w", c.Sync.Timezone, err)
	}
	return loc, nil
}
