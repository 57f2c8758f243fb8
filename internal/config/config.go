package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/spf13/viper"
	"github.com/witnz/auditvault/internal/backend"
	"github.com/witnz/auditvault/internal/capture"
	"github.com/witnz/auditvault/internal/timestamp"
)

const envPrefix = "AUDITVAULT"

type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Timestamp TimestampConfig `mapstructure:"timestamp"`
	Index     IndexConfig     `mapstructure:"index"`
	Verify    VerifyConfig    `mapstructure:"verify"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Capture   CaptureConfig   `mapstructure:"capture"`
}

type StorageConfig struct {
	BasePath              string `mapstructure:"base_path"`
	MaxFileSizeMB         int64  `mapstructure:"max_file_size_mb"`
	MaxEventsPerFile      int64  `mapstructure:"max_events_per_file"`
	RotationIntervalHours int    `mapstructure:"rotation_interval_hours"`
	Compression           bool   `mapstructure:"compression"`
	RetentionDays         int    `mapstructure:"retention_days"`
	FlushIntervalEvents   int    `mapstructure:"flush_interval_events"`
	SyncOnWrite           bool   `mapstructure:"sync_on_write"`
}

type TimestampConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
	HistorySize int           `mapstructure:"history_size"`
}

type IndexConfig struct {
	Path string `mapstructure:"path"`
}

type VerifyConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type CaptureConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	Database        DatabaseConfig `mapstructure:"database"`
	SlotName        string         `mapstructure:"slot_name"`
	PublicationName string         `mapstructure:"publication_name"`
	Tables          []string       `mapstructure:"tables"`
	ProtectedTables []string       `mapstructure:"protected_tables"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.base_path", "./data")
	v.SetDefault("storage.max_file_size_mb", 100)
	v.SetDefault("storage.max_events_per_file", 100000)
	v.SetDefault("storage.rotation_interval_hours", 24)
	v.SetDefault("storage.compression", true)
	v.SetDefault("storage.retention_days", 2555)
	v.SetDefault("storage.flush_interval_events", 100)
	v.SetDefault("storage.sync_on_write", false)
	v.SetDefault("timestamp.min_interval", "1us")
	v.SetDefault("timestamp.history_size", timestamp.DefaultHistorySize)
	v.SetDefault("index.path", "")
	v.SetDefault("verify.interval", "5m")
	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.slack_webhook", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.database.host", "localhost")
	v.SetDefault("capture.database.port", 5432)
	v.SetDefault("capture.database.database", "")
	v.SetDefault("capture.database.user", "")
	v.SetDefault("capture.database.password", "")
	v.SetDefault("capture.slot_name", "auditvault")
	v.SetDefault("capture.publication_name", "auditvault_publication")
}

// Load reads a YAML config file. An empty path loads the defaults, still
// subject to AUDITVAULT_* environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Storage.BasePath == "" {
		return fmt.Errorf("storage.base_path is required")
	}
	if c.Storage.MaxFileSizeMB <= 0 {
		return fmt.Errorf("storage.max_file_size_mb must be positive, got %d", c.Storage.MaxFileSizeMB)
	}
	if c.Storage.MaxEventsPerFile <= 0 {
		return fmt.Errorf("storage.max_events_per_file must be positive, got %d", c.Storage.MaxEventsPerFile)
	}
	if c.Storage.RotationIntervalHours <= 0 {
		return fmt.Errorf("storage.rotation_interval_hours must be positive, got %d", c.Storage.RotationIntervalHours)
	}
	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("storage.retention_days cannot be negative")
	}
	if c.Storage.FlushIntervalEvents <= 0 {
		c.Storage.FlushIntervalEvents = 100
	}

	if c.Timestamp.MinInterval == 0 {
		c.Timestamp.MinInterval = timestamp.DefaultMinInterval
	}
	if c.Timestamp.MinInterval < time.Microsecond {
		return fmt.Errorf("timestamp.min_interval must be at least 1us, got %s", c.Timestamp.MinInterval)
	}
	if c.Timestamp.HistorySize <= 0 {
		c.Timestamp.HistorySize = timestamp.DefaultHistorySize
	}

	if c.Index.Path == "" {
		c.Index.Path = filepath.Join(c.Storage.BasePath, "index.db")
	}

	if c.Verify.Interval <= 0 {
		c.Verify.Interval = 5 * time.Minute
	}

	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}

	if c.Capture.Enabled {
		if c.Capture.Database.Host == "" {
			return fmt.Errorf("capture.database.host is required")
		}
		if c.Capture.Database.Database == "" {
			return fmt.Errorf("capture.database.database is required")
		}
		if c.Capture.Database.User == "" {
			return fmt.Errorf("capture.database.user is required")
		}
		if c.Capture.SlotName == "" {
			return fmt.Errorf("capture.slot_name is required")
		}
		if c.Capture.PublicationName == "" {
			return fmt.Errorf("capture.publication_name is required")
		}
	}

	return nil
}

// BackendConfig converts the storage section into backend settings.
func (c *Config) BackendConfig(clk clock.Clock) backend.Config {
	return backend.Config{
		BasePath:            c.Storage.BasePath,
		MaxFileSize:         c.Storage.MaxFileSizeMB * 1024 * 1024,
		MaxEventsPerFile:    c.Storage.MaxEventsPerFile,
		RotationInterval:    time.Duration(c.Storage.RotationIntervalHours) * time.Hour,
		Compression:         c.Storage.Compression,
		RetentionDays:       c.Storage.RetentionDays,
		FlushIntervalEvents: c.Storage.FlushIntervalEvents,
		SyncOnWrite:         c.Storage.SyncOnWrite,
		Clock:               clk,
	}
}

func (c *Config) AuthorityConfig(clk clock.Clock) timestamp.Config {
	return timestamp.Config{
		MinInterval: c.Timestamp.MinInterval,
		HistorySize: c.Timestamp.HistorySize,
		Clock:       clk,
	}
}

// ReplicationConfig converts the capture section into replication settings.
func (c *CaptureConfig) ReplicationConfig() *capture.ReplicationConfig {
	return &capture.ReplicationConfig{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		Database:        c.Database.Database,
		User:            c.Database.User,
		Password:        c.Database.Password,
		SlotName:        c.SlotName,
		PublicationName: c.PublicationName,
	}
}
