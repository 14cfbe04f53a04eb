package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// EnvPrefix is prepended to every environment override, e.g. DUMPCTL_DATABASE_HOST.
const EnvPrefix = "DUMPCTL"

// Config represents the top-level YAML configuration file.
type Config struct {
	Include   []string        `mapstructure:"include"   yaml:"include,omitempty"`
	Database  DatabaseConfig  `mapstructure:"database"  yaml:"database"`
	Backup    BackupConfig    `mapstructure:"backup"    yaml:"backup"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Restore   RestoreConfig   `mapstructure:"restore"   yaml:"restore"`
	Vault     VaultConfig     `mapstructure:"vault"     yaml:"vault"`
	Log       LogConfig       `mapstructure:"log"       yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
}

// DatabaseConfig describes the live PostgreSQL database and client tooling.
type DatabaseConfig struct {
	Host       string        `mapstructure:"host"         yaml:"host"`
	Port       int           `mapstructure:"port"         yaml:"port"`
	Name       string        `mapstructure:"name"         yaml:"name"`
	Username   string        `mapstructure:"username"     yaml:"username"`
	Password   string        `mapstructure:"password"     yaml:"password,omitempty"`
	Schema     string        `mapstructure:"schema"       yaml:"schema"`
	SSLMode    string        `mapstructure:"sslmode"      yaml:"sslmode"`
	PgDumpPath string        `mapstructure:"pg_dump_path" yaml:"pg_dump_path"`
	PsqlPath   string        `mapstructure:"psql_path"    yaml:"psql_path"`
	Timeout    time.Duration `mapstructure:"timeout"      yaml:"timeout"`
	VaultRole  string        `mapstructure:"vault_role"   yaml:"vault_role,omitempty"`
}

// BackupConfig contains backup creation options.
type BackupConfig struct {
	StoragePath string        `mapstructure:"storage_path" yaml:"storage_path"`
	Compression string        `mapstructure:"compression"  yaml:"compression"`
	Interval    time.Duration `mapstructure:"interval"     yaml:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"      yaml:"timeout"`
}

// RetentionConfig specifies how many backups to keep and for how long.
type RetentionConfig struct {
	MaxBackups      int           `mapstructure:"max_backups"      yaml:"max_backups"`
	CleanupEnabled  bool          `mapstructure:"cleanup_enabled"  yaml:"cleanup_enabled"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	KeepDays        int           `mapstructure:"keep_days"        yaml:"keep_days"`
}

// RestoreConfig tunes the incremental writer.
type RestoreConfig struct {
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address  string `mapstructure:"address"   yaml:"address,omitempty"`
	RoleID   string `mapstructure:"role_id"   yaml:"role_id,omitempty"`
	RoleName string `mapstructure:"role_name" yaml:"role_name,omitempty"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path,omitempty"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "postgres")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.pg_dump_path", "pg_dump")
	v.SetDefault("database.psql_path", "psql")
	v.SetDefault("database.timeout", 30*time.Minute)

	v.SetDefault("backup.storage_path", "./backups")
	v.SetDefault("backup.compression", "gzip")
	v.SetDefault("backup.interval", 12*time.Hour)
	v.SetDefault("backup.timeout", time.Hour)

	v.SetDefault("retention.max_backups", 30)
	v.SetDefault("retention.cleanup_enabled", true)
	v.SetDefault("retention.cleanup_interval", 7*24*time.Hour)
	v.SetDefault("retention.keep_days", 30)

	v.SetDefault("restore.batch_size", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// NewViper returns a viper instance with defaults and env overrides registered.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, and unmarshals into the Config struct.
// An empty path loads defaults and environment overrides only.
func (c *Config) Load(path string) error {
	v := NewViper()
	return c.LoadFrom(v, path)
}

// LoadFrom is Load on a caller-owned viper instance, so the daemon can keep
// watching the same file.
func (c *Config) LoadFrom(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		// Read base configuration
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
		}
	}

	// Merge include files (if any)
	for _, inc := range v.GetStringSlice("include") {
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	return c.Validate()
}

// Validate checks the fields a backup or restore cannot run without.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Database.Host) == "" {
		problems = append(problems, "database.host is required")
	}
	if strings.TrimSpace(c.Database.Name) == "" {
		problems = append(problems, "database.name is required")
	}
	if strings.TrimSpace(c.Database.Username) == "" && c.Database.VaultRole == "" {
		problems = append(problems, "database.username is required unless database.vault_role is set")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		problems = append(problems, fmt.Sprintf("database.port %d out of range 1-65535", c.Database.Port))
	}
	if strings.TrimSpace(c.Backup.StoragePath) == "" {
		problems = append(problems, "backup.storage_path is required")
	}
	switch c.Backup.Compression {
	case "gzip", "zstd", "none", "":
	default:
		problems = append(problems, fmt.Sprintf("backup.compression %q must be gzip, zstd or none", c.Backup.Compression))
	}
	if c.Backup.Interval <= 0 {
		problems = append(problems, "backup.interval must be positive")
	}
	if c.Retention.MaxBackups <= 0 {
		problems = append(problems, "retention.max_backups must be positive")
	}
	if c.Retention.CleanupEnabled && c.Retention.CleanupInterval <= 0 {
		problems = append(problems, "retention.cleanup_interval must be positive")
	}
	if c.Retention.KeepDays <= 0 {
		problems = append(problems, "retention.keep_days must be positive")
	}
	if c.Restore.BatchSize <= 0 {
		problems = append(problems, "restore.batch_size must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidateConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Save writes c to path as YAML. The database password is never written.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range c.Settings() {
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Settings flattens c into dotted keys. The password is omitted.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"database.host":              c.Database.Host,
		"database.port":              c.Database.Port,
		"database.name":              c.Database.Name,
		"database.username":          c.Database.Username,
		"database.schema":            c.Database.Schema,
		"database.sslmode":           c.Database.SSLMode,
		"database.pg_dump_path":      c.Database.PgDumpPath,
		"database.psql_path":         c.Database.PsqlPath,
		"database.timeout":           c.Database.Timeout.String(),
		"database.vault_role":        c.Database.VaultRole,
		"backup.storage_path":        c.Backup.StoragePath,
		"backup.compression":         c.Backup.Compression,
		"backup.interval":            c.Backup.Interval.String(),
		"backup.timeout":             c.Backup.Timeout.String(),
		"retention.max_backups":      c.Retention.MaxBackups,
		"retention.cleanup_enabled":  c.Retention.CleanupEnabled,
		"retention.cleanup_interval": c.Retention.CleanupInterval.String(),
		"retention.keep_days":        c.Retention.KeepDays,
		"restore.batch_size":         c.Restore.BatchSize,
		"vault.address":              c.Vault.Address,
		"vault.role_id":              c.Vault.RoleID,
		"vault.role_name":            c.Vault.RoleName,
		"log.level":                  c.Log.Level,
		"log.format":                 c.Log.Format,
		"metrics.textfile_path":      c.Metrics.TextfilePath,
	}
}
