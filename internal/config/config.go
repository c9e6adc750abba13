// Package config loads the §6 external configuration surface via
// viper (file + environment, SCHLEP_ prefix) and validates it with
// go-playground/validator struct tags plus a few cross-field rules
// that don't fit in tags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete schlepd configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Auth    AuthConfig    `mapstructure:"auth"`
	FS      []MountConfig `mapstructure:"fs" validate:"required,min=1,dive"`
	SFTP    SFTPConfig    `mapstructure:"sftp"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls the zap logger (§4.11).
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"required,oneof=console json"`
}

// AuthConfig wraps the LDAP backend configuration (§4.5, §6).
type AuthConfig struct {
	LDAP LDAPConfig `mapstructure:"ldap"`
}

// LDAPConfig is the auth.ldap configuration surface (§6).
type LDAPConfig struct {
	URL             string        `mapstructure:"url" validate:"required"`
	BaseDN          string        `mapstructure:"base_dn" validate:"required"`
	BindDN          string        `mapstructure:"bind_dn" validate:"required"`
	BindPassword    string        `mapstructure:"bind_password" validate:"required"`
	UserAttribute   string        `mapstructure:"user_attribute" validate:"required"`
	SSHKeyAttribute string        `mapstructure:"ssh_key_attribute" validate:"required"`
	ConnTimeout     time.Duration `mapstructure:"conn_timeout"`
	PoolMaxSize     int           `mapstructure:"pool_max_size" validate:"gte=0"`
	StartTLS        bool          `mapstructure:"starttls"`
	TLSNoVerify     bool          `mapstructure:"tls_no_verify"`
}

// MountConfig is one entry of the fs mount list (§6).
type MountConfig struct {
	VFSRoot  string `mapstructure:"vfs_root" validate:"required,startswith=/"`
	LocalDir string `mapstructure:"local_dir" validate:"required"`
}

// SFTPConfig is the sftp configuration surface (§6).
type SFTPConfig struct {
	Address           []string `mapstructure:"address"`
	Port              int      `mapstructure:"port" validate:"gte=1,lte=65535"`
	AllowPassword     bool     `mapstructure:"allow_password"`
	AllowPublicKey    bool     `mapstructure:"allow_publickey"`
	PrivateHostKeyDir string   `mapstructure:"private_host_key_dir" validate:"required"`
	DefaultFileMode   uint32   `mapstructure:"default_file_mode"`
	DefaultDirMode    uint32   `mapstructure:"default_dir_mode"`
}

// RedisConfig is the optional shared credential cache backend (§6, §4.16).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`
}

// MetricsConfig is the metrics exporter surface (§6, §4.12).
type MetricsConfig struct {
	Address             string `mapstructure:"address"`
	Port                int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	EnableHealthCheck   bool   `mapstructure:"enable_health_check"`
	EnableMetricsExport bool   `mapstructure:"enable_metrics_export"`
}

// Load reads configuration from configPath (or the default search path
// if empty), environment variables prefixed SCHLEP_, and defaults, then
// validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("SCHLEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	v.AddConfigPath(defaultConfigDir())
	v.AddConfigPath(".")
	v.SetConfigName("schlepd")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath == "" {
			if ok := asConfigFileNotFound(err, &notFound); ok {
				return nil
			}
		}
		return fmt.Errorf("config: read config file: %w", err)
	}
	return nil
}

func asConfigFileNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "schlepd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "schlepd")
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Auth.LDAP.ConnTimeout == 0 {
		cfg.Auth.LDAP.ConnTimeout = 120 * time.Second
	}
	if cfg.Auth.LDAP.PoolMaxSize == 0 {
		cfg.Auth.LDAP.PoolMaxSize = 8
	}
	if len(cfg.SFTP.Address) == 0 {
		cfg.SFTP.Address = []string{"127.0.0.1", "::1"}
	}
	if cfg.SFTP.Port == 0 {
		cfg.SFTP.Port = 2222
	}
	if !cfg.SFTP.AllowPassword && !cfg.SFTP.AllowPublicKey {
		cfg.SFTP.AllowPublicKey = true
	}
	if cfg.SFTP.DefaultFileMode == 0 {
		cfg.SFTP.DefaultFileMode = 0o666
	}
	if cfg.SFTP.DefaultDirMode == 0 {
		cfg.SFTP.DefaultDirMode = 0o777
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
}
