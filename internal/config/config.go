package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/jvis/internal/sandbox"
)

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
}

type SandboxConfig struct {
	Image       string        `mapstructure:"image"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MemoryMB    int64         `mapstructure:"memory_mb"`
	CPUPeriod   int64         `mapstructure:"cpu_period"`
	CPUQuota    int64         `mapstructure:"cpu_quota"`
	PidsLimit   int64         `mapstructure:"pids_limit"`
	MountPath   string        `mapstructure:"mount_path"`
	StopTimeout int           `mapstructure:"stop_timeout"`
	User        string        `mapstructure:"user"`
	PullMissing bool          `mapstructure:"pull_missing"`
	WorkDir     string        `mapstructure:"work_dir"`
}

type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type ExamplesConfig struct {
	Path string `mapstructure:"path"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Examples ExamplesConfig `mapstructure:"examples"`
}

// Load reads jvis.yaml from the current directory or $HOME/.jvis, then
// applies JVIS_* environment overrides (JVIS_SANDBOX_IMAGE, JVIS_SERVER_PORT, ...).
// A missing config file is not an error.
func Load() (*Config, error) {
	return load("")
}

// LoadFile is Load with an explicit config file.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("jvis")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.jvis")
	}

	v.SetEnvPrefix("JVIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	p := sandbox.DefaultPolicy()

	v.SetDefault("server.port", 3001)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("sandbox.image", p.Image)
	v.SetDefault("sandbox.timeout", p.Timeout)
	v.SetDefault("sandbox.memory_mb", p.MemoryMB)
	v.SetDefault("sandbox.cpu_period", p.CPUPeriod)
	v.SetDefault("sandbox.cpu_quota", p.CPUQuota)
	v.SetDefault("sandbox.pids_limit", p.PidsLimit)
	v.SetDefault("sandbox.mount_path", p.MountPath)
	v.SetDefault("sandbox.stop_timeout", p.StopTimeout)
	v.SetDefault("sandbox.user", p.User)
	v.SetDefault("sandbox.pull_missing", p.PullMissing)
	v.SetDefault("sandbox.work_dir", "")

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".jvis", "jvis.db"))

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("examples.path", "")
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if c.Storage.Enabled && c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required when storage is enabled")
	}
	switch c.Logging.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("logging.mode must be development or production, got %q", c.Logging.Mode)
	}
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	return nil
}

// Policy returns the sandbox limits described by the config.
func (c *Config) Policy() sandbox.Policy {
	s := c.Sandbox
	return sandbox.Policy{
		Image:       s.Image,
		Timeout:     s.Timeout,
		MemoryMB:    s.MemoryMB,
		CPUPeriod:   s.CPUPeriod,
		CPUQuota:    s.CPUQuota,
		PidsLimit:   s.PidsLimit,
		MountPath:   s.MountPath,
		StopTimeout: s.StopTimeout,
		User:        s.User,
		PullMissing: s.PullMissing,
	}
}
