// Package config loads the supervisor configuration from TOML, YAML or JSON
// files with MOCKVISOR_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/mockvisor/internal/env"
	"github.com/loykin/mockvisor/internal/history"
	"github.com/loykin/mockvisor/internal/logger"
	"github.com/loykin/mockvisor/internal/process"
	"github.com/loykin/mockvisor/internal/supervisor"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// MOCKVISOR_SERVER_LISTEN for server.listen.
const EnvPrefix = "MOCKVISOR"

// Config is the top-level file structure.
type Config struct {
	Name         string   `toml:"name" mapstructure:"name"`
	InstancesDir string   `toml:"instances_dir" mapstructure:"instances_dir"`
	StateFile    string   `toml:"state_file" mapstructure:"state_file"`
	Env          []string `toml:"env" mapstructure:"env"`
	EnvFiles     []string `toml:"env_files" mapstructure:"env_files"`

	Launch      LaunchConfig      `toml:"launch" mapstructure:"launch"`
	Supervisor  SupervisorConfig  `toml:"supervisor" mapstructure:"supervisor"`
	InstanceLog logger.FileConfig `toml:"instance_log" mapstructure:"instance_log"`
	Log         logger.SlogConfig `toml:"log" mapstructure:"log"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	History     HistoryConfig     `toml:"history" mapstructure:"history"`
}

type LaunchConfig struct {
	process.Launch `mapstructure:",squash"`
	PortCheck      bool          `toml:"port_check" mapstructure:"port_check"`
	StartGrace     time.Duration `toml:"start_grace" mapstructure:"start_grace"`
}

type SupervisorConfig struct {
	StopTimeout time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	QueueSize   int           `toml:"queue_size" mapstructure:"queue_size"`
}

type ServerConfig struct {
	Listen        string     `toml:"listen" mapstructure:"listen"`
	BasePath      string     `toml:"base_path" mapstructure:"base_path"`
	Metrics       bool       `toml:"metrics" mapstructure:"metrics"`
	StopOnExit    bool       `toml:"stop_on_exit" mapstructure:"stop_on_exit"`
	TLSMinVersion string     `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion string     `toml:"tls_max_version" mapstructure:"tls_max_version"`
	TLS           *TLSConfig `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

// AutoGenTLS tunes the self-signed certificate produced when AutoGenerate is set.
type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", supervisor.DefaultName)
	v.SetDefault("instances_dir", "wiremock_instances")
	v.SetDefault("state_file", "wiremock_pids.json")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})

	v.SetDefault("launch.command", []string{})
	v.SetDefault("launch.signature", "")
	v.SetDefault("launch.work_dir", "")
	v.SetDefault("launch.scaffold", []string{})
	v.SetDefault("launch.port_check", false)
	v.SetDefault("launch.start_grace", "0s")

	v.SetDefault("supervisor.stop_timeout", supervisor.DefaultStopTimeout.String())
	v.SetDefault("supervisor.queue_size", 1000)

	v.SetDefault("instance_log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("instance_log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("instance_log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("instance_log.compress", false)

	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.metrics", true)
	v.SetDefault("server.stop_on_exit", false)
	v.SetDefault("server.tls_min_version", "")
	v.SetDefault("server.tls_max_version", "")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})
}

// Load reads path (optional) and applies MOCKVISOR_* overrides. The file type
// follows the extension and defaults to TOML.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			v.SetConfigType("yaml")
		case ".json":
			v.SetConfigType("json")
		default:
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if err := c.Launch.Validate(); err != nil {
		return err
	}
	if c.Supervisor.StopTimeout < 0 {
		return errors.New("supervisor.stop_timeout must not be negative")
	}
	if c.Launch.StartGrace < 0 {
		return errors.New("launch.start_grace must not be negative")
	}
	if c.Supervisor.QueueSize < 0 {
		return errors.New("supervisor.queue_size must not be negative")
	}
	switch c.Log.Format {
	case "", logger.FormatText, logger.FormatJSON:
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		return errors.New("history.enabled requires at least one dsn")
	}
	return nil
}

// Logging returns the logger configuration for the supervisor's own log.
func (c *Config) Logging() logger.Config {
	return logger.Config{Slog: c.Log, File: c.InstanceLog}
}

// ChildEnv builds the child environment: the OS environment, then env_files
// in order, then the env list.
func (c *Config) ChildEnv() (*env.Env, error) {
	e, err := env.New().WithOS().WithFiles(c.EnvFiles)
	if err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	return e.WithPairs(c.Env), nil
}

// SupervisorConfig maps the file onto supervisor.Config. hist may be nil.
func (c *Config) SupervisorConfig(log *slog.Logger, hist *history.Dispatcher) (supervisor.Config, error) {
	e, err := c.ChildEnv()
	if err != nil {
		return supervisor.Config{}, err
	}
	return supervisor.Config{
		Name:         c.Name,
		InstancesDir: c.InstancesDir,
		StateFile:    c.StateFile,
		Launch:       c.Launch.Launch,
		PortCheck:    c.Launch.PortCheck,
		StartGrace:   c.Launch.StartGrace,
		StopTimeout:  c.Supervisor.StopTimeout,
		QueueSize:    c.Supervisor.QueueSize,
		Rotation:     c.InstanceLog,
		Env:          e,
		History:      hist,
		Logger:       log,
	}, nil
}
