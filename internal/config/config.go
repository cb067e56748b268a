// Package config loads the engine's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/checkengine/internal/connector"
	"github.com/loykin/checkengine/internal/cron"
	"github.com/loykin/checkengine/internal/env"
	"github.com/loykin/checkengine/internal/logger"
	"github.com/loykin/checkengine/internal/metrics"
)

// EnvPrefix prefixes environment variables that override file settings,
// e.g. CHECKENGINE_SERVER_LISTEN.
const EnvPrefix = "CHECKENGINE"

const DefaultCheckTimeout = 60 * time.Second

var ErrInvalid = errors.New("invalid configuration")

// Config represents the top-level TOML structure.
type Config struct {
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
	UseSetpgid   bool          `mapstructure:"use_setpgid"`
	Env          []string      `mapstructure:"env"`
	EnvFiles     []string      `mapstructure:"env_files"`
	UseOSEnv     bool          `mapstructure:"use_os_env"`
	// Macros are NAME=value pairs substituted as $NAME$ in command lines.
	// A list keeps the case of the names.
	Macros []string `mapstructure:"macros"`

	Log        logger.Config     `mapstructure:"log"`
	Server     ServerConfig      `mapstructure:"server"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	History    HistoryConfig     `mapstructure:"history"`
	Connectors []ConnectorConfig `mapstructure:"connectors"`
	Commands   []CommandConfig   `mapstructure:"commands"`
	Schedules  []ScheduleConfig  `mapstructure:"schedules"`
}

type ServerConfig struct {
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	TLS      *TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the HTTP API over TLS, either from explicit files or
// from tls.crt/tls.key in Dir, generated on first use when AutoGenerate is
// set.
type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	MinVersion   string      `mapstructure:"min_version"` // "1.2" or "1.3"
	MaxVersion   string      `mapstructure:"max_version"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

type HistoryConfig struct {
	// DSNs select the sinks, see history/factory.
	DSNs        []string      `mapstructure:"dsns"`
	QueueSize   int           `mapstructure:"queue_size"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

type ConnectorConfig struct {
	Name                   string        `mapstructure:"name"`
	Command                string        `mapstructure:"command"`
	MaxChecksBeforeRestart int           `mapstructure:"max_checks_before_restart"`
	StartTimeout           time.Duration `mapstructure:"start_timeout"`
	QuitTimeout            time.Duration `mapstructure:"quit_timeout"`
	MinVersion             string        `mapstructure:"min_version"`
	// LogStderr writes the connector's stderr to a rotated file under the
	// log directory.
	LogStderr bool `mapstructure:"log_stderr"`
}

type CommandConfig struct {
	Name      string        `mapstructure:"name"`
	Command   string        `mapstructure:"command"`
	Connector string        `mapstructure:"connector"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ScheduleConfig runs a configured command periodically while serving.
type ScheduleConfig struct {
	Name         string        `mapstructure:"name"`
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	Schedule     string        `mapstructure:"schedule"` // "@every <duration>"
	Timeout      time.Duration `mapstructure:"timeout"`
	AllowOverlap bool          `mapstructure:"allow_overlap"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Defaults make the keys known to viper so environment overrides apply
	// even when the file omits them.
	v.SetDefault("check_timeout", DefaultCheckTimeout)
	v.SetDefault("use_setpgid", true)
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 10*time.Second)
	return v
}

// Load reads and validates the TOML file at path.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(filepath.Clean(path))
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return decode(v)
}

// Default returns the configuration of an empty file, with environment
// overrides applied.
func Default() (*Config, error) {
	return decode(newViper())
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks names, references, timeouts and versions.
func (c *Config) Validate() error {
	if c.CheckTimeout <= 0 {
		return fmt.Errorf("%w: check_timeout must be positive", ErrInvalid)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.MacroMap(); err != nil {
		return err
	}
	conns := make(map[string]bool, len(c.Connectors))
	for _, cc := range c.Connectors {
		switch {
		case cc.Name == "":
			return fmt.Errorf("%w: connector requires name", ErrInvalid)
		case conns[cc.Name]:
			return fmt.Errorf("%w: duplicate connector %s", ErrInvalid, cc.Name)
		case strings.TrimSpace(cc.Command) == "":
			return fmt.Errorf("%w: connector %s requires command", ErrInvalid, cc.Name)
		case cc.StartTimeout < 0 || cc.QuitTimeout < 0:
			return fmt.Errorf("%w: connector %s has a negative timeout", ErrInvalid, cc.Name)
		}
		if cc.MinVersion != "" {
			if _, err := connector.ParseVersion(cc.MinVersion); err != nil {
				return fmt.Errorf("%w: connector %s: %v", ErrInvalid, cc.Name, err)
			}
		}
		conns[cc.Name] = true
	}
	cmds := make(map[string]bool, len(c.Commands))
	for _, cm := range c.Commands {
		switch {
		case cm.Name == "":
			return fmt.Errorf("%w: command requires name", ErrInvalid)
		case cmds[cm.Name]:
			return fmt.Errorf("%w: duplicate command %s", ErrInvalid, cm.Name)
		case strings.TrimSpace(cm.Command) == "":
			return fmt.Errorf("%w: command %s requires command", ErrInvalid, cm.Name)
		case cm.Timeout < 0:
			return fmt.Errorf("%w: command %s has a negative timeout", ErrInvalid, cm.Name)
		case cm.Connector != "" && !conns[cm.Connector]:
			return fmt.Errorf("%w: command %s references unknown connector %s", ErrInvalid, cm.Name, cm.Connector)
		}
		cmds[cm.Name] = true
	}
	jobs := make(map[string]bool, len(c.Schedules))
	for _, sc := range c.Schedules {
		switch {
		case sc.Name == "":
			return fmt.Errorf("%w: schedule requires name", ErrInvalid)
		case jobs[sc.Name]:
			return fmt.Errorf("%w: duplicate schedule %s", ErrInvalid, sc.Name)
		case !cmds[sc.Command]:
			return fmt.Errorf("%w: schedule %s references unknown command %q", ErrInvalid, sc.Name, sc.Command)
		case sc.Timeout < 0:
			return fmt.Errorf("%w: schedule %s has a negative timeout", ErrInvalid, sc.Name)
		}
		if _, err := cron.ParseEvery(sc.Schedule); err != nil {
			return fmt.Errorf("%w: schedule %s: %v", ErrInvalid, sc.Name, err)
		}
		jobs[sc.Name] = true
	}
	return nil
}

// MacroMap returns the macros by name.
func (c *Config) MacroMap() (map[string]string, error) {
	m := make(map[string]string, len(c.Macros))
	for _, kv := range c.Macros {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || strings.Contains(k, "$") {
			return nil, fmt.Errorf("%w: macro %q is not NAME=value", ErrInvalid, kv)
		}
		m[k] = v
	}
	return m, nil
}

// Environment composes the check environment. The OS environment (when
// use_os_env is set) is the base, env_files apply in order and the env list
// overrides last.
func (c *Config) Environment() (*env.Env, error) {
	e := env.New(c.UseOSEnv)
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, err
		}
	}
	e.SetAll(c.Env)
	return e, nil
}

// ConnectorOptions converts cc into connector options. Engine-wide fields
// such as Env and Logger are left for the engine to fill in.
func (cc ConnectorConfig) ConnectorOptions() (connector.Options, error) {
	opts := connector.Options{
		StartTimeout:           cc.StartTimeout,
		QuitTimeout:            cc.QuitTimeout,
		MaxChecksBeforeRestart: cc.MaxChecksBeforeRestart,
	}
	if cc.MinVersion != "" {
		v, err := connector.ParseVersion(cc.MinVersion)
		if err != nil {
			return opts, err
		}
		opts.MinVersion = v
	}
	return opts, nil
}
