// Package config loads bridge configuration from defaults, an optional YAML
// file and FEDBRIDGE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment key: server.listen_addr is
// read from FEDBRIDGE_SERVER_LISTEN_ADDR.
const EnvPrefix = "FEDBRIDGE"

// EnvFile is preloaded into the environment when present. Variables that are
// already set win.
var EnvFile = ".env"

const (
	configFileName = "config.yaml"
	dbFileName     = "fedbridge.db"
	keyFileName    = "instance.pem"
)

// Config holds the bridge configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	DataDir    string           `mapstructure:"data_dir" yaml:"data_dir"` // default "~/.fedbridge"
	DBPath     string           `mapstructure:"db_path" yaml:"db_path"`   // default "{data_dir}/fedbridge.db"
	Federation FederationConfig `mapstructure:"federation" yaml:"federation"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP daemon.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"` // default ":7000"
}

// FederationConfig configures how issues are exposed as actors.
type FederationConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// Domain is the WebFinger domain. Empty means the host of BaseURL.
	Domain  string `mapstructure:"domain" yaml:"domain"`
	KeyPath string `mapstructure:"key_path" yaml:"key_path"` // default "{data_dir}/instance.pem"
	// ReopenUnmergesPullRequests lets reopen clear the merge flag of a
	// merged pull request.
	ReopenUnmergesPullRequests bool `mapstructure:"reopen_unmerges_pull_requests" yaml:"reopen_unmerges_pull_requests"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"` // debug, info, warn or error
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".fedbridge")
	return &Config{
		Server:  ServerConfig{ListenAddr: ":7000"},
		DataDir: dataDir,
		DBPath:  filepath.Join(dataDir, dbFileName),
		Federation: FederationConfig{
			BaseURL: "http://localhost:7000",
			KeyPath: filepath.Join(dataDir, keyFileName),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ConfigPath returns the default config file location for cfg.
func ConfigPath(cfg *Config) string {
	return filepath.Join(cfg.DataDir, configFileName)
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// Load resolves the configuration. path names a YAML file; when empty,
// {data_dir}/config.yaml is read if it exists. Environment variables
// override file values, which override defaults.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(EnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(expandHome(v.GetString("data_dir")), configFileName)
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.Federation.KeyPath = expandHome(cfg.Federation.KeyPath)

	// Paths left empty follow the data dir.
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, dbFileName)
	}
	if cfg.Federation.KeyPath == "" {
		cfg.Federation.KeyPath = filepath.Join(cfg.DataDir, keyFileName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv applies to Unmarshal.
// db_path and key_path default to empty so they track data_dir overrides.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("federation.base_url", d.Federation.BaseURL)
	v.SetDefault("federation.domain", d.Federation.Domain)
	v.SetDefault("federation.key_path", "")
	v.SetDefault("federation.reopen_unmerges_pull_requests", d.Federation.ReopenUnmergesPullRequests)
	v.SetDefault("logging.level", d.Logging.Level)
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	for k, val := range env {
		if _, ok := os.LookupEnv(k); !ok {
			_ = os.Setenv(k, val)
		}
	}
	return nil
}

// Validate checks that the Config contains valid values.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}

	_, portStr, err := net.SplitHostPort(c.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("invalid server.listen_addr %q: %w", c.Server.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port in server.listen_addr %q: %w", c.Server.ListenAddr, err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", port)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	u, err := url.Parse(c.Federation.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("federation.base_url %q must be an absolute http(s) url", c.Federation.BaseURL)
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel maps logging.level to a slog.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	return lvl, nil
}

// Save writes the configuration to {data_dir}/config.yaml.
func Save(cfg *Config) error {
	if err := EnsureDataDir(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(ConfigPath(cfg), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// EnsureDataDir creates the data directory if it does not exist.
func EnsureDataDir(cfg *Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	return nil
}
