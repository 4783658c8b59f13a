// Package config loads and saves the cardsync configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/openmined/cardsync/internal/utils"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "CARDSYNC"

	TypeCardDAV  = "carddav"
	TypeS3       = "s3"
	TypeLocalDir = "localdir"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigPath  = filepath.Join(home, ".cardsync", "config.yaml")
	DefaultDataDir     = filepath.Join(home, ".cardsync", "data")
	DefaultHTTPAddr    = "localhost:7939"
	DefaultInterval    = 5 * time.Minute
	DefaultTimeout     = 30 * time.Second
	DefaultFetchWorker = 4
)

var (
	ErrNoDirectories    = errors.New("config: no directories configured")
	ErrInvalidDirectory = errors.New("config: invalid directory")
	ErrUnknownDirectory = errors.New("config: unknown directory")

	dirNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

type HTTPConfig struct {
	Addr  string `mapstructure:"addr" yaml:"addr"`
	Token string `mapstructure:"token" yaml:"token,omitempty"`
}

// DirectoryConfig describes one synchronized collection. Which fields apply
// depends on Type.
type DirectoryConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Type string `mapstructure:"type" yaml:"type"`

	// carddav
	URL        string `mapstructure:"url" yaml:"url,omitempty"`
	Username   string `mapstructure:"username" yaml:"username,omitempty"`
	Password   string `mapstructure:"password" yaml:"password,omitempty"`
	UseKeyring bool   `mapstructure:"use_keyring" yaml:"use_keyring,omitempty"`

	// s3
	Bucket    string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`

	// localdir
	Path    string `mapstructure:"path" yaml:"path,omitempty"`
	Pattern string `mapstructure:"pattern" yaml:"pattern,omitempty"`
	Watch   bool   `mapstructure:"watch" yaml:"watch,omitempty"`
}

type Config struct {
	DataDir        string            `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel       string            `mapstructure:"log_level" yaml:"log_level,omitempty"`
	SyncInterval   time.Duration     `mapstructure:"sync_interval" yaml:"sync_interval"`
	FetchWorkers   int               `mapstructure:"fetch_workers" yaml:"fetch_workers"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout" yaml:"request_timeout"`
	HTTP           HTTPConfig        `mapstructure:"http" yaml:"http"`
	Directories    []DirectoryConfig `mapstructure:"directories" yaml:"directories"`

	// Path is the file the config was loaded from.
	Path string `mapstructure:"-" yaml:"-"`
}

// SetDefaults registers every scalar key on v, which also makes them
// overridable through CARDSYNC_* environment variables.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("sync_interval", DefaultInterval)
	v.SetDefault("fetch_workers", DefaultFetchWorker)
	v.SetDefault("request_timeout", DefaultTimeout)
	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("http.token", "")
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if !utils.FileExists(f) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the config at path through v. A missing file yields the defaults.
// Flags bound on v before calling Load take precedence over the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config parse '%s': %w", path, err)
	}
	cfg.Path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes paths, fills per-directory defaults and rejects
// incomplete directory entries.
func (c *Config) Validate() error {
	var err error

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultInterval
	} else if c.SyncInterval < time.Second {
		return fmt.Errorf("sync interval %s is below 1s", c.SyncInterval)
	}
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = DefaultFetchWorker
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultTimeout
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}

	seen := make(map[string]struct{}, len(c.Directories))
	for i := range c.Directories {
		d := &c.Directories[i]
		if err := d.validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidDirectory, d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

func (d *DirectoryConfig) validate() error {
	if !dirNameRe.MatchString(d.Name) {
		return fmt.Errorf("%w: bad name %q", ErrInvalidDirectory, d.Name)
	}

	d.Type = strings.ToLower(strings.TrimSpace(d.Type))
	switch d.Type {
	case TypeCardDAV:
		if d.URL == "" {
			return fmt.Errorf("%w: %s: url is required", ErrInvalidDirectory, d.Name)
		}
	case TypeS3:
		if d.Bucket == "" {
			return fmt.Errorf("%w: %s: bucket is required", ErrInvalidDirectory, d.Name)
		}
	case TypeLocalDir:
		if d.Path == "" {
			return fmt.Errorf("%w: %s: path is required", ErrInvalidDirectory, d.Name)
		}
		p, err := utils.ResolvePath(d.Path)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidDirectory, d.Name, err)
		}
		d.Path = p
	default:
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidDirectory, d.Name, d.Type)
	}
	return nil
}

// Directory returns the entry called name.
func (c *Config) Directory(name string) (*DirectoryConfig, error) {
	for i := range c.Directories {
		if c.Directories[i].Name == name {
			return &c.Directories[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDirectory, name)
}

// Save writes the config as YAML. The file may hold passwords, so it is
// only readable by the owner.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config encode: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}
