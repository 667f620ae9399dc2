package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL    = "http://localhost:8080"
	DefaultCacheDrv   = "sqlite"
	DefaultSyncQueue  = "default"
	DefaultPageSize   = 20
	DefaultHealthPath = "/health"
)

type Config struct {
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Sync    SyncConfig    `yaml:"sync" mapstructure:"sync"`
	List    ListConfig    `yaml:"list" mapstructure:"list"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

type APIConfig struct {
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	WSURL        string        `yaml:"ws_url" mapstructure:"ws_url"` // defaults to BaseURL
	Token        string        `yaml:"token" mapstructure:"token"`
	RefreshToken string        `yaml:"refresh_token" mapstructure:"refresh_token"`
	UserID       string        `yaml:"user_id" mapstructure:"user_id"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type MonitorConfig struct {
	HealthPath string        `yaml:"health_path" mapstructure:"health_path"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`
}

// CacheConfig selects the persistent cache backend: "sqlite" (Path) or
// "redis" (RedisAddr).
type CacheConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"`
	Path      string `yaml:"path" mapstructure:"path"`
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
}

// SyncConfig enables queued background sync when RedisAddr is set.
type SyncConfig struct {
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
	Queue     string `yaml:"queue" mapstructure:"queue"`
}

type ListConfig struct {
	PageSize int `yaml:"page_size" mapstructure:"page_size"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

// Dir is the per-user state directory, ~/.taskflow.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskflow"
	}
	return filepath.Join(home, ".taskflow")
}

// DefaultPath is where Load looks when no file is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", DefaultBaseURL)
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("monitor.health_path", DefaultHealthPath)
	v.SetDefault("monitor.timeout", 5*time.Second)
	v.SetDefault("monitor.interval", 10*time.Second)
	v.SetDefault("cache.driver", DefaultCacheDrv)
	v.SetDefault("cache.path", filepath.Join(Dir(), "cache.db"))
	v.SetDefault("sync.queue", DefaultSyncQueue)
	v.SetDefault("list.page_size", DefaultPageSize)
	v.SetDefault("log.level", "")

	// AutomaticEnv only sees keys viper already knows about.
	for _, k := range []string{"api.ws_url", "api.token", "api.refresh_token", "api.user_id", "cache.redis_addr", "sync.redis_addr"} {
		v.SetDefault(k, "")
	}
}

// Load reads path (DefaultPath when empty) and applies TASKFLOW_* env
// overrides, e.g. TASKFLOW_API_TOKEN for api.token. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TASKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.API.WSURL == "" {
		cfg.API.WSURL = cfg.API.BaseURL
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("config: api.base_url is required")
	}
	switch c.Cache.Driver {
	case "sqlite":
		if c.Cache.Path == "" {
			return errors.New("config: cache.path is required for the sqlite driver")
		}
	case "redis":
		if c.Cache.RedisAddr == "" {
			return errors.New("config: cache.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("config: unknown cache.driver %q", c.Cache.Driver)
	}
	if c.List.PageSize <= 0 {
		return errors.New("config: list.page_size must be positive")
	}
	return nil
}

// Save writes cfg to path as YAML, creating the directory if needed. It is
// used to persist refreshed access tokens.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
