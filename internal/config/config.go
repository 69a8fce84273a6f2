package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	BackendGitHub = "github"
	BackendLocal  = "local"

	CacheDriverMemory = "memory"
	CacheDriverBolt   = "bolt"

	// SchemasDir is reserved in the backing repository and never holds entity data.
	SchemasDir = "schemas"
)

type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	GitHub   GitHubConfig            `mapstructure:"github"`
	Storage  StorageConfig           `mapstructure:"storage"`
	Cache    CacheConfig             `mapstructure:"cache"`
	Provider ProviderConfig          `mapstructure:"provider"`
	Webhook  WebhookConfig           `mapstructure:"webhook"`
	Entities map[string]EntityConfig `mapstructure:"entities"`
	Misc     MiscConfig              `mapstructure:"misc"`
}

type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutDownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	CORSAllowedOrigins string        `mapstructure:"cors_allowed_origins"`
}

// GitHubConfig identifies the backing repository and how to reach it.
type GitHubConfig struct {
	Owner             string        `mapstructure:"owner"`
	Repo              string        `mapstructure:"repo"`
	Branch            string        `mapstructure:"branch"`
	Token             string        `mapstructure:"token"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	ReadRetries       int           `mapstructure:"read_retries"`
}

// FullName returns owner/repo as reported by webhook payloads.
func (g GitHubConfig) FullName() string {
	return g.Owner + "/" + g.Repo
}

type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalPath string `mapstructure:"local_path"`
	Watch     bool   `mapstructure:"watch"`
}

type CacheConfig struct {
	Driver        string        `mapstructure:"driver"`
	TTL           time.Duration `mapstructure:"ttl"`
	BoltPath      string        `mapstructure:"bolt_path"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

type ProviderConfig struct {
	MaxWriteRetries  int `mapstructure:"max_write_retries"`
	FetchConcurrency int `mapstructure:"fetch_concurrency"`
}

type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
}

// EntityConfig is one row of the entity table: where the type lives and whether it is tenant scoped.
type EntityConfig struct {
	Path   string `mapstructure:"path"`
	Scoped bool   `mapstructure:"scoped"`
}

type MiscConfig struct {
	LogLevel          string `mapstructure:"log_level"`
	GinMode           string `mapstructure:"gin_mode"`
	HoneybadgerAPIKey string `mapstructure:"honeybadger_api_key"`
	Environment       string `mapstructure:"environment"`
}

// DefaultEntities is the entity table used when the configuration does not override it.
func DefaultEntities() map[string]EntityConfig {
	return map[string]EntityConfig{
		"organizations":   {Path: "organizations", Scoped: false},
		"users":           {Path: "users", Scoped: false},
		"clients":         {Path: "clients", Scoped: true},
		"projects":        {Path: "projects", Scoped: true},
		"tasks":           {Path: "tasks", Scoped: true},
		"timelogs":        {Path: "timelogs", Scoped: true},
		"tags":            {Path: "tags", Scoped: true},
		"members":         {Path: "members", Scoped: true},
		"project_members": {Path: "project_members", Scoped: true},
	}
}

// LoadConfig reads config.yaml from confDir (if present), a .env file (if present)
// and GITRECORDS_* environment variables, in increasing order of precedence.
func LoadConfig(confDir string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("cannot load .env file: %v", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if confDir != "" {
		v.AddConfigPath(confDir)
	}
	v.AddConfigPath("./config")

	setDefaults(v)

	// GITRECORDS_GITHUB_TOKEN overrides github.token, and so on.
	v.SetEnvPrefix("GITRECORDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
		logrus.Info("No config file found, using defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEntityDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.request_timeout", 15*time.Second)
	v.SetDefault("server.cors_allowed_origins", "*")

	v.SetDefault("github.owner", "")
	v.SetDefault("github.repo", "")
	v.SetDefault("github.branch", "main")
	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")
	v.SetDefault("github.timeout", 10*time.Second)
	v.SetDefault("github.requests_per_second", 10.0)
	v.SetDefault("github.burst", 20)
	v.SetDefault("github.read_retries", 3)

	v.SetDefault("storage.backend", BackendGitHub)
	v.SetDefault("storage.local_path", "./data")
	v.SetDefault("storage.watch", true)

	v.SetDefault("cache.driver", CacheDriverMemory)
	v.SetDefault("cache.ttl", 30*time.Second)
	v.SetDefault("cache.bolt_path", "./cache.db")
	v.SetDefault("cache.purge_interval", time.Minute)

	v.SetDefault("provider.max_write_retries", 3)
	v.SetDefault("provider.fetch_concurrency", 8)

	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.secret", "")

	v.SetDefault("misc.log_level", "info")
	v.SetDefault("misc.gin_mode", "release")
	v.SetDefault("misc.honeybadger_api_key", "")
	v.SetDefault("misc.environment", "")
}

// applyEntityDefaults fills in the default entity table and directory names.
func (c *Config) applyEntityDefaults() {
	if len(c.Entities) == 0 {
		c.Entities = DefaultEntities()
		return
	}
	for name, ec := range c.Entities {
		if ec.Path == "" {
			ec.Path = name
			c.Entities[name] = ec
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.IdleTimeout <= 0 || c.Server.ShutDownTimeout <= 0 {
		return errors.New("server timeouts must be positive")
	}
	if c.Server.RequestTimeout < 0 {
		return errors.New("server request timeout cannot be negative")
	}

	switch c.Storage.Backend {
	case BackendGitHub:
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			return errors.New("github owner and repo are required")
		}
		if c.GitHub.Token == "" {
			return errors.New("github token is required")
		}
		if c.GitHub.Branch == "" {
			return errors.New("github branch is required")
		}
		if c.GitHub.Timeout <= 0 {
			return errors.New("github timeout must be positive")
		}
	case BackendLocal:
		if c.Storage.LocalPath == "" {
			return errors.New("storage local path is required for the local backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s (supported: %s, %s)", c.Storage.Backend, BackendGitHub, BackendLocal)
	}

	switch c.Cache.Driver {
	case CacheDriverMemory:
	case CacheDriverBolt:
		if c.Cache.BoltPath == "" {
			return errors.New("cache bolt path is required for the bolt driver")
		}
	default:
		return fmt.Errorf("unknown cache driver: %s (supported: %s, %s)", c.Cache.Driver, CacheDriverMemory, CacheDriverBolt)
	}
	if c.Cache.TTL <= 0 {
		return errors.New("cache ttl must be positive")
	}
	if c.Cache.PurgeInterval <= 0 {
		return errors.New("cache purge interval must be positive")
	}

	if c.Provider.MaxWriteRetries < 0 {
		return errors.New("provider max write retries cannot be negative")
	}
	if c.Provider.FetchConcurrency <= 0 {
		return errors.New("provider fetch concurrency must be positive")
	}

	if len(c.Entities) == 0 {
		return errors.New("at least one entity type must be configured")
	}
	seen := make(map[string]string, len(c.Entities))
	for name, ec := range c.Entities {
		if ec.Path == "" {
			return fmt.Errorf("entity %s: path is required", name)
		}
		if strings.Contains(ec.Path, "/") {
			return fmt.Errorf("entity %s: path %q must be a single directory name", name, ec.Path)
		}
		if ec.Path == SchemasDir {
			return fmt.Errorf("entity %s: path %q is reserved", name, ec.Path)
		}
		if other, ok := seen[ec.Path]; ok {
			return fmt.Errorf("entities %s and %s share path %q", other, name, ec.Path)
		}
		seen[ec.Path] = name
	}
	return nil
}
