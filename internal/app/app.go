package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bassista/gitrecords/internal/cache"
	"github.com/bassista/gitrecords/internal/config"
	"github.com/bassista/gitrecords/internal/content"
	"github.com/bassista/gitrecords/internal/datastore"
	"github.com/bassista/gitrecords/internal/logger"
	"github.com/bassista/gitrecords/internal/webhook"
)

// App is the application container (immutable dependencies + lifecycle context).
// It is not a request context; handlers should still use gin's request context.
type App struct {
	Config      *config.Config
	Content     content.Client
	Cache       cache.Cache
	Registry    *datastore.Registry
	Provider    *datastore.Provider
	Invalidator *webhook.Invalidator

	BaseCtx context.Context
	Cancel  context.CancelFunc
}

// New wires the provider and the invalidator over an existing content client and cache.
func New(cfg *config.Config, client content.Client, store cache.Cache) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if client == nil {
		return nil, errors.New("content client is nil")
	}
	if store == nil {
		return nil, errors.New("cache store is nil")
	}

	registry, err := datastore.RegistryFromConfig(cfg.Entities)
	if err != nil {
		return nil, fmt.Errorf("entity table: %w", err)
	}
	provider, err := datastore.New(client, store, registry, providerOptions(cfg))
	if err != nil {
		return nil, err
	}
	invalidator, err := webhook.New(provider, registry, webhook.Options{
		Enabled:    cfg.Webhook.Enabled,
		Secret:     cfg.Webhook.Secret,
		Repository: cfg.GitHub.FullName(),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		Config:      cfg,
		Content:     client,
		Cache:       store,
		Registry:    registry,
		Provider:    provider,
		Invalidator: invalidator,
		BaseCtx:     ctx,
		Cancel:      cancel,
	}, nil
}

// providerOptions maps the provider settings; a configured retry count of 0
// means no retries, not the datastore default.
func providerOptions(cfg *config.Config) datastore.Options {
	retries := cfg.Provider.MaxWriteRetries
	if retries == 0 {
		retries = datastore.NoWriteRetries
	}
	return datastore.Options{
		TTL:              cfg.Cache.TTL,
		MaxWriteRetries:  retries,
		FetchConcurrency: cfg.Provider.FetchConcurrency,
	}
}

// Build creates the configured content backend and cache, then the App.
func Build(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	client, err := NewContentClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot init content client: %w", err)
	}
	store, err := NewCache(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cannot init cache: %w", err)
	}
	a, err := New(cfg, client, store)
	if err != nil {
		closeCache(store)
		return nil, err
	}
	return a, nil
}

func NewContentClient(cfg *config.Config) (content.Client, error) {
	switch cfg.Storage.Backend {
	case config.BackendLocal:
		return content.NewLocalClient(cfg.Storage.LocalPath)
	case config.BackendGitHub, "":
		return content.NewGitHubClient(content.GitHubOptions{
			Owner:             cfg.GitHub.Owner,
			Repo:              cfg.GitHub.Repo,
			Branch:            cfg.GitHub.Branch,
			Token:             cfg.GitHub.Token,
			BaseURL:           cfg.GitHub.BaseURL,
			Timeout:           cfg.GitHub.Timeout,
			RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
			Burst:             cfg.GitHub.Burst,
			ReadRetries:       cfg.GitHub.ReadRetries,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func NewCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Driver {
	case config.CacheDriverBolt:
		return cache.NewBoltStore(cfg.BoltPath)
	case config.CacheDriverMemory, "":
		return cache.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

// Shutdown stops the background workers and releases the cache.
func (a *App) Shutdown() {
	if a == nil || a.Cancel == nil {
		return
	}
	a.Cancel()
	closeCache(a.Cache)
}

// StartWatchers starts the expiry janitor and, for a watched local backend,
// the directory watcher feeding the invalidator. Both stop with BaseCtx.
func (a *App) StartWatchers() error {
	if purger, ok := a.Cache.(cache.Purger); ok && a.Config.Cache.PurgeInterval > 0 {
		cache.StartJanitor(a.BaseCtx, purger, a.Config.Cache.PurgeInterval)
	}

	local, ok := a.Content.(*content.LocalClient)
	if !ok || !a.Config.Storage.Watch {
		return nil
	}
	log := logger.WithComponent("app")
	err := local.StartWatcher(a.BaseCtx, content.DefaultDebounce, func(paths []string) {
		files, keys := a.Invalidator.InvalidatePaths(a.BaseCtx, paths)
		log.Debugf("local change: %d entity files, evicted %v", files, keys)
	})
	if err != nil {
		return fmt.Errorf("cannot start local content watcher: %w", err)
	}
	log.Infof("watching %s for out-of-band edits", local.Root())
	return nil
}

func closeCache(store cache.Cache) {
	if c, ok := store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.WithComponent("app").Warnf("closing cache: %v", err)
		}
	}
}
