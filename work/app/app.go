// Package app wires the store, backends, resolver and diagnostics together. Both the
// server and the CLI build their runtime through it.
package app

import (
	"fmt"

	"trackunblock/work/backend"
	"trackunblock/work/cache"
	"trackunblock/work/client"
	"trackunblock/work/config"
	"trackunblock/work/database"
	"trackunblock/work/diagnostics"
	"trackunblock/work/logger"
	"trackunblock/work/resolver"
	"trackunblock/work/store"
	"trackunblock/work/types"
	"trackunblock/work/watcher"

	"github.com/panjf2000/ants/v2"
)

// App holds the long-lived components of one process.
type App struct {
	Config   *config.Config
	DB       *database.DB
	Store    *store.Store
	Registry *backend.Registry
	Cache    *cache.Cache
	Resolver *resolver.Resolver
	Prober   *diagnostics.Prober
	Watcher  *watcher.Watcher

	pool *ants.Pool
}

// New opens the database and builds every component from cfg. The watcher is
// created but not started.
func New(cfg *config.Config) (*App, error) {
	logger.SetLogLevel(cfg.LogLevel)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	st, err := store.New(db, store.BuiltinDefaults(cfg.ServerURL, cfg.GDURL), backend.Validate)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load sources: %w", err)
	}

	httpClient := client.NewHeaderSettingClient(cfg)
	registry := backend.NewRegistry(backend.DepsFromConfig(cfg, httpClient))

	var resultCache *cache.Cache
	if cfg.CacheEnabled {
		resultCache = cache.NewCache(cfg.CacheDuration)
	}
	res := resolver.New(st, registry, cfg.BackendTimeout, resultCache)

	pool, err := ants.NewPool(cfg.ProbeWorkers, ants.WithPreAlloc(true))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	opts := diagnostics.Options{Timeout: cfg.BackendTimeout}
	if cfg.VerifyStreams {
		opts.Verifier = diagnostics.NewVerifier(httpClient, cfg.FetchTimeout)
	}
	prober := diagnostics.New(st, registry, pool, opts)

	a := &App{
		Config:   cfg,
		DB:       db,
		Store:    st,
		Registry: registry,
		Cache:    resultCache,
		Resolver: res,
		Prober:   prober,
		Watcher:  watcher.NewWatcher(prober, cfg.ProbeInterval),
		pool:     pool,
	}
	st.OnChange(a.sourcesChanged)
	return a, nil
}

// sourcesChanged keeps derived state in step with the store.
func (a *App) sourcesChanged(c store.Change) {
	a.Resolver.PurgeCache()

	switch c.Op {
	case store.OpRemove:
		a.Registry.Forget(c.ID)
		a.Resolver.Forget(c.ID)
		a.Watcher.Forget(c.ID)
	case store.OpReplace:
		a.Registry.Retain(ids(a.Store.All()))
	}
	a.Prober.SourcesChanged()
	logger.Debug("{app - sourcesChanged} %s %s", c.Op, c.ID)
}

// Close stops background work and closes the database.
func (a *App) Close() error {
	a.Watcher.Stop()
	a.pool.Release()
	return a.DB.Close()
}

func ids(list []types.SourceConfig) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}
