// Package registry wires the fact logs, caches and services of one workspace.
package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"lakereg/internal/config"
	"lakereg/internal/db"
	"lakereg/internal/events"
	"lakereg/internal/factlog"
	"lakereg/internal/logger"
	"lakereg/internal/manifest"
	"lakereg/internal/migrate"
	"lakereg/internal/resolver"
)

// Options tune Open. Zero values fall back to the config and the wall clock.
type Options struct {
	Log *logger.Logger
	Now func() time.Time
}

// Registry is one open workspace.
type Registry struct {
	Root   string
	Config *config.Config
	Log    *logger.Logger

	ArtifactFacts   *factlog.Log
	RunFacts        *factlog.Log
	SpecFacts       *factlog.Log
	ResolutionFacts *factlog.Log
	EventFacts      *factlog.Log

	ManifestCache *db.Handle
	EventCache    *db.Handle
	ResolverCache *db.Handle

	Events   events.Log
	Manifest manifest.Store
	Indexer  *events.Indexer
	Watcher  *events.Watcher
	Resolver resolver.Resolver

	// beforeSwap runs once every generation is built, with the writer
	// locks still held.
	beforeSwap func()
}

// Open wires a registry rooted at root. Nothing is read until an operation
// runs; caches are created on first use.
func Open(root string, cfg *config.Config, opts Options) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	reg := &Registry{Root: root, Config: cfg, Log: log}

	factOpts := factlog.Options{MaxPartBytes: cfg.Storage.MaxPartBytes, LockTimeout: cfg.LockTimeout(), Now: now}
	for _, f := range []struct {
		dst  **factlog.Log
		path string
	}{
		{&reg.ArtifactFacts, filepath.Join("registry", "artifacts")},
		{&reg.RunFacts, filepath.Join("registry", "runs")},
		{&reg.SpecFacts, filepath.Join("registry", "runsets_spec")},
		{&reg.ResolutionFacts, filepath.Join("registry", "runsets_resolution")},
		{&reg.EventFacts, "events"},
	} {
		l, err := factlog.Open(filepath.Join(root, f.path), factOpts)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.path, err)
		}
		*f.dst = l
	}

	dbCfg := db.Config{Workspace: root, CacheDir: cfg.Storage.CacheDir, LockTimeout: cfg.LockTimeout()}
	reg.ManifestCache = db.NewHandle(dbCfg, db.Manifest, migrate.For(db.Manifest))
	reg.EventCache = db.NewHandle(dbCfg, db.Events, migrate.For(db.Events))
	reg.ResolverCache = db.NewHandle(dbCfg, db.Resolver, migrate.For(db.Resolver))

	reg.Events = events.Log{Facts: reg.EventFacts, Now: now}
	reg.Manifest = manifest.Store{
		Root:   root,
		Facts:  reg.ArtifactFacts,
		Events: reg.Events,
		Cache:  reg.ManifestCache,
		Config: cfg,
		Log:    log.With("component", "manifest"),
		Now:    now,
	}
	reg.Indexer = &events.Indexer{
		Facts:   reg.EventFacts,
		Cache:   reg.EventCache,
		Workers: cfg.Index.DecodeWorkers,
		Log:     log.With("component", "indexer"),
	}
	reg.Watcher = &events.Watcher{Facts: reg.EventFacts, Indexer: reg.Indexer, Log: log.With("component", "watcher")}
	reg.Resolver = resolver.Resolver{
		Runs:          reg.RunFacts,
		Specs:         reg.SpecFacts,
		Resolutions:   reg.ResolutionFacts,
		Events:        reg.Events,
		Cache:         reg.ResolverCache,
		Artifacts:     reg.Manifest,
		Statuses:      reg.Indexer,
		AllowUnfreeze: cfg.Resolver.AllowUnfreeze,
		Log:           log.With("component", "resolver"),
		Now:           now,
	}
	return reg, nil
}

func (r *Registry) caches() []*db.Handle {
	return []*db.Handle{r.ManifestCache, r.EventCache, r.ResolverCache}
}

func (r *Registry) factLogs() []*factlog.Log {
	return []*factlog.Log{r.ArtifactFacts, r.RunFacts, r.SpecFacts, r.ResolutionFacts, r.EventFacts}
}

// CleanupTemp removes abandoned temp files from every fact tree.
func (r *Registry) CleanupTemp() (int, error) {
	total := 0
	for _, l := range r.factLogs() {
		n, err := l.CleanupTemp()
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		r.Log.Info("removed abandoned temp files", "count", total)
	}
	return total, nil
}

func (r *Registry) Close() error {
	var errs []error
	for _, h := range r.caches() {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
