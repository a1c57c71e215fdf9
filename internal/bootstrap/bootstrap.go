// Package bootstrap 按依赖顺序构建运行时组件，并在一个 errgroup 下启动后台循环。
// Package bootstrap constructs the runtime in dependency order and runs
// its background loops under one errgroup.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"localagent/internal/api"
	"localagent/internal/config"
	"localagent/internal/control"
	"localagent/internal/events"
	"localagent/internal/governor"
	"localagent/internal/inference"
	"localagent/internal/jobs"
	"localagent/internal/metrics"
	"localagent/internal/remote"
	"localagent/internal/scheduler"
	"localagent/internal/search"
	"localagent/internal/settings"
	"localagent/internal/storage"
	"localagent/internal/syncer"
)

// Runtime 与 UI 无关的运行时；前端（CLI、交互终端、仪表盘、HTTP）都通过 Surface 操作。
// Runtime is UI-agnostic. Every front end drives it through Surface.
type Runtime struct {
	Config    config.Config
	Logger    *zap.Logger
	Bus       *events.Bus
	Store     *storage.SQLiteStore
	Settings  *settings.Manager
	Sampler   *metrics.Sampler
	Governor  *governor.Governor
	Remote    *remote.HTTPClient
	Sync      *syncer.Engine
	Scheduler *scheduler.Scheduler
	Catalog   *inference.Catalog
	Service   inference.Service
	Surface   *control.Surface
	API       *api.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	apiAddr net.Addr
}

// Build 按文档顺序初始化；调用方负责 Close。
// Build initializes every component without starting any goroutine. The
// caller must Close the runtime.
func Build(cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Storage.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	bus := events.NewBus()
	store, err := storage.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	rt := &Runtime{Config: cfg, Logger: logger, Bus: bus, Store: store}

	mgr, err := settings.Open(cfg.SettingsPath(), logger, bus)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}
	rt.Settings = mgr

	roots, err := mediaRoots(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rt.Sampler = metrics.NewSampler(metrics.NewHostSource(cfg.Sampler.DiskPath), metrics.Options{
		Interval:      config.Duration(cfg.Sampler.IntervalMS),
		StaleAfter:    config.Duration(cfg.Sampler.StaleMS),
		IdleThreshold: func() uint64 { return mgr.Limits().IdleThresholdSeconds },
		Logger:        logger,
		Bus:           bus,
	})
	rt.Governor = governor.New(rt.Sampler, mgr, cfg.Scheduler.GPUTaskPercent)
	rt.Remote = newRemote(cfg, mgr)
	rt.Sync = syncer.New(store, rt.Remote, mgr, syncer.Options{
		PassTimeout:  config.Duration(cfg.Sync.PassTimeoutMS),
		StartupDelay: config.Duration(cfg.Sync.StartupDelayMS),
		Logger:       logger,
		Bus:          bus,
	})
	rt.Scheduler = scheduler.New(store, rt.Governor, scheduler.Options{
		Tick:        config.Duration(cfg.Scheduler.TickMS),
		MaxWorkers:  cfg.Scheduler.MaxWorkers,
		Retention:   hours(cfg.Scheduler.RetentionHours),
		BackoffBase: config.Duration(cfg.Scheduler.BackoffBaseMS),
		BackoffMax:  config.Duration(cfg.Scheduler.BackoffMaxMS),
		Logger:      logger,
		Bus:         bus,
	})

	rt.Catalog, err = inference.NewCatalog(cfg.ModelsDir(), nil, logger, bus)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init model catalog: %w", err)
	}
	rt.Service = newService(cfg)

	jobs.New(jobs.Deps{
		Store:    store,
		Service:  rt.Service,
		Syncer:   rt.Sync,
		Settings: mgr,
		Roots:    roots,
		Logger:   logger,
	}).RegisterAll(rt.Scheduler)

	rt.Surface = control.New(control.Deps{
		Settings:  mgr,
		Sampler:   rt.Sampler,
		Governor:  rt.Governor,
		Store:     store,
		Sync:      rt.Sync,
		Scheduler: rt.Scheduler,
		Index:     search.NewBruteForce(store),
		Service:   rt.Service,
		Catalog:   rt.Catalog,
		Roots:     roots,
		Logger:    logger,
	})
	if cfg.API.Listen != "" {
		rt.API = api.NewServer(rt.Surface, bus, logger)
	}
	return rt, nil
}

// Start launches the sampler, scheduler, sync engine, settings watcher and,
// when configured, the HTTP API. It returns once everything is running;
// Wait blocks until they stop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group != nil {
		return errors.New("runtime already started")
	}

	var ln net.Listener
	if r.API != nil {
		var err error
		if ln, err = net.Listen("tcp", r.Config.API.Listen); err != nil {
			return fmt.Errorf("listen %s: %w", r.Config.API.Listen, err)
		}
		r.apiAddr = ln.Addr()
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	r.cancel, r.group = cancel, g

	g.Go(func() error { return r.Sampler.Run(ctx) })
	g.Go(func() error { return r.Scheduler.Run(ctx) })
	g.Go(func() error { return r.Sync.Run(ctx) })
	g.Go(func() error {
		if err := r.Settings.Watch(ctx); err != nil {
			r.Logger.Warn("settings watcher stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		followSettings(ctx, r.Settings, r.Scheduler, r.Sync)
		return nil
	})
	if ln != nil {
		g.Go(func() error { return r.API.ServeListener(ctx, ln) })
	}
	r.Logger.Info("runtime started", zap.String("base_dir", r.Config.Storage.BaseDir))
	return nil
}

// APIAddr is the bound API address, or nil when the API is disabled or
// not started.
func (r *Runtime) APIAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apiAddr
}

// Wait blocks until the background loops exit.
func (r *Runtime) Wait() error {
	r.mu.Lock()
	g := r.group
	r.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Close stops the background loops, waits for them and closes the store.
func (r *Runtime) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := r.Wait()
	if cerr := r.Store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = r.Logger.Sync()
	return err
}
