package app

import (
	"context"
	"fmt"
	"time"

	"tgfleet/internal/config"
	"tgfleet/internal/eventbus"
	"tgfleet/internal/executor"
	"tgfleet/internal/jobs"
	"tgfleet/internal/maintenance"
	"tgfleet/internal/observability/metrics"
	"tgfleet/internal/store"
	"tgfleet/internal/transport/telegram"
	logx "tgfleet/pkg/logx"
)

// App is the composition root: it owns the config manager, logging service,
// persistence, executor registry and the job engine, and wires them together.
type App struct {
	cfgPath string

	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store jobs.Store
	mgr   *jobs.Manager
	reg   executor.StaticRegistry
	maint *maintenance.Service

	watchCancel context.CancelFunc
	evStop      func()
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	// Storage (optional)
	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if st != nil {
		log.Info("storage enabled", logx.String("driver", stCfg.Driver))
	}

	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	mgr := jobs.NewManager(jcfg, st, log.With(logx.String("comp", "jobs")), bus)

	// Executor registry: one live session per configured account. A bad
	// token fails app construction; a half-connected fleet silently
	// skipping accounts mid-job is worse than failing loud at startup.
	reg := executor.StaticRegistry{}
	for _, acc := range cfg.Accounts {
		if acc.Name == "" {
			return nil, fmt.Errorf("accounts[]: name is required")
		}
		sess, err := telegram.NewSession(telegram.Config{
			Name:       acc.Name,
			Token:      acc.Token,
			RatePerSec: acc.RatePerSec,
		}, log.With(logx.String("comp", "telegram"), logx.String("account", acc.Name)))
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acc.Name, err)
		}
		reg[acc.Name] = sess
	}

	var maint *maintenance.Service
	if mc := cfg.Maintenance; mc != nil && mc.Enabled {
		mcfg, err := mapMaintenanceConfig(mc)
		if err != nil {
			return nil, err
		}
		maint = maintenance.New(mcfg, mgr, log.With(logx.String("comp", "maintenance")))
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		mgr:     mgr,
		reg:     reg,
		maint:   maint,
	}, nil
}

// Manager exposes the job engine for the owning surface (API handlers,
// tooling) that creates and drives jobs.
func (a *App) Manager() *jobs.Manager { return a.mgr }

// Registry returns the account registry built from the configured sessions.
func (a *App) Registry() executor.Registry { return a.reg }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Start(ctx context.Context) error {
	if err := a.mgr.Restore(ctx); err != nil {
		return err
	}

	if a.maint != nil {
		if err := a.maint.Start(); err != nil {
			return fmt.Errorf("maintenance: %w", err)
		}
	}

	if mc := a.cfgm.Get().Metrics; mc != nil && mc.Enabled {
		addr := mc.Addr
		if addr == "" {
			addr = ":9091"
		}
		metrics.StartServer(addr, a.log.With(logx.String("comp", "metrics")))
	}

	a.startEventLog()
	a.startConfigWatch(ctx)

	a.log.Info("app started",
		logx.Int("accounts", len(a.reg)),
		logx.Int("jobs", len(a.mgr.List(""))))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
	}
	if a.maint != nil {
		a.maint.Stop(ctx)
	}

	err := a.mgr.Shutdown(ctx)

	if a.evStop != nil {
		a.evStop()
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.log.Info("app stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// startEventLog mirrors engine lifecycle events into the log so operators
// see job transitions without polling.
func (a *App) startEventLog() {
	ch, stop := a.bus.Subscribe(64)
	a.evStop = stop
	evLog := a.log.With(logx.String("comp", "events"))
	go func() {
		for e := range ch {
			evLog.Debug(e.Type, logx.Any("data", e.Data))
		}
	}()
}

// startConfigWatch hot-reloads the logging section. Engine defaults and the
// account registry are deliberately fixed for the process lifetime; jobs in
// flight must not see their delay bounds or sessions swapped underneath them.
func (a *App) startConfigWatch(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel

	sub := a.cfgm.Subscribe(4)
	go func() {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-wctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
			}
		}
	}()

	go func() {
		if err := a.cfgm.Watch(wctx); err != nil && wctx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
}

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	out := store.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
	}
	if cfg.Storage.BusyTimeout != "" {
		d, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return store.Config{}, err
		}
		out.BusyTimeout = d
	}
	return out, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	min, err := config.ParseDurationOrDefault("jobs.min_step_delay", cfg.Jobs.MinStepDelay, 30*time.Second)
	if err != nil {
		return jobs.Config{}, err
	}
	max, err := config.ParseDurationOrDefault("jobs.max_step_delay", cfg.Jobs.MaxStepDelay, 60*time.Second)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{DefaultMinDelay: min, DefaultMaxDelay: max}, nil
}

func mapMaintenanceConfig(mc *config.MaintenanceConfig) (maintenance.Config, error) {
	ret, err := config.ParseDurationOrDefault("maintenance.log_retention", mc.LogRetention, 0)
	if err != nil {
		return maintenance.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("maintenance.job_ttl", mc.JobTTL, 0)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Schedule:        mc.Schedule,
		LogRetention:    ret,
		JobTTL:          ttl,
		MaxTerminalJobs: mc.MaxTerminalJobs,
	}, nil
}
