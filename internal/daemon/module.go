package daemon

import (
	"context"
	"io"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/aferraz/cmsync/internal/bus"
	"github.com/aferraz/cmsync/internal/config"
	"github.com/aferraz/cmsync/internal/ledger"
	"github.com/aferraz/cmsync/internal/lock"
	"github.com/aferraz/cmsync/internal/logging"
	"github.com/aferraz/cmsync/internal/native"
	"github.com/aferraz/cmsync/internal/profile"
	"github.com/aferraz/cmsync/internal/report"
	"github.com/aferraz/cmsync/internal/status"
	"github.com/aferraz/cmsync/internal/store"
	intsync "github.com/aferraz/cmsync/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
// NativeProvider and Session are optional overrides; when nil the module
// wires the SQLite provider from config and the always-unavailable session
// transport.
type Params struct {
	Profile        string
	NativeProvider native.Provider
	Session        report.Transport
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideLedger,
			provideEngine,
			provideScheduler,
			provideHandler,
			provideReconciler,
			provideNativeProvider,
			provideWatcher,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.Bool("upload_native_outgoing", cfg.Sync.UploadNativeOutgoing),
		zap.Duration("report_debounce", cfg.ReportDebounce()))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideLedger(db *store.DB) *ledger.Ledger {
	return ledger.New(db)
}

func provideEngine(machine *status.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(machine, logger)
}

func provideScheduler(p Params, led *ledger.Ledger, cfg *config.Config, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) (*report.Scheduler, error) {
	session := p.Session
	if session == nil {
		session = report.Unavailable()
	}
	fallback, err := report.NewSpoolTransport(profile.SpoolDir(p.Profile))
	if err != nil {
		return nil, err
	}
	return report.NewScheduler(led, session, fallback, engine, b, cfg.ReportDebounce(), logger), nil
}

func provideHandler(db *store.DB, led *ledger.Ledger, b *bus.Bus, scheduler *report.Scheduler, cfg *config.Config, logger *zap.Logger) *intsync.Handler {
	return intsync.NewHandler(db, led, b, scheduler, cfg.Sync, logger)
}

func provideReconciler(db *store.DB, led *ledger.Ledger, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, led, b, logger)
}

func provideNativeProvider(p Params, cfg *config.Config, logger *zap.Logger) (native.Provider, error) {
	if p.NativeProvider != nil {
		return p.NativeProvider, nil
	}
	if cfg.Native.DBPath == "" {
		logger.Info("no native db configured, running remote-only")
		return nil, nil
	}
	logger.Info("opening native message db", zap.String("path", cfg.Native.DBPath))
	return native.OpenSQLiteProvider(cfg.Native.DBPath)
}

func provideWatcher(provider native.Provider, handler *intsync.Handler, logger *zap.Logger) *native.Watcher {
	if provider == nil {
		return nil
	}
	return native.NewWatcher(provider, handler.HandleNativeEvent, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, led *ledger.Ledger, engine *intsync.Engine, watcher *native.Watcher, scheduler *report.Scheduler, provider native.Provider, machine *status.Machine, cfg *config.Config, logger *zap.Logger) {
	stop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())

			if watcher != nil {
				// Baseline snapshot, then drain change signals onto the
				// serialized worker.
				engine.Do(watcher.Poll)
				go func() {
					for {
						select {
						case <-watcher.Signal():
							engine.Do(watcher.Poll)
						case <-stop:
							return
						}
					}
				}()
			}

			if cfg.Sync.PurgeIntervalS > 0 {
				interval := time.Duration(cfg.Sync.PurgeIntervalS) * time.Second
				go func() {
					ticker := time.NewTicker(interval)
					defer ticker.Stop()
					for {
						select {
						case <-ticker.C:
							engine.Do(func() {
								n, err := led.PurgeDeleted()
								if err != nil {
									logger.Error("tombstone purge failed", zap.Error(err))
									return
								}
								if n > 0 {
									logger.Info("tombstones purged", zap.Int64("entries", n))
								}
							})
						case <-stop:
							return
						}
					}
				}()
			}

			if err := machine.Transition(status.Running); err != nil {
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			close(stop)
			scheduler.Stop()
			engine.Stop()
			_ = machine.Transition(status.Stopped)
			if c, ok := provider.(io.Closer); ok {
				_ = c.Close()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
