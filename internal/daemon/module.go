// Package daemon composes the cache engine with fx: one session, one
// lock, one database, one sync loop.
package daemon

import (
	"context"
	"time"

	"github.com/rfarah/trim/internal/api"
	"github.com/rfarah/trim/internal/bus"
	"github.com/rfarah/trim/internal/config"
	"github.com/rfarah/trim/internal/engine"
	"github.com/rfarah/trim/internal/lock"
	"github.com/rfarah/trim/internal/logging"
	"github.com/rfarah/trim/internal/outbox"
	"github.com/rfarah/trim/internal/quota"
	"github.com/rfarah/trim/internal/retry"
	"github.com/rfarah/trim/internal/scheduler"
	"github.com/rfarah/trim/internal/session"
	"github.com/rfarah/trim/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx
// module.
type Params struct {
	SessionName string
	UserID      string
	Token       string
	// Config overrides the on-disk configuration when set; used in tests.
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideDB,
			provideStore,
			provideClient,
			provideEngine,
			provideDispatcher,
			provideScheduler,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	path, err := session.ConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Default(), nil
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	logPath, err := session.LogPath()
	if err != nil {
		return nil, err
	}
	return logging.New(logPath, p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	dir, err := session.EnsureDir(p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideDB(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath, err := session.DBPath(p.SessionName)
	if err != nil {
		return nil, err
	}
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

// provideStore builds the per-user store with its quota guard attached.
func provideStore(p Params, db *store.DB, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *store.Store {
	st := store.NewStore(db, p.UserID, cfg.Cache.MirrorSize)
	st.SetGuard(quota.NewGuard(st, b, logger, quota.Config{
		CeilingBytes:       cfg.Cache.CeilingBytes,
		MinRetainedPerType: cfg.Cache.MinRetainedPerType,
	}))
	return st
}

func provideClient(p Params, cfg *config.Config, logger *zap.Logger) *api.Client {
	timeout := time.Duration(cfg.API.TimeoutSeconds) * time.Second
	return api.NewClient(cfg.API.BaseURL, p.Token, timeout, logger)
}

func provideEngine(st *store.Store, client *api.Client, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(st, client, b, logger)
}

func provideDispatcher(st *store.Store, eng *engine.Engine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Dispatcher {
	policy := retry.Policy{
		BaseDelay:   time.Duration(cfg.Sync.BaseDelayMillis) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Sync.MaxDelayMillis) * time.Millisecond,
		Factor:      2,
		MaxAttempts: cfg.Sync.MaxRetries,
	}
	return outbox.NewDispatcher(st, eng, b, policy, logger)
}

func provideScheduler(client *api.Client, eng *engine.Engine, disp *outbox.Dispatcher, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *scheduler.Scheduler {
	schedCfg := scheduler.Config{
		Interval:       time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
		HiddenInterval: time.Duration(cfg.Sync.HiddenIntervalSeconds) * time.Second,
		ProbeInterval:  time.Duration(cfg.Sync.ProbeIntervalSeconds) * time.Second,
	}
	return scheduler.New(client, eng, disp, b, schedCfg, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, eng *engine.Engine, sched *scheduler.Scheduler, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Crash recovery and mirror warm-up before anything reads.
			if err := eng.WarmStart(); err != nil {
				return err
			}
			eng.SetKicker(sched.Kick)
			sched.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(context.Context) error {
			sched.Stop()
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
