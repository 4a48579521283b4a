// Package daemon composes the engine with fx: one process per profile owning
// the local store, the remote connection and all live feeds.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ensemblechat/ensemble/internal/ai"
	"github.com/ensemblechat/ensemble/internal/bus"
	"github.com/ensemblechat/ensemble/internal/config"
	"github.com/ensemblechat/ensemble/internal/ident"
	"github.com/ensemblechat/ensemble/internal/lock"
	"github.com/ensemblechat/ensemble/internal/logging"
	"github.com/ensemblechat/ensemble/internal/media"
	"github.com/ensemblechat/ensemble/internal/remote"
	"github.com/ensemblechat/ensemble/internal/session"
	"github.com/ensemblechat/ensemble/internal/status"
	"github.com/ensemblechat/ensemble/internal/store"
	intsync "github.com/ensemblechat/ensemble/internal/sync"
)

// Params holds the resolved runtime configuration passed to the fx module.
type Params struct {
	Profile  string
	UserID   string
	UserName string
	Config   *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideFeeds,
			provideAllocator,
			provideReconciler,
			provideEngine,
			provideSessionManager,
			provideAIClient,
			provideMedia,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(config.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := config.EnsureProfileDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(config.ProfileDir(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := config.DBPath(p.Profile)
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

// provideRemote picks the gateway when one is configured, the in-memory
// store otherwise (offline development).
func provideRemote(p Params, m *status.Machine, logger *zap.Logger) remote.Store {
	if p.Config != nil && p.Config.GatewayURL != "" {
		return remote.NewGateway(p.Config.GatewayURL, p.UserID, m, logger)
	}
	logger.Warn("no gateway configured, using in-memory remote store")
	return remote.NewMemoryStore()
}

func provideFeeds(rs remote.Store, logger *zap.Logger) *remote.Feeds {
	return remote.NewFeeds(rs, logger)
}

func provideAllocator() *ident.Allocator {
	return ident.NewAllocator()
}

func provideReconciler(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, b, logger, p.UserID)
}

func provideEngine(p Params, db *store.DB, feeds *remote.Feeds, rec *intsync.Reconciler, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, feeds, rec, b, logger, p.UserID)
}

func provideSessionManager(p Params, db *store.DB, feeds *remote.Feeds, rs remote.Store, rec *intsync.Reconciler, b *bus.Bus, alloc *ident.Allocator, logger *zap.Logger) *session.Manager {
	staleAfter := 30 * time.Second
	if p.Config != nil {
		staleAfter = p.Config.StaleSendThreshold()
	}
	return session.NewManager(p.UserID, p.UserName, staleAfter, alloc, session.Deps{
		DB:         db,
		Feeds:      feeds,
		Remote:     rs,
		Reconciler: rec,
		Bus:        b,
		Logger:     logger,
	})
}

func provideAIClient(p Params) *ai.Client {
	url := ""
	if p.Config != nil {
		url = p.Config.AIServiceURL
	}
	return ai.NewClient(url)
}

func provideMedia(p Params) (*media.DirStorage, error) {
	root := config.MediaDir(p.Profile)
	if p.Config != nil && p.Config.MediaRoot != "" {
		root = p.Config.MediaRoot
	}
	return media.NewDirStorage(root)
}

func registerLifecycle(lc fx.Lifecycle, p Params, rs remote.Store, feeds *remote.Feeds, engine *intsync.Engine, sessions *session.Manager, machine *status.Machine, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if gw, ok := rs.(*remote.Gateway); ok {
				if err := gw.Connect(ctx); err != nil {
					// Start degraded rather than refusing to boot: the local
					// store still serves cached conversations.
					logger.Warn("gateway connect failed, starting offline", zap.Error(err))
				}
			} else {
				_ = machine.Transition(status.Connecting)
				_ = machine.Transition(status.Live)
			}

			if err := engine.Start(context.Background()); err != nil {
				logger.Error("sync engine start failed", zap.Error(err))
			}

			if machine.Current() == status.Live {
				if err := rs.SetPresence(context.Background(), remote.PresenceDoc{
					UserID: p.UserID, Online: true, LastSeen: time.Now().UnixMilli(),
				}); err != nil {
					logger.Warn("failed to publish presence", zap.Error(err))
				}
			}
			logger.Info("daemon started", zap.String("profile", p.Profile), zap.String("user", p.UserID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sessions.CloseAll()
			engine.Stop()
			if machine.Current() == status.Live {
				_ = rs.SetPresence(ctx, remote.PresenceDoc{
					UserID: p.UserID, Online: false, LastSeen: time.Now().UnixMilli(),
				})
			}
			feeds.Close()
			if gw, ok := rs.(*remote.Gateway); ok {
				gw.Close()
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
