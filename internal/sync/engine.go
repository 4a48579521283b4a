package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/ensemblechat/ensemble/internal/bus"
	"github.com/ensemblechat/ensemble/internal/remote"
	"github.com/ensemblechat/ensemble/internal/store"
)

// Engine keeps the conversation list in sync. It holds the one shared
// conversations-for-user feed for the daemon's lifetime and pushes every
// snapshot through the reconciler. Per-conversation message feeds are owned
// by their session controllers, which serialize merges per conversation.
type Engine struct {
	db         *store.DB
	feeds      *remote.Feeds
	reconciler *Reconciler
	bus        *bus.Bus
	logger     *zap.Logger
	userID     string
	cancel     context.CancelFunc
}

// NewEngine creates a sync engine for the given user.
func NewEngine(db *store.DB, feeds *remote.Feeds, rec *Reconciler, b *bus.Bus, logger *zap.Logger, userID string) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, feeds: feeds, reconciler: rec, bus: b, logger: logger, userID: userID}
}

// Start subscribes to the conversation-list feed and begins applying
// snapshots.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	q := remote.ConversationsFor(e.userID)
	ch, release, err := e.feeds.Subscribe(q)
	if err != nil {
		return err
	}

	go func() {
		defer release()
		for {
			select {
			case snap, ok := <-ch:
				if !ok {
					e.logger.Warn("conversation feed closed")
					if e.bus != nil {
						e.bus.Publish(bus.NewEvent("feed.error", map[string]string{"query": q.ID()}))
					}
					return
				}
				if snap.Err != nil {
					e.logger.Warn("conversation feed error", zap.Error(snap.Err))
					continue
				}
				if err := e.reconciler.ApplyConversationSnapshot(snap); err != nil {
					e.logger.Error("failed to apply conversation snapshot", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}
