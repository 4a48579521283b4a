package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensemblechat/ensemble/internal/ident"
	"github.com/ensemblechat/ensemble/internal/outbox"
)

// Manager hands out conversation controllers. Two screens opening the same
// conversation share one controller (and through it one set of feeds); the
// last Close tears it down.
type Manager struct {
	userID     string
	userName   string
	staleAfter time.Duration
	alloc      *ident.Allocator
	deps       Deps

	mu   sync.Mutex
	open map[string]*managed
}

type managed struct {
	ctrl *Controller
	refs int
}

// NewManager creates a manager for the signed-in user.
func NewManager(userID, userName string, staleAfter time.Duration, alloc *ident.Allocator, deps Deps) *Manager {
	return &Manager{
		userID:     userID,
		userName:   userName,
		staleAfter: staleAfter,
		alloc:      alloc,
		deps:       deps,
		open:       make(map[string]*managed),
	}
}

// Open returns the controller for a conversation, starting one if needed.
func (m *Manager) Open(ctx context.Context, conversationID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.open[conversationID]; ok {
		entry.refs++
		return entry.ctrl, nil
	}

	deps := m.deps
	deps.Pipeline = outbox.NewPipeline(
		deps.DB, deps.Remote, m.alloc, deps.Bus, deps.Logger,
		m.userID, m.userName, m.staleAfter,
	)
	ctrl := New(conversationID, m.userID, deps)
	if err := ctrl.Open(ctx); err != nil {
		return nil, fmt.Errorf("open session %s: %w", conversationID, err)
	}
	ctrl.pipeline.StartStaleWatch(context.Background())
	m.open[conversationID] = &managed{ctrl: ctrl, refs: 1}
	return ctrl, nil
}

// Close releases one reference to a conversation's controller.
func (m *Manager) Close(conversationID string) {
	m.mu.Lock()
	entry, ok := m.open[conversationID]
	if ok {
		entry.refs--
		if entry.refs <= 0 {
			delete(m.open, conversationID)
		} else {
			entry = nil
		}
	}
	m.mu.Unlock()

	if entry != nil && entry.refs <= 0 {
		entry.ctrl.pipeline.Stop()
		entry.ctrl.Close()
	}
}

// CloseAll shuts every open session down.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	open := m.open
	m.open = make(map[string]*managed)
	m.mu.Unlock()

	for id, entry := range open {
		entry.ctrl.pipeline.Stop()
		entry.ctrl.Close()
		if m.deps.Logger != nil {
			m.deps.Logger.Info("session closed", zap.String("conversation", id))
		}
	}
}
