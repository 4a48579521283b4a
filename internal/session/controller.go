// Package session coordinates one open conversation: the three live feeds
// (messages, typing, presence), the send pipeline, and the derived view
// state. All mutations for a conversation are serialized through the
// controller's actor loop; feed deliveries arrive from the I/O side and hand
// off into that loop before touching local rows.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensemblechat/ensemble/internal/bus"
	"github.com/ensemblechat/ensemble/internal/model"
	"github.com/ensemblechat/ensemble/internal/outbox"
	"github.com/ensemblechat/ensemble/internal/remote"
	"github.com/ensemblechat/ensemble/internal/store"
	syncengine "github.com/ensemblechat/ensemble/internal/sync"
)

// ViewState is the derived, UI-facing state of a conversation. It is a pure
// recomputation over already-fetched data; reading it never suspends.
type ViewState struct {
	ConversationID string
	Conversation   *model.Conversation
	Messages       []model.Message
	TypingText     string
	PresenceText   string
	Setlist        *model.SetlistSession
}

// Controller owns one open conversation.
type Controller struct {
	conversationID string
	userID         string

	db         *store.DB
	feeds      *remote.Feeds
	remote     remote.Store
	reconciler *syncengine.Reconciler
	pipeline   *outbox.Pipeline
	bus        *bus.Bus
	logger     *zap.Logger

	msgCh    <-chan remote.Snapshot
	typCh    <-chan remote.Snapshot
	presCh   <-chan remote.Snapshot
	releases []func()

	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	started  bool

	typing   map[string]remote.TypingDoc
	presence map[string]remote.PresenceDoc
	acked    map[string]struct{}

	typingActive bool

	mu   sync.RWMutex
	view ViewState
}

// Deps bundles the shared collaborators a controller needs.
type Deps struct {
	DB         *store.DB
	Feeds      *remote.Feeds
	Remote     remote.Store
	Reconciler *syncengine.Reconciler
	Pipeline   *outbox.Pipeline
	Bus        *bus.Bus
	Logger     *zap.Logger
}

// New creates a controller for one conversation. Call Open to start it.
func New(conversationID, userID string, d Deps) *Controller {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		conversationID: conversationID,
		userID:         userID,
		db:             d.DB,
		feeds:          d.Feeds,
		remote:         d.Remote,
		reconciler:     d.Reconciler,
		pipeline:       d.Pipeline,
		bus:            d.Bus,
		logger:         logger.With(zap.String("conversation", conversationID)),
		stop:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		typing:         make(map[string]remote.TypingDoc),
		presence:       make(map[string]remote.PresenceDoc),
		acked:          make(map[string]struct{}),
	}
}

// Open loads the local snapshot synchronously, so the view is populated from
// cache before any network round trip completes, then starts the three live
// feeds and the actor loop.
func (c *Controller) Open(ctx context.Context) error {
	conv, err := c.db.GetConversation(c.conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	msgs, err := c.db.ListMessages(c.conversationID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	c.setView(conv, msgs, time.Now())
	return c.subscribe(conv)
}

// Reopen tears the live feeds down and subscribes them afresh. This is the
// recovery path after a terminal feed error; local rows are untouched and
// in-flight sends keep running.
func (c *Controller) Reopen(ctx context.Context) error {
	c.stopLoop()
	for _, release := range c.releases {
		release()
	}
	c.releases = nil
	c.stop = make(chan struct{})
	c.loopDone = make(chan struct{})
	c.stopOnce = sync.Once{}
	return c.Open(ctx)
}

func (c *Controller) subscribe(conv *model.Conversation) error {
	others := []string{}
	if conv != nil {
		others = conv.Others(c.userID)
	}

	msgCh, relMsg, err := c.feeds.Subscribe(remote.MessagesIn(c.conversationID))
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}
	typCh, relTyp, err := c.feeds.Subscribe(remote.TypingIn(c.conversationID))
	if err != nil {
		relMsg()
		return fmt.Errorf("subscribe typing: %w", err)
	}
	presCh, relPres, err := c.feeds.Subscribe(remote.PresenceOf(others...))
	if err != nil {
		relMsg()
		relTyp()
		return fmt.Errorf("subscribe presence: %w", err)
	}

	c.msgCh, c.typCh, c.presCh = msgCh, typCh, presCh
	c.releases = []func(){relMsg, relTyp, relPres}

	c.started = true
	go c.loop()
	return nil
}

// View returns the current derived state.
func (c *Controller) View() ViewState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// SendText sends a text message through the pipeline.
func (c *Controller) SendText(ctx context.Context, body string) (string, error) {
	return c.pipeline.SendText(ctx, c.conversationID, body)
}

// SendAttachment sends a structured attachment through the pipeline.
func (c *Controller) SendAttachment(ctx context.Context, kind model.ContentKind, body string, attachment any) (string, error) {
	return c.pipeline.SendAttachment(ctx, c.conversationID, kind, body, attachment)
}

// Retry re-issues a failed send.
func (c *Controller) Retry(ctx context.Context, localID string) error {
	return c.pipeline.Retry(ctx, localID)
}

// SetTyping publishes the viewer's typing state. The signal self-expires
// remotely; Close flushes a final not-typing write if one is outstanding.
func (c *Controller) SetTyping(ctx context.Context, active bool) error {
	c.typingActive = active
	return c.remote.SetTyping(ctx, remote.TypingDoc{
		UserID:         c.userID,
		ConversationID: c.conversationID,
		Active:         active,
		At:             time.Now().UnixMilli(),
	})
}

// MarkRead records read receipts for every confirmed message from other
// participants the viewer has not read yet.
func (c *Controller) MarkRead(ctx context.Context) error {
	msgs, err := c.db.ListMessages(c.conversationID)
	if err != nil {
		return err
	}
	for i := range msgs {
		m := &msgs[i]
		if m.FromMe || m.RemoteID == "" || m.ReadByUser(c.userID) {
			continue
		}
		if err := c.remote.MarkRead(ctx, c.conversationID, m.RemoteID, c.userID); err != nil {
			return fmt.Errorf("mark read %s: %w", m.RemoteID, err)
		}
	}
	return nil
}

// Close stops feed delivery to this session and flushes a final not-typing
// write. In-flight sends are not cancelled; their results are picked up by
// the next session's snapshot load.
func (c *Controller) Close() {
	c.stopOnce.Do(func() {
		c.stopLoop()
		for _, release := range c.releases {
			release()
		}
		if c.typingActive {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := c.SetTyping(ctx, false); err != nil {
				c.logger.Warn("failed to flush typing off", zap.Error(err))
			}
		}
	})
}

// stopLoop halts the actor loop and waits for it. Safe when Open failed
// before the loop ever started.
func (c *Controller) stopLoop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	if c.started {
		<-c.loopDone
		c.started = false
	}
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	// Typing signals expire without a new snapshot; the tick re-derives the
	// view so stale indicators clear.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-c.msgCh:
			if !ok {
				c.feedLost("messages")
				c.msgCh = nil
				continue
			}
			if snap.Err != nil {
				c.feedError("messages", snap.Err)
				continue
			}
			if err := c.reconciler.ApplyMessageSnapshot(snap); err != nil {
				c.logger.Error("merge failed", zap.Error(err))
				continue
			}
			c.ackDelivered()
			c.refresh()

		case snap, ok := <-c.typCh:
			if !ok {
				c.feedLost("typing")
				c.typCh = nil
				continue
			}
			if snap.Err != nil {
				c.feedError("typing", snap.Err)
				continue
			}
			c.typing = make(map[string]remote.TypingDoc, len(snap.Typing))
			for _, t := range snap.Typing {
				if t.UserID != c.userID {
					c.typing[t.UserID] = t
				}
			}
			c.refresh()

		case snap, ok := <-c.presCh:
			if !ok {
				c.feedLost("presence")
				c.presCh = nil
				continue
			}
			if snap.Err != nil {
				c.feedError("presence", snap.Err)
				continue
			}
			for _, p := range snap.Presence {
				c.presence[p.UserID] = p
			}
			c.refresh()

		case <-ticker.C:
			if len(c.typing) > 0 {
				c.refresh()
			}

		case <-c.stop:
			return
		}
	}
}

// ackDelivered records a delivery receipt for every counterpart-authored
// message newly stored locally. The recipient's engine emitting this is what
// moves the sender's copy from sent to delivered. Runs on the actor loop;
// acked remembers receipts already sent so a slow echo does not repeat them.
func (c *Controller) ackDelivered() {
	msgs, err := c.db.ListMessages(c.conversationID)
	if err != nil {
		c.logger.Error("reload messages failed", zap.Error(err))
		return
	}
	for i := range msgs {
		m := &msgs[i]
		if m.FromMe || m.RemoteID == "" || m.DeliveredToUser(c.userID) {
			continue
		}
		if _, ok := c.acked[m.RemoteID]; ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.remote.MarkDelivered(ctx, c.conversationID, m.RemoteID, c.userID)
		cancel()
		if err != nil {
			c.logger.Warn("failed to record delivery receipt",
				zap.String("remote_id", m.RemoteID), zap.Error(err))
			continue
		}
		c.acked[m.RemoteID] = struct{}{}
	}
}

// refresh reloads local state and recomputes the derived view. Runs only on
// the actor loop (or before it starts), so merges for this conversation are
// never concurrent.
func (c *Controller) refresh() {
	conv, err := c.db.GetConversation(c.conversationID)
	if err != nil {
		c.logger.Error("reload conversation failed", zap.Error(err))
		return
	}
	msgs, err := c.db.ListMessages(c.conversationID)
	if err != nil {
		c.logger.Error("reload messages failed", zap.Error(err))
		return
	}
	c.setView(conv, msgs, time.Now())
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent("session.updated", map[string]string{
			"conversation_id": c.conversationID,
		}))
	}
}

func (c *Controller) feedLost(name string) {
	c.feedError(name, fmt.Errorf("%s feed closed", name))
}

func (c *Controller) feedError(name string, err error) {
	c.logger.Warn("feed error", zap.String("feed", name), zap.Error(err))
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent("session.feed_error", map[string]string{
			"conversation_id": c.conversationID,
			"feed":            name,
			"error":           err.Error(),
		}))
	}
}
