package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemblechat/ensemble/internal/ident"
	"github.com/ensemblechat/ensemble/internal/model"
	"github.com/ensemblechat/ensemble/internal/outbox"
	"github.com/ensemblechat/ensemble/internal/remote"
	"github.com/ensemblechat/ensemble/internal/store"
	syncengine "github.com/ensemblechat/ensemble/internal/sync"
)

type fixture struct {
	db     *store.DB
	mem    *remote.MemoryStore
	feeds  *remote.Feeds
	convID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mem := remote.NewMemoryStore()
	feeds := remote.NewFeeds(mem, nil)
	t.Cleanup(feeds.Close)

	conv, err := db.EnsureDirect("alice", "bob")
	require.NoError(t, err)
	require.NoError(t, mem.UpsertConversation(context.Background(), remote.ConversationDoc{
		ID: conv.ID, Kind: "direct", Participants: []string{"alice", "bob"},
	}))
	return &fixture{db: db, mem: mem, feeds: feeds, convID: conv.ID}
}

func (f *fixture) controller(t *testing.T) *Controller {
	t.Helper()
	rec := syncengine.NewReconciler(f.db, nil, nil, "alice")
	pipe := outbox.NewPipeline(f.db, f.mem, ident.NewAllocator(), nil, nil, "alice", "Alice", 0)
	ctrl := New(f.convID, "alice", Deps{
		DB: f.db, Feeds: f.feeds, Remote: f.mem, Reconciler: rec, Pipeline: pipe,
	})
	require.NoError(t, ctrl.Open(context.Background()))
	t.Cleanup(ctrl.Close)
	return ctrl
}

func eventuallyView(t *testing.T, ctrl *Controller, cond func(ViewState) bool) ViewState {
	t.Helper()
	var last ViewState
	require.Eventually(t, func() bool {
		last = ctrl.View()
		return cond(last)
	}, 2*time.Second, 10*time.Millisecond)
	return last
}

func TestOpenServesLocalCacheBeforeRemote(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.InsertMessage(&model.Message{
		LocalID: "m1", RemoteID: "r1", ConversationID: f.convID,
		SenderID: "bob", Kind: model.KindText, Body: "cached",
		Status: model.StatusSent, CreatedAt: 1000,
	}))

	ctrl := f.controller(t)

	// The view is populated synchronously from the local store; the remote
	// store knows nothing about this message and must not remove it.
	view := ctrl.View()
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "cached", view.Messages[0].Body)

	time.Sleep(100 * time.Millisecond)
	view = ctrl.View()
	require.Len(t, view.Messages, 1, "empty remote snapshot must not delete local rows")
}

func TestSendConvergesToSingleConfirmedMessage(t *testing.T) {
	f := newFixture(t)
	ctrl := f.controller(t)

	localID, err := ctrl.SendText(context.Background(), "see you at 7")
	require.NoError(t, err)

	view := eventuallyView(t, ctrl, func(v ViewState) bool {
		return len(v.Messages) == 1 &&
			v.Messages[0].Status == model.StatusSent &&
			v.Messages[0].RemoteID != ""
	})
	assert.Equal(t, localID, view.Messages[0].LocalID, "the echo upgrades the optimistic row in place")
	assert.True(t, view.Messages[0].FromMe)
}

func TestIncomingMessageAppears(t *testing.T) {
	f := newFixture(t)
	ctrl := f.controller(t)

	_, err := f.mem.PutMessage(context.Background(), remote.MessageDoc{
		ConversationID: f.convID, SenderID: "bob", SenderName: "Bob",
		Kind: "text", Body: "bring the cello", CreatedAt: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	view := eventuallyView(t, ctrl, func(v ViewState) bool { return len(v.Messages) == 1 })
	assert.False(t, view.Messages[0].FromMe)
	assert.Equal(t, "bring the cello", view.Messages[0].Body)
}

func TestTypingIndicatorExcludesSelf(t *testing.T) {
	f := newFixture(t)
	ctrl := f.controller(t)

	require.NoError(t, f.mem.SetTyping(context.Background(), remote.TypingDoc{
		UserID: "bob", ConversationID: f.convID, Active: true, At: time.Now().UnixMilli(),
	}))
	eventuallyView(t, ctrl, func(v ViewState) bool {
		return v.TypingText == "bob is typing..."
	})

	// The viewer's own signal never shows in their view.
	require.NoError(t, ctrl.SetTyping(context.Background(), true))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "bob is typing...", ctrl.View().TypingText)
}

func TestPresenceText(t *testing.T) {
	f := newFixture(t)
	ctrl := f.controller(t)

	require.NoError(t, f.mem.SetPresence(context.Background(), remote.PresenceDoc{
		UserID: "bob", Online: true,
	}))
	eventuallyView(t, ctrl, func(v ViewState) bool { return v.PresenceText == "online" })

	require.NoError(t, f.mem.SetPresence(context.Background(), remote.PresenceDoc{
		UserID: "bob", Online: false, LastSeen: time.Now().Add(-30 * time.Second).UnixMilli(),
	}))
	eventuallyView(t, ctrl, func(v ViewState) bool { return v.PresenceText == "last seen just now" })
}

func TestSetlistDerivedFromTrailingProgress(t *testing.T) {
	f := newFixture(t)
	ctrl := f.controller(t)

	first, err := model.EncodeAttachment(model.SetlistProgressAttachment{
		SetlistID: "s1", Waiting: true, Prompt: "What do you want to play?",
		PendingResponders: []string{"bob"},
	})
	require.NoError(t, err)
	_, err = f.mem.PutMessage(context.Background(), remote.MessageDoc{
		ConversationID: f.convID, SenderID: "bob", Kind: "setlist_progress",
		Body: "Setlist started", Attachment: first, CreatedAt: 1000,
	})
	require.NoError(t, err)

	view := eventuallyView(t, ctrl, func(v ViewState) bool { return v.Setlist != nil })
	assert.Equal(t, "s1", view.Setlist.SetlistID)
	assert.True(t, view.Setlist.Waiting)

	second, err := model.EncodeAttachment(model.SetlistProgressAttachment{
		SetlistID: "s1", Waiting: false, Responded: []string{"bob"},
	})
	require.NoError(t, err)
	_, err = f.mem.PutMessage(context.Background(), remote.MessageDoc{
		ConversationID: f.convID, SenderID: "bob", Kind: "setlist_progress",
		Body: "All responses in", Attachment: second, CreatedAt: 2000,
	})
	require.NoError(t, err)

	eventuallyView(t, ctrl, func(v ViewState) bool {
		return v.Setlist != nil && !v.Setlist.Waiting && len(v.Setlist.Responded) == 1
	})
}

func TestMarkReadRecordsReceipts(t *testing.T) {
	f := newFixture(t)
	ctrl := f.controller(t)

	_, err := f.mem.PutMessage(context.Background(), remote.MessageDoc{
		ConversationID: f.convID, SenderID: "bob", Kind: "text", Body: "unread", CreatedAt: 1000,
	})
	require.NoError(t, err)
	eventuallyView(t, ctrl, func(v ViewState) bool { return len(v.Messages) == 1 })

	require.NoError(t, ctrl.MarkRead(context.Background()))

	eventuallyView(t, ctrl, func(v ViewState) bool {
		return len(v.Messages) == 1 && v.Messages[0].ReadByUser("alice")
	})
}

func TestCloseFlushesTypingOff(t *testing.T) {
	f := newFixture(t)
	ctrl := f.controller(t)

	require.NoError(t, ctrl.SetTyping(context.Background(), true))
	ctrl.Close()

	ch, cancel, err := f.mem.Watch(context.Background(), remote.TypingIn(f.convID))
	require.NoError(t, err)
	defer cancel()
	snap := <-ch
	var found *remote.TypingDoc
	for i := range snap.Typing {
		if snap.Typing[i].UserID == "alice" {
			found = &snap.Typing[i]
		}
	}
	require.NotNil(t, found)
	assert.False(t, found.Active, "closing the session must flush a not-typing write")
}

func TestReopenRecoversFromTerminalFeedError(t *testing.T) {
	f := newFixture(t)
	ctrl := f.controller(t)

	f.mem.Fail(remote.MessagesIn(f.convID), context.DeadlineExceeded)

	// The dead feed stops delivering; an explicit reopen re-subscribes.
	require.Eventually(t, func() bool {
		return f.feeds.ObserverCount(remote.MessagesIn(f.convID)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ctrl.Reopen(context.Background()))

	_, err := f.mem.PutMessage(context.Background(), remote.MessageDoc{
		ConversationID: f.convID, SenderID: "bob", Kind: "text", Body: "back online", CreatedAt: 1000,
	})
	require.NoError(t, err)

	eventuallyView(t, ctrl, func(v ViewState) bool {
		return len(v.Messages) == 1 && v.Messages[0].Body == "back online"
	})
}

func openClient(t *testing.T, mem *remote.MemoryStore, userID, userName string) *Controller {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), userID+".db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	feeds := remote.NewFeeds(mem, nil)
	t.Cleanup(feeds.Close)

	conv, err := db.EnsureDirect("alice", "bob")
	require.NoError(t, err)

	rec := syncengine.NewReconciler(db, nil, nil, userID)
	pipe := outbox.NewPipeline(db, mem, ident.NewAllocator(), nil, nil, userID, userName, 0)
	ctrl := New(conv.ID, userID, Deps{
		DB: db, Feeds: feeds, Remote: mem, Reconciler: rec, Pipeline: pipe,
	})
	require.NoError(t, ctrl.Open(context.Background()))
	t.Cleanup(ctrl.Close)
	return ctrl
}

func TestRecipientReceiptsDriveSenderStatus(t *testing.T) {
	mem := remote.NewMemoryStore()
	require.NoError(t, mem.UpsertConversation(context.Background(), remote.ConversationDoc{
		ID: model.DirectConversationID("alice", "bob"), Kind: "direct",
		Participants: []string{"alice", "bob"},
	}))

	sender := openClient(t, mem, "alice", "Alice")
	recipient := openClient(t, mem, "bob", "Bob")

	_, err := sender.SendText(context.Background(), "did this arrive?")
	require.NoError(t, err)

	// The recipient's engine storing the message emits the delivery receipt
	// that moves the sender's copy past sent.
	eventuallyView(t, recipient, func(v ViewState) bool { return len(v.Messages) == 1 })
	eventuallyView(t, sender, func(v ViewState) bool {
		return len(v.Messages) == 1 && v.Messages[0].Status == model.StatusDelivered
	})

	// Reading upgrades it further.
	require.NoError(t, recipient.MarkRead(context.Background()))
	eventuallyView(t, sender, func(v ViewState) bool {
		return len(v.Messages) == 1 && v.Messages[0].Status == model.StatusRead
	})
}

func TestCloseAfterFailedOpenReturns(t *testing.T) {
	f := newFixture(t)
	f.mem.SetFailure(errors.New("gateway unreachable"))

	rec := syncengine.NewReconciler(f.db, nil, nil, "alice")
	pipe := outbox.NewPipeline(f.db, f.mem, ident.NewAllocator(), nil, nil, "alice", "Alice", 0)
	ctrl := New(f.convID, "alice", Deps{
		DB: f.db, Feeds: f.feeds, Remote: f.mem, Reconciler: rec, Pipeline: pipe,
	})
	require.Error(t, ctrl.Open(context.Background()))

	done := make(chan struct{})
	go func() {
		ctrl.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked after failed Open")
	}
}
