package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemblechat/ensemble/internal/bus"
	"github.com/ensemblechat/ensemble/internal/ident"
	"github.com/ensemblechat/ensemble/internal/model"
	"github.com/ensemblechat/ensemble/internal/remote"
	"github.com/ensemblechat/ensemble/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newPipeline(t *testing.T, db *store.DB, rs remote.Store, staleAfter time.Duration) *Pipeline {
	t.Helper()
	return NewPipeline(db, rs, ident.NewAllocator(), nil, nil, "alice", "Alice", staleAfter)
}

// gatedStore blocks remote writes until released, so tests can observe the
// local state between commit and dispatch.
type gatedStore struct {
	*remote.MemoryStore
	gate chan struct{}
}

func (g *gatedStore) PutMessage(ctx context.Context, doc remote.MessageDoc) (string, error) {
	<-g.gate
	return g.MemoryStore.PutMessage(ctx, doc)
}

// ackLossStore performs the remote write but reports failure, as if the
// acknowledgment was lost on the way back.
type ackLossStore struct {
	*remote.MemoryStore
	dropAcks bool
}

func (a *ackLossStore) PutMessage(ctx context.Context, doc remote.MessageDoc) (string, error) {
	id, err := a.MemoryStore.PutMessage(ctx, doc)
	if err != nil {
		return "", err
	}
	if a.dropAcks {
		return "", errors.New("connection reset before ack")
	}
	return id, nil
}

func TestSendCommitsLocallyBeforeRemoteWrite(t *testing.T) {
	db := testDB(t)
	gated := &gatedStore{MemoryStore: remote.NewMemoryStore(), gate: make(chan struct{})}
	p := newPipeline(t, db, gated, 0)

	localID, err := p.SendText(context.Background(), "c1", "hello")
	require.NoError(t, err)

	// Remote write is still blocked; the optimistic row must already be there.
	m, err := db.GetMessageByLocalID(localID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.StatusSending, m.Status)
	assert.True(t, m.FromMe)
	assert.Empty(t, m.RemoteID)

	pending, err := db.PendingOutbox()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	close(gated.gate)
	require.Eventually(t, func() bool {
		m, err := db.GetMessageByLocalID(localID)
		return err == nil && m != nil && m.Status == model.StatusSent && m.RemoteID != ""
	}, 2*time.Second, 10*time.Millisecond)

	pending, err = db.PendingOutbox()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSendFailureLeavesRowForRetry(t *testing.T) {
	db := testDB(t)
	mem := remote.NewMemoryStore()
	mem.SetFailure(errors.New("gateway unreachable"))
	p := newPipeline(t, db, mem, 0)

	localID, err := p.SendText(context.Background(), "c1", "are you there?")
	require.NoError(t, err, "send must succeed locally even while offline")

	require.Eventually(t, func() bool {
		m, err := db.GetMessageByLocalID(localID)
		return err == nil && m != nil && m.Status == model.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	// Connectivity returns; an explicit retry confirms the same row.
	mem.SetFailure(nil)
	require.NoError(t, p.Retry(context.Background(), localID))

	require.Eventually(t, func() bool {
		m, err := db.GetMessageByLocalID(localID)
		return err == nil && m != nil && m.Status == model.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := db.ListMessages("c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "retry must not duplicate the message locally")
}

func TestRetryAfterLostAckDoesNotDuplicateRemotely(t *testing.T) {
	db := testDB(t)
	lossy := &ackLossStore{MemoryStore: remote.NewMemoryStore(), dropAcks: true}
	p := newPipeline(t, db, lossy, 0)

	localID, err := p.SendText(context.Background(), "c1", "once only")
	require.NoError(t, err)

	// The write landed remotely but the local row shows failed.
	require.Eventually(t, func() bool {
		m, err := db.GetMessageByLocalID(localID)
		return err == nil && m != nil && m.Status == model.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	lossy.dropAcks = false
	require.NoError(t, p.Retry(context.Background(), localID))

	require.Eventually(t, func() bool {
		m, err := db.GetMessageByLocalID(localID)
		return err == nil && m != nil && m.Status == model.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	// The retry carried the same correlation tag, so the remote store holds
	// exactly one document.
	ch, cancel, err := lossy.MemoryStore.Watch(context.Background(), remote.MessagesIn("c1"))
	require.NoError(t, err)
	defer cancel()
	snap := <-ch
	assert.Len(t, snap.Messages, 1)
}

func TestRetryOfConfirmedMessageIsNoOp(t *testing.T) {
	db := testDB(t)
	mem := remote.NewMemoryStore()
	p := newPipeline(t, db, mem, 0)

	localID, err := p.SendText(context.Background(), "c1", "done")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m, err := db.GetMessageByLocalID(localID)
		return err == nil && m != nil && m.Status == model.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Retry(context.Background(), localID))
	m, err := db.GetMessageByLocalID(localID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, m.Status)
}

func TestRetryUnknownIDFails(t *testing.T) {
	db := testDB(t)
	p := newPipeline(t, db, remote.NewMemoryStore(), 0)

	err := p.Retry(context.Background(), "nope")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.LocalID)
}

func TestStaleWatchSurfacesStuckSends(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	defer b.Close()
	gated := &gatedStore{MemoryStore: remote.NewMemoryStore(), gate: make(chan struct{})}
	defer close(gated.gate)

	p := NewPipeline(db, gated, ident.NewAllocator(), b, nil, "alice", "Alice", 60*time.Millisecond)
	events, unsub := b.Subscribe("message.stale", 8)
	defer unsub()

	localID, err := p.SendText(context.Background(), "c1", "stuck")
	require.NoError(t, err)

	p.StartStaleWatch(context.Background())
	defer p.Stop()

	select {
	case evt := <-events:
		payload, ok := evt.Payload.(map[string]string)
		require.True(t, ok)
		assert.Equal(t, localID, payload["local_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no stale notification")
	}
}
