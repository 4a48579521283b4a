package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensemblechat/ensemble/internal/remote"
)

func TestEngineAppliesConversationFeed(t *testing.T) {
	db := testDB(t)
	mem := remote.NewMemoryStore()
	feeds := remote.NewFeeds(mem, nil)
	defer feeds.Close()

	rec := NewReconciler(db, nil, nil, "alice")
	eng := NewEngine(db, feeds, rec, nil, nil, "alice")
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	err := mem.UpsertConversation(context.Background(), remote.ConversationDoc{
		ID: "c1", Kind: "direct", Participants: []string{"alice", "bob"},
		LastMessagePreview: "hello", LastMessageAt: 100,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, err := db.GetConversation("c1")
		return err == nil && c != nil && c.LastMessagePreview == "hello"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineIgnoresConversationsOfOtherUsers(t *testing.T) {
	db := testDB(t)
	mem := remote.NewMemoryStore()
	feeds := remote.NewFeeds(mem, nil)
	defer feeds.Close()

	rec := NewReconciler(db, nil, nil, "alice")
	eng := NewEngine(db, feeds, rec, nil, nil, "alice")
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	require.NoError(t, mem.UpsertConversation(context.Background(), remote.ConversationDoc{
		ID: "mine", Kind: "direct", Participants: []string{"alice", "bob"},
	}))
	require.NoError(t, mem.UpsertConversation(context.Background(), remote.ConversationDoc{
		ID: "theirs", Kind: "direct", Participants: []string{"bob", "carol"},
	}))

	require.Eventually(t, func() bool {
		c, err := db.GetConversation("mine")
		return err == nil && c != nil
	}, 2*time.Second, 10*time.Millisecond)

	other, err := db.GetConversation("theirs")
	require.NoError(t, err)
	require.Nil(t, other)
}
