package remote

import "context"

// Store is the contract the engine expects from the remote document store.
// Writes are atomic per document. PutMessage is create-if-absent keyed by the
// doc's LocalTag, so re-issuing a write after a lost acknowledgment cannot
// create a second remote record. The engine never deletes documents.
type Store interface {
	// PutMessage writes a message document and returns its remote id. When a
	// document with the same LocalTag already exists, the existing id is
	// returned and nothing is written.
	PutMessage(ctx context.Context, doc MessageDoc) (string, error)

	// UpsertConversation writes a conversation document.
	UpsertConversation(ctx context.Context, doc ConversationDoc) error

	// MarkDelivered records that userID's client has received the message.
	MarkDelivered(ctx context.Context, conversationID, remoteID, userID string) error

	// MarkRead adds userID to the message's reader set.
	MarkRead(ctx context.Context, conversationID, remoteID, userID string) error

	// SetTyping publishes a typing signal.
	SetTyping(ctx context.Context, doc TypingDoc) error

	// SetPresence publishes the caller's presence.
	SetPresence(ctx context.Context, doc PresenceDoc) error

	// Watch opens a live subscription for q. The channel delivers a full
	// ordered snapshot on every change, starting with the current state. On
	// subscription error a Snapshot with Err set is delivered and the channel
	// is closed; the store does not retry internally. The returned func
	// cancels the subscription.
	Watch(ctx context.Context, q Query) (<-chan Snapshot, func(), error)
}
