// Package outbox implements the optimistic send pipeline: a user action is
// committed to the local store synchronously, so the UI reflects it before
// any network round trip, then the remote write is dispatched carrying the
// correlation tag. Failures leave the row behind in a failed state for an
// explicit user retry; nothing is ever silently dropped.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ensemblechat/ensemble/internal/bus"
	"github.com/ensemblechat/ensemble/internal/ident"
	"github.com/ensemblechat/ensemble/internal/model"
	"github.com/ensemblechat/ensemble/internal/remote"
	"github.com/ensemblechat/ensemble/internal/store"
)

// Pipeline sends user-authored messages. One instance per conversation
// session, though instances share the store and remote client.
type Pipeline struct {
	db     *store.DB
	remote remote.Store
	alloc  *ident.Allocator
	bus    *bus.Bus
	logger *zap.Logger

	userID     string
	userName   string
	staleAfter time.Duration

	cancel context.CancelFunc
}

// NewPipeline creates a send pipeline for the given sender identity.
func NewPipeline(db *store.DB, rs remote.Store, alloc *ident.Allocator, b *bus.Bus, logger *zap.Logger, userID, userName string, staleAfter time.Duration) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		db: db, remote: rs, alloc: alloc, bus: b, logger: logger,
		userID: userID, userName: userName, staleAfter: staleAfter,
	}
}

// SendText sends a plain text message. Returns the allocated local id once
// the optimistic row is committed; the remote write continues in the
// background.
func (p *Pipeline) SendText(ctx context.Context, conversationID, body string) (string, error) {
	return p.send(ctx, conversationID, model.KindText, body, nil)
}

// SendImage sends an uploaded image reference.
func (p *Pipeline) SendImage(ctx context.Context, conversationID string, img model.ImageAttachment) (string, error) {
	payload, err := model.EncodeAttachment(img)
	if err != nil {
		return "", err
	}
	return p.send(ctx, conversationID, model.KindImage, "", payload)
}

// SendAttachment sends a structured attachment (sheet music, classical
// reference, setlist plan or progress). The payload is opaque to the engine.
func (p *Pipeline) SendAttachment(ctx context.Context, conversationID string, kind model.ContentKind, body string, attachment any) (string, error) {
	payload, err := model.EncodeAttachment(attachment)
	if err != nil {
		return "", err
	}
	return p.send(ctx, conversationID, kind, body, payload)
}

func (p *Pipeline) send(ctx context.Context, conversationID string, kind model.ContentKind, body string, payload []byte) (string, error) {
	localID := p.alloc.NewLocalID()
	now := time.Now().UnixMilli()

	msg := &model.Message{
		LocalID:        localID,
		ConversationID: conversationID,
		SenderID:       p.userID,
		SenderName:     p.userName,
		Kind:           kind,
		Body:           body,
		Attachment:     payload,
		Status:         model.StatusSending,
		FromMe:         true,
		CreatedAt:      now,
	}

	// The local insert must complete and be visible before the remote write
	// is dispatched. A sent action may never leave no local trace.
	if err := p.db.InsertMessage(msg); err != nil {
		return "", err
	}
	if err := p.db.QueueOutbox(localID, conversationID); err != nil {
		return "", err
	}
	if err := p.db.TouchConversation(conversationID, msg.Preview(), now); err != nil {
		p.logger.Warn("failed to touch conversation", zap.Error(err))
	}
	p.publish("message.upserted", map[string]string{
		"conversation_id": conversationID,
		"local_id":        localID,
	})

	// Detached from the caller's context: closing a session does not cancel
	// an in-flight send. The next snapshot load picks up the result.
	go p.dispatch(context.Background(), msg)

	return localID, nil
}

// Retry re-issues the remote write for a failed (or stuck) local message,
// reusing the same local id. The remote write is create-if-absent keyed by
// that id, so a retry after a lost acknowledgment cannot duplicate the
// message remotely.
func (p *Pipeline) Retry(ctx context.Context, localID string) error {
	msg, err := p.db.GetMessageByLocalID(localID)
	if err != nil {
		return err
	}
	if msg == nil {
		return &NotFoundError{LocalID: localID}
	}
	if msg.Status != model.StatusFailed && msg.Status != model.StatusSending {
		// Already confirmed; nothing to do.
		return nil
	}
	if err := p.db.SetMessageStatus(localID, model.StatusSending); err != nil {
		return err
	}
	if err := p.db.QueueOutbox(localID, msg.ConversationID); err != nil {
		return err
	}
	msg.Status = model.StatusSending
	p.publish("message.upserted", map[string]string{
		"conversation_id": msg.ConversationID,
		"local_id":        localID,
	})
	go p.dispatch(context.Background(), msg)
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, msg *model.Message) {
	if err := p.db.MarkOutboxSending(msg.LocalID); err != nil {
		p.logger.Error("failed to mark outbox sending", zap.Error(err), zap.String("local_id", msg.LocalID))
	}

	doc := remote.MessageDoc{
		LocalTag:       msg.LocalID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Kind:           string(msg.Kind),
		Body:           msg.Body,
		Attachment:     msg.Attachment,
		CreatedAt:      msg.CreatedAt,
	}

	remoteID, err := p.remote.PutMessage(ctx, doc)
	if err != nil {
		p.logger.Error("remote write failed",
			zap.String("local_id", msg.LocalID), zap.Error(err))
		_ = p.db.MarkOutboxFailed(msg.LocalID, err.Error())
		_ = p.db.MarkMessageFailed(msg.LocalID)
		p.publish("message.send_failed", map[string]string{
			"conversation_id": msg.ConversationID,
			"local_id":        msg.LocalID,
			"error":           err.Error(),
		})
		return
	}

	if err := p.db.MarkOutboxSent(msg.LocalID, remoteID); err != nil {
		p.logger.Error("failed to mark outbox sent", zap.Error(err), zap.String("local_id", msg.LocalID))
	}
	if err := p.db.StampRemoteID(msg.LocalID, remoteID); err != nil {
		p.logger.Error("failed to stamp remote id", zap.Error(err), zap.String("local_id", msg.LocalID))
	}
	// Sending is a local-only placeholder; the ack makes it sent. The echo
	// arriving through the feed is a no-op upgrade after this.
	if err := p.db.SetMessageStatus(msg.LocalID, model.StatusSent); err != nil {
		p.logger.Error("failed to set status sent", zap.Error(err), zap.String("local_id", msg.LocalID))
	}

	p.publish("message.send_ack", map[string]string{
		"conversation_id": msg.ConversationID,
		"local_id":        msg.LocalID,
		"remote_id":       remoteID,
	})
}

// StartStaleWatch begins periodically surfacing rows stuck in "sending"
// longer than the configured threshold. They are retry prompts only; the
// pipeline never retries on its own.
func (p *Pipeline) StartStaleWatch(ctx context.Context) {
	if p.staleAfter <= 0 {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(p.staleAfter / 2)
		defer ticker.Stop()
		notified := make(map[string]struct{})
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-p.staleAfter).UnixMilli()
				stale, err := p.db.StalePending(cutoff)
				if err != nil {
					p.logger.Error("stale scan failed", zap.Error(err))
					continue
				}
				for _, m := range stale {
					if _, ok := notified[m.LocalID]; ok {
						continue
					}
					notified[m.LocalID] = struct{}{}
					p.publish("message.stale", map[string]string{
						"conversation_id": m.ConversationID,
						"local_id":        m.LocalID,
					})
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the stale watcher. In-flight sends are unaffected.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) publish(kind string, payload any) {
	if p.bus != nil {
		p.bus.Publish(bus.NewEvent(kind, payload))
	}
}

// NotFoundError is returned when retrying an unknown local id.
type NotFoundError struct {
	LocalID string
}

func (e *NotFoundError) Error() string {
	return "no local message " + e.LocalID
}
