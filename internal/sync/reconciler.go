package sync

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ensemblechat/ensemble/internal/bus"
	"github.com/ensemblechat/ensemble/internal/ident"
	"github.com/ensemblechat/ensemble/internal/model"
	"github.com/ensemblechat/ensemble/internal/remote"
	"github.com/ensemblechat/ensemble/internal/store"
)

// Reconciler merges remote snapshots into the local store. It is the only
// writer for remote-driven message state, and it is idempotent: applying the
// same snapshot twice leaves the store unchanged.
//
// Per incoming document the merge is three-step: match by remote id (steady
// state), else match by the correlation tag (our own echo, upgrades the
// pending row in place), else insert as a new row. Rows absent from a
// snapshot are never deleted; a pending optimistic send is legitimately
// absent until its write lands.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
}

// NewReconciler creates a reconciler for the given viewer.
func NewReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger, selfID string) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, bus: b, logger: logger, selfID: selfID}
}

// ApplyMessageSnapshot merges every document of a message snapshot. A
// malformed document is dropped with a diagnostic; it never aborts the pass
// for the other documents.
func (r *Reconciler) ApplyMessageSnapshot(snap remote.Snapshot) error {
	if snap.Err != nil {
		return snap.Err
	}
	changed := false
	for i := range snap.Messages {
		c, err := r.applyMessage(&snap.Messages[i])
		if err != nil {
			r.logger.Warn("dropping unmergeable remote message",
				zap.String("remote_id", snap.Messages[i].ID),
				zap.String("local_tag", snap.Messages[i].LocalTag),
				zap.Error(err))
			continue
		}
		changed = changed || c
	}
	if changed && r.bus != nil {
		r.bus.Publish(bus.NewEvent("message.reconciled", map[string]string{
			"query": snap.Query.ID(),
		}))
	}
	return nil
}

func (r *Reconciler) applyMessage(doc *remote.MessageDoc) (bool, error) {
	if doc.ID == "" && doc.LocalTag == "" {
		return false, fmt.Errorf("document has neither remote id nor correlation tag")
	}
	if doc.ConversationID == "" {
		return false, fmt.Errorf("document has no conversation")
	}

	var byRemote, byLocal *model.Message
	hasRemote := func(id string) bool {
		m, err := r.db.GetMessageByRemoteID(id)
		if err != nil {
			r.logger.Error("lookup by remote id failed", zap.Error(err))
			return false
		}
		byRemote = m
		return m != nil
	}
	hasLocal := func(tag string) bool {
		m, err := r.db.GetMessageByLocalID(tag)
		if err != nil {
			r.logger.Error("lookup by local tag failed", zap.Error(err))
			return false
		}
		byLocal = m
		return m != nil
	}

	switch ident.Correlate(doc.ID, doc.LocalTag, hasRemote, hasLocal) {
	case ident.MatchByRemoteID:
		return r.mergeInto(byRemote, doc)

	case ident.MatchByLocalTag:
		// Our own echo: stamp the remote id onto the pending row. This is the
		// path that upgrades LocalPending to Confirmed without a duplicate.
		if err := r.db.StampRemoteID(byLocal.LocalID, doc.ID); err != nil {
			return false, err
		}
		return r.mergeInto(byLocal, doc)

	default:
		return true, r.insertNew(doc)
	}
}

// mergeInto overwrites the server-authoritative fields of an existing row.
// Documents older than the last applied update are skipped so a transient
// feed gap can never roll back last-known-good state.
func (r *Reconciler) mergeInto(local *model.Message, doc *remote.MessageDoc) (bool, error) {
	if doc.UpdatedAt != 0 && doc.UpdatedAt < local.RemoteUpdatedAt {
		return false, nil
	}

	merged := docToModel(doc, r.selfID)
	merged.Status = model.MaxStatus(local.Status, merged.Status)
	// Reader and delivery sets only grow; a snapshot that omits a receipt due
	// to a feed gap must not erase it.
	merged.ReadBy = unionIDs(local.ReadBy, merged.ReadBy)
	merged.DeliveredTo = unionIDs(local.DeliveredTo, merged.DeliveredTo)

	if !messageChanged(local, merged) {
		return false, nil
	}
	if err := r.db.UpdateFromRemote(local.LocalID, merged); err != nil {
		return false, err
	}
	if err := r.touchConversation(merged); err != nil {
		return false, err
	}
	if r.bus != nil {
		r.bus.Publish(bus.NewEvent("message.upserted", map[string]string{
			"conversation_id": merged.ConversationID,
			"local_id":        local.LocalID,
		}))
	}
	return true, nil
}

// insertNew stores the first sighting of a message authored elsewhere.
func (r *Reconciler) insertNew(doc *remote.MessageDoc) error {
	m := docToModel(doc, r.selfID)
	m.LocalID = doc.LocalTag
	if m.LocalID == "" {
		m.LocalID = doc.ID
	}
	if err := r.db.InsertMessage(m); err != nil {
		return err
	}
	if err := r.touchConversation(m); err != nil {
		return err
	}
	if r.bus != nil {
		r.bus.Publish(bus.NewEvent("message.upserted", map[string]string{
			"conversation_id": m.ConversationID,
			"local_id":        m.LocalID,
		}))
	}
	return nil
}

// ApplyConversationSnapshot merges a conversation-list snapshot.
func (r *Reconciler) ApplyConversationSnapshot(snap remote.Snapshot) error {
	if snap.Err != nil {
		return snap.Err
	}
	for i := range snap.Conversations {
		doc := &snap.Conversations[i]
		if doc.ID == "" {
			r.logger.Warn("dropping conversation without id")
			continue
		}
		c := &model.Conversation{
			ID:                 doc.ID,
			Kind:               model.ConversationKind(doc.Kind),
			Participants:       doc.Participants,
			Name:               doc.Name,
			AvatarRef:          doc.AvatarRef,
			LastMessagePreview: doc.LastMessagePreview,
			LastMessageAt:      doc.LastMessageAt,
			DisplayNames:       doc.DisplayNames,
		}
		if err := r.db.UpsertConversation(c); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", doc.ID, err)
		}
	}
	if r.bus != nil && len(snap.Conversations) > 0 {
		r.bus.Publish(bus.NewEvent("conversation.reconciled", map[string]int{
			"count": len(snap.Conversations),
		}))
	}
	return nil
}

func (r *Reconciler) touchConversation(m *model.Message) error {
	return r.db.TouchConversation(m.ConversationID, m.Preview(), m.CreatedAt)
}

// docToModel maps a wire document onto the local model, computing the
// viewer-observed delivery status from the receipt sets.
func docToModel(doc *remote.MessageDoc, selfID string) *model.Message {
	m := &model.Message{
		RemoteID:        doc.ID,
		ConversationID:  doc.ConversationID,
		SenderID:        doc.SenderID,
		SenderName:      doc.SenderName,
		Kind:            model.ContentKind(doc.Kind),
		Body:            doc.Body,
		Attachment:      []byte(doc.Attachment),
		CreatedAt:       doc.CreatedAt,
		RemoteUpdatedAt: doc.UpdatedAt,
		DeliveredTo:     append([]string(nil), doc.DeliveredTo...),
		ReadBy:          append([]string(nil), doc.ReadBy...),
		FromMe:          selfID != "" && doc.SenderID == selfID,
	}
	m.Status = statusFromReceipts(doc)
	return m
}

// statusFromReceipts derives delivery status: a confirmed document is at
// least sent; a receipt from any non-sender upgrades it further.
func statusFromReceipts(doc *remote.MessageDoc) model.DeliveryStatus {
	st := model.StatusSent
	for _, id := range doc.DeliveredTo {
		if id != doc.SenderID {
			st = model.StatusDelivered
			break
		}
	}
	for _, id := range doc.ReadBy {
		if id != doc.SenderID {
			st = model.StatusRead
			break
		}
	}
	return st
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func messageChanged(prev, merged *model.Message) bool {
	if prev.Body != merged.Body || string(prev.Attachment) != string(merged.Attachment) {
		return true
	}
	if prev.Status != merged.Status || prev.CreatedAt != merged.CreatedAt {
		return true
	}
	if prev.RemoteUpdatedAt != merged.RemoteUpdatedAt {
		return true
	}
	if len(prev.ReadBy) != len(merged.ReadBy) || len(prev.DeliveredTo) != len(merged.DeliveredTo) {
		return true
	}
	if prev.RemoteID != merged.RemoteID {
		return true
	}
	return false
}
