package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the full collaborator contract:
// create-if-absent writes keyed by local tag, and live per-query snapshots.
// It backs the test suite and offline development.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string][]*MessageDoc // conversation id -> docs
	byTag    map[string]*MessageDoc
	byID     map[string]*MessageDoc
	convs    map[string]*ConversationDoc
	presence map[string]*PresenceDoc
	typing   map[string]map[string]*TypingDoc // conversation -> user
	watchers map[string]map[int]*memWatcher   // query id -> watchers
	nextID   int
	nextSub  int
	failure  error
}

type memWatcher struct {
	query Query
	ch    chan Snapshot
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]*MessageDoc),
		byTag:    make(map[string]*MessageDoc),
		byID:     make(map[string]*MessageDoc),
		convs:    make(map[string]*ConversationDoc),
		presence: make(map[string]*PresenceDoc),
		typing:   make(map[string]map[string]*TypingDoc),
		watchers: make(map[string]map[int]*memWatcher),
	}
}

// SetFailure makes every write fail with err until cleared with nil.
// Simulates losing connectivity.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// PutMessage writes a message document, deduplicating by LocalTag.
func (s *MemoryStore) PutMessage(ctx context.Context, doc MessageDoc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return "", s.failure
	}
	if doc.ConversationID == "" {
		return "", fmt.Errorf("put message: missing conversation id")
	}
	if doc.LocalTag != "" {
		if existing, ok := s.byTag[doc.LocalTag]; ok {
			return existing.ID, nil
		}
	}
	s.nextID++
	stored := doc
	stored.ID = fmt.Sprintf("r%06d", s.nextID)
	if stored.UpdatedAt == 0 {
		stored.UpdatedAt = time.Now().UnixMilli()
	}
	s.messages[doc.ConversationID] = append(s.messages[doc.ConversationID], &stored)
	s.byID[stored.ID] = &stored
	if stored.LocalTag != "" {
		s.byTag[stored.LocalTag] = &stored
	}
	if c, ok := s.convs[doc.ConversationID]; ok && doc.CreatedAt >= c.LastMessageAt {
		c.LastMessageAt = doc.CreatedAt
		c.LastMessagePreview = doc.Body
	}
	s.notifyLocked(MessagesIn(doc.ConversationID))
	s.notifyConversationsLocked(doc.ConversationID)
	return stored.ID, nil
}

// UpsertConversation writes a conversation document.
func (s *MemoryStore) UpsertConversation(ctx context.Context, doc ConversationDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if existing, ok := s.convs[doc.ID]; ok {
		// Summary fields are last-write-wins on activity time.
		if doc.LastMessageAt < existing.LastMessageAt {
			doc.LastMessageAt = existing.LastMessageAt
			doc.LastMessagePreview = existing.LastMessagePreview
		}
	}
	stored := doc
	s.convs[doc.ID] = &stored
	s.notifyConversationsLocked(doc.ID)
	return nil
}

// MarkDelivered records a delivery receipt on a message.
func (s *MemoryStore) MarkDelivered(ctx context.Context, conversationID, remoteID, userID string) error {
	return s.addReceipt(conversationID, remoteID, userID, false)
}

// MarkRead records a read receipt on a message.
func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, remoteID, userID string) error {
	return s.addReceipt(conversationID, remoteID, userID, true)
}

func (s *MemoryStore) addReceipt(conversationID, remoteID, userID string, read bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	doc, ok := s.byID[remoteID]
	if !ok || doc.ConversationID != conversationID {
		return fmt.Errorf("receipt: no message %s in %s", remoteID, conversationID)
	}
	set := &doc.DeliveredTo
	if read {
		set = &doc.ReadBy
	}
	for _, id := range *set {
		if id == userID {
			return nil
		}
	}
	*set = append(*set, userID)
	doc.UpdatedAt = time.Now().UnixMilli()
	s.notifyLocked(MessagesIn(conversationID))
	return nil
}

// SetTyping publishes a typing signal.
func (s *MemoryStore) SetTyping(ctx context.Context, doc TypingDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	m, ok := s.typing[doc.ConversationID]
	if !ok {
		m = make(map[string]*TypingDoc)
		s.typing[doc.ConversationID] = m
	}
	stored := doc
	m[doc.UserID] = &stored
	s.notifyLocked(TypingIn(doc.ConversationID))
	return nil
}

// SetPresence publishes a presence value.
func (s *MemoryStore) SetPresence(ctx context.Context, doc PresenceDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	stored := doc
	s.presence[doc.UserID] = &stored
	for _, ws := range s.watchers {
		for _, w := range ws {
			if w.query.Kind != QueryPresence {
				continue
			}
			for _, u := range w.query.Users {
				if u == doc.UserID {
					s.deliverLocked(w)
					break
				}
			}
		}
	}
	return nil
}

// Watch opens a live subscription delivering a full snapshot on every change.
func (s *MemoryStore) Watch(ctx context.Context, q Query) (<-chan Snapshot, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, nil, s.failure
	}
	w := &memWatcher{query: q, ch: make(chan Snapshot, 32)}
	ws, ok := s.watchers[q.ID()]
	if !ok {
		ws = make(map[int]*memWatcher)
		s.watchers[q.ID()] = ws
	}
	s.nextSub++
	id := s.nextSub
	ws[id] = w

	// Initial snapshot of current state.
	s.deliverLocked(w)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if cur, ok := s.watchers[q.ID()]; ok {
				if got, ok := cur[id]; ok && got == w {
					delete(cur, id)
					close(w.ch)
				}
			}
			s.mu.Unlock()
		})
	}
	return w.ch, cancel, nil
}

// Fail terminates every live subscription for q with err, simulating a
// subscription error surfaced by the store.
func (s *MemoryStore) Fail(q Query, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.watchers[q.ID()] {
		w.ch <- Snapshot{Query: q, At: time.Now(), Err: err}
		close(w.ch)
		delete(s.watchers[q.ID()], id)
	}
}

// WatcherCount reports the number of live subscriptions for q.
func (s *MemoryStore) WatcherCount(q Query) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[q.ID()])
}

func (s *MemoryStore) notifyLocked(q Query) {
	for _, w := range s.watchers[q.ID()] {
		s.deliverLocked(w)
	}
}

func (s *MemoryStore) notifyConversationsLocked(conversationID string) {
	conv, ok := s.convs[conversationID]
	if !ok {
		return
	}
	for _, ws := range s.watchers {
		for _, w := range ws {
			if w.query.Kind != QueryConversations {
				continue
			}
			for _, p := range conv.Participants {
				if p == w.query.Key {
					s.deliverLocked(w)
					break
				}
			}
		}
	}
}

func (s *MemoryStore) deliverLocked(w *memWatcher) {
	snap := Snapshot{Query: w.query, At: time.Now()}
	switch w.query.Kind {
	case QueryMessages:
		docs := s.messages[w.query.Key]
		out := make([]MessageDoc, 0, len(docs))
		for _, d := range docs {
			out = append(out, *d)
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
		snap.Messages = out
	case QueryConversations:
		for _, c := range s.convs {
			for _, p := range c.Participants {
				if p == w.query.Key {
					snap.Conversations = append(snap.Conversations, *c)
					break
				}
			}
		}
		sort.SliceStable(snap.Conversations, func(i, j int) bool {
			return snap.Conversations[i].LastMessageAt > snap.Conversations[j].LastMessageAt
		})
	case QueryPresence:
		for _, u := range w.query.Users {
			if p, ok := s.presence[u]; ok {
				snap.Presence = append(snap.Presence, *p)
			}
		}
	case QueryTyping:
		for _, t := range s.typing[w.query.Key] {
			snap.Typing = append(snap.Typing, *t)
		}
		sort.SliceStable(snap.Typing, func(i, j int) bool { return snap.Typing[i].UserID < snap.Typing[j].UserID })
	}
	select {
	case w.ch <- snap:
	default:
	}
}
