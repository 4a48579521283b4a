package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ensemblechat/ensemble/internal/status"
)

// Gateway implements Store over a websocket connection to the sync gateway.
// Frames are JSON; requests carry a req_id answered by an ack frame, watches
// carry a sub_id that tags server-pushed snapshot frames.
type Gateway struct {
	url     string
	userID  string
	logger  *zap.Logger
	machine *status.Machine

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	pending map[uint64]chan frame
	subs    map[uint64]*gatewaySub
	nextReq uint64
	closed  bool
}

type gatewaySub struct {
	query Query
	ch    chan Snapshot
}

type frame struct {
	Op      string          `json:"op"`
	ReqID   uint64          `json:"req_id,omitempty"`
	SubID   uint64          `json:"sub_id,omitempty"`
	Query   *wireQuery      `json:"query,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	DocID   string          `json:"doc_id,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type wireQuery struct {
	Kind  string   `json:"kind"`
	Key   string   `json:"key"`
	Users []string `json:"users,omitempty"`
}

type receiptPayload struct {
	ConversationID string `json:"conversation_id"`
	RemoteID       string `json:"remote_id"`
	UserID         string `json:"user_id"`
}

// NewGateway creates a gateway client for the given user. Connect must be
// called before any other method.
func NewGateway(url, userID string, machine *status.Machine, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		url:     url,
		userID:  userID,
		logger:  logger,
		machine: machine,
		pending: make(map[uint64]chan frame),
		subs:    make(map[uint64]*gatewaySub),
	}
}

// Connect dials the gateway and starts the read loop.
func (g *Gateway) Connect(ctx context.Context) error {
	g.transition(status.Connecting)
	header := http.Header{"X-User-Id": []string{g.userID}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, header)
	if err != nil {
		g.transition(status.Offline)
		return fmt.Errorf("dial gateway: %w", err)
	}
	g.writeMu.Lock()
	g.conn = conn
	g.writeMu.Unlock()
	g.transition(status.Live)
	go g.readLoop(conn)
	g.logger.Info("gateway connected", zap.String("url", g.url))
	return nil
}

// Close tears down the connection; every live subscription receives a
// terminal error.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.writeMu.Lock()
	if g.conn != nil {
		_ = g.conn.Close()
	}
	g.writeMu.Unlock()
	g.transition(status.Offline)
}

// PutMessage implements Store.
func (g *Gateway) PutMessage(ctx context.Context, doc MessageDoc) (string, error) {
	ack, err := g.request(ctx, "put_message", doc)
	if err != nil {
		return "", err
	}
	return ack.DocID, nil
}

// UpsertConversation implements Store.
func (g *Gateway) UpsertConversation(ctx context.Context, doc ConversationDoc) error {
	_, err := g.request(ctx, "upsert_conversation", doc)
	return err
}

// MarkDelivered implements Store.
func (g *Gateway) MarkDelivered(ctx context.Context, conversationID, remoteID, userID string) error {
	_, err := g.request(ctx, "mark_delivered", receiptPayload{conversationID, remoteID, userID})
	return err
}

// MarkRead implements Store.
func (g *Gateway) MarkRead(ctx context.Context, conversationID, remoteID, userID string) error {
	_, err := g.request(ctx, "mark_read", receiptPayload{conversationID, remoteID, userID})
	return err
}

// SetTyping implements Store.
func (g *Gateway) SetTyping(ctx context.Context, doc TypingDoc) error {
	_, err := g.request(ctx, "set_typing", doc)
	return err
}

// SetPresence implements Store.
func (g *Gateway) SetPresence(ctx context.Context, doc PresenceDoc) error {
	_, err := g.request(ctx, "set_presence", doc)
	return err
}

// Watch implements Store.
func (g *Gateway) Watch(ctx context.Context, q Query) (<-chan Snapshot, func(), error) {
	sub := &gatewaySub{query: q, ch: make(chan Snapshot, 32)}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, nil, fmt.Errorf("watch %s: gateway closed", q.ID())
	}
	g.nextReq++
	subID := g.nextReq
	g.subs[subID] = sub
	g.mu.Unlock()

	err := g.send(frame{
		Op:    "watch",
		SubID: subID,
		Query: &wireQuery{Kind: string(q.Kind), Key: q.Key, Users: q.Users},
	})
	if err != nil {
		g.mu.Lock()
		delete(g.subs, subID)
		g.mu.Unlock()
		return nil, nil, fmt.Errorf("watch %s: %w", q.ID(), err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			g.mu.Lock()
			if _, ok := g.subs[subID]; ok {
				delete(g.subs, subID)
				close(sub.ch)
			}
			g.mu.Unlock()
			_ = g.send(frame{Op: "unwatch", SubID: subID})
		})
	}
	return sub.ch, cancel, nil
}

func (g *Gateway) request(ctx context.Context, op string, payload any) (*frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", op, err)
	}

	ackCh := make(chan frame, 1)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, fmt.Errorf("%s: gateway closed", op)
	}
	g.nextReq++
	reqID := g.nextReq
	g.pending[reqID] = ackCh
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, reqID)
		g.mu.Unlock()
	}()

	if err := g.send(frame{Op: op, ReqID: reqID, Payload: body}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return nil, fmt.Errorf("%s: connection lost", op)
		}
		if ack.Error != "" {
			return nil, fmt.Errorf("%s: remote: %s", op, ack.Error)
		}
		return &ack, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func (g *Gateway) send(f frame) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if g.conn == nil {
		return fmt.Errorf("not connected")
	}
	return g.conn.WriteJSON(f)
}

func (g *Gateway) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			g.fail(fmt.Errorf("gateway read: %w", err))
			return
		}
		switch f.Op {
		case "ack":
			g.mu.Lock()
			ch, ok := g.pending[f.ReqID]
			g.mu.Unlock()
			if ok {
				ch <- f
			}
		case "snapshot":
			g.dispatchSnapshot(f)
		default:
			g.logger.Warn("unknown gateway frame", zap.String("op", f.Op))
		}
	}
}

func (g *Gateway) dispatchSnapshot(f frame) {
	g.mu.Lock()
	sub, ok := g.subs[f.SubID]
	g.mu.Unlock()
	if !ok {
		return
	}
	snap := Snapshot{Query: sub.query, At: time.Now()}
	var err error
	switch sub.query.Kind {
	case QueryMessages:
		err = json.Unmarshal(f.Payload, &snap.Messages)
	case QueryConversations:
		err = json.Unmarshal(f.Payload, &snap.Conversations)
	case QueryPresence:
		err = json.Unmarshal(f.Payload, &snap.Presence)
	case QueryTyping:
		err = json.Unmarshal(f.Payload, &snap.Typing)
	}
	if err != nil {
		g.logger.Warn("malformed snapshot frame",
			zap.String("query", sub.query.ID()), zap.Error(err))
		return
	}
	select {
	case sub.ch <- snap:
	default:
		g.logger.Warn("snapshot dropped, slow consumer", zap.String("query", sub.query.ID()))
	}
}

// fail tears down all pending requests and subscriptions after a connection
// level error. Subscribers see a terminal Err snapshot; the session layer
// decides whether to resubscribe.
func (g *Gateway) fail(err error) {
	g.mu.Lock()
	pending := g.pending
	subs := g.subs
	g.pending = make(map[uint64]chan frame)
	g.subs = make(map[uint64]*gatewaySub)
	closed := g.closed
	g.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, sub := range subs {
		select {
		case sub.ch <- Snapshot{Query: sub.query, At: time.Now(), Err: err}:
		default:
		}
		close(sub.ch)
	}
	if !closed {
		g.logger.Warn("gateway connection lost", zap.Error(err))
		g.transition(status.Degraded)
	}
}

func (g *Gateway) transition(to status.State) {
	if g.machine == nil {
		return
	}
	if err := g.machine.Transition(to); err != nil {
		g.logger.Debug("status transition skipped", zap.Error(err))
	}
}
