package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	commonlog "sns_server/server/common/log"
	"sns_server/server/realtime/domain"
)

// Wire protocol event names. Client to server unless noted.
const (
	EventMessageSend      = "message:send"
	EventMessageAck       = "message:ack"     // server -> client
	EventMessageNew       = "message:new"     // server -> client
	EventMessageReceipt   = "message:receipt" // both directions
	EventTypingStart      = "typing:start"
	EventTyping           = "typing" // server -> client
	EventPresenceSub      = "presence:subscribe"
	EventPresenceSnapshot = "presence:snapshot" // server -> client
	EventPresenceChanged  = "presence:changed"  // server -> client
	EventNotificationPush = "notification:push" // server -> client
	EventCallInitiate     = "call:initiate"
	EventCallIncoming     = "call:incoming" // server -> client
	EventCallAccept       = "call:accept"
	EventCallReject       = "call:reject"
	EventCallSignal       = "call:signal"
	EventCallActive       = "call:active"
	EventCallEnd          = "call:end"
	EventError            = "error" // server -> client
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsEnvelope{Type: eventType, Payload: raw})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var errSendQueueFull = errors.New("send queue full")

// wsClient pumps frames between one websocket and the registry. It is
// the Sink for its Connection: Enqueue never blocks, and a backlogged
// queue surfaces as an error so the registry can evict just this
// connection. Until release is called, broadcast frames are held in a
// pending buffer so the catch-up drain reaches the wire first.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	ready   bool
	pending [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

func (c *wsClient) Enqueue(frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	if !c.ready {
		if len(c.pending) >= sendQueueSize {
			c.mu.Unlock()
			return errSendQueueFull
		}
		c.pending = append(c.pending, frame)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

// enqueueDirect bypasses the pending gate; only the catch-up goroutine
// uses it, so blocking on a full queue is acceptable here.
func (c *wsClient) enqueueDirect(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.closed:
		return false
	}
}

// release flushes frames buffered during catch-up and routes all later
// Enqueue calls straight to the send queue. The flush never holds the
// client mutex across a channel send, so broadcasts are never blocked.
func (c *wsClient) release() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.ready = true
			c.mu.Unlock()
			return
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, frame := range batch {
			if !c.enqueueDirect(frame) {
				return
			}
		}
	}
}

func (c *wsClient) Shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// writePump owns all writes to the socket; a slow peer only ever stalls
// its own pump goroutine.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Shutdown()
	}()
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RealtimeService ties the websocket protocol to the core components.
type RealtimeService struct {
	registry *Registry
	presence *PresenceTracker
	delivery *DeliveryEngine
	typing   *TypingBroadcaster
	notify   *NotificationFanout
	calls    *CallManager
}

func NewRealtimeService(registry *Registry, presence *PresenceTracker, delivery *DeliveryEngine, typing *TypingBroadcaster, notify *NotificationFanout, calls *CallManager) *RealtimeService {
	return &RealtimeService{
		registry: registry,
		presence: presence,
		delivery: delivery,
		typing:   typing,
		notify:   notify,
		calls:    calls,
	}
}

// HandleWS runs one connection lifecycle: upgrade, register, catch-up
// drain, then the read loop until the transport drops. The caller has
// already authenticated the identity.
func (s *RealtimeService) HandleWS(c *gin.Context, identity string) {
	device := c.Query("device")

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := newWSClient(wsConn)

	conn, err := s.registry.Register(identity, device, client)
	if err != nil {
		// Same physical handle registered twice; nothing to tear down.
		commonlog.Warnf("event=session action=register status=rejected identity=%s error=%v", identity, err)
		client.Shutdown()
		return
	}
	commonlog.Infof("event=session action=open identity=%s connection_id=%s device=%s", identity, conn.ID, device)

	go client.writePump()
	go func() {
		defer client.release()
		s.catchUp(identity, client)
	}()

	s.readLoop(c.Request.Context(), conn, client)

	s.registry.Unregister(conn)
	client.Shutdown()
	commonlog.Infof("event=session action=close identity=%s connection_id=%s", identity, conn.ID)
}

// catchUp drains the offline mailbox and the notification feed onto the
// freshly registered connection. Drained frames go to the send queue
// directly; live broadcasts stay gated in the client's pending buffer
// until the drain is done, so a message sent during the drain cannot
// overtake an older mailboxed one from the same conversation.
func (s *RealtimeService) catchUp(identity string, client *wsClient) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	msgs, err := s.delivery.DrainMailbox(ctx, identity)
	if err != nil {
		commonlog.Errorf("event=session action=mailbox_drain status=failed identity=%s error=%v", identity, err)
	}
	for _, msg := range msgs {
		if frame, err := encodeEvent(EventMessageNew, msg); err == nil {
			if !client.enqueueDirect(frame) {
				return
			}
		}
	}

	events, err := s.notify.DrainFeed(ctx, identity)
	if err != nil {
		commonlog.Errorf("event=session action=feed_drain status=failed identity=%s error=%v", identity, err)
	}
	for _, event := range events {
		if frame, err := encodeEvent(EventNotificationPush, event); err == nil {
			if !client.enqueueDirect(frame) {
				return
			}
		}
	}
}

func (s *RealtimeService) readLoop(ctx context.Context, conn *Connection, client *wsClient) {
	ws := client.conn
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				commonlog.Warnf("event=session action=read status=failed identity=%s error=%v", conn.Identity, err)
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.writeError(client, "malformed envelope")
			continue
		}
		s.dispatch(ctx, conn, client, env)
	}
}

func (s *RealtimeService) dispatch(ctx context.Context, conn *Connection, client *wsClient, env wsEnvelope) {
	identity := conn.Identity
	switch env.Type {
	case EventMessageSend:
		var req struct {
			ConversationID string          `json:"conversation_id"`
			Payload        json.RawMessage `json:"payload"`
			ClientMsgID    string          `json:"client_msg_id"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.ConversationID == "" {
			s.writeError(client, "conversation_id required")
			return
		}
		msg, err := s.delivery.Send(ctx, identity, req.ConversationID, req.Payload, req.ClientMsgID)
		if err != nil {
			s.writeDispatchError(client, identity, env.Type, err)
			return
		}
		if frame, err := encodeEvent(EventMessageAck, map[string]any{
			"conversation_id": msg.ConversationID,
			"seq":             msg.Seq,
			"client_msg_id":   req.ClientMsgID,
		}); err == nil {
			_ = client.Enqueue(frame)
		}

	case EventMessageReceipt:
		var req struct {
			ConversationID string `json:"conversation_id"`
			Seq            int64  `json:"seq"`
			State          string `json:"state"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.writeError(client, "malformed receipt")
			return
		}
		var err error
		switch domain.DeliveryState(req.State) {
		case domain.DeliveryDelivered:
			err = s.delivery.AcknowledgeDelivered(ctx, req.ConversationID, req.Seq, identity)
		case domain.DeliveryRead:
			err = s.delivery.AcknowledgeRead(ctx, req.ConversationID, req.Seq, identity)
		default:
			s.writeError(client, "state must be delivered or read")
			return
		}
		if err != nil {
			s.writeDispatchError(client, identity, env.Type, err)
		}

	case EventTypingStart:
		var req struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.ConversationID == "" {
			s.writeError(client, "conversation_id required")
			return
		}
		if err := s.typing.NotifyTyping(ctx, identity, req.ConversationID); err != nil {
			s.writeDispatchError(client, identity, env.Type, err)
		}

	case EventPresenceSub:
		var req struct {
			Identities []string `json:"identities"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.writeError(client, "malformed subscription")
			return
		}
		records, err := s.presence.Snapshot(ctx, req.Identities)
		if err != nil {
			s.writeDispatchError(client, identity, env.Type, err)
			return
		}
		if frame, err := encodeEvent(EventPresenceSnapshot, records); err == nil {
			_ = client.Enqueue(frame)
		}

	case EventCallInitiate:
		var req struct {
			CalleeID string `json:"callee_identity"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.CalleeID == "" {
			s.writeError(client, "callee_identity required")
			return
		}
		session, err := s.calls.Initiate(identity, req.CalleeID)
		if err != nil {
			s.writeDispatchError(client, identity, env.Type, err)
			return
		}
		if session.State == domain.CallEnded {
			// Callee unreachable; surface the terminal event directly.
			if frame, err := encodeEvent(EventCallEnd, callEndEvent{CallID: session.ID, Reason: session.EndReason}); err == nil {
				_ = client.Enqueue(frame)
			}
			return
		}
		if frame, err := encodeEvent(EventCallIncoming, incomingCallEvent{CallID: session.ID, CallerID: identity}); err == nil {
			_ = client.Enqueue(frame)
		}

	case EventCallAccept:
		var req struct {
			CallID string `json:"call_id"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.CallID == "" {
			s.writeError(client, "call_id required")
			return
		}
		if _, err := s.calls.Accept(req.CallID, identity); err != nil {
			s.writeDispatchError(client, identity, env.Type, err)
		}

	case EventCallReject:
		var req struct {
			CallID string `json:"call_id"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.CallID == "" {
			s.writeError(client, "call_id required")
			return
		}
		if err := s.calls.End(req.CallID, identity, domain.ReasonRejected); err != nil {
			s.writeDispatchError(client, identity, env.Type, err)
		}

	case EventCallSignal:
		var req struct {
			CallID  string          `json:"call_id"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.CallID == "" {
			s.writeError(client, "call_id required")
			return
		}
		if err := s.calls.RelaySignal(req.CallID, identity, req.Payload); err != nil {
			s.writeDispatchError(client, identity, env.Type, err)
		}

	case EventCallActive:
		var req struct {
			CallID string `json:"call_id"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.CallID == "" {
			s.writeError(client, "call_id required")
			return
		}
		if _, err := s.calls.ConfirmActive(req.CallID, identity); err != nil {
			s.writeDispatchError(client, identity, env.Type, err)
		}

	case EventCallEnd:
		var req struct {
			CallID string `json:"call_id"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.CallID == "" {
			s.writeError(client, "call_id required")
			return
		}
		reason := domain.CallEndReason(req.Reason)
		if reason == "" {
			reason = domain.ReasonHangup
		}
		if err := s.calls.End(req.CallID, identity, reason); err != nil {
			s.writeDispatchError(client, identity, env.Type, err)
		}

	default:
		s.writeError(client, "unknown event type")
	}
}

// writeDispatchError maps component errors onto the wire. Per-connection
// failures stay local: the involved party hears about them, nobody else.
func (s *RealtimeService) writeDispatchError(client *wsClient, identity, eventType string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotAParticipant),
		errors.Is(err, domain.ErrAlreadyInCall),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrCallNotFound):
		s.writeError(client, err.Error())
	default:
		commonlog.Errorf("event=session action=dispatch status=failed identity=%s type=%s error=%v", identity, eventType, err)
		s.writeError(client, "internal error")
	}
}

func (s *RealtimeService) writeError(client *wsClient, message string) {
	if frame, err := encodeEvent(EventError, map[string]string{"error": message}); err == nil {
		_ = client.Enqueue(frame)
	}
}
