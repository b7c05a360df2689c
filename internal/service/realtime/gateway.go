package realtime

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mivox/chatstream/internal/model/chat"
	model "github.com/mivox/chatstream/internal/model/realtime"
	"github.com/mivox/chatstream/internal/service/session"
)

// CompletionProducer generates an assistant reply for a chat message and
// pushes it to the session's subscribers. Implemented by the AI service;
// optional at runtime.
type CompletionProducer interface {
	ProduceReply(ctx context.Context, sessionID, userID, text string)
}

// GatewayStats aggregates gateway counters for ops endpoints.
type GatewayStats struct {
	TotalConnections  int64 `json:"totalConnections"`
	ActiveConnections int   `json:"activeConnections"`
	Rooms             int   `json:"rooms"`
	MessagesReceived  int64 `json:"messagesReceived"`
	MessagesSent      int64 `json:"messagesSent"`
	SendFailures      int64 `json:"sendFailures"`
}

// Gateway owns the bidirectional socket connections, grouped into
// per-session rooms. It relays chat, typing and presence, enforces
// session ownership on join, and mirrors push-transport deliveries into
// its rooms so both transports observe the same logical stream.
type Gateway struct {
	sessions *session.Service
	repo     chat.Repository
	guard    *Guard
	producer CompletionProducer

	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection
	rooms  map[string]map[string]*Connection
	roomOf map[string]string

	bridgeMu sync.Mutex
	bridged  map[string]string

	totalConnections atomic.Int64
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	sendFailures     atomic.Int64
}

// NewGateway wires the gateway to its collaborators. The producer may be
// nil when AI generation is not configured.
func NewGateway(sessions *session.Service, repo chat.Repository, guard *Guard, producer CompletionProducer) *Gateway {
	return &Gateway{
		sessions: sessions,
		repo:     repo,
		guard:    guard,
		producer: producer,
		conns:    make(map[string]*Connection),
		byUser:   make(map[string]map[string]*Connection),
		rooms:    make(map[string]map[string]*Connection),
		roomOf:   make(map[string]string),
		bridged:  make(map[string]string),
	}
}

// Connect registers an authenticated socket connection and confirms it
// to the client. Authentication happened at handshake; the credential is
// not re-checked per message for the lifetime of the connection.
func (g *Gateway) Connect(userID string, sink Sink, metadata map[string]string) (string, error) {
	if userID == "" {
		return "", ErrUserRequired
	}
	if sink == nil {
		return "", ErrSinkRequired
	}

	now := time.Now().UTC()
	conn := &Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		Kind:         TransportSocket,
		Active:       true,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     metadata,
		sink:         sink,
	}

	sink.OnClose(func() {
		g.Disconnect(conn.ID)
	})

	g.add(conn)
	g.totalConnections.Add(1)

	g.sendTo(conn, model.NewServerMessage(model.EventConnected, "", map[string]any{
		"connectionId": conn.ID,
		"userId":       userID,
	}))

	log.Printf("[gateway] connection %s opened for user %s", conn.ID, userID)
	return conn.ID, nil
}

// Disconnect tears a connection down: it leaves any joined room, drops
// the per-user index entry, and closes the sink. Safe to call twice.
func (g *Gateway) Disconnect(connID string) {
	conn, roomID, ok := g.remove(connID)
	if !ok {
		return
	}
	_ = conn.sink.Close()

	if roomID != "" {
		g.broadcastRoom(roomID, model.NewServerMessage(model.EventUserLeft, roomID, map[string]any{
			"userId": conn.UserID,
		}), "")
	}
	log.Printf("[gateway] connection %s closed for user %s", connID, conn.UserID)
}

// JoinSession adds the connection to the session's room after checking
// that the session belongs to the connection's user.
func (g *Gateway) JoinSession(ctx context.Context, connID, sessionID string) error {
	conn, ok := g.get(connID)
	if !ok {
		return ErrConnectionNotFound
	}

	if _, err := g.sessions.Get(ctx, conn.UserID, sessionID); err != nil {
		return err
	}

	previous := g.joinRoom(conn, sessionID)
	if previous != "" && previous != sessionID {
		g.broadcastRoom(previous, model.NewServerMessage(model.EventUserLeft, previous, map[string]any{
			"userId": conn.UserID,
		}), "")
	}

	g.broadcastRoom(sessionID, model.NewServerMessage(model.EventUserJoined, sessionID, map[string]any{
		"userId": conn.UserID,
	}), connID)

	g.sendTo(conn, model.NewServerMessage(model.EventSessionJoined, sessionID, map[string]any{
		"sessionId": sessionID,
		"members":   g.RoomSize(sessionID),
	}))
	return nil
}

// LeaveSession removes the connection from the room and tells the
// remaining members.
func (g *Gateway) LeaveSession(_ context.Context, connID, sessionID string) error {
	conn, ok := g.get(connID)
	if !ok {
		return ErrConnectionNotFound
	}

	if !g.leaveRoom(conn, sessionID) {
		return ErrNotInSession
	}

	g.broadcastRoom(sessionID, model.NewServerMessage(model.EventUserLeft, sessionID, map[string]any{
		"userId": conn.UserID,
	}), "")

	g.sendTo(conn, model.NewServerMessage(model.EventSessionLeft, sessionID, map[string]any{
		"sessionId": sessionID,
	}))
	return nil
}

// ChatMessage persists the message, fans it out to the whole room, bumps
// the session counters, and hands the text to the completion producer
// when one is configured.
func (g *Gateway) ChatMessage(ctx context.Context, connID, sessionID, text string, metadata map[string]any) error {
	if text == "" {
		return ErrMessageEmpty
	}

	conn, ok := g.get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	if !g.inRoom(connID, sessionID) {
		return ErrNotInSession
	}
	if rej := g.guard.CheckMessage(conn.UserID); rej != nil {
		return ErrRateLimited
	}

	g.messagesReceived.Add(1)
	g.touch(connID)

	// Persist before fan-out so subscribers never see a message that was
	// dropped by the store.
	saved, err := g.repo.SaveMessage(ctx, chat.Message{
		SessionID: sessionID,
		UserID:    conn.UserID,
		Sender:    "user",
		Content:   text,
		Metadata:  metadata,
	})
	if err != nil {
		return err
	}

	if _, err := g.sessions.IncrementCounters(ctx, sessionID, 1, estimateTokens(text), 0); err != nil {
		log.Printf("[gateway] counter increment for session %s failed: %v", sessionID, err)
	}

	g.broadcastRoom(sessionID, model.NewServerMessage(model.EventChatMessage, sessionID, saved), "")

	if g.producer != nil {
		go g.producer.ProduceReply(context.WithoutCancel(ctx), sessionID, conn.UserID, text)
	}
	return nil
}

// Typing relays a typing indicator to everyone in the room except the
// sender. Never persisted.
func (g *Gateway) Typing(connID, sessionID string, isTyping bool) error {
	conn, ok := g.get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	if !g.inRoom(connID, sessionID) {
		return ErrNotInSession
	}

	g.touch(connID)
	g.broadcastRoom(sessionID, model.NewServerMessage(model.EventUserTyping, sessionID, map[string]any{
		"userId":   conn.UserID,
		"isTyping": isTyping,
	}), connID)
	return nil
}

// StatusUpdate broadcasts a presence/state change to all of the sender's
// own connections, not to any session room.
func (g *Gateway) StatusUpdate(connID, status string, metadata map[string]any) error {
	conn, ok := g.get(connID)
	if !ok {
		return ErrConnectionNotFound
	}

	g.touch(connID)
	msg := model.NewServerMessage(model.EventStatusUpdate, "", map[string]any{
		"userId":   conn.UserID,
		"status":   status,
		"metadata": metadata,
	})

	g.mu.RLock()
	targets := make([]*Connection, 0, len(g.byUser[conn.UserID]))
	for _, c := range g.byUser[conn.UserID] {
		if c.Active {
			targets = append(targets, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range targets {
		g.sendTo(c, msg)
	}
	return nil
}

// Ping answers a client liveness probe and refreshes lastActivity.
func (g *Gateway) Ping(connID string) error {
	conn, ok := g.get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	g.touch(connID)
	g.sendTo(conn, model.NewServerMessage(model.EventPong, "", nil))
	return nil
}

// SendError delivers a structured error event to one connection.
func (g *Gateway) SendError(connID, code, message string) {
	if conn, ok := g.get(connID); ok {
		g.sendTo(conn, model.NewServerMessage(model.EventError, "", map[string]any{
			"code":    code,
			"message": message,
		}))
	}
}

// NotifySession pushes a server-originated event into a session room;
// the session service uses this for status-change notifications.
func (g *Gateway) NotifySession(sessionID, event string, payload any) int {
	return g.broadcastRoom(sessionID, model.NewServerMessage(event, sessionID, payload), "")
}

// CloseSessionConnections force-disconnects every member of the room;
// used when the session is deleted.
func (g *Gateway) CloseSessionConnections(sessionID string) int {
	g.mu.RLock()
	members := make([]*Connection, 0, len(g.rooms[sessionID]))
	for _, c := range g.rooms[sessionID] {
		members = append(members, c)
	}
	g.mu.RUnlock()

	for _, c := range members {
		g.sendTo(c, model.NewServerMessage(model.EventForceDisconnect, sessionID, map[string]any{
			"reason": "sessionDeleted",
		}))
		g.Disconnect(c.ID)
	}

	g.bridgeMu.Lock()
	delete(g.bridged, sessionID)
	g.bridgeMu.Unlock()

	return len(members)
}

// HandleRegistryEvent mirrors successful push-transport data deliveries
// that reference a session into that session's socket room, so
// socket-only subscribers receive push-originated content. The registry
// reports one messageSent per connection, so a session broadcast arrives
// here once per push subscriber; the envelope id identifies the logical
// message and the room sees it once.
func (g *Gateway) HandleRegistryEvent(ev Event) {
	if ev.Kind != EventMessageSent || ev.SessionID == "" || ev.Envelope == nil {
		return
	}
	if ev.Envelope.Type != model.EnvelopeData {
		return
	}

	g.bridgeMu.Lock()
	if g.bridged[ev.SessionID] == ev.Envelope.ID {
		g.bridgeMu.Unlock()
		return
	}
	g.bridged[ev.SessionID] = ev.Envelope.ID
	g.bridgeMu.Unlock()

	g.broadcastRoom(ev.SessionID, model.NewServerMessage(model.EventSSEBridgeMessage, ev.SessionID, ev.Envelope.Data), "")
}

// Shutdown notifies every open connection and closes its transport.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		g.sendTo(c, model.NewServerMessage(model.EventServerShutdown, "", map[string]any{
			"reason": "server shutting down",
		}))
		g.Disconnect(c.ID)
	}
	log.Printf("[gateway] shut down, closed %d connections", len(conns))
}

// UserConnectionCount reports live socket connections for a user;
// consulted by the connection guard.
func (g *Gateway) UserConnectionCount(userID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byUser[userID])
}

// RoomSize reports how many connections are in a session's room.
func (g *Gateway) RoomSize(sessionID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[sessionID])
}

// Stats returns aggregate gateway counters.
func (g *Gateway) Stats() GatewayStats {
	g.mu.RLock()
	active := len(g.conns)
	rooms := len(g.rooms)
	g.mu.RUnlock()

	return GatewayStats{
		TotalConnections:  g.totalConnections.Load(),
		ActiveConnections: active,
		Rooms:             rooms,
		MessagesReceived:  g.messagesReceived.Load(),
		MessagesSent:      g.messagesSent.Load(),
		SendFailures:      g.sendFailures.Load(),
	}
}

// add is the only code path that inserts into the gateway indices.
func (g *Gateway) add(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c.ID] = c
	if g.byUser[c.UserID] == nil {
		g.byUser[c.UserID] = make(map[string]*Connection)
	}
	g.byUser[c.UserID][c.ID] = c
}

// remove is the only code path that deletes from the gateway indices; it
// clears the main map, the per-user index, and any room membership in
// one critical section.
func (g *Gateway) remove(connID string) (*Connection, string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, ok := g.conns[connID]
	if !ok {
		return nil, "", false
	}
	delete(g.conns, connID)
	if set := g.byUser[conn.UserID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(g.byUser, conn.UserID)
		}
	}

	roomID := g.roomOf[connID]
	if roomID != "" {
		delete(g.roomOf, connID)
		if room := g.rooms[roomID]; room != nil {
			delete(room, connID)
			if len(room) == 0 {
				delete(g.rooms, roomID)
			}
		}
	}
	conn.Active = false
	return conn, roomID, true
}

// joinRoom moves the connection into the room, returning the room it
// previously occupied, if any. Room membership and the side index are
// updated together.
func (g *Gateway) joinRoom(c *Connection, sessionID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	previous := g.roomOf[c.ID]
	if previous == sessionID {
		return previous
	}
	if previous != "" {
		if room := g.rooms[previous]; room != nil {
			delete(room, c.ID)
			if len(room) == 0 {
				delete(g.rooms, previous)
			}
		}
	}

	if g.rooms[sessionID] == nil {
		g.rooms[sessionID] = make(map[string]*Connection)
	}
	g.rooms[sessionID][c.ID] = c
	g.roomOf[c.ID] = sessionID
	c.SessionID = sessionID
	return previous
}

func (g *Gateway) leaveRoom(c *Connection, sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.roomOf[c.ID] != sessionID {
		return false
	}
	delete(g.roomOf, c.ID)
	if room := g.rooms[sessionID]; room != nil {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(g.rooms, sessionID)
		}
	}
	c.SessionID = ""
	return true
}

func (g *Gateway) get(connID string) (*Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	conn, ok := g.conns[connID]
	return conn, ok
}

func (g *Gateway) inRoom(connID, sessionID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roomOf[connID] == sessionID
}

func (g *Gateway) touch(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conn, ok := g.conns[connID]; ok {
		conn.LastActivity = time.Now().UTC()
	}
}

// broadcastRoom fans a message out to the room, skipping excludeConnID
// when set. Returns the number of successful deliveries.
func (g *Gateway) broadcastRoom(sessionID string, msg model.ServerMessage, excludeConnID string) int {
	g.mu.RLock()
	targets := make([]*Connection, 0, len(g.rooms[sessionID]))
	for id, c := range g.rooms[sessionID] {
		if id == excludeConnID || !c.Active {
			continue
		}
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	count := 0
	for _, c := range targets {
		if g.sendTo(c, msg) {
			count++
		}
	}
	return count
}

// sendTo writes one frame to a connection; a failing write disconnects
// the connection and is never surfaced to other members of a broadcast.
func (g *Gateway) sendTo(c *Connection, msg model.ServerMessage) bool {
	frame, err := msg.Encode()
	if err != nil {
		log.Printf("[gateway] failed to encode %s message: %v", msg.Type, err)
		return false
	}
	if err := c.sink.Write(frame); err != nil {
		log.Printf("[gateway] write to %s failed, disconnecting: %v", c.ID, err)
		g.sendFailures.Add(1)
		g.Disconnect(c.ID)
		return false
	}
	g.messagesSent.Add(1)
	return true
}

// estimateTokens is a rough words-to-tokens heuristic used for counter
// increments when no model usage data is available.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

var (
	_ session.RoomNotifier     = (*Gateway)(nil)
	_ session.ConnectionCloser = (*Gateway)(nil)
)
