package realtime

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	model "github.com/mivox/chatstream/internal/model/realtime"
)

// RegistryConfig tunes the push-transport connection registry.
type RegistryConfig struct {
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	CleanupInterval   time.Duration
}

// DefaultRegistryConfig returns the timings used when none are configured.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 90 * time.Second,
		CleanupInterval:   30 * time.Second,
	}
}

// RegistryStats aggregates registry counters for ops endpoints.
type RegistryStats struct {
	TotalConnections  int64 `json:"totalConnections"`
	ActiveConnections int   `json:"activeConnections"`
	ClosedConnections int64 `json:"closedConnections"`
	MessagesSent      int64 `json:"messagesSent"`
	SendFailures      int64 `json:"sendFailures"`
	Users             int   `json:"users"`
	Sessions          int   `json:"sessions"`
}

// Registry tracks every push-transport connection together with per-user
// and per-session indices. The three maps are mutated only by add and
// remove so they can never drift apart; everything else reads snapshots.
type Registry struct {
	cfg RegistryConfig

	mu        sync.RWMutex
	conns     map[string]*Connection
	byUser    map[string]map[string]*Connection
	bySession map[string]map[string]*Connection

	totalCreated atomic.Int64
	totalClosed  atomic.Int64
	messagesSent atomic.Int64
	sendFailures atomic.Int64

	observers observerList

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a registry; call Start to run the heartbeat and
// cleanup loops and Stop on shutdown.
func NewRegistry(cfg RegistryConfig) *Registry {
	def := DefaultRegistryConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:       cfg,
		conns:     make(map[string]*Connection),
		byUser:    make(map[string]map[string]*Connection),
		bySession: make(map[string]map[string]*Connection),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Subscribe registers an observer for registry events.
func (r *Registry) Subscribe(fn Observer) {
	r.observers.subscribe(fn)
}

// Start launches the heartbeat and inactivity-sweep loops.
func (r *Registry) Start() {
	go r.run()
}

// Stop halts the periodic loops, then notifies and closes every open
// connection. Safe to call once.
func (r *Registry) Stop() {
	r.cancel()
	<-r.done

	ids := r.snapshotIDs()
	for _, id := range ids {
		r.closeWithReason(id, "serverShutdown")
	}
	log.Printf("[registry] stopped, closed %d connections", len(ids))
}

func (r *Registry) run() {
	defer close(r.done)

	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(r.cfg.CleanupInterval)
	defer sweep.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-heartbeat.C:
			r.sendHeartbeats()
		case <-sweep.C:
			r.Cleanup()
		}
	}
}

// CreateConnection registers a new push connection and confirms it to
// the client with an initial data envelope.
func (r *Registry) CreateConnection(userID string, sink Sink, sessionID string, metadata map[string]string) (string, error) {
	if userID == "" {
		return "", ErrUserRequired
	}
	if sink == nil {
		return "", ErrSinkRequired
	}

	now := time.Now().UTC()
	conn := &Connection{
		ID:            uuid.NewString(),
		UserID:        userID,
		SessionID:     sessionID,
		Kind:          TransportPush,
		Active:        true,
		CreatedAt:     now,
		LastHeartbeat: now,
		LastActivity:  now,
		Metadata:      metadata,
		sink:          sink,
	}

	sink.OnClose(func() {
		r.dropClosed(conn.ID)
	})

	r.add(conn)
	r.totalCreated.Add(1)

	r.Send(conn.ID, model.NewEnvelope(model.EnvelopeData, map[string]any{
		"event":        "connected",
		"connectionId": conn.ID,
		"sessionId":    sessionID,
	}))

	r.observers.emit(Event{
		Kind:         EventConnectionCreated,
		ConnectionID: conn.ID,
		UserID:       userID,
		SessionID:    sessionID,
	})

	log.Printf("[registry] connection %s created for user %s", conn.ID, userID)
	return conn.ID, nil
}

// Send writes one framed envelope to a connection. A write failure
// closes the connection; the caller only ever sees the boolean.
func (r *Registry) Send(connID string, env model.Envelope) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	if ok && !conn.Active {
		ok = false
	}
	var sink Sink
	var userID, sessionID string
	if ok {
		sink = conn.sink
		userID = conn.UserID
		sessionID = conn.SessionID
	}
	r.mu.RUnlock()
	if !ok {
		return false
	}

	frame, err := env.EncodeFrame()
	if err != nil {
		log.Printf("[registry] failed to encode envelope for %s: %v", connID, err)
		return false
	}

	if err := sink.Write(frame); err != nil {
		log.Printf("[registry] write to %s failed, closing: %v", connID, err)
		r.sendFailures.Add(1)
		r.CloseConnection(connID)
		return false
	}

	r.messagesSent.Add(1)
	if env.Type == model.EnvelopeHeartbeat {
		r.touchHeartbeat(connID)
	} else {
		r.observers.emit(Event{
			Kind:         EventMessageSent,
			ConnectionID: connID,
			UserID:       userID,
			SessionID:    sessionID,
			Envelope:     &env,
		})
	}
	return true
}

// BroadcastToUser fans an envelope out to every active connection owned
// by the user; one failing connection never aborts the loop.
func (r *Registry) BroadcastToUser(userID string, env model.Envelope) int {
	return r.broadcast(r.snapshotSet(r.byUser, userID), env)
}

// BroadcastToSession fans an envelope out to every active connection
// bound to the session.
func (r *Registry) BroadcastToSession(sessionID string, env model.Envelope) int {
	return r.broadcast(r.snapshotSet(r.bySession, sessionID), env)
}

func (r *Registry) broadcast(ids []string, env model.Envelope) int {
	count := 0
	for _, id := range ids {
		if r.Send(id, env) {
			count++
		}
	}
	return count
}

// CloseConnection sends a best-effort final complete envelope, ends the
// sink, and removes the connection from every index.
func (r *Registry) CloseConnection(connID string) bool {
	return r.closeWithReason(connID, "closed")
}

// InterruptStreaming delivers a single error envelope carrying the
// reason. The connection stays open; interruption is notify-only.
func (r *Registry) InterruptStreaming(connID, reason string) bool {
	sent := r.Send(connID, model.NewEnvelope(model.EnvelopeError, map[string]any{
		"reason":      reason,
		"interrupted": true,
	}))
	if !sent {
		return false
	}

	r.mu.RLock()
	conn, ok := r.conns[connID]
	var userID, sessionID string
	if ok {
		userID = conn.UserID
		sessionID = conn.SessionID
	}
	r.mu.RUnlock()

	r.observers.emit(Event{
		Kind:         EventStreamingInterrupted,
		ConnectionID: connID,
		UserID:       userID,
		SessionID:    sessionID,
	})
	return true
}

// Cleanup closes every connection whose last successful heartbeat is
// older than the configured timeout. Returns the number reaped.
func (r *Registry) Cleanup() int {
	cutoff := time.Now().UTC().Add(-r.cfg.ConnectionTimeout)

	r.mu.RLock()
	stale := make([]string, 0)
	for id, conn := range r.conns {
		if conn.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		log.Printf("[registry] reaping stale connection %s", id)
		r.closeWithReason(id, "inactivityTimeout")
	}
	return len(stale)
}

// CloseSessionConnections force-closes every connection bound to the
// session; used when the session itself is deleted.
func (r *Registry) CloseSessionConnections(sessionID string) int {
	ids := r.snapshotSet(r.bySession, sessionID)
	for _, id := range ids {
		r.closeWithReason(id, "sessionDeleted")
	}
	return len(ids)
}

// GetConnection returns a snapshot of one connection.
func (r *Registry) GetConnection(connID string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return conn.info(), true
}

// GetUserConnections returns snapshots of the user's connections.
func (r *Registry) GetUserConnections(userID string) []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	infos := make([]ConnectionInfo, 0, len(set))
	for _, conn := range set {
		infos = append(infos, conn.info())
	}
	return infos
}

// UserConnectionCount reports how many live connections a user holds;
// consulted by the connection guard.
func (r *Registry) UserConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Stats returns aggregate registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	active := len(r.conns)
	users := len(r.byUser)
	sessions := len(r.bySession)
	r.mu.RUnlock()

	return RegistryStats{
		TotalConnections:  r.totalCreated.Load(),
		ActiveConnections: active,
		ClosedConnections: r.totalClosed.Load(),
		MessagesSent:      r.messagesSent.Load(),
		SendFailures:      r.sendFailures.Load(),
		Users:             users,
		Sessions:          sessions,
	}
}

// ConnectionStatus returns a per-connection snapshot for ops surfaces.
func (r *Registry) ConnectionStatus() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		infos = append(infos, conn.info())
	}
	return infos
}

// add is the only code path that inserts into the connection indices.
func (r *Registry) add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c
	if r.byUser[c.UserID] == nil {
		r.byUser[c.UserID] = make(map[string]*Connection)
	}
	r.byUser[c.UserID][c.ID] = c
	if c.SessionID != "" {
		if r.bySession[c.SessionID] == nil {
			r.bySession[c.SessionID] = make(map[string]*Connection)
		}
		r.bySession[c.SessionID][c.ID] = c
	}
}

// remove is the only code path that deletes from the connection indices.
// It clears the main, per-user, and per-session entries together so a
// closed connection can never linger in a secondary index.
func (r *Registry) remove(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)
	if set := r.byUser[conn.UserID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	if conn.SessionID != "" {
		if set := r.bySession[conn.SessionID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.bySession, conn.SessionID)
			}
		}
	}
	conn.Active = false
	return conn, true
}

func (r *Registry) closeWithReason(connID, reason string) bool {
	conn, ok := r.remove(connID)
	if !ok {
		return false
	}

	if frame, err := model.NewEnvelope(model.EnvelopeComplete, map[string]any{"reason": reason}).EncodeFrame(); err == nil {
		_ = conn.sink.Write(frame)
	}
	_ = conn.sink.Close()
	r.totalClosed.Add(1)

	r.observers.emit(Event{
		Kind:         EventConnectionClosed,
		ConnectionID: connID,
		UserID:       conn.UserID,
		SessionID:    conn.SessionID,
	})
	return true
}

// dropClosed handles a sink that reported closure from the transport
// side; the final complete envelope is pointless at that point.
func (r *Registry) dropClosed(connID string) {
	conn, ok := r.remove(connID)
	if !ok {
		return
	}
	_ = conn.sink.Close()
	r.totalClosed.Add(1)
	r.observers.emit(Event{
		Kind:         EventConnectionClosed,
		ConnectionID: connID,
		UserID:       conn.UserID,
		SessionID:    conn.SessionID,
	})
}

func (r *Registry) sendHeartbeats() {
	for _, id := range r.snapshotIDs() {
		r.Send(id, model.NewEnvelope(model.EnvelopeHeartbeat, nil))
	}
}

// touchHeartbeat advances the liveness clock; called only after a
// heartbeat write succeeded, since there is no client acknowledgement.
func (r *Registry) touchHeartbeat(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connID]; ok {
		conn.LastHeartbeat = time.Now().UTC()
	}
}

func (r *Registry) snapshotIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) snapshotSet(index map[string]map[string]*Connection, key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := index[key]
	ids := make([]string, 0, len(set))
	for id, conn := range set {
		if conn.Active {
			ids = append(ids, id)
		}
	}
	return ids
}
