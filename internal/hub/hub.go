// Package hub implements the realtime connection registry: client streams,
// per-agent subscription sets and fan-out of server events.
package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Stream is the transport handle the hub writes frames to. Implemented by
// the websocket layer; tests substitute an in-memory stream.
type Stream interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Connection is one registered client.
type Connection struct {
	ClientKey   string
	PrincipalID *int64
	AgentID     string
	ConnectedAt time.Time
	LastPing    time.Time
	stream      Stream
}

// InboundHandler consumes a client frame of a registered kind.
type InboundHandler func(ctx context.Context, clientKey string, frame map[string]any)

// Hub is the process-wide realtime fan-out point. It carries no import-time
// side effects; construct one per process (or per test) and Start it.
type Hub struct {
	db *sql.DB // optional connection rows; nil disables persistence

	mu          sync.RWMutex
	conns       map[string]*Connection
	subscribers map[string]map[string]struct{}
	handlers    map[string][]InboundHandler
	started     bool

	nowFn func() time.Time
}

// New creates a hub. db may be nil to skip connection row bookkeeping.
func New(db *sql.DB) *Hub {
	return &Hub{
		db:          db,
		conns:       make(map[string]*Connection),
		subscribers: make(map[string]map[string]struct{}),
		handlers:    make(map[string][]InboundHandler),
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// Start marks the hub live. Connect before Start is rejected.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
}

// Stop closes every stream and clears the registries so tests can reset.
func (h *Hub) Stop() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*Connection)
	h.subscribers = make(map[string]map[string]struct{})
	h.started = false
	h.mu.Unlock()

	for key, conn := range conns {
		if err := conn.stream.Close(); err != nil {
			slog.Debug("hub: close stream", "client", key, "error", err)
		}
		h.persistDisconnect(key)
	}
}

// OnMessage registers a handler for a client frame kind beyond the
// built-in ping/subscribe/unsubscribe.
func (h *Hub) OnMessage(kind string, handler InboundHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[kind] = append(h.handlers[kind], handler)
}

// Connect registers a stream under clientKey. A non-empty agentID also
// subscribes the client to that agent's events. Returns false when the hub
// is not started.
func (h *Hub) Connect(clientKey string, stream Stream, principalID *int64, agentID string) bool {
	now := h.nowFn()
	conn := &Connection{
		ClientKey:   clientKey,
		PrincipalID: principalID,
		AgentID:     agentID,
		ConnectedAt: now,
		LastPing:    now,
		stream:      stream,
	}

	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return false
	}
	h.conns[clientKey] = conn
	if agentID != "" {
		h.subscribeLocked(clientKey, agentID)
	}
	h.mu.Unlock()

	h.persistConnect(conn)
	slog.Debug("hub: client connected", "client", clientKey, "agent", agentID)
	return true
}

// Disconnect removes the client from the registry and from every
// subscription set.
func (h *Hub) Disconnect(clientKey string) {
	h.mu.Lock()
	conn, ok := h.conns[clientKey]
	delete(h.conns, clientKey)
	for agentID, set := range h.subscribers {
		delete(set, clientKey)
		if len(set) == 0 {
			delete(h.subscribers, agentID)
		}
	}
	h.mu.Unlock()

	if ok {
		_ = conn.stream.Close()
		h.persistDisconnect(clientKey)
		slog.Debug("hub: client disconnected", "client", clientKey)
	}
}

// Subscribe re-registers the client with an agent's subscriber set,
// replacing any previous subscription.
func (h *Hub) Subscribe(clientKey, agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[clientKey]
	if !ok {
		return false
	}
	for _, set := range h.subscribers {
		delete(set, clientKey)
	}
	conn.AgentID = agentID
	h.subscribeLocked(clientKey, agentID)
	return true
}

// Unsubscribe removes the client from its agent's subscriber set.
func (h *Hub) Unsubscribe(clientKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.conns[clientKey]; ok {
		conn.AgentID = ""
	}
	for agentID, set := range h.subscribers {
		delete(set, clientKey)
		if len(set) == 0 {
			delete(h.subscribers, agentID)
		}
	}
}

// Ping refreshes the client's liveness stamp.
func (h *Hub) Ping(clientKey string) {
	now := h.nowFn()
	h.mu.Lock()
	if conn, ok := h.conns[clientKey]; ok {
		conn.LastPing = now
	}
	h.mu.Unlock()
	if h.db != nil {
		_, _ = h.db.Exec(`UPDATE connections SET last_ping = ? WHERE client_key = ?`, now, clientKey)
	}
}

// SendTo delivers one message to a single client. Best-effort: returns
// whether the send succeeded; a failed send disconnects the client.
func (h *Hub) SendTo(ctx context.Context, clientKey string, message map[string]any) bool {
	h.mu.RLock()
	conn, ok := h.conns[clientKey]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	data, err := json.Marshal(message)
	if err != nil {
		slog.Error("hub: encode message", "client", clientKey, "error", err)
		return false
	}
	if err := conn.stream.Send(ctx, data); err != nil {
		slog.Warn("hub: send failed", "client", clientKey, "error", err)
		h.Disconnect(clientKey)
		return false
	}
	return true
}

// Broadcast sends the message to every connected client except those in
// exclude. Returns the success count.
func (h *Hub) Broadcast(ctx context.Context, message map[string]any, exclude ...string) int {
	skip := make(map[string]struct{}, len(exclude))
	for _, key := range exclude {
		skip[key] = struct{}{}
	}
	sent := 0
	for _, key := range h.clientKeys() {
		if _, skipped := skip[key]; skipped {
			continue
		}
		if h.SendTo(ctx, key, message) {
			sent++
		}
	}
	return sent
}

// BroadcastToAgent sends the message to the agent's subscriber set and
// returns the success count.
func (h *Hub) BroadcastToAgent(ctx context.Context, agentID string, message map[string]any) int {
	h.mu.RLock()
	keys := make([]string, 0, len(h.subscribers[agentID]))
	for key := range h.subscribers[agentID] {
		keys = append(keys, key)
	}
	h.mu.RUnlock()

	sent := 0
	for _, key := range keys {
		if h.SendTo(ctx, key, message) {
			sent++
		}
	}
	return sent
}

// SendStatusUpdate fans an agent status change out to the agent's
// subscribers and to all clients, in the canonical frame shape.
func (h *Hub) SendStatusUpdate(ctx context.Context, agentID, oldStatus, newStatus string) {
	frame := map[string]any{
		"type":       "status",
		"agent_id":   agentID,
		"old_status": oldStatus,
		"new_status": newStatus,
		"timestamp":  h.nowFn().Format(time.RFC3339Nano),
	}
	h.BroadcastToAgent(ctx, agentID, frame)
	h.Broadcast(ctx, frame)
}

// SubscriberCount returns the size of an agent's subscriber set.
func (h *Hub) SubscriberCount(agentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[agentID])
}

// ConnectionCount returns the number of registered clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleInbound parses and dispatches one client frame. ping, subscribe
// and unsubscribe are handled by the hub itself; other kinds go to
// registered handlers. Malformed frames elicit an error reply.
func (h *Hub) HandleInbound(ctx context.Context, clientKey string, raw []byte) {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.SendTo(ctx, clientKey, errorFrame("Invalid JSON format"))
		return
	}
	kind, _ := frame["type"].(string)
	switch kind {
	case "ping":
		h.Ping(clientKey)
		h.SendTo(ctx, clientKey, map[string]any{"type": "pong", "timestamp": h.nowFn().Format(time.RFC3339Nano)})
	case "subscribe":
		agentID, _ := frame["agent_id"].(string)
		if agentID == "" {
			h.SendTo(ctx, clientKey, errorFrame("Missing agent_id"))
			return
		}
		if !h.Subscribe(clientKey, agentID) {
			return
		}
		h.SendTo(ctx, clientKey, map[string]any{"type": "subscribed", "agent_id": agentID})
	case "unsubscribe":
		h.Unsubscribe(clientKey)
		h.SendTo(ctx, clientKey, map[string]any{"type": "unsubscribed"})
	default:
		h.mu.RLock()
		handlers := append([]InboundHandler(nil), h.handlers[kind]...)
		h.mu.RUnlock()
		if len(handlers) == 0 {
			h.SendTo(ctx, clientKey, errorFrame("Unknown message type"))
			return
		}
		for _, handler := range handlers {
			handler(ctx, clientKey, frame)
		}
	}
}

// GetConnection returns a snapshot of a registered connection.
func (h *Hub) GetConnection(clientKey string) (Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[clientKey]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

func (h *Hub) subscribeLocked(clientKey, agentID string) {
	set, ok := h.subscribers[agentID]
	if !ok {
		set = make(map[string]struct{})
		h.subscribers[agentID] = set
	}
	set[clientKey] = struct{}{}
}

func (h *Hub) clientKeys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, 0, len(h.conns))
	for key := range h.conns {
		keys = append(keys, key)
	}
	return keys
}

func (h *Hub) persistConnect(conn *Connection) {
	if h.db == nil {
		return
	}
	var principal any
	if conn.PrincipalID != nil {
		principal = *conn.PrincipalID
	}
	var agent any
	if conn.AgentID != "" {
		agent = conn.AgentID
	}
	_, err := h.db.Exec(
		`INSERT INTO connections (client_key, principal_id, agent_id, connected_at, last_ping, is_active)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT(client_key) DO UPDATE SET principal_id = excluded.principal_id,
			agent_id = excluded.agent_id, connected_at = excluded.connected_at,
			last_ping = excluded.last_ping, is_active = 1`,
		conn.ClientKey, principal, agent, conn.ConnectedAt, conn.LastPing,
	)
	if err != nil {
		slog.Warn("hub: persist connection", "client", conn.ClientKey, "error", err)
	}
}

func (h *Hub) persistDisconnect(clientKey string) {
	if h.db == nil {
		return
	}
	if _, err := h.db.Exec(`UPDATE connections SET is_active = 0 WHERE client_key = ?`, clientKey); err != nil {
		slog.Warn("hub: persist disconnect", "client", clientKey, "error", err)
	}
}

func errorFrame(message string) map[string]any {
	return map[string]any{"type": "error", "message": message}
}
