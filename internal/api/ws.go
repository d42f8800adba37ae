package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Send(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "closed")
}

// handleAgentsWS upgrades to the global agents stream: connected frame,
// initial state snapshot, then a read loop feeding the hub dispatcher.
func (s *Server) handleAgentsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		return
	}
	clientKey := uuid.NewString()
	stream := &wsStream{conn: conn}
	if !s.Hub.Connect(clientKey, stream, nil, "") {
		conn.Close(websocket.StatusTryAgainLater, "hub not started")
		return
	}
	defer s.Hub.Disconnect(clientKey)

	ctx := r.Context()
	s.Hub.SendTo(ctx, clientKey, map[string]any{"type": "connected", "client_id": clientKey})

	agents, err := s.Agents.ListAgents(ctx)
	if err == nil {
		s.Hub.SendTo(ctx, clientKey, map[string]any{
			"type":      "initial_state",
			"agents":    agents,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	}

	s.readLoop(ctx, conn, clientKey)
}

// handleChatWS upgrades a per-agent chat stream and auto-subscribes it.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimPrefix(r.URL.Path, "/ws/chat/")
	if agentID == "" || strings.Contains(agentID, "/") {
		writeError(w, http.StatusNotFound, errNotFound("agent"))
		return
	}
	view, err := s.Agents.GetStatus(r.Context(), agentID)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		return
	}
	clientKey := uuid.NewString()
	stream := &wsStream{conn: conn}
	if !s.Hub.Connect(clientKey, stream, nil, agentID) {
		conn.Close(websocket.StatusTryAgainLater, "hub not started")
		return
	}
	defer s.Hub.Disconnect(clientKey)

	ctx := r.Context()
	s.Hub.SendTo(ctx, clientKey, map[string]any{
		"type":         "connected",
		"agent_id":     agentID,
		"agent_status": view.AgentStatus,
	})

	s.readLoop(ctx, conn, clientKey)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, clientKey string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.Hub.HandleInbound(ctx, clientKey, data)
	}
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	origins := s.Cfg.Server.CORSOrigins
	for _, o := range origins {
		if o == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: origins}
}

type notFoundError string

func errNotFound(what string) error {
	return notFoundError(what)
}

func (e notFoundError) Error() string {
	return string(e) + " not found"
}
