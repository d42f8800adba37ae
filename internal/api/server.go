// Package api exposes the HTTP surface: authentication endpoints, agent
// administration and the realtime websocket routes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/valetd/valet/internal/agent"
	"github.com/valetd/valet/internal/auth"
	"github.com/valetd/valet/internal/bus"
	"github.com/valetd/valet/internal/config"
	"github.com/valetd/valet/internal/hub"
	"github.com/valetd/valet/internal/memory"
)

// Server wires the core components behind the HTTP mux.
type Server struct {
	Cfg     *config.Config
	Auth    *auth.Service
	Tokens  *auth.TokenIssuer
	Limiter *auth.Limiter
	Audit   *auth.Audit
	Agents  *agent.Manager
	Memory  *memory.Store
	Bus     *bus.Bus
	Hub     *hub.Hub

	Version   string
	StartedAt time.Time
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/me", s.handleMe)
	mux.HandleFunc("/api/auth/profile", s.handleProfile)
	mux.HandleFunc("/api/auth/logout", s.handleLogout)

	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agents/", s.handleAgentItem)

	mux.HandleFunc("/ws/agents", s.handleAgentsWS)
	mux.HandleFunc("/ws/chat/", s.handleChatWS)

	return s.cors(mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	origins := s.Cfg.Server.CORSOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range origins {
			if allowed == "*" || allowed == origin {
				if allowed == "*" {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
				}
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.Version,
		"environment":    s.Cfg.Server.Environment,
		"uptime_seconds": int(time.Since(s.StartedAt).Seconds()),
		"connections":    s.Hub.ConnectionCount(),
		"bus_queue":      s.Bus.QueueSize(),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body"))
		return
	}
	p, err := s.Auth.Register(body.Name, body.Email, body.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) || errors.Is(err, auth.ErrWeakPassword) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	token, err := s.Tokens.Mint(p, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": p, "token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		RememberMe bool   `json:"remember_me"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body"))
		return
	}
	clientKey := auth.ClientKey(r)
	meta := auth.EventMeta{ClientKey: clientKey, UserAgent: r.UserAgent()}

	if err := s.Limiter.Check(clientKey); err != nil {
		s.Audit.Log(auth.Event{Kind: auth.EventRateLimited, Subject: body.Email, ClientKey: clientKey, UserAgent: meta.UserAgent, Success: false})
		retry := int(s.Limiter.RetryAfter(clientKey).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, err)
		return
	}

	p, err := s.Auth.Authenticate(body.Email, body.Password, meta)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if p == nil {
		s.Limiter.RecordFailure(clientKey, body.Email)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
		return
	}
	s.Limiter.Clear(clientKey)

	token, err := s.Tokens.Mint(p, body.RememberMe)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": p, "token": token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeMethodNotAllowed(w)
		return
	}
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	var body struct {
		Name            string `json:"name"`
		Email           string `json:"email"`
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body"))
		return
	}
	meta := auth.EventMeta{ClientKey: auth.ClientKey(r), UserAgent: r.UserAgent()}
	updated, err := s.Auth.UpdateProfile(p.ID, auth.ProfileUpdate{
		Name:            body.Name,
		Email:           body.Email,
		CurrentPassword: body.CurrentPassword,
		NewPassword:     body.NewPassword,
	}, meta)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) || errors.Is(err, auth.ErrWeakPassword) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	s.Audit.Log(auth.Event{
		Kind: auth.EventLogout, PrincipalID: &p.ID, Subject: p.Email, Success: true,
		ClientKey: auth.ClientKey(r), UserAgent: r.UserAgent(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		agents, err := s.Agents.ListAgents(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
	case http.MethodPost:
		var body struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body"))
			return
		}
		a, err := s.Agents.CreateAgent(r.Context(), body.ID, body.Name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleAgentItem routes /api/v1/agents/{id}[/op].
func (s *Server) handleAgentItem(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	agentID, op, _ := strings.Cut(rest, "/")
	if agentID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("agent id required"))
		return
	}

	switch {
	case op == "" && r.Method == http.MethodGet:
		view, err := s.Agents.GetStatus(r.Context(), agentID)
		if err != nil {
			s.writeAgentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case op == "spawn" && r.Method == http.MethodPost:
		var body struct {
			Metadata map[string]any `json:"metadata"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		session, err := s.Agents.Spawn(r.Context(), agentID, body.Metadata)
		if err != nil {
			s.writeAgentError(w, err)
			return
		}
		_, _ = s.Bus.Publish(r.Context(), bus.AgentTopic(agentID), map[string]any{
			"event": "spawned", "session_id": session.ID,
		}, "", "", false)
		writeJSON(w, http.StatusCreated, session)
	case op == "terminate" && r.Method == http.MethodPost:
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		session, err := s.Agents.Terminate(r.Context(), agentID, body.Reason)
		if err != nil {
			s.writeAgentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case op == "status" && r.Method == http.MethodPost:
		var body struct {
			Status       string `json:"status"`
			ErrorMessage string `json:"error_message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body"))
			return
		}
		status, err := agent.ParseSessionStatus(body.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		session, err := s.Agents.UpdateStatus(r.Context(), agentID, status, body.ErrorMessage)
		if err != nil {
			s.writeAgentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case op == "sessions" && r.Method == http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		sessions, err := s.Agents.GetSessionHistory(r.Context(), agentID, limit)
		if err != nil {
			s.writeAgentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	case op == "memory" && r.Method == http.MethodPost:
		s.handleMemoryStore(w, r, agentID)
	case op == "memory" && r.Method == http.MethodGet:
		s.handleMemoryList(w, r, agentID)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleMemoryStore(w http.ResponseWriter, r *http.Request, agentID string) {
	var body struct {
		Key       string     `json:"key"`
		Value     any        `json:"value"`
		Kind      string     `json:"kind"`
		SessionID string     `json:"session_id"`
		ExpiresAt *time.Time `json:"expires_at"`
		Encrypt   bool       `json:"encrypt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body"))
		return
	}
	kind, err := memory.ParseKind(body.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := s.Memory.Store(r.Context(), agentID, body.Key, body.Value, kind, memory.StoreOptions{
		SessionID: body.SessionID,
		ExpiresAt: body.ExpiresAt,
		Encrypt:   body.Encrypt,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request, agentID string) {
	var kind memory.Kind
	if k := r.URL.Query().Get("kind"); k != "" {
		parsed, err := memory.ParseKind(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		kind = parsed
	}
	entries, err := s.Memory.RetrieveAll(r.Context(), agentID, kind,
		r.URL.Query().Get("session_id"), parseInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// requirePrincipal enforces the bearer scheme: 401 for missing, expired or
// tampered tokens, 403 for inactive principals.
func (s *Server) requirePrincipal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if raw == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing bearer token"))
		return nil, false
	}
	id, err := s.Tokens.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
		return nil, false
	}
	p, err := s.Auth.GetPrincipal(id)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
		return nil, false
	}
	if !p.IsActive {
		s.Audit.Log(auth.Event{
			Kind: auth.EventPermissionDenied, PrincipalID: &p.ID, Subject: p.Email, Success: false,
			ClientKey: auth.ClientKey(r), UserAgent: r.UserAgent(),
		})
		writeError(w, http.StatusForbidden, fmt.Errorf("account inactive"))
		return nil, false
	}
	return p, true
}

func (s *Server) writeAgentError(w http.ResponseWriter, err error) {
	var transition *agent.TransitionError
	switch {
	case errors.Is(err, agent.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, agent.ErrAgentAlreadySpawned), errors.Is(err, agent.ErrAgentNotSpawned):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
