// Package agent implements the agent registry and the session state machine.
package agent

import (
	"errors"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	StatusSpawned    SessionStatus = "spawned"
	StatusIdle       SessionStatus = "idle"
	StatusBusy       SessionStatus = "busy"
	StatusError      SessionStatus = "error"
	StatusTerminated SessionStatus = "terminated"
)

// ParseSessionStatus validates a status string at the boundary.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case StatusSpawned, StatusIdle, StatusBusy, StatusError, StatusTerminated:
		return SessionStatus(s), nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusTerminated
}

// Denormalized agent status values kept in sync with the active session.
const (
	AgentActive  = "active"
	AgentIdle    = "idle"
	AgentOffline = "offline"
)

// Agent is a static agent definition. Status mirrors the active session.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one activation of an agent, from spawn to terminate.
type Session struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	Status       SessionStatus  `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

var (
	// ErrAgentNotFound is returned when the named agent does not exist.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentAlreadySpawned is returned by Spawn when the agent already
	// has a non-terminal session.
	ErrAgentAlreadySpawned = errors.New("agent already has an active session")
	// ErrAgentNotSpawned is returned when an operation requires an active
	// session and there is none.
	ErrAgentNotSpawned = errors.New("agent has no active session")
	// ErrInvalidTransition is the sentinel all TransitionErrors unwrap to.
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// TransitionError reports a rejected state machine transition.
type TransitionError struct {
	AgentID string
	From    SessionStatus
	To      SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session status transition for %s: %s -> %s", e.AgentID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// canTransition encodes the session state machine. Self-transitions are
// allowed and treated as no-ops by the manager.
func canTransition(from, to SessionStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusSpawned:
		return to == StatusIdle || to == StatusBusy || to == StatusError || to == StatusTerminated
	case StatusIdle:
		return to == StatusBusy || to == StatusTerminated
	case StatusBusy:
		return to == StatusIdle || to == StatusError || to == StatusTerminated
	case StatusError:
		return to == StatusTerminated
	case StatusTerminated:
		return false
	default:
		return false
	}
}

// agentStatusFor maps a session status to the denormalized agent status.
func agentStatusFor(s SessionStatus) string {
	switch s {
	case StatusBusy:
		return AgentActive
	case StatusSpawned, StatusIdle:
		return AgentIdle
	default:
		return AgentOffline
	}
}
