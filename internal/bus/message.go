// Package bus provides the async message bus for inter-agent coordination:
// persisted typed messages plus in-process per-topic pub/sub.
package bus

import (
	"fmt"
	"strings"
	"time"
)

// MessageType classifies persisted messages.
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeEvent     MessageType = "event"
	TypeBroadcast MessageType = "broadcast"
)

// ParseMessageType validates a message type string at the boundary.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case TypeRequest, TypeResponse, TypeEvent, TypeBroadcast:
		return MessageType(s), nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// MessageStatus is the delivery state of a persisted message. It only
// moves forward: pending -> delivered -> processed, or failed from any
// non-terminal state.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusDelivered MessageStatus = "delivered"
	StatusProcessed MessageStatus = "processed"
	StatusFailed    MessageStatus = "failed"
)

// ParseMessageStatus validates a status string at the boundary.
func ParseMessageStatus(s string) (MessageStatus, error) {
	switch MessageStatus(s) {
	case StatusPending, StatusDelivered, StatusProcessed, StatusFailed:
		return MessageStatus(s), nil
	}
	return "", fmt.Errorf("unknown message status %q", s)
}

func canAdvance(from, to MessageStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusDelivered || to == StatusFailed
	case StatusDelivered:
		return to == StatusProcessed || to == StatusFailed
	default:
		return false
	}
}

// Message is a persisted inter-agent message.
type Message struct {
	ID          string         `json:"id"`
	FromAgentID string         `json:"from_agent_id"`
	ToAgentID   string         `json:"to_agent_id"`
	Type        MessageType    `json:"type"`
	Payload     map[string]any `json:"payload"`
	Status      MessageStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// CorrelationKey is the payload key a request may set and a matching
// response echoes.
const CorrelationKey = "correlation_id"

// AgentTopic returns the reserved per-agent delivery topic.
func AgentTopic(agentID string) string {
	return "agent." + agentID
}

// typeForTopic derives the persisted message type from the topic suffix.
func typeForTopic(topic string) MessageType {
	switch {
	case strings.HasSuffix(topic, ".request"):
		return TypeRequest
	case strings.HasSuffix(topic, ".response"):
		return TypeResponse
	default:
		return TypeEvent
	}
}
