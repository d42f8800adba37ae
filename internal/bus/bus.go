package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one published item as seen by subscribers. Message is the
// persisted row when the publish was persisted, nil otherwise.
type Event struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Message *Message       `json:"message,omitempty"`
}

// Handler consumes events for a topic. Handler errors are logged and do
// not abort delivery to other handlers.
type Handler func(ctx context.Context, evt *Event) error

type subscription struct {
	id      int
	handler Handler
}

// Bus decouples agents from each other: publishes persist a message row
// (when both endpoints are named) and enqueue the event for the processor,
// which dispatches matching handlers in publish order.
type Bus struct {
	store  *MessageStore
	mirror *Mirror
	queue  chan *Event

	mu      sync.RWMutex
	subs    map[string][]subscription
	nextSub int
	stopped chan struct{}
	stopOne sync.Once
}

// New creates a message bus. store may be nil to disable persistence;
// mirror may be nil to disable event mirroring.
func New(store *MessageStore, mirror *Mirror, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		store:   store,
		mirror:  mirror,
		queue:   make(chan *Event, queueSize),
		subs:    make(map[string][]subscription),
		stopped: make(chan struct{}),
	}
}

// Subscribe registers a handler for a topic and returns its subscription
// id. A subscriber of "agent.2" also receives "agent.2.request" and any
// other dotted extension of its topic.
func (b *Bus) Subscribe(topic string, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	b.subs[topic] = append(b.subs[topic], subscription{id: b.nextSub, handler: h})
	return b.nextSub
}

// Unsubscribe removes a handler registered by Subscribe.
func (b *Bus) Unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish enqueues an event on the topic. With persist set and both
// endpoints named, a message row is written first with status pending; the
// row is returned. The message type follows the topic suffix convention.
func (b *Bus) Publish(ctx context.Context, topic string, payload map[string]any, from, to string, persist bool) (*Message, error) {
	return b.publish(ctx, topic, payload, from, to, persist, typeForTopic(topic))
}

func (b *Bus) publish(ctx context.Context, topic string, payload map[string]any, from, to string, persist bool, typ MessageType) (*Message, error) {
	evt := &Event{Topic: topic, Payload: payload}
	if persist && from != "" && to != "" && b.store != nil {
		msg := &Message{
			ID:          ulid.Make().String(),
			FromAgentID: from,
			ToAgentID:   to,
			Type:        typ,
			Payload:     payload,
			Status:      StatusPending,
			CreatedAt:   time.Now().UTC(),
		}
		if err := b.store.Insert(ctx, msg); err != nil {
			return nil, err
		}
		evt.Message = msg
	}
	b.enqueue(ctx, evt)
	return evt.Message, nil
}

// Broadcast publishes the payload to every target's agent topic and
// returns the persisted rows, typed broadcast.
func (b *Bus) Broadcast(ctx context.Context, payload map[string]any, from string, targets []string, persist bool) ([]*Message, error) {
	var msgs []*Message
	for _, target := range targets {
		msg, err := b.publish(ctx, AgentTopic(target), payload, from, target, persist, TypeBroadcast)
		if err != nil {
			return msgs, fmt.Errorf("broadcast to %s: %w", target, err)
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// MarkProcessed advances a delivered message to processed, stamping
// processed_at. The transition stays caller-driven; the bus itself only
// advances pending to delivered.
func (b *Bus) MarkProcessed(ctx context.Context, messageID string) error {
	if b.store == nil {
		return ErrMessageNotFound
	}
	return b.store.Advance(ctx, messageID, StatusProcessed)
}

// MarkFailed moves a non-terminal message to failed.
func (b *Bus) MarkFailed(ctx context.Context, messageID string) error {
	if b.store == nil {
		return ErrMessageNotFound
	}
	return b.store.Advance(ctx, messageID, StatusFailed)
}

// QueueSize returns the number of pending events.
func (b *Bus) QueueSize() int {
	return len(b.queue)
}

// Run drives the processor loop: pop, dispatch handlers sequentially, then
// mark the persisted row delivered. Run as a goroutine; returns when the
// context is cancelled or Stop is called.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopped:
			return nil
		case evt := <-b.queue:
			b.dispatch(ctx, evt)
		}
	}
}

// Stop signals the processor to exit after its current wait.
func (b *Bus) Stop() {
	b.stopOne.Do(func() { close(b.stopped) })
}

func (b *Bus) dispatch(ctx context.Context, evt *Event) {
	for _, sub := range b.handlersFor(evt.Topic) {
		b.invoke(ctx, sub.handler, evt)
	}
	if evt.Message != nil && b.store != nil {
		if err := b.store.Advance(ctx, evt.Message.ID, StatusDelivered); err != nil {
			slog.Warn("bus: mark delivered failed", "message", evt.Message.ID, "error", err)
		} else {
			evt.Message.Status = StatusDelivered
		}
	}
	if b.mirror != nil {
		if err := b.mirror.Publish(ctx, evt); err != nil {
			slog.Warn("bus: mirror publish failed", "topic", evt.Topic, "error", err)
		}
	}
}

// invoke runs one handler, containing panics and errors so delivery
// continues to the remaining handlers.
func (b *Bus) invoke(ctx context.Context, h Handler, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: handler panic", "topic", evt.Topic, "panic", r)
		}
	}()
	if err := h(ctx, evt); err != nil {
		slog.Warn("bus: handler error", "topic", evt.Topic, "error", err)
	}
}

// handlersFor collects exact-topic subscribers plus prefix subscribers
// (subscription topic followed by a dot), preserving registration order.
func (b *Bus) handlersFor(topic string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []subscription
	matched = append(matched, b.subs[topic]...)
	for subTopic, subs := range b.subs {
		if subTopic != topic && len(topic) > len(subTopic) &&
			topic[:len(subTopic)] == subTopic && topic[len(subTopic)] == '.' {
			matched = append(matched, subs...)
		}
	}
	return matched
}

// enqueue applies the overflow policy: broadcasts and bare events may be
// dropped with a warning when the queue is full; requests and responses
// block until space frees up, persisted or not.
func (b *Bus) enqueue(ctx context.Context, evt *Event) {
	select {
	case b.queue <- evt:
		return
	default:
	}
	typ := typeForTopic(evt.Topic)
	if evt.Message != nil {
		typ = evt.Message.Type
	}
	if typ == TypeBroadcast || typ == TypeEvent {
		slog.Warn("bus: queue full, dropping event", "topic", evt.Topic)
		return
	}
	select {
	case b.queue <- evt:
	case <-ctx.Done():
		slog.Warn("bus: enqueue cancelled", "topic", evt.Topic)
	case <-b.stopped:
	}
}
