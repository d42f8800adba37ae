package bus

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupMessageDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE messages (
		id            TEXT PRIMARY KEY,
		from_agent_id TEXT,
		to_agent_id   TEXT,
		type          TEXT NOT NULL,
		payload       TEXT NOT NULL DEFAULT '{}',
		status        TEXT NOT NULL DEFAULT 'pending',
		created_at    DATETIME NOT NULL,
		processed_at  DATETIME
	)`)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func startBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		b.Stop()
		cancel()
		<-done
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(nil, nil, 16)
	startBus(t, b)

	var mu sync.Mutex
	var got []*Event
	b.Subscribe("agent.1.request", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		return nil
	})

	if _, err := b.Publish(context.Background(), "agent.1.request", map[string]any{"q": "weather"}, "", "", false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Topic != "agent.1.request" || got[0].Payload["q"] != "weather" {
		t.Fatalf("unexpected event: %+v", got[0])
	}
	if got[0].Message != nil {
		t.Fatal("unpersisted publish must not carry a message row")
	}
}

func TestPrefixSubscriptionMatchesDottedExtensions(t *testing.T) {
	b := New(nil, nil, 16)
	startBus(t, b)

	var mu sync.Mutex
	var topics []string
	b.Subscribe("agent.2", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		topics = append(topics, evt.Topic)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for _, topic := range []string{"agent.2", "agent.2.request", "agent.20", "agent.1.request"} {
		if _, err := b.Publish(ctx, topic, nil, "", "", false); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(topics) >= 2
	})
	// Give stragglers a moment; "agent.20" must never arrive.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(topics) != 2 || topics[0] != "agent.2" || topics[1] != "agent.2.request" {
		t.Fatalf("prefix matching delivered %v", topics)
	}
}

func TestPerTopicOrdering(t *testing.T) {
	b := New(nil, nil, 64)
	startBus(t, b)

	var mu sync.Mutex
	var seen []int
	b.Subscribe("agent.1", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		seen = append(seen, int(evt.Payload["seq"].(float64)))
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := b.Publish(ctx, "agent.1", map[string]any{"seq": float64(i)}, "", "", false); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	})
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("delivery out of order at %d: %v", i, seen)
		}
	}
}

func TestPersistedPublishLifecycle(t *testing.T) {
	store := NewMessageStore(setupMessageDB(t))
	b := New(store, nil, 16)
	startBus(t, b)

	delivered := make(chan string, 1)
	b.Subscribe("agent.2.request", func(ctx context.Context, evt *Event) error {
		delivered <- evt.Message.ID
		return nil
	})

	ctx := context.Background()
	msg, err := b.Publish(ctx, "agent.2.request", map[string]any{"task": "summarise"}, "agent-1", "agent-2", true)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("persisted publish must return the row")
	}
	if msg.Type != TypeRequest {
		t.Fatalf("topic suffix should derive type request, got %s", msg.Type)
	}
	if msg.Status != StatusPending {
		t.Fatalf("fresh row should be pending, got %s", msg.Status)
	}

	id := <-delivered
	if id != msg.ID {
		t.Fatalf("handler saw message %s, published %s", id, msg.ID)
	}

	// The bus advances the row to delivered after dispatch.
	waitFor(t, func() bool {
		stored, err := store.Get(ctx, msg.ID)
		if err != nil {
			t.Fatal(err)
		}
		return stored.Status == StatusDelivered
	})

	// Processing stays caller-driven.
	if err := b.MarkProcessed(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
	stored, err := store.Get(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusProcessed {
		t.Fatalf("expected processed, got %s", stored.Status)
	}
	if stored.ProcessedAt == nil {
		t.Fatal("processed must stamp processed_at")
	}
}

func TestPublishWithoutEndpointsSkipsPersistence(t *testing.T) {
	db := setupMessageDB(t)
	b := New(NewMessageStore(db), nil, 16)
	startBus(t, b)

	msg, err := b.Publish(context.Background(), "system.tick", nil, "", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("publish without both endpoints returned a row: %+v", msg)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected no rows, got %d", count)
	}
}

func TestStatusAdvanceMonotonic(t *testing.T) {
	store := NewMessageStore(setupMessageDB(t))
	ctx := context.Background()

	msg := &Message{
		ID: "msg-1", FromAgentID: "a", ToAgentID: "b",
		Type: TypeRequest, Payload: map[string]any{}, Status: StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Insert(ctx, msg); err != nil {
		t.Fatal(err)
	}

	// pending -> processed skips delivered.
	err := store.Advance(ctx, "msg-1", StatusProcessed)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.From != StatusPending || se.To != StatusProcessed {
		t.Fatalf("unexpected edge: %s -> %s", se.From, se.To)
	}

	if err := store.Advance(ctx, "msg-1", StatusDelivered); err != nil {
		t.Fatal(err)
	}
	if err := store.Advance(ctx, "msg-1", StatusProcessed); err != nil {
		t.Fatal(err)
	}
	// Terminal: no further moves.
	if err := store.Advance(ctx, "msg-1", StatusFailed); err == nil {
		t.Fatal("processed is terminal")
	}

	if err := store.Advance(ctx, "absent", StatusDelivered); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestHandlerFailureDoesNotBlockOthers(t *testing.T) {
	b := New(nil, nil, 16)
	startBus(t, b)

	var mu sync.Mutex
	var calls []string
	b.Subscribe("agent.1", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
		return errors.New("handler failed")
	})
	b.Subscribe("agent.1", func(ctx context.Context, evt *Event) error {
		panic("handler panicked")
	})
	b.Subscribe("agent.1", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		calls = append(calls, "third")
		mu.Unlock()
		return nil
	})

	if _, err := b.Publish(context.Background(), "agent.1", nil, "", "", false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if calls[0] != "first" || calls[1] != "third" {
		t.Fatalf("unexpected call order: %v", calls)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil, nil, 16)
	startBus(t, b)

	var mu sync.Mutex
	count := 0
	probe := make(chan struct{}, 8)
	id := b.Subscribe("agent.1", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	b.Subscribe("probe", func(ctx context.Context, evt *Event) error {
		probe <- struct{}{}
		return nil
	})

	ctx := context.Background()
	if _, err := b.Publish(ctx, "agent.1", nil, "", "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish(ctx, "probe", nil, "", "", false); err != nil {
		t.Fatal(err)
	}
	<-probe

	b.Unsubscribe("agent.1", id)
	if _, err := b.Publish(ctx, "agent.1", nil, "", "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish(ctx, "probe", nil, "", "", false); err != nil {
		t.Fatal(err)
	}
	<-probe

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", count)
	}
}

func TestBroadcastPersistsPerTarget(t *testing.T) {
	db := setupMessageDB(t)
	b := New(NewMessageStore(db), nil, 16)
	startBus(t, b)

	ctx := context.Background()
	msgs, err := b.Broadcast(ctx, map[string]any{"note": "standup in 5"}, "agent-1", []string{"agent-2", "agent-3"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(msgs))
	}
	seen := map[string]bool{}
	for _, m := range msgs {
		if m.FromAgentID != "agent-1" {
			t.Fatalf("wrong sender on %s: %s", m.ID, m.FromAgentID)
		}
		if m.Type != TypeBroadcast {
			t.Fatalf("broadcast rows must be typed broadcast, got %s", m.Type)
		}
		seen[m.ToAgentID] = true
	}
	if !seen["agent-2"] || !seen["agent-3"] {
		t.Fatalf("wrong targets: %v", seen)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 persisted rows, got %d", count)
	}
}

func TestRequestBlocksOnFullQueue(t *testing.T) {
	b := New(nil, nil, 1)

	got := make(chan string, 2)
	b.Subscribe("agent.9", func(ctx context.Context, evt *Event) error {
		got <- evt.Topic
		return nil
	})

	ctx := context.Background()
	// Fill the queue before the processor runs.
	if _, err := b.Publish(ctx, "agent.9", map[string]any{"n": "first"}, "", "", false); err != nil {
		t.Fatal(err)
	}

	published := make(chan struct{})
	go func() {
		defer close(published)
		_, _ = b.Publish(ctx, "agent.9.request", map[string]any{"content": "hi"}, "", "", false)
	}()

	select {
	case <-published:
		t.Fatal("unpersisted request must block on a full queue, not drop")
	case <-time.After(50 * time.Millisecond):
	}

	startBus(t, b)

	for _, want := range []string{"agent.9", "agent.9.request"} {
		select {
		case topic := <-got:
			if topic != want {
				t.Fatalf("expected %s, got %s", want, topic)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	<-published
}

func TestEventDroppedOnFullQueue(t *testing.T) {
	b := New(nil, nil, 1)

	got := make(chan string, 2)
	b.Subscribe("agent.9", func(ctx context.Context, evt *Event) error {
		got <- evt.Payload["n"].(string)
		return nil
	})

	ctx := context.Background()
	if _, err := b.Publish(ctx, "agent.9", map[string]any{"n": "kept"}, "", "", false); err != nil {
		t.Fatal(err)
	}
	// Returns immediately; the event is discarded.
	if _, err := b.Publish(ctx, "agent.9", map[string]any{"n": "dropped"}, "", "", false); err != nil {
		t.Fatal(err)
	}

	startBus(t, b)

	select {
	case n := <-got:
		if n != "kept" {
			t.Fatalf("expected the queued event, got %q", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the queued event")
	}
	select {
	case n := <-got:
		t.Fatalf("dropped event was delivered: %q", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResponseEchoesCorrelation(t *testing.T) {
	store := NewMessageStore(setupMessageDB(t))
	b := New(store, nil, 16)
	startBus(t, b)
	ctx := context.Background()

	// The responder copies the request's correlation id into its reply.
	b.Subscribe("agent.2.request", func(ctx context.Context, evt *Event) error {
		_, err := b.Publish(ctx, "agent.1.response", map[string]any{
			CorrelationKey: evt.Payload[CorrelationKey],
			"answer":       "sunny",
		}, "agent-2", "agent-1", true)
		return err
	})

	replies := make(chan *Event, 1)
	b.Subscribe("agent.1.response", func(ctx context.Context, evt *Event) error {
		replies <- evt
		return nil
	})

	req, err := b.Publish(ctx, "agent.2.request", map[string]any{
		CorrelationKey: "corr-42",
		"question":     "weather",
	}, "agent-1", "agent-2", true)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case reply := <-replies:
		if reply.Payload[CorrelationKey] != req.Payload[CorrelationKey] {
			t.Fatalf("reply correlation %v does not match request %v",
				reply.Payload[CorrelationKey], req.Payload[CorrelationKey])
		}
		if reply.Message == nil || reply.Message.Type != TypeResponse {
			t.Fatalf("reply should persist as a response: %+v", reply.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the reply")
	}
}

func TestListForAgentNewestFirst(t *testing.T) {
	store := NewMessageStore(setupMessageDB(t))
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		msg := &Message{
			ID: []string{"m-a", "m-b", "m-c"}[i], FromAgentID: "agent-1", ToAgentID: "agent-2",
			Type: TypeEvent, Payload: map[string]any{}, Status: StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Insert(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.ListForAgent(ctx, "agent-2", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m-c" || msgs[1].ID != "m-b" {
		t.Fatalf("unexpected listing: %+v", msgs)
	}
}
