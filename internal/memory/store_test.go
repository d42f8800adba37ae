package memory

import (
	"context"
	"database/sql"
	"reflect"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE memory_entries (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id     TEXT NOT NULL,
		session_id   TEXT,
		kind         TEXT NOT NULL,
		key          TEXT NOT NULL,
		value        TEXT NOT NULL,
		is_encrypted BOOLEAN NOT NULL DEFAULT 0,
		created_at   DATETIME NOT NULL,
		expires_at   DATETIME
	)`)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func TestStoreRetrieveValueShapes(t *testing.T) {
	ctx := context.Background()
	s := NewStore(setupMemoryDB(t), nil)

	cases := []struct {
		key   string
		value any
		want  any
	}{
		{"str", "hello", "hello"},
		{"num", 42, float64(42)},
		{"flag", true, true},
		{"list", []any{"a", "b"}, []any{"a", "b"}},
		{"obj", map[string]any{"city": "Berlin"}, map[string]any{"city": "Berlin"}},
	}
	for _, tc := range cases {
		if _, err := s.Store(ctx, "agent-1", tc.key, tc.value, KindLongTerm, StoreOptions{}); err != nil {
			t.Fatalf("store %s: %v", tc.key, err)
		}
		got, err := s.Retrieve(ctx, "agent-1", tc.key, "")
		if err != nil {
			t.Fatalf("retrieve %s: %v", tc.key, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: got %#v, want %#v", tc.key, got, tc.want)
		}
	}
}

func TestRetrieveMissingKey(t *testing.T) {
	s := NewStore(setupMemoryDB(t), nil)
	got, err := s.Retrieve(context.Background(), "agent-1", "absent", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("missing key should yield nil, got %#v", got)
	}
}

func TestNewestVersionShadowsOlder(t *testing.T) {
	ctx := context.Background()
	s := NewStore(setupMemoryDB(t), nil)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	if _, err := s.Store(ctx, "agent-1", "pref", "tea", KindLongTerm, StoreOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ctx, "agent-1", "pref", "coffee", KindLongTerm, StoreOptions{}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Retrieve(ctx, "agent-1", "pref", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "coffee" {
		t.Fatalf("expected newest version, got %#v", got)
	}

	// Both versions remain as rows until deleted.
	entries, err := s.RetrieveAll(ctx, "agent-1", KindLongTerm, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(entries))
	}
	if entries[0].Value != "coffee" {
		t.Fatal("RetrieveAll must be newest-first")
	}
}

func TestShortTermRequiresSession(t *testing.T) {
	s := NewStore(setupMemoryDB(t), nil)
	_, err := s.Store(context.Background(), "agent-1", "scratch", "x", KindShortTerm, StoreOptions{})
	if err != ErrSessionRequired {
		t.Fatalf("expected ErrSessionRequired, got %v", err)
	}
}

func TestSessionScopedRetrieve(t *testing.T) {
	ctx := context.Background()
	s := NewStore(setupMemoryDB(t), nil)

	if _, err := s.Store(ctx, "agent-1", "topic", "weather", KindShortTerm, StoreOptions{SessionID: "sess-a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ctx, "agent-1", "topic", "global", KindLongTerm, StoreOptions{}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Retrieve(ctx, "agent-1", "topic", "sess-a")
	if err != nil {
		t.Fatal(err)
	}
	if got != "weather" {
		t.Fatalf("session lookup returned %#v", got)
	}

	got, err = s.Retrieve(ctx, "agent-1", "topic", "sess-b")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("other session must not see the entry, got %#v", got)
	}
}

func TestExpiredNewestVersionFallsBack(t *testing.T) {
	ctx := context.Background()
	s := NewStore(setupMemoryDB(t), nil)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if _, err := s.Store(ctx, "agent-1", "pref", "tea", KindLongTerm, StoreOptions{}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Second)
	expiry := now.Add(time.Minute)
	if _, err := s.Store(ctx, "agent-1", "pref", "coffee", KindLongTerm, StoreOptions{ExpiresAt: &expiry}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Retrieve(ctx, "agent-1", "pref", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "coffee" {
		t.Fatalf("expected live newest version, got %#v", got)
	}

	// Once the newest version expires, the older unexpired one resurfaces.
	now = expiry.Add(time.Second)
	got, err = s.Retrieve(ctx, "agent-1", "pref", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "tea" {
		t.Fatalf("expected fallback to older version, got %#v", got)
	}
}

func TestExpiryHiddenAtReadTime(t *testing.T) {
	ctx := context.Background()
	s := NewStore(setupMemoryDB(t), nil)

	soon := time.Now().UTC().Add(50 * time.Millisecond)
	if _, err := s.Store(ctx, "agent-1", "otp", "123456", KindContext, StoreOptions{ExpiresAt: &soon}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Retrieve(ctx, "agent-1", "otp", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "123456" {
		t.Fatalf("entry should be live before expiry, got %#v", got)
	}

	time.Sleep(100 * time.Millisecond)

	got, err = s.Retrieve(ctx, "agent-1", "otp", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expired entry must read as nil, got %#v", got)
	}

	// The row still exists until the sweep removes it.
	n, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept row, got %d", n)
	}
}

func TestStoreRejectsPastExpiry(t *testing.T) {
	s := NewStore(setupMemoryDB(t), nil)
	past := time.Now().UTC().Add(-time.Minute)
	_, err := s.Store(context.Background(), "agent-1", "k", "v", KindContext, StoreOptions{ExpiresAt: &past})
	if err != ErrExpiryInPast {
		t.Fatalf("expected ErrExpiryInPast, got %v", err)
	}
}

func TestEncryptedStorage(t *testing.T) {
	ctx := context.Background()
	db := setupMemoryDB(t)
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(db, c)

	if _, err := s.Store(ctx, "agent-1", "api_key", "sk-verysecret", KindLongTerm, StoreOptions{Encrypt: true}); err != nil {
		t.Fatal(err)
	}

	var stored string
	var encrypted bool
	if err := db.QueryRow(`SELECT value, is_encrypted FROM memory_entries WHERE key = 'api_key'`).Scan(&stored, &encrypted); err != nil {
		t.Fatal(err)
	}
	if !encrypted || !IsEncrypted(stored) {
		t.Fatalf("value stored in the clear: %q", stored)
	}

	got, err := s.Retrieve(ctx, "agent-1", "api_key", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "sk-verysecret" {
		t.Fatalf("decrypt round trip mismatch: %#v", got)
	}
}

func TestDecryptFailureReturnsOpaqueForm(t *testing.T) {
	ctx := context.Background()
	db := setupMemoryDB(t)
	c1, err := NewCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}
	writer := NewStore(db, c1)
	if _, err := writer.Store(ctx, "agent-1", "secret", "plaintext", KindLongTerm, StoreOptions{Encrypt: true}); err != nil {
		t.Fatal(err)
	}

	c2, err := NewCipher(append(testKey()[:31], 0x00))
	if err != nil {
		t.Fatal(err)
	}
	reader := NewStore(db, c2)
	got, err := reader.Retrieve(ctx, "agent-1", "secret", "")
	if err != nil {
		t.Fatal(err)
	}
	s, ok := got.(string)
	if !ok || !IsEncrypted(s) {
		t.Fatalf("wrong-key read should surface the opaque form, got %#v", got)
	}
}

func TestDeleteRemovesAllVersions(t *testing.T) {
	ctx := context.Background()
	s := NewStore(setupMemoryDB(t), nil)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	for _, v := range []string{"v1", "v2", "v3"} {
		if _, err := s.Store(ctx, "agent-1", "note", v, KindLongTerm, StoreOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.Delete(ctx, "agent-1", "note", "")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("delete should report removal")
	}
	got, err := s.Retrieve(ctx, "agent-1", "note", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("all versions should be gone, got %#v", got)
	}

	removed, err = s.Delete(ctx, "agent-1", "note", "")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Fatal("second delete should report nothing removed")
	}
}

func TestClearSession(t *testing.T) {
	ctx := context.Background()
	s := NewStore(setupMemoryDB(t), nil)

	if _, err := s.Store(ctx, "agent-1", "a", 1, KindShortTerm, StoreOptions{SessionID: "sess-a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ctx, "agent-1", "b", 2, KindShortTerm, StoreOptions{SessionID: "sess-a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ctx, "agent-1", "c", 3, KindShortTerm, StoreOptions{SessionID: "sess-b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ctx, "agent-1", "keep", 4, KindLongTerm, StoreOptions{}); err != nil {
		t.Fatal(err)
	}

	n, err := s.ClearSession(ctx, "sess-a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cleared entries, got %d", n)
	}

	got, err := s.Retrieve(ctx, "agent-1", "c", "sess-b")
	if err != nil {
		t.Fatal(err)
	}
	if got != float64(3) {
		t.Fatalf("other session entries must survive, got %#v", got)
	}
	got, err = s.Retrieve(ctx, "agent-1", "keep", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != float64(4) {
		t.Fatalf("long_term entries must survive, got %#v", got)
	}
}

func TestRetrieveAllFilters(t *testing.T) {
	ctx := context.Background()
	s := NewStore(setupMemoryDB(t), nil)

	if _, err := s.Store(ctx, "agent-1", "a", 1, KindLongTerm, StoreOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ctx, "agent-1", "b", 2, KindContext, StoreOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ctx, "agent-2", "c", 3, KindLongTerm, StoreOptions{}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.RetrieveAll(ctx, "agent-1", KindLongTerm, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Key != "a" {
		t.Fatalf("kind filter broken: %+v", entries)
	}

	entries, err = s.RetrieveAll(ctx, "agent-1", "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("agent scope broken: %+v", entries)
	}
}
