// Package memory implements the per-agent typed key/value store with
// session scoping, TTL expiry and optional value encryption.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Kind classifies memory entries by scope and lifetime.
type Kind string

const (
	KindShortTerm Kind = "short_term"
	KindLongTerm  Kind = "long_term"
	KindContext   Kind = "context"
)

// ParseKind validates a kind string at the boundary.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindShortTerm, KindLongTerm, KindContext:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown memory kind %q", s)
}

// Entry is one stored memory version. Value holds the decoded form on
// retrieval; the raw stored text is not exposed unless decryption fails.
type Entry struct {
	ID          int64      `json:"id"`
	AgentID     string     `json:"agent_id"`
	SessionID   string     `json:"session_id,omitempty"`
	Kind        Kind       `json:"kind"`
	Key         string     `json:"key"`
	Value       any        `json:"value"`
	IsEncrypted bool       `json:"is_encrypted"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

var (
	// ErrSessionRequired is returned when a short_term entry is stored
	// without a session id.
	ErrSessionRequired = errors.New("short_term entries require a session id")
	// ErrExpiryInPast is returned when expires_at is not in the future.
	ErrExpiryInPast = errors.New("expires_at must be in the future")
)

// Store maps (agent_id, kind, key [, session_id]) to versioned values.
// Older versions are shadowed by the newest created_at; expiry is checked
// at read time.
type Store struct {
	db     *sql.DB
	cipher *Cipher

	nowFn func() time.Time
}

// NewStore creates a memory store. cipher may be nil, which disables
// encryption; storing with the encrypt flag then keeps plaintext.
func NewStore(db *sql.DB, cipher *Cipher) *Store {
	return &Store{db: db, cipher: cipher, nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the store clock, for tests.
func (s *Store) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

// StoreOptions carries the optional parameters of a Store call.
type StoreOptions struct {
	SessionID string
	ExpiresAt *time.Time
	Encrypt   bool
}

// Store upserts a new version of the value. Scalars, slices and maps are
// JSON-encoded; with Encrypt set and encryption enabled the stored text is
// sealed with AES-GCM.
func (s *Store) Store(ctx context.Context, agentID, key string, value any, kind Kind, opts StoreOptions) (*Entry, error) {
	if kind == KindShortTerm && opts.SessionID == "" {
		return nil, ErrSessionRequired
	}
	now := s.nowFn()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return nil, ErrExpiryInPast
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	stored := string(data)
	encrypted := false
	if opts.Encrypt && s.cipher != nil {
		stored, err = s.cipher.Encrypt(stored)
		if err != nil {
			return nil, fmt.Errorf("encrypt value: %w", err)
		}
		encrypted = true
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (agent_id, session_id, kind, key, value, is_encrypted, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agentID, nullString(opts.SessionID), kind, key, stored, encrypted, now, nullTime(opts.ExpiresAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert memory entry: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Entry{
		ID: id, AgentID: agentID, SessionID: opts.SessionID, Kind: kind, Key: key,
		Value: value, IsEncrypted: encrypted, CreatedAt: now, ExpiresAt: opts.ExpiresAt,
	}, nil
}

// Retrieve returns the latest non-expired version for the key, or nil when
// nothing matches. Expired versions are skipped entirely, so an expired
// newest version falls back to an older live one. A session id restricts
// the lookup to short_term entries of that session.
func (s *Store) Retrieve(ctx context.Context, agentID, key, sessionID string) (any, error) {
	query := `SELECT id, agent_id, session_id, kind, key, value, is_encrypted, created_at, expires_at
		 FROM memory_entries WHERE agent_id = ? AND key = ?
		 AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{agentID, key, s.nowFn()}
	if sessionID != "" {
		query += ` AND session_id = ? AND kind = ?`
		args = append(args, sessionID, KindShortTerm)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	entry, err := s.scanEntry(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// RetrieveAll returns entries newest-first, filtering expired ones. kind
// and sessionID are optional filters; limit caps the result.
func (s *Store) RetrieveAll(ctx context.Context, agentID string, kind Kind, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, agent_id, session_id, kind, key, value, is_encrypted, created_at, expires_at
		 FROM memory_entries WHERE agent_id = ?`
	args := []any{agentID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if s.expired(entry) {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Delete removes all versions matching the key (and session, when given).
// Returns whether anything was removed.
func (s *Store) Delete(ctx context.Context, agentID, key, sessionID string) (bool, error) {
	query := `DELETE FROM memory_entries WHERE agent_id = ? AND key = ?`
	args := []any{agentID, key}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete memory entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClearSession removes all short_term entries bound to the session and
// returns the count.
func (s *Store) ClearSession(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE session_id = ? AND kind = ?`, sessionID, KindShortTerm)
	if err != nil {
		return 0, fmt.Errorf("clear session memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CleanupExpired sweeps entries past their expiry and returns the count.
// Best-effort; reads already ignore expired entries.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at < ?`, s.nowFn())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) expired(e *Entry) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(s.nowFn())
}

func (s *Store) scanEntry(row rowScanner) (*Entry, error) {
	var (
		e       Entry
		session sql.NullString
		kind    string
		stored  string
		expires sql.NullTime
	)
	err := row.Scan(&e.ID, &e.AgentID, &session, &kind, &e.Key, &stored, &e.IsEncrypted, &e.CreatedAt, &expires)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan memory entry: %w", err)
	}
	e.SessionID = session.String
	parsed, err := ParseKind(kind)
	if err != nil {
		return nil, fmt.Errorf("stored entry %d: %w", e.ID, err)
	}
	e.Kind = parsed
	if expires.Valid {
		t := expires.Time
		e.ExpiresAt = &t
	}
	e.Value = s.decodeValue(stored, e.IsEncrypted)
	return &e, nil
}

// decodeValue reverses the storage encoding. Decryption failures are
// logged and the opaque stored form is returned rather than an error.
func (s *Store) decodeValue(stored string, encrypted bool) any {
	if encrypted && IsEncrypted(stored) {
		if s.cipher == nil {
			slog.Warn("memory: encrypted value with encryption disabled")
			return stored
		}
		plain, err := s.cipher.Decrypt(stored)
		if err != nil {
			slog.Warn("memory: decrypt value failed", "error", err)
			return stored
		}
		stored = plain
	}
	var value any
	if err := json.Unmarshal([]byte(stored), &value); err != nil {
		return stored
	}
	return value
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
