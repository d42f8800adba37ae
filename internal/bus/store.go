package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMessageNotFound is returned by lookups and status advances on an
// unknown message id.
var ErrMessageNotFound = errors.New("message not found")

// StatusError reports a rejected message status advance.
type StatusError struct {
	MessageID string
	From      MessageStatus
	To        MessageStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invalid message status advance for %s: %s -> %s", e.MessageID, e.From, e.To)
}

// MessageStore persists messages in the shared database.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a message store backed by the given database.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Insert writes a new message row.
func (s *MessageStore) Insert(ctx context.Context, m *Message) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, from_agent_id, to_agent_id, type, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, nullString(m.FromAgentID), nullString(m.ToAgentID), m.Type, string(payload), m.Status, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Get loads a message by id.
func (s *MessageStore) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, from_agent_id, to_agent_id, type, payload, status, created_at, processed_at
		 FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListForAgent returns messages addressed to the agent, newest-first.
func (s *MessageStore) ListForAgent(ctx context.Context, agentID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_agent_id, to_agent_id, type, payload, status, created_at, processed_at
		 FROM messages WHERE to_agent_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// Advance moves a message to the given status, enforcing the monotonic
// progression. Processed stamps processed_at.
func (s *MessageStore) Advance(ctx context.Context, id string, to MessageStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("load message status: %w", err)
	}
	from := MessageStatus(current)
	if !canAdvance(from, to) {
		return &StatusError{MessageID: id, From: from, To: to}
	}

	if to == StatusProcessed {
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, processed_at = ? WHERE id = ?`, to, time.Now().UTC(), id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, to, id)
	}
	if err != nil {
		return fmt.Errorf("advance message: %w", err)
	}
	return tx.Commit()
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m           Message
		from, to    sql.NullString
		typ, status string
		payload     string
		processed   sql.NullTime
	)
	err := row.Scan(&m.ID, &from, &to, &typ, &payload, &status, &m.CreatedAt, &processed)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.FromAgentID = from.String
	m.ToAgentID = to.String
	parsedType, err := ParseMessageType(typ)
	if err != nil {
		return nil, fmt.Errorf("stored message %s: %w", m.ID, err)
	}
	m.Type = parsedType
	parsedStatus, err := ParseMessageStatus(status)
	if err != nil {
		return nil, fmt.Errorf("stored message %s: %w", m.ID, err)
	}
	m.Status = parsedStatus
	if processed.Valid {
		t := processed.Time
		m.ProcessedAt = &t
	}
	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", m.ID, err)
	}
	return &m, nil
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
