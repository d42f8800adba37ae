package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Notifier observes committed status changes, in commit order.
type Notifier func(agentID string, old, new SessionStatus)

// Manager owns the session state machine. All writes for one operation run
// in a single transaction on the handle supplied at construction.
type Manager struct {
	db     *sql.DB
	notify Notifier

	nowFn   func() time.Time
	newIDFn func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier registers a callback invoked after each committed status
// change, including spawn and terminate.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notify = n }
}

// WithClock overrides the manager clock, for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

// NewManager creates a Manager on the shared database handle.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:      db,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateAgent registers a new agent definition. Administrative operation.
func (m *Manager) CreateAgent(ctx context.Context, id, name string) (*Agent, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := m.nowFn()
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, status, created_at) VALUES (?, ?, ?, ?)`,
		id, name, AgentOffline, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return &Agent{ID: id, Name: name, Status: AgentOffline, CreatedAt: now}, nil
}

// GetAgent returns an agent definition or ErrAgentNotFound.
func (m *Manager) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at FROM agents WHERE id = ?`, agentID,
	).Scan(&a.ID, &a.Name, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns all agent definitions ordered by creation.
func (m *Manager) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, name, status, created_at FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Spawn creates a fresh session for the agent in IDLE. Fails with
// ErrAgentNotFound or ErrAgentAlreadySpawned; at most one non-terminal
// session per agent exists at any time.
func (m *Manager) Spawn(ctx context.Context, agentID string, metadata map[string]any) (*Session, error) {
	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin spawn: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, agentID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check agent: %w", err)
	}
	if exists == 0 {
		return nil, ErrAgentNotFound
	}

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_sessions WHERE agent_id = ? AND status IN (?, ?, ?)`,
		agentID, StatusSpawned, StatusIdle, StatusBusy,
	).Scan(&active); err != nil {
		return nil, fmt.Errorf("check active session: %w", err)
	}
	if active > 0 {
		return nil, ErrAgentAlreadySpawned
	}

	session := &Session{
		ID:        m.newIDFn(),
		AgentID:   agentID,
		Status:    StatusIdle,
		StartedAt: m.nowFn(),
		Metadata:  metadata,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, agent_id, status, started_at, metadata) VALUES (?, ?, ?, ?, ?)`,
		session.ID, agentID, session.Status, session.StartedAt, metaJSON,
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE id = ?`, agentStatusFor(session.Status), agentID,
	); err != nil {
		return nil, fmt.Errorf("sync agent status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit spawn: %w", err)
	}

	slog.Info("agent: session spawned", "agent", agentID, "session", session.ID)
	m.fireNotify(agentID, "", session.Status)
	return session, nil
}

// UpdateStatus applies a state machine transition to the agent's active
// session. Illegal transitions fail with a TransitionError and change
// nothing. errorMessage is recorded when transitioning to ERROR.
func (m *Manager) UpdateStatus(ctx context.Context, agentID string, newStatus SessionStatus, errorMessage string) (*Session, error) {
	if newStatus == StatusTerminated {
		return m.Terminate(ctx, agentID, errorMessage)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	session, err := m.activeSessionTx(ctx, tx, agentID)
	if err == ErrAgentNotSpawned {
		// A terminal latest session makes this an illegal transition, not
		// an absence.
		if last, lookupErr := m.latestStatusTx(ctx, tx, agentID); lookupErr == nil && last.Terminal() {
			return nil, &TransitionError{AgentID: agentID, From: last, To: newStatus}
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	old := session.Status
	if !canTransition(old, newStatus) {
		return nil, &TransitionError{AgentID: agentID, From: old, To: newStatus}
	}

	session.Status = newStatus
	if newStatus == StatusError {
		session.ErrorMessage = errorMessage
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_sessions SET status = ?, error_message = ? WHERE id = ?`,
		session.Status, nullString(session.ErrorMessage), session.ID,
	); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE id = ?`, agentStatusFor(newStatus), agentID,
	); err != nil {
		return nil, fmt.Errorf("sync agent status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}

	if old != newStatus {
		m.fireNotify(agentID, old, newStatus)
	}
	return session, nil
}

// Terminate ends the agent's active session, stamping ended_at and
// recording reason. A second call returns ErrAgentNotSpawned.
func (m *Manager) Terminate(ctx context.Context, agentID, reason string) (*Session, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin terminate: %w", err)
	}
	defer tx.Rollback()

	session, err := m.activeSessionTx(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	old := session.Status
	ended := m.nowFn()
	session.Status = StatusTerminated
	session.EndedAt = &ended
	if reason != "" {
		session.ErrorMessage = reason
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_sessions SET status = ?, ended_at = ?, error_message = ? WHERE id = ?`,
		session.Status, ended, nullString(session.ErrorMessage), session.ID,
	); err != nil {
		return nil, fmt.Errorf("terminate session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE id = ?`, AgentOffline, agentID,
	); err != nil {
		return nil, fmt.Errorf("sync agent status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit terminate: %w", err)
	}

	slog.Info("agent: session terminated", "agent", agentID, "session", session.ID, "reason", reason)
	m.fireNotify(agentID, old, StatusTerminated)
	return session, nil
}

// StatusView is the read projection returned by GetStatus.
type StatusView struct {
	AgentStatus string       `json:"agent_status"`
	Session     *SessionInfo `json:"session"`
}

// SessionInfo is the active-session summary inside a StatusView.
type SessionInfo struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
}

// GetStatus returns the denormalized agent status and the active session
// summary, nil when none. Unknown agents fail with ErrAgentNotFound.
func (m *Manager) GetStatus(ctx context.Context, agentID string) (*StatusView, error) {
	a, err := m.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{AgentStatus: a.Status}
	session, err := m.activeSession(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		view.Session = &SessionInfo{ID: session.ID, Status: session.Status, StartedAt: session.StartedAt}
	}
	return view, nil
}

// GetActiveSessions returns every non-terminal session.
func (m *Manager) GetActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, agent_id, status, started_at, ended_at, error_message, metadata
		 FROM agent_sessions WHERE status IN (?, ?, ?) ORDER BY started_at`,
		StatusSpawned, StatusIdle, StatusBusy,
	)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// GetSessionHistory returns the agent's sessions newest-first, up to limit.
func (m *Manager) GetSessionHistory(ctx context.Context, agentID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, agent_id, status, started_at, ended_at, error_message, metadata
		 FROM agent_sessions WHERE agent_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (m *Manager) activeSession(ctx context.Context, agentID string) (*Session, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, agent_id, status, started_at, ended_at, error_message, metadata
		 FROM agent_sessions WHERE agent_id = ? AND status IN (?, ?, ?)`,
		agentID, StatusSpawned, StatusIdle, StatusBusy,
	)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

func (m *Manager) activeSessionTx(ctx context.Context, tx *sql.Tx, agentID string) (*Session, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, agent_id, status, started_at, ended_at, error_message, metadata
		 FROM agent_sessions WHERE agent_id = ? AND status IN (?, ?, ?)`,
		agentID, StatusSpawned, StatusIdle, StatusBusy,
	)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, agentID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check agent: %w", err)
		}
		if exists == 0 {
			return nil, ErrAgentNotFound
		}
		return nil, ErrAgentNotSpawned
	}
	return session, err
}

func (m *Manager) latestStatusTx(ctx context.Context, tx *sql.Tx, agentID string) (SessionStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM agent_sessions WHERE agent_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		agentID,
	).Scan(&status)
	if err != nil {
		return "", err
	}
	return ParseSessionStatus(status)
}

func (m *Manager) fireNotify(agentID string, old, new SessionStatus) {
	if m.notify != nil {
		m.notify(agentID, old, new)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s        Session
		status   string
		ended    sql.NullTime
		errMsg   sql.NullString
		metaJSON string
	)
	if err := row.Scan(&s.ID, &s.AgentID, &status, &s.StartedAt, &ended, &errMsg, &metaJSON); err != nil {
		return nil, err
	}
	parsed, err := ParseSessionStatus(status)
	if err != nil {
		return nil, fmt.Errorf("stored session %s: %w", s.ID, err)
	}
	s.Status = parsed
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	s.ErrorMessage = errMsg.String
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &s.Metadata); err != nil {
			slog.Warn("agent: bad session metadata", "session", s.ID, "error", err)
		}
	}
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
