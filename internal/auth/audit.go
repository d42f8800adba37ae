package auth

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind classifies security audit events.
type EventKind string

const (
	EventLoginSuccess     EventKind = "login_success"
	EventLoginFailed      EventKind = "login_failed"
	EventLogout           EventKind = "logout"
	EventRegister         EventKind = "register"
	EventProfileUpdate    EventKind = "profile_update"
	EventPasswordChange   EventKind = "password_change"
	EventRateLimited      EventKind = "rate_limited"
	EventPermissionDenied EventKind = "permission_denied"
)

// Event is a single security audit record, serialised as one JSON line.
type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	Kind        EventKind      `json:"event_kind"`
	PrincipalID *int64         `json:"principal_id,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	ClientKey   string         `json:"client_key,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Success     bool           `json:"success"`
	Details     map[string]any `json:"details,omitempty"`
}

// EventMeta carries per-request context threaded into service calls so the
// resulting events identify the caller.
type EventMeta struct {
	ClientKey string
	UserAgent string
}

// Audit is the append-only security event sink. Between Start and Stop
// events are queued to a background writer; outside that window they are
// written synchronously so nothing is lost.
type Audit struct {
	path string

	mu      sync.Mutex
	file    *os.File
	queue   chan Event
	done    chan struct{}
	started bool
}

// NewAudit creates an audit sink writing JSON lines to path.
func NewAudit(path string) *Audit {
	return &Audit{path: path}
}

// Start opens the log file and launches the background writer.
func (a *Audit) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if err := a.openLocked(); err != nil {
		return err
	}
	a.queue = make(chan Event, 128)
	a.done = make(chan struct{})
	a.started = true
	go a.run(a.queue, a.done)
	return nil
}

// Stop drains the queue and closes the file. Safe to call twice.
func (a *Audit) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	queue, done := a.queue, a.done
	a.queue = nil
	a.mu.Unlock()

	close(queue)
	<-done

	a.mu.Lock()
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
	a.mu.Unlock()
}

// Log records an event. Nil receivers are tolerated so components can run
// without auditing in tests.
func (a *Audit) Log(ev Event) {
	if a == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	a.mu.Lock()
	queue := a.queue
	started := a.started
	a.mu.Unlock()
	if started {
		select {
		case queue <- ev:
			return
		default:
			// Queue full: fall through to the synchronous path rather
			// than dropping a security event.
		}
	}
	a.write(ev)
}

func (a *Audit) run(queue chan Event, done chan struct{}) {
	defer close(done)
	for ev := range queue {
		a.write(ev)
	}
}

func (a *Audit) write(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		slog.Error("audit: marshal event", "kind", ev.Kind, "error", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		if err := a.openLocked(); err != nil {
			slog.Error("audit: open log file", "path", a.path, "error", err)
			return
		}
	}
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		slog.Error("audit: write event", "kind", ev.Kind, "error", err)
	}
}

func (a *Audit) openLocked() error {
	if a.file != nil {
		return nil
	}
	if dir := filepath.Dir(a.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	a.file = f
	return nil
}
