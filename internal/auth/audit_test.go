package auth

import (
	"path/filepath"
	"testing"
)

func TestAuditBackgroundWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_events.log")
	audit := NewAudit(path)
	if err := audit.Start(); err != nil {
		t.Fatal(err)
	}

	id := int64(7)
	audit.Log(Event{Kind: EventLoginSuccess, PrincipalID: &id, Subject: "alice@x.test", Success: true})
	audit.Log(Event{Kind: EventLogout, PrincipalID: &id, Success: true})
	audit.Stop()

	events := readAuditLines(t, path)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != EventLoginSuccess || events[1].Kind != EventLogout {
		t.Fatalf("unexpected order: %v, %v", events[0].Kind, events[1].Kind)
	}
	if events[0].PrincipalID == nil || *events[0].PrincipalID != 7 {
		t.Fatal("principal id lost")
	}
}

func TestAuditSynchronousWhenStopped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_events.log")
	audit := NewAudit(path)

	// Not started: events still reach disk.
	audit.Log(Event{Kind: EventLoginFailed, Subject: "alice@x.test", Success: false})

	events := readAuditLines(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Success {
		t.Fatal("success flag must survive the round trip")
	}
}

func TestAuditNilReceiver(t *testing.T) {
	var audit *Audit
	audit.Log(Event{Kind: EventRegister}) // must not panic
}
