package model

import (
	"testing"
	"time"
)

func TestDirectConversationIDOrderIndependent(t *testing.T) {
	if DirectConversationID("alice", "bob") != DirectConversationID("bob", "alice") {
		t.Error("id must not depend on argument order")
	}
	if got := DirectConversationID("bob", "alice"); got != "d:alice:bob" {
		t.Errorf("id = %q, want d:alice:bob", got)
	}
}

func TestNewDirectValidation(t *testing.T) {
	if _, err := NewDirect("alice", "alice"); err == nil {
		t.Error("expected error for identical participants")
	}
	if _, err := NewDirect("alice", ""); err == nil {
		t.Error("expected error for empty participant")
	}
	c, err := NewDirect("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if c.IsGroup() {
		t.Error("direct conversation reported as group")
	}
}

func TestNewGroupRequiresThree(t *testing.T) {
	if _, err := NewGroup("g1", "Duo", []string{"a", "b"}); err == nil {
		t.Error("expected error for two participants")
	}
	g, err := NewGroup("g1", "Trio", []string{"carol", "alice", "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if !g.IsGroup() {
		t.Error("group conversation not reported as group")
	}
}

func TestTitle(t *testing.T) {
	g, _ := NewGroup("g1", "Quartet", []string{"a", "b", "c", "d"})
	if g.Title("a") != "Quartet" {
		t.Errorf("group title = %q", g.Title("a"))
	}
	d, _ := NewDirect("alice", "bob")
	d.DisplayNames = map[string]string{"bob": "Bob M."}
	if d.Title("alice") != "Bob M." {
		t.Errorf("direct title = %q", d.Title("alice"))
	}
	if d.Title("bob") != "alice" {
		t.Errorf("direct title fallback = %q", d.Title("bob"))
	}
}

func TestTypingActiveAt(t *testing.T) {
	now := time.Now()
	fresh := Typing{Active: true, At: now.Add(-time.Second).UnixMilli()}
	if !fresh.ActiveAt(now) {
		t.Error("fresh signal should be active")
	}
	expired := Typing{Active: true, At: now.Add(-TypingWindow - time.Second).UnixMilli()}
	if expired.ActiveAt(now) {
		t.Error("expired signal should not be active")
	}
	off := Typing{Active: false, At: now.UnixMilli()}
	if off.ActiveAt(now) {
		t.Error("inactive signal should not be active")
	}
}
