package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate call should be a no-op, got %v", err)
	}
}

func TestChannelUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertChannel(&Channel{Name: "#eng", Visibility: "public"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetChannel("#eng")
	if err != nil || got == nil {
		t.Fatalf("expected channel, got %v err=%v", got, err)
	}
	if got.Visibility != "public" {
		t.Fatalf("unexpected visibility %q", got.Visibility)
	}
}

func TestChannelMembership(t *testing.T) {
	s := openTestStore(t)
	s.UpsertChannel(&Channel{Name: "#eng", Visibility: "public"})
	s.AddChannelMember("#eng", "Alice")
	s.AddChannelMember("#eng", "Bob")
	members, err := s.ListChannelMembers("#eng")
	if err != nil || len(members) != 2 {
		t.Fatalf("expected 2 members, got %v err=%v", members, err)
	}
	s.RemoveChannelMember("#eng", "Bob")
	members, _ = s.ListChannelMembers("#eng")
	if len(members) != 1 {
		t.Fatalf("expected 1 member after removal, got %v", members)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	s := openTestStore(t)
	from, to := "Alice", "Bob"
	if err := s.AppendAudit("route", &from, &to, nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := s.ListAuditSince(time.Time{}, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %v err=%v", entries, err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveCheckpoint(&Checkpoint{AgentName: "Alice", SessionID: "sess-1", LastAcked: 42}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetCheckpoint("Alice")
	if err != nil || got == nil || got.LastAcked != 42 {
		t.Fatalf("unexpected checkpoint: %+v err=%v", got, err)
	}
}

func TestGetCheckpointUnknownAgent(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetCheckpoint("Nobody")
	if err != nil || got != nil {
		t.Fatalf("expected nil checkpoint, got %+v err=%v", got, err)
	}
}
