package registry

import (
	"testing"

	"github.com/agent-relay/relay/internal/session"
	"github.com/agent-relay/relay/internal/store"
)

func TestAttachDetectsDuplicateConnection(t *testing.T) {
	r := New()
	s1 := session.New("Alice", session.EntityAgent, session.Capabilities{}, 0, 0)
	if err := r.Attach("Alice", s1, "", ""); err != nil {
		t.Fatalf("first attach: %v", err)
	}

	s2 := session.New("Alice", session.EntityAgent, session.Capabilities{}, 0, 0)
	if err := r.Attach("Alice", s2, "", ""); err != ErrDuplicateConnection {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}
}

func TestDetachThenReattachAllowed(t *testing.T) {
	r := New()
	s1 := session.New("Alice", session.EntityAgent, session.Capabilities{}, 0, 0)
	r.Attach("Alice", s1, "", "")
	r.Detach("Alice")

	s2 := session.New("Alice", session.EntityAgent, session.Capabilities{}, 0, 0)
	if err := r.Attach("Alice", s2, "", ""); err != nil {
		t.Fatalf("expected reattach to succeed, got %v", err)
	}
}

func TestChannelMembershipGating(t *testing.T) {
	r := New()
	r.Join("#general", "Alice")
	r.Join("#general", "Bob")

	if !r.IsMember("#general", "Alice") {
		t.Fatal("Alice should be a member")
	}
	if r.IsMember("#general", "Carol") {
		t.Fatal("Carol should not be a member")
	}

	r.Leave("#general", "Alice")
	if r.IsMember("#general", "Alice") {
		t.Fatal("Alice should no longer be a member after leave")
	}
}

func TestTopicSubscription(t *testing.T) {
	r := New()
	r.Subscribe("Alice", "builds")
	r.Subscribe("Bob", "builds")
	r.Unsubscribe("Bob", "builds")

	subs := r.Subscribers("builds")
	if len(subs) != 1 || subs[0] != "Alice" {
		t.Fatalf("expected only Alice subscribed, got %v", subs)
	}
}

func TestReservedNames(t *testing.T) {
	r := New("_consensus")
	if !r.IsReserved("_consensus") {
		t.Fatal("_consensus should be reserved")
	}
	if r.IsReserved("Alice") {
		t.Fatal("Alice should not be reserved")
	}
}

func TestPresenceEventsOnAttachDetach(t *testing.T) {
	r := New()
	ch := r.SubscribePresence(4)

	s1 := session.New("Alice", session.EntityAgent, session.Capabilities{}, 0, 0)
	r.Attach("Alice", s1, "", "")
	r.Detach("Alice")

	ev1 := <-ch
	ev2 := <-ch
	if !ev1.Online || ev2.Online {
		t.Fatalf("expected online then offline, got %+v then %+v", ev1, ev2)
	}
}

func TestShadowBindUnbind(t *testing.T) {
	r := New()
	r.BindShadow("Alice", "Mentor", true, true, nil)
	if len(r.Shadows("Alice")) != 1 {
		t.Fatal("expected one shadow binding")
	}
	r.UnbindShadow("Alice", "Mentor")
	if len(r.Shadows("Alice")) != 0 {
		t.Fatal("expected shadow binding removed")
	}
}

func TestChannelsPersistAndReload(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	r := New()
	r.SetStore(s)

	r.EnsureChannel("#eng", VisibilityPublic, "Alice")
	r.Join("#eng", "Alice")
	r.Join("#eng", "Bob")

	fresh := New()
	fresh.SetStore(s)
	if err := fresh.LoadChannels(); err != nil {
		t.Fatalf("load channels: %v", err)
	}

	members := fresh.Members("#eng")
	if len(members) != 2 {
		t.Fatalf("expected 2 members reloaded from store, got %v", members)
	}
	if !fresh.IsMember("#eng", "Alice") || !fresh.IsMember("#eng", "Bob") {
		t.Fatalf("expected Alice and Bob reloaded as members, got %v", members)
	}
}

func TestLeaveRemovesPersistedMembership(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	r := New()
	r.SetStore(s)
	r.Join("#eng", "Alice")
	r.Leave("#eng", "Alice")

	fresh := New()
	fresh.SetStore(s)
	if err := fresh.LoadChannels(); err != nil {
		t.Fatalf("load channels: %v", err)
	}
	if fresh.IsMember("#eng", "Alice") {
		t.Fatal("expected Alice's membership to not survive a Leave before reload")
	}
}
