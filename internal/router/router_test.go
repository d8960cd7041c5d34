package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	brokerpkg "github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/registry"
	"github.com/agent-relay/relay/internal/session"
)

type delivered struct {
	recipient string
	env       *envelope.Envelope
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry, chan delivered) {
	t.Helper()
	reg := registry.New("_consensus")
	ch := make(chan delivered, 64)
	deliver := func(sess *session.Session, env *envelope.Envelope) {
		ch <- delivered{recipient: sess.AgentName, env: env}
	}
	r := New(reg, brokerpkg.New(), deliver, nil, nil)
	return r, reg, ch
}

type countingMetrics struct {
	routed, busy, errs atomic.Int64
}

func (m *countingMetrics) IncRouted() { m.routed.Add(1) }
func (m *countingMetrics) IncBusy()   { m.busy.Add(1) }
func (m *countingMetrics) IncError()  { m.errs.Add(1) }

func attach(reg *registry.Registry, name string) *session.Session {
	s := session.New(name, session.EntityAgent, session.Capabilities{}, 0, 0)
	reg.Attach(name, s, "", "")
	return s
}

func recvWithin(t *testing.T, ch chan delivered, timeout time.Duration) delivered {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(timeout):
		t.Fatal("timed out waiting for delivery")
		return delivered{}
	}
}

func TestBroadcastFanOut(t *testing.T) {
	r, reg, ch := newTestRouter(t)
	alice := attach(reg, "Alice")
	attach(reg, "Bob")
	attach(reg, "Carol")

	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "m1", From: "Alice", To: envelope.BroadcastTarget}
	r.Route(alice, env, func(envelope.Envelope) { t.Fatal("unexpected reject") })

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		d := recvWithin(t, ch, time.Second)
		got[d.recipient] = true
		if d.env.Delivery.OriginalTo != "*" {
			t.Fatalf("expected originalTo '*', got %q", d.env.Delivery.OriginalTo)
		}
	}
	if !got["Bob"] || !got["Carol"] {
		t.Fatalf("expected Bob and Carol to receive broadcast, got %+v", got)
	}
}

func TestChannelMembershipGating(t *testing.T) {
	r, reg, ch := newTestRouter(t)
	alice := attach(reg, "Alice")
	carol := attach(reg, "Carol")
	attach(reg, "Bob")
	reg.Join("#general", "Alice")
	reg.Join("#general", "Bob")

	env := &envelope.Envelope{V: 1, Type: envelope.TypeChannelMessage, ID: "m1", From: "Alice", To: "#general"}
	r.Route(alice, env, func(envelope.Envelope) { t.Fatal("unexpected reject for member send") })

	d := recvWithin(t, ch, time.Second)
	if d.recipient != "Bob" || d.env.Delivery.OriginalTo != "#general" {
		t.Fatalf("expected Bob to get originalTo #general, got %+v", d)
	}

	rejected := false
	env2 := &envelope.Envelope{V: 1, Type: envelope.TypeChannelMessage, ID: "m2", From: "Carol", To: "#general"}
	r.Route(carol, env2, func(e envelope.Envelope) {
		rejected = true
		var p struct {
			Code string `json:"code"`
		}
		e.DecodePayload(&p)
		if p.Code != envelope.ErrNotMember {
			t.Fatalf("expected NOT_MEMBER, got %q", p.Code)
		}
	})
	if !rejected {
		t.Fatal("expected Carol's send to be rejected as non-member")
	}
}

func TestBackpressureBusy(t *testing.T) {
	r, reg, ch := newTestRouter(t)
	alice := attach(reg, "Alice")
	bob := session.New("Bob", session.EntityAgent, session.Capabilities{MaxInflight: 2}, 0, 0)
	reg.Attach("Bob", bob, "", "")

	rejectCount := 0
	onReject := func(envelope.Envelope) { rejectCount++ }

	for i := 0; i < 3; i++ {
		env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "m", From: "Alice", To: "Bob"}
		r.Route(alice, env, onReject)
	}

	// Drain the two that should have gone through.
	recvWithin(t, ch, time.Second)
	recvWithin(t, ch, time.Second)

	if rejectCount != 1 {
		t.Fatalf("expected exactly 1 BUSY rejection, got %d", rejectCount)
	}
}

func TestUnknownRecipientRejected(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	alice := attach(reg, "Alice")

	rejected := false
	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "m1", From: "Alice", To: "Ghost"}
	r.Route(alice, env, func(e envelope.Envelope) {
		rejected = true
		var p struct {
			Code string `json:"code"`
		}
		e.DecodePayload(&p)
		if p.Code != envelope.ErrUnknownRecipient {
			t.Fatalf("expected UNKNOWN_RECIPIENT, got %q", p.Code)
		}
	})
	if !rejected {
		t.Fatal("expected send to unregistered name to be rejected")
	}
}

func TestReservedTargetRejected(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	alice := attach(reg, "Alice")

	rejected := false
	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "m1", From: "Alice", To: "_consensus"}
	r.Route(alice, env, func(envelope.Envelope) { rejected = true })
	if !rejected {
		t.Fatal("expected _consensus send to be rejected with no handler installed")
	}
}

func TestOfflineRecipientGoesToInbox(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	alice := attach(reg, "Alice")
	// Bob known but not live: register then detach.
	bobSess := attach(reg, "Bob")
	reg.Detach("Bob")
	_ = bobSess

	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "m1", From: "Alice", To: "Bob"}
	r.Route(alice, env, func(envelope.Envelope) { t.Fatal("unexpected reject") })

	// Dispatch happens on a shard goroutine; give it a moment.
	time.Sleep(50 * time.Millisecond)
	if r.Inbox("Bob").Len() != 1 {
		t.Fatalf("expected 1 record in Bob's inbox, got %d", r.Inbox("Bob").Len())
	}
}

func TestMetricsCountRoutedBusyAndErrors(t *testing.T) {
	reg := registry.New("_consensus")
	deliver := func(sess *session.Session, env *envelope.Envelope) {}
	metrics := &countingMetrics{}
	r := New(reg, brokerpkg.New(), deliver, nil, metrics)

	alice := attach(reg, "Alice")
	bob := session.New("Bob", session.EntityAgent, session.Capabilities{MaxInflight: 1}, 0, 0)
	reg.Attach("Bob", bob, "", "")

	// First SEND to Bob is routed; second hits his inflight cap and is BUSY.
	r.Route(alice, &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "m1", From: "Alice", To: "Bob"}, func(envelope.Envelope) {})
	r.Route(alice, &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "m2", From: "Alice", To: "Bob"}, func(envelope.Envelope) {})
	// Unknown recipient is an error, not BUSY.
	r.Route(alice, &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "m3", From: "Alice", To: "Ghost"}, func(envelope.Envelope) {})

	time.Sleep(50 * time.Millisecond)
	if got := metrics.routed.Load(); got != 1 {
		t.Fatalf("expected 1 routed envelope, got %d", got)
	}
	if got := metrics.busy.Load(); got != 1 {
		t.Fatalf("expected 1 busy rejection, got %d", got)
	}
	if got := metrics.errs.Load(); got != 1 {
		t.Fatalf("expected 1 error rejection, got %d", got)
	}
}

// TestConcurrentOfflineDeliveryDoesNotRaceInboxes dispatches to many distinct
// offline recipients from many goroutines at once, landing on different
// shards concurrently; run with -race to catch a guard regression on
// r.inboxes.
func TestConcurrentOfflineDeliveryDoesNotRaceInboxes(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	alice := attach(reg, "Alice")

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		name := fmt.Sprintf("offline-%d", i)
		sess := attach(reg, name)
		reg.Detach(name)
		_ = sess
		wg.Add(1)
		go func(recipient string) {
			defer wg.Done()
			env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "m", From: "Alice", To: recipient}
			r.Route(alice, env, func(envelope.Envelope) {})
		}(name)
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 64; i++ {
		name := fmt.Sprintf("offline-%d", i)
		if r.Inbox(name).Len() != 1 {
			t.Fatalf("expected 1 record in %s's inbox, got %d", name, r.Inbox(name).Len())
		}
	}
}
