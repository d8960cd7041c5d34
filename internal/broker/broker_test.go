package broker

import (
	"testing"
	"time"
)

func TestResolveFiresWaiter(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Register("k1", "sess-a", time.Second)

	if !tbl.Resolve("k1", "OK") {
		t.Fatal("expected Resolve to find the waiter")
	}
	res := <-ch
	if res.Cause != CauseNone || res.Response != "OK" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestResolveUnknownReturnsFalse(t *testing.T) {
	tbl := NewTable()
	if tbl.Resolve("missing", nil) {
		t.Fatal("expected false for unknown correlation id")
	}
}

func TestTickExpiresPastDeadline(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Register("k1", "sess-a", -time.Second) // already expired
	tbl.Tick(time.Now())

	res := <-ch
	if res.Cause != CauseTimeout {
		t.Fatalf("expected CauseTimeout, got %+v", res)
	}
	if tbl.Len() != 0 {
		t.Fatal("expected entry removed after tick")
	}
}

func TestDisconnectSessionFailsOnlyItsWaiters(t *testing.T) {
	tbl := NewTable()
	chA := tbl.Register("k1", "sess-a", time.Minute)
	chB := tbl.Register("k2", "sess-b", time.Minute)

	tbl.DisconnectSession("sess-a")

	resA := <-chA
	if resA.Cause != CauseDisconnect {
		t.Fatalf("expected sess-a waiter disconnected, got %+v", resA)
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected sess-b waiter to remain, got len %d", tbl.Len())
	}
	select {
	case <-chB:
		t.Fatal("sess-b waiter should not have fired")
	default:
	}
}

func TestBrokerTicksBothTables(t *testing.T) {
	b := New()
	chSync := b.SyncAck.Register("s1", "sess-a", -time.Second)
	chReply := b.ReplyTo.Register("r1", "sess-a", -time.Second)

	b.Tick(time.Now())

	if (<-chSync).Cause != CauseTimeout {
		t.Fatal("expected sync-ack waiter timed out")
	}
	if (<-chReply).Cause != CauseTimeout {
		t.Fatal("expected reply-to waiter timed out")
	}
}
