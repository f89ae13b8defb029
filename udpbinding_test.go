package main

import (
	"net"
	"testing"
)

func testUDPAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func TestBindingTableGetBindRemove(t *testing.T) {
	tbl := newUDPBindingTable()
	if _, ok := tbl.get("alice"); ok {
		t.Fatal("expected no binding before bind")
	}
	tbl.bind("alice", testUDPAddr(1000), 7, 1_000_000)
	b, ok := tbl.get("alice")
	if !ok {
		t.Fatal("expected binding after bind")
	}
	if b.voiceChannel != 7 || b.tokens != tokenBucketCapacity {
		t.Errorf("unexpected binding: %+v", b)
	}
	tbl.remove("alice")
	if _, ok := tbl.get("alice"); ok {
		t.Fatal("expected binding to be gone after remove")
	}
}

func TestRefillAndDebitStartsAtFullCapacity(t *testing.T) {
	tbl := newUDPBindingTable()
	now := int64(1_000_000)
	tbl.bind("alice", testUDPAddr(1000), 1, now)
	b, _ := tbl.get("alice")

	for i := 0; i < tokenBucketCapacity; i++ {
		if !b.refillAndDebit(now) {
			t.Fatalf("token %d should have been available at capacity", i)
		}
	}
	if b.refillAndDebit(now) {
		t.Error("bucket should be empty after draining capacity at a single instant")
	}
}

func TestRefillAndDebitMintsOverTime(t *testing.T) {
	tbl := newUDPBindingTable()
	now := int64(1_000_000)
	tbl.bind("alice", testUDPAddr(1000), 1, now)
	b, _ := tbl.get("alice")

	// Drain the bucket.
	for b.refillAndDebit(now) {
	}

	// 1000ms/150Hz ≈ 6.67ms per token; advance by 7ms and expect exactly one
	// minted token, not more.
	later := now + 7
	if !b.refillAndDebit(later) {
		t.Fatal("expected a token to have been minted after 7ms")
	}
	if b.refillAndDebit(later) {
		t.Error("expected only one token to have been minted after 7ms")
	}
}

func TestRefillAndDebitSnapsOnLongSilence(t *testing.T) {
	tbl := newUDPBindingTable()
	now := int64(1_000_000)
	tbl.bind("alice", testUDPAddr(1000), 1, now)
	b, _ := tbl.get("alice")
	for b.refillAndDebit(now) {
	}

	// A gap exceeding 1000ms snaps last_refill to now rather than minting a
	// burst proportional to the full silence duration.
	later := now + 5000
	if !b.refillAndDebit(later) {
		t.Fatal("expected a single token after a long silence gap")
	}
	if b.lastRefillMs != later {
		t.Errorf("lastRefillMs = %d, want %d (snapped to now)", b.lastRefillMs, later)
	}
}

func TestSweepDeadDetectsStaleAndInvalidBindings(t *testing.T) {
	tbl := newUDPBindingTable()
	now := int64(1_000_000)
	tbl.bind("stale", testUDPAddr(1000), 1, now-udpBindingTTL.Milliseconds()-1)
	tbl.bind("wrong-channel", testUDPAddr(1001), 2, now)
	tbl.bind("fresh", testUDPAddr(1002), 3, now)

	dead := tbl.sweepDead(now, func(username string, cid int64) bool {
		if username == "wrong-channel" {
			return false
		}
		return true
	})

	seen := map[string]bool{}
	for _, u := range dead {
		seen[u] = true
	}
	if !seen["stale"] || !seen["wrong-channel"] {
		t.Errorf("expected stale and wrong-channel to be dead, got %v", dead)
	}
	if seen["fresh"] {
		t.Errorf("fresh binding should not be dead, got %v", dead)
	}
}
