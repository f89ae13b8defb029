package main

import (
	"net"
	"time"
)

// udpBinding is the server's authenticated mapping from a username to a
// datagram endpoint within one voice channel (§3, §4.4).
type udpBinding struct {
	endpoint       *net.UDPAddr
	voiceChannel   int64
	lastSeenMs     int64
	tokens         int
	lastRefillMs   int64
	highestSeqSeen uint32
}

// udpBindingTable holds the per-username binding set. It is protected by
// the same room_lock as the rest of the registry (§5): callers must already
// hold ChannelRegistry.mu.
type udpBindingTable struct {
	byUsername map[string]*udpBinding
}

func newUDPBindingTable() *udpBindingTable {
	return &udpBindingTable{byUsername: make(map[string]*udpBinding)}
}

// get is an explicit get-or-none lookup; it never inserts (§9).
func (t *udpBindingTable) get(username string) (*udpBinding, bool) {
	b, ok := t.byUsername[username]
	return b, ok
}

// bind (re)creates a binding with a freshly reset token bucket (§4.4).
func (t *udpBindingTable) bind(username string, endpoint *net.UDPAddr, cid int64, nowMs int64) {
	t.byUsername[username] = &udpBinding{
		endpoint:     endpoint,
		voiceChannel: cid,
		lastSeenMs:   nowMs,
		tokens:       tokenBucketCapacity,
		lastRefillMs: nowMs,
	}
}

func (t *udpBindingTable) remove(username string) {
	delete(t.byUsername, username)
}

// sweepDead returns usernames whose binding is dead: last_seen older than
// udpBindingTTL, or pointing at a channel the session no longer claims
// (§4.4 invariants, §4.7.1 liveness sweep phase 1).
func (t *udpBindingTable) sweepDead(nowMs int64, isValid func(username string, cid int64) bool) []string {
	var dead []string
	cutoff := nowMs - udpBindingTTL.Milliseconds()
	for username, b := range t.byUsername {
		if b.lastSeenMs < cutoff || !isValid(username, b.voiceChannel) {
			dead = append(dead, username)
		}
	}
	return dead
}

// refillAndDebit applies the exact-integer-millisecond token bucket refill
// of §4.5 step 4 / §9 ("token bucket numerical drift"):
//
//   - if the gap since the last refill exceeds 1000ms, snap last_refill to
//     now and mint nothing for the silence (prevents burst-after-silence);
//     a bucket that was empty before the silence stays empty until tokens
//     are minted again from the snapped time;
//   - otherwise mint floor(gap * rate / 1000) tokens, clamp at capacity, and
//     advance last_refill by the *exact* time cost of the minted tokens
//     (mintedTokens * 1000 / rate ms) rather than by the elapsed wall clock —
//     preserving the sub-millisecond remainder is required, or steady-rate
//     senders are starved by accumulated rounding error.
//
// Returns true if a token was available and has been debited.
func (b *udpBinding) refillAndDebit(nowMs int64) bool {
	gap := nowMs - b.lastRefillMs
	if gap > 1000 {
		b.lastRefillMs = nowMs
	} else if gap > 0 {
		minted := int(gap) * tokenBucketRefillHz / 1000
		if minted > 0 {
			b.tokens += minted
			if b.tokens > tokenBucketCapacity {
				b.tokens = tokenBucketCapacity
			}
			b.lastRefillMs += int64(minted) * 1000 / int64(tokenBucketRefillHz)
		}
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
