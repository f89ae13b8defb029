package main

import (
	"log/slog"
	"sync"
)

// ChannelRegistry is the channel registry and voice fan-out target source
// (§2.3, §4.3). It owns the all-sessions set, the voice-channel membership
// map, and the UDP binding table, kept coherent under a single
// reader-writer lock (room_lock, §5): any insert/remove/re-key on these maps
// takes the lock exclusively, every other access takes it shared.
//
// Never perform a default-inserting lookup while holding room_lock in
// shared mode — that is the classic race the design spec calls out in §9.
type ChannelRegistry struct {
	mu sync.RWMutex // room_lock

	allSessions map[*Session]struct{}
	channels    map[int64]*voiceChannel
	bindings    *udpBindingTable // protected by the same room_lock

	speakers *activeSpeakerMap // speaker_lock, acquired inside room_lock's read side
}

// voiceChannel is one channel's voice membership and derived state.
type voiceChannel struct {
	members map[*Session]struct{}
}

func newVoiceChannel() *voiceChannel {
	return &voiceChannel{members: make(map[*Session]struct{})}
}

func newChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		allSessions: make(map[*Session]struct{}),
		channels:    make(map[int64]*voiceChannel),
		bindings:    newUDPBindingTable(),
		speakers:    newActiveSpeakerMap(),
	}
}

// joinClient adds session to the all-sessions set (§4.3).
func (r *ChannelRegistry) joinClient(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allSessions[s] = struct{}{}
}

// leaveClient removes session from the all-sessions set; if it had a voice
// channel, removes it from that channel's membership and drops the
// username's UDP binding iff no other session with the same username
// remains (§4.3).
func (r *ChannelRegistry) leaveClient(s *Session) {
	r.mu.Lock()
	cid, username := s.voiceChannelID(), s.getUsername()
	delete(r.allSessions, s)
	var refreshNeeded bool
	if cid != 0 {
		if ch, ok := r.channels[cid]; ok {
			delete(ch.members, s)
			refreshNeeded = true
		}
		if username != "" && !r.hasOtherSessionLocked(s, username) {
			r.bindings.remove(username)
		}
	}
	r.speakers.removeSpeaker(cid, username)
	r.mu.Unlock()

	if refreshNeeded {
		r.refreshChannelLeave(cid, username)
	}
}

// hasOtherSessionLocked reports whether a session other than s with the
// given username is still present anywhere in the registry. Must be called
// with mu held (any mode) — it only reads.
func (r *ChannelRegistry) hasOtherSessionLocked(s *Session, username string) bool {
	for other := range r.allSessions {
		if other != s && other.getUsername() == username {
			return true
		}
	}
	return false
}

// setVoiceChannel implements the ordered sequence of §4.3:
//  1. If oldCID is set and differs from newCID: remove from oldCID, drop the
//     username's UDP binding, refresh oldCID.
//  2. If newCID is set: evict any other session in newCID with the same
//     username, insert, refresh newCID.
//
// The duplicate-eviction step is load-bearing: without it a reconnecting
// client produces a ghost member (§4.3, tested by the no-duplicate-in-
// channel invariant, §8.3).
func (r *ChannelRegistry) setVoiceChannel(s *Session, newCID, oldCID int64) {
	var evicted *Session
	var touchedOld, touchedNew bool

	r.mu.Lock()
	username := s.getUsername()

	if oldCID != 0 && oldCID != newCID {
		if ch, ok := r.channels[oldCID]; ok {
			delete(ch.members, s)
			touchedOld = true
		}
		r.bindings.remove(username)
		r.speakers.removeSpeaker(oldCID, username)
	}

	if newCID != 0 {
		ch, ok := r.channels[newCID]
		if !ok {
			ch = newVoiceChannel()
			r.channels[newCID] = ch
		}
		for other := range ch.members {
			if other != s && other.getUsername() == username {
				delete(ch.members, other)
				evicted = other
				break
			}
		}
		ch.members[s] = struct{}{}
		s.setVoiceChannelID(newCID)
		touchedNew = true
	} else {
		s.setVoiceChannelID(0)
	}
	r.mu.Unlock()

	if evicted != nil {
		slog.Info("evicted duplicate-username session on channel join", "username", username, "channel_id", newCID)
		evicted.setVoiceChannelID(0)
	}
	if touchedOld {
		r.refreshChannelLeave(oldCID, username)
	}
	if touchedNew {
		r.refreshChannelJoin(newCID, s, username)
	}
}

// channelMembers returns a snapshot slice of the sessions currently in cid.
// Callers must not mutate the registry while holding the returned slice
// past the call that produced it.
func (r *ChannelRegistry) channelMembers(cid int64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[cid]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(ch.members))
	for s := range ch.members {
		out = append(out, s)
	}
	return out
}

// channelLoad returns the member count of cid, used to scale the voice
// outbound-queue admission threshold (§4.2) and the control-loop config
// push (§4.6). Returns 0 for an unknown channel.
func (r *ChannelRegistry) channelLoad(cid int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[cid]
	if !ok {
		return 0
	}
	return len(ch.members)
}

// sessionByUsername performs an explicit get-or-none lookup; it never
// inserts (§9's "default-insert-on-lookup races" warning).
func (r *ChannelRegistry) sessionByUsername(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.allSessions {
		if s.getUsername() == username {
			return s, true
		}
	}
	return nil, false
}

// stats returns the current session count and voice-channel count, used by
// the REST API's /api/state endpoint.
func (r *ChannelRegistry) stats() (clients int, voiceChannels int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.allSessions), len(r.channels)
}

// sessionByUsernameLocked is sessionByUsername for callers that already
// hold mu (any mode) — used by the liveness sweep, which collects its
// binding verdicts under the same shared-lock pass as the session scan.
func (r *ChannelRegistry) sessionByUsernameLocked(username string) (*Session, bool) {
	for s := range r.allSessions {
		if s.getUsername() == username {
			return s, true
		}
	}
	return nil, false
}

// gcEmptyChannels removes every voice channel whose membership set is
// empty, and its active-speaker entry (§4.7.2, channel GC, every 30s).
func (r *ChannelRegistry) gcEmptyChannels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for cid, ch := range r.channels {
		if len(ch.members) == 0 {
			delete(r.channels, cid)
			r.speakers.removeChannel(cid)
			removed++
		}
	}
	return removed
}

// refreshChannelJoin multicasts the membership delta produced by joiner's
// arrival on cid, then the recomputed Voice_Config (§4.6): the joiner
// itself receives the full membership list, every other member receives a
// {action:"join", u:username} delta. It must be called without room_lock
// held.
func (r *ChannelRegistry) refreshChannelJoin(cid int64, joiner *Session, username string) {
	members := r.channelMembers(cid)
	full := make([]string, 0, len(members))
	for _, m := range members {
		full = append(full, m.getUsername())
	}
	for _, m := range members {
		if m == joiner {
			m.sendJSON(KindVoiceStateUpdate, voiceStateUpdate{ChannelID: cid, Members: full}, false)
		} else {
			m.sendJSON(KindVoiceStateUpdate, voiceStateUpdate{ChannelID: cid, Action: "join", Username: username}, false)
		}
	}
	r.pushVoiceConfig(cid, members)
}

// refreshChannelLeave multicasts a {action:"leave", u:username} delta to
// cid's remaining members, then the recomputed Voice_Config (§4.6). It must
// be called without room_lock held.
func (r *ChannelRegistry) refreshChannelLeave(cid int64, username string) {
	members := r.channelMembers(cid)
	for _, m := range members {
		m.sendJSON(KindVoiceStateUpdate, voiceStateUpdate{ChannelID: cid, Action: "leave", Username: username}, false)
	}
	r.pushVoiceConfig(cid, members)
}

func (r *ChannelRegistry) pushVoiceConfig(cid int64, members []*Session) {
	cfg := voiceConfigForLoad(cid, len(members))
	for _, m := range members {
		m.sendJSON(KindVoiceConfig, cfg, false)
	}
}
