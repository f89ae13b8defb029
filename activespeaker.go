package main

import "sync"

// activeSpeakerMap tracks, per voice channel, the last-spoken timestamp of
// each username (§3). A sender is "active" if now - last_spoken <= 2000ms.
//
// mu is speaker_lock (§5): a short mutex always acquired inside room_lock's
// read side when both are needed, never the reverse.
type activeSpeakerMap struct {
	mu        sync.Mutex // speaker_lock
	byChannel map[int64]map[string]int64 // channel -> username -> last_spoken_ms
}

func newActiveSpeakerMap() *activeSpeakerMap {
	return &activeSpeakerMap{byChannel: make(map[int64]map[string]int64)}
}

// countActive returns the number of usernames whose last_spoken is within
// the active window of nowMs.
func (m *activeSpeakerMap) countActive(cid int64, nowMs int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	speakers, ok := m.byChannel[cid]
	if !ok {
		return 0
	}
	cutoff := nowMs - activeSpeakerWindowMs
	n := 0
	for _, last := range speakers {
		if last >= cutoff {
			n++
		}
	}
	return n
}

// isActive reports whether username is currently an active speaker in cid.
func (m *activeSpeakerMap) isActive(cid int64, username string, nowMs int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	speakers, ok := m.byChannel[cid]
	if !ok {
		return false
	}
	last, ok := speakers[username]
	return ok && last >= nowMs-activeSpeakerWindowMs
}

// touchIfAdmitted implements the active-speaker gate of §4.5 step 7 as one
// atomic operation under speaker_lock: count active speakers, admit if the
// sender is already active or the cap isn't reached, and if admitted, touch
// its last-spoken timestamp. Doing the count-then-touch under a single lock
// acquisition avoids a race where two new speakers could both observe
// active < cap and both be admitted, pushing the channel over cap.
func (m *activeSpeakerMap) touchIfAdmitted(cid int64, username string, nowMs int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	speakers, ok := m.byChannel[cid]
	if !ok {
		speakers = make(map[string]int64)
		m.byChannel[cid] = speakers
	}

	cutoff := nowMs - activeSpeakerWindowMs
	_, alreadyActive := speakers[username]
	if alreadyActive && speakers[username] < cutoff {
		alreadyActive = false
	}

	if !alreadyActive {
		active := 0
		for _, last := range speakers {
			if last >= cutoff {
				active++
			}
		}
		if active >= activeSpeakerCap {
			return false
		}
	}

	speakers[username] = nowMs
	return true
}

func (m *activeSpeakerMap) removeSpeaker(cid int64, username string) {
	if username == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if speakers, ok := m.byChannel[cid]; ok {
		delete(speakers, username)
	}
}

func (m *activeSpeakerMap) removeChannel(cid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byChannel, cid)
}
