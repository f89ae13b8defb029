package main

import (
	"errors"
	"log/slog"
	"net"
	"sync"
)

// FanoutEngine is the voice fan-out engine (§2.5, §4.5): it owns the
// datagram socket receive loop and replicates one sender's voice frame to
// 0..N receivers over the datagram path with stream-path fallback.
type FanoutEngine struct {
	registry *ChannelRegistry
	conn     *net.UDPConn

	dgramBufPool sync.Pool // reusable receive buffers
}

const maxDatagramSize = 2048

func newFanoutEngine(registry *ChannelRegistry, conn *net.UDPConn) *FanoutEngine {
	f := &FanoutEngine{registry: registry, conn: conn}
	f.dgramBufPool.New = func() any {
		b := make([]byte, maxDatagramSize)
		return &b
	}
	return f
}

// serve is the single receive loop described in §4.5: cheap dispatch on the
// first tag byte, then the full voice path.
func (f *FanoutEngine) serve() {
	for {
		bufPtr := f.dgramBufPool.Get().(*[]byte)
		buf := *bufPtr
		n, addr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			f.dgramBufPool.Put(bufPtr)
			if isClosedConnErr(err) {
				return
			}
			continue
		}
		if n == 0 {
			f.dgramBufPool.Put(bufPtr)
			continue
		}

		pkt := append([]byte(nil), buf[:n]...) // detach from pooled buffer before handing off
		f.dgramBufPool.Put(bufPtr)

		f.handleDatagram(pkt, addr)
	}
}

func (f *FanoutEngine) handleDatagram(pkt []byte, addr *net.UDPAddr) {
	tag := pkt[0]
	switch tag {
	case dgramTagLinkProbe:
		_, _ = f.conn.WriteToUDP(pkt, addr)
	case dgramTagHello:
		f.handleHello(pkt[1:], addr)
	case dgramTagPing:
		if len(pkt) != 9 {
			return
		}
		reply := append([]byte{dgramTagPong}, pkt[1:]...)
		_, _ = f.conn.WriteToUDP(reply, addr)
	case dgramTagVoice:
		f.handleVoiceDatagram(pkt[1:], addr)
	default:
		// Any other tag is dropped (§4.5 step 1).
	}
}

// handleHello implements §4.4: a hello datagram is accepted only if an
// authenticated session with that username exists and its voice_channel_id
// equals the claimed channel.
func (f *FanoutEngine) handleHello(body []byte, addr *net.UDPAddr) {
	username, cid, err := decodeHelloPayload(body)
	if err != nil {
		slog.Debug("malformed hello datagram dropped", "remote", addr, "err", err)
		return
	}
	session, ok := f.registry.sessionByUsername(username)
	if !ok || session.voiceChannelID() != cid {
		slog.Debug("hello rejected", "username", username, "claimed_cid", cid)
		return
	}
	f.registry.mu.Lock()
	f.registry.bindings.bind(username, addr, cid, nowMillis())
	f.registry.mu.Unlock()
}

// handleVoiceDatagram implements the 9-step datagram receive path of §4.5.
func (f *FanoutEngine) handleVoiceDatagram(body []byte, addr *net.UDPAddr) {
	payload, err := decodeVoicePayload(body)
	if err != nil {
		return // step 2: drop on parse failure
	}

	now := nowMillis()
	r := f.registry

	r.mu.RLock()
	binding, ok := r.bindings.get(payload.Sender)
	if !ok || !udpAddrEqual(binding.endpoint, addr) {
		r.mu.RUnlock()
		return // step 3: absent binding or spoofed source
	}
	if !binding.refillAndDebit(now) {
		r.mu.RUnlock()
		return // step 4: token bucket empty
	}
	cid := binding.voiceChannel // step 5: O(1) source of truth, never scan sessions
	if seqGreaterThan(payload.Seq, binding.highestSeqSeen) {
		binding.highestSeqSeen = payload.Seq // step 6
	}
	binding.lastSeenMs = now

	if !r.speakers.touchIfAdmitted(cid, payload.Sender, now) {
		r.mu.RUnlock()
		return // step 7: active-speaker cap reached and sender not already active
	}

	// step 8: build disjoint datagram/stream target lists.
	ch, ok := r.channels[cid]
	if !ok {
		r.mu.RUnlock()
		return
	}
	var dgramTargets []*net.UDPAddr
	var streamTargets []*Session
	for member := range ch.members {
		if member.getUsername() == payload.Sender {
			continue // self-echo suppressed
		}
		if mb, ok := r.bindings.get(member.getUsername()); ok && mb.voiceChannel == cid && mb.lastSeenMs >= now-2000 {
			dgramTargets = append(dgramTargets, mb.endpoint)
		} else {
			streamTargets = append(streamTargets, member)
		}
	}
	r.mu.RUnlock()

	// step 9: allocate one shared buffer per path, send without copying the body.
	if len(dgramTargets) > 0 {
		dgramBody := append([]byte{dgramTagVoice}, body...)
		for _, target := range dgramTargets {
			_, _ = f.conn.WriteToUDP(dgramBody, target)
		}
	}
	if len(streamTargets) > 0 {
		streamBody := encodePacket(KindVoiceDataOpus, body)
		for _, target := range streamTargets {
			target.send(streamBody, true)
		}
	}
}

// broadcastStreamPath implements the stream receive path of §4.5: broadcast
// to all members of the sender's current voice channel (except the
// sender), via the stream path only.
//
// Open question (§9): whether a stream-path Voice_Data_Opus should update
// the active-speaker map. This implementation does not — see DESIGN.md for
// the recorded rationale.
func (f *FanoutEngine) broadcastStreamPath(sender *Session, payload VoicePayload) {
	cid := sender.voiceChannelID()
	if cid == 0 {
		return
	}
	members := f.registry.channelMembers(cid)
	if len(members) == 0 {
		return
	}
	body, err := encodeVoicePayload(payload.Seq, payload.Sender, payload.Opus)
	if err != nil {
		return
	}
	streamBody := encodePacket(KindVoiceDataOpus, body)
	for _, m := range members {
		if m == sender {
			continue
		}
		m.send(streamBody, true)
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
