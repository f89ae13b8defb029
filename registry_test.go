package main

import (
	"encoding/json"
	"net"
	"testing"
)

// newTestSession builds a Session with a pipe connection, bypassing
// newServer/newSession's socket requirements, for registry-level tests that
// never read or write bytes.
func newTestSession(t *testing.T, srv *Server, username string) *Session {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	s := newSession(server, srv)
	s.setUsername(username)
	return s
}

func TestSetVoiceChannelEvictsDuplicateUsername(t *testing.T) {
	srv := &Server{registry: newChannelRegistry()}
	a := newTestSession(t, srv, "alice")
	b := newTestSession(t, srv, "alice") // reconnect under the same username

	srv.registry.setVoiceChannel(a, 1, 0)
	srv.registry.setVoiceChannel(b, 1, 0)

	members := srv.registry.channelMembers(1)
	if len(members) != 1 {
		t.Fatalf("expected exactly one member after duplicate-username join, got %d", len(members))
	}
	if members[0] != b {
		t.Error("expected the newer session to win, evicting the older one")
	}
	if a.voiceChannelID() != 0 {
		t.Error("evicted session should have its voice channel cleared")
	}
}

func TestSetVoiceChannelMoveBetweenChannels(t *testing.T) {
	srv := &Server{registry: newChannelRegistry()}
	a := newTestSession(t, srv, "alice")

	srv.registry.setVoiceChannel(a, 1, 0)
	srv.registry.setVoiceChannel(a, 2, 1)

	if len(srv.registry.channelMembers(1)) != 0 {
		t.Error("old channel should have no members after the move")
	}
	if len(srv.registry.channelMembers(2)) != 1 {
		t.Error("new channel should have exactly one member after the move")
	}
}

func TestLeaveClientRemovesUDPBindingWhenNoOtherSession(t *testing.T) {
	srv := &Server{registry: newChannelRegistry()}
	a := newTestSession(t, srv, "alice")
	srv.registry.joinClient(a)
	srv.registry.setVoiceChannel(a, 1, 0)
	srv.registry.mu.Lock()
	srv.registry.bindings.bind("alice", testUDPAddr(1000), 1, 1000)
	srv.registry.mu.Unlock()

	srv.registry.leaveClient(a)

	srv.registry.mu.RLock()
	_, ok := srv.registry.bindings.get("alice")
	srv.registry.mu.RUnlock()
	if ok {
		t.Error("expected binding to be removed when the only session leaves")
	}
}

func TestLeaveClientKeepsUDPBindingWithOtherSession(t *testing.T) {
	srv := &Server{registry: newChannelRegistry()}
	a := newTestSession(t, srv, "alice")
	b := newTestSession(t, srv, "alice")
	srv.registry.joinClient(a)
	srv.registry.joinClient(b)
	srv.registry.setVoiceChannel(a, 1, 0)
	srv.registry.mu.Lock()
	srv.registry.bindings.bind("alice", testUDPAddr(1000), 1, 1000)
	srv.registry.mu.Unlock()

	srv.registry.leaveClient(a)

	srv.registry.mu.RLock()
	_, ok := srv.registry.bindings.get("alice")
	srv.registry.mu.RUnlock()
	if !ok {
		t.Error("binding should survive while another session with the same username remains")
	}
}

func TestGCEmptyChannelsRemovesOnlyEmptyOnes(t *testing.T) {
	srv := &Server{registry: newChannelRegistry()}
	a := newTestSession(t, srv, "alice")
	srv.registry.setVoiceChannel(a, 1, 0)
	srv.registry.channels[2] = newVoiceChannel() // empty channel with no members

	removed := srv.registry.gcEmptyChannels()
	if removed != 1 {
		t.Fatalf("expected 1 channel removed, got %d", removed)
	}
	if _, ok := srv.registry.channels[1]; !ok {
		t.Error("non-empty channel should not have been removed")
	}
	if _, ok := srv.registry.channels[2]; ok {
		t.Error("empty channel should have been removed")
	}
}

func TestSetVoiceChannelSendsVoiceStateUpdateJoinDelta(t *testing.T) {
	srv := &Server{registry: newChannelRegistry()}
	a := newTestSession(t, srv, "alice")
	b := newTestSession(t, srv, "bob")

	srv.registry.setVoiceChannel(a, 1, 0)
	drainOutbox(a) // discard alice's own join/config frames

	srv.registry.setVoiceChannel(b, 1, 0)

	frame := <-a.outbox // alice's delta from bob's join, ahead of the refreshed Voice_Config
	if frame.data[0] != byte(KindVoiceStateUpdate) {
		t.Fatalf("expected KindVoiceStateUpdate, got %d", frame.data[0])
	}
	var update voiceStateUpdate
	if err := json.Unmarshal(frame.data[headerSize:], &update); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if update.Action != "join" || update.Username != "bob" {
		t.Errorf("expected a join delta for bob, got %+v", update)
	}

	bobFrame := <-b.outbox // bob's own Voice_State_Update is sent ahead of his Voice_Config
	if bobFrame.data[0] != byte(KindVoiceStateUpdate) {
		t.Fatalf("expected KindVoiceStateUpdate, got %d", bobFrame.data[0])
	}
	var joinerUpdate voiceStateUpdate
	if err := json.Unmarshal(bobFrame.data[headerSize:], &joinerUpdate); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(joinerUpdate.Members) != 2 {
		t.Errorf("expected the joiner to receive the full membership list, got %+v", joinerUpdate.Members)
	}
}

func TestLeaveClientSendsVoiceStateUpdateLeaveDelta(t *testing.T) {
	srv := &Server{registry: newChannelRegistry()}
	a := newTestSession(t, srv, "alice")
	b := newTestSession(t, srv, "bob")
	srv.registry.joinClient(a)
	srv.registry.joinClient(b)
	srv.registry.setVoiceChannel(a, 1, 0)
	srv.registry.setVoiceChannel(b, 1, 0)
	drainOutbox(a)
	drainOutbox(b)

	srv.registry.leaveClient(b)

	frame := <-a.outbox
	if frame.data[0] != byte(KindVoiceStateUpdate) {
		t.Fatalf("expected KindVoiceStateUpdate, got %d", frame.data[0])
	}
	var update voiceStateUpdate
	if err := json.Unmarshal(frame.data[headerSize:], &update); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if update.Action != "leave" || update.Username != "bob" {
		t.Errorf("expected a leave delta for bob, got %+v", update)
	}
}

func TestSessionByUsernameIsExplicitGetOrNone(t *testing.T) {
	srv := &Server{registry: newChannelRegistry()}
	if _, ok := srv.registry.sessionByUsername("ghost"); ok {
		t.Fatal("expected no session for an unregistered username")
	}
	a := newTestSession(t, srv, "alice")
	srv.registry.joinClient(a)
	if got, ok := srv.registry.sessionByUsername("alice"); !ok || got != a {
		t.Error("expected to find the joined session by username")
	}
}
