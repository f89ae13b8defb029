package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"talkme/server/internal/store"
)

func newTestServerWithStore(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	r := newChannelRegistry()
	return &Server{
		registry:   r,
		fanout:     newFanoutEngine(r, nil),
		store:      st,
		storageSem: make(chan struct{}, 4),
	}
}

func mustRegister(t *testing.T, srv *Server, email, display string) string {
	t.Helper()
	username, err := srv.store.Register(context.Background(), email, display, "hunter2hunter2")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return username
}

func TestHandleReactionAddBroadcastsToChannelMembers(t *testing.T) {
	srv := newTestServerWithStore(t)
	ctx := context.Background()
	alice := mustRegister(t, srv, "alice@example.com", "Alice")
	serverID, err := srv.store.CreateServer(ctx, alice, "guild")
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	cid, err := srv.store.CreateChannel(ctx, serverID, "general")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	msgID, err := srv.store.SaveMessage(ctx, store.StoredMessage{ChannelID: cid, Username: alice, Body: "hi"}, time.Time{})
	if err != nil {
		t.Fatalf("save message: %v", err)
	}

	a := newTestSession(t, srv, alice)
	b := newTestSession(t, srv, "bob")
	srv.registry.joinClient(a)
	srv.registry.joinClient(b)
	srv.registry.setVoiceChannel(a, cid, 0) // puts both on the registry so channelMembers can see them
	srv.registry.setVoiceChannel(b, cid, 0)
	drainOutbox(a)
	drainOutbox(b)

	body, _ := json.Marshal(reactionAddRequest{MessageID: msgID, ChannelID: cid, Emoji: "thumbsup"})
	a.dispatch(ctx, KindReactionAddRequest, body)

	select {
	case frame := <-b.outbox:
		if frame.data[0] != byte(KindReactionAddRequest) {
			t.Errorf("expected KindReactionAddRequest, got %d", frame.data[0])
		}
		var resp reactionAddResponse
		if err := json.Unmarshal(frame.data[headerSize:], &resp); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		if resp.Username != alice || resp.Emoji != "thumbsup" {
			t.Errorf("unexpected broadcast body: %+v", resp)
		}
	default:
		t.Fatal("expected bob to receive the reaction broadcast")
	}
}

func TestHandleEditMessageRejectsNonAuthor(t *testing.T) {
	srv := newTestServerWithStore(t)
	ctx := context.Background()
	alice := mustRegister(t, srv, "alice@example.com", "Alice")
	serverID, _ := srv.store.CreateServer(ctx, alice, "guild")
	cid, _ := srv.store.CreateChannel(ctx, serverID, "general")
	msgID, err := srv.store.SaveMessage(ctx, store.StoredMessage{ChannelID: cid, Username: alice, Body: "hi"}, time.Time{})
	if err != nil {
		t.Fatalf("save message: %v", err)
	}

	eve := newTestSession(t, srv, "eve")
	srv.registry.joinClient(eve)
	srv.registry.setVoiceChannel(eve, cid, 0)
	drainOutbox(eve)

	body, _ := json.Marshal(editMessageRequest{MessageID: msgID, ChannelID: cid, Body: "hijacked"})
	eve.dispatch(ctx, KindEditMessageRequest, body)

	select {
	case <-eve.outbox:
		t.Error("expected no broadcast when a non-author edits a message")
	default:
	}
}

func TestHandleSetSlowModeRequiresManageChannelsPermission(t *testing.T) {
	srv := newTestServerWithStore(t)
	ctx := context.Background()
	alice := mustRegister(t, srv, "alice@example.com", "Alice") // creator, gets PermAdmin
	mallory := mustRegister(t, srv, "mallory@example.com", "Mallory")
	serverID, _ := srv.store.CreateServer(ctx, alice, "guild")
	cid, _ := srv.store.CreateChannel(ctx, serverID, "general")

	m := newTestSession(t, srv, mallory)
	m.dispatch(ctx, KindSetSlowModeRequest, mustJSON(t, setSlowModeRequest{ChannelID: cid, Seconds: 30}))

	channels, err := srv.store.ServerContent(ctx, serverID)
	if err != nil {
		t.Fatalf("server content: %v", err)
	}
	for _, ch := range channels {
		if ch.ID == cid && ch.SlowModeSeconds != 0 {
			t.Fatalf("expected slow mode unchanged for a non-permitted user, got %d", ch.SlowModeSeconds)
		}
	}

	a := newTestSession(t, srv, alice)
	a.dispatch(ctx, KindSetSlowModeRequest, mustJSON(t, setSlowModeRequest{ChannelID: cid, Seconds: 30}))
	channels, err = srv.store.ServerContent(ctx, serverID)
	if err != nil {
		t.Fatalf("server content: %v", err)
	}
	found := false
	for _, ch := range channels {
		if ch.ID == cid {
			found = true
			if ch.SlowModeSeconds != 30 {
				t.Errorf("expected slow mode 30 for the server's creator, got %d", ch.SlowModeSeconds)
			}
		}
	}
	if !found {
		t.Fatal("expected to find the created channel")
	}
}

func TestHandleDirectMessageSendDeliversToOnlineRecipient(t *testing.T) {
	srv := newTestServerWithStore(t)
	ctx := context.Background()
	alice := mustRegister(t, srv, "alice@example.com", "Alice")
	bob := mustRegister(t, srv, "bob@example.com", "Bob")

	a := newTestSession(t, srv, alice)
	b := newTestSession(t, srv, bob)
	srv.registry.joinClient(a)
	srv.registry.joinClient(b)
	drainOutbox(a)
	drainOutbox(b)

	a.dispatch(ctx, KindDirectMessageSend, mustJSON(t, directMessageSend{Recipient: bob, Body: "hey"}))

	select {
	case frame := <-b.outbox:
		var dm directMessageReceived
		if err := json.Unmarshal(frame.data[headerSize:], &dm); err != nil {
			t.Fatalf("unmarshal dm: %v", err)
		}
		if dm.Sender != alice || dm.Body != "hey" {
			t.Errorf("unexpected dm: %+v", dm)
		}
	default:
		t.Fatal("expected bob to receive the direct message")
	}

	select {
	case <-a.outbox:
	default:
		t.Error("expected alice to receive her own send confirmation")
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHandleLoginSendsLoginSuccessBeforeServerList(t *testing.T) {
	srv := newTestServerWithStore(t)
	ctx := context.Background()
	mustRegister(t, srv, "alice@example.com", "Alice")

	a := newTestSession(t, srv, "")
	a.dispatch(ctx, KindLoginRequest, mustJSON(t, loginRequest{Email: "alice@example.com", Pass: "hunter2hunter2"}))

	first := <-a.outbox
	if first.data[0] != byte(KindLoginSuccess) {
		t.Fatalf("expected Login_Success first, got packet kind %d", first.data[0])
	}
	var success loginSuccess
	if err := json.Unmarshal(first.data[headerSize:], &success); err != nil {
		t.Fatalf("unmarshal login success: %v", err)
	}
	if success.TwoFAEnabled {
		t.Errorf("expected 2fa_enabled false for an account with no TOTP secret, got %+v", success)
	}

	second := <-a.outbox
	if second.data[0] != byte(KindServerListResponse) {
		t.Fatalf("expected Server_List_Response to follow Login_Success, got packet kind %d", second.data[0])
	}
}

func TestHandleLoginRejectsBannedUser(t *testing.T) {
	srv := newTestServerWithStore(t)
	ctx := context.Background()
	username := mustRegister(t, srv, "eve@example.com", "Eve")
	if err := srv.store.InsertBan(ctx, username, "", "spam", "admin"); err != nil {
		t.Fatalf("insert ban: %v", err)
	}

	a := newTestSession(t, srv, "")
	a.dispatch(ctx, KindLoginRequest, mustJSON(t, loginRequest{Email: "eve@example.com", Pass: "hunter2hunter2"}))

	frame := <-a.outbox
	if frame.data[0] != byte(KindLoginFailed) {
		t.Fatalf("expected a banned user's login to be rejected with Login_Failed, got packet kind %d", frame.data[0])
	}
}

func TestHandleJoinServerRejectsBannedUser(t *testing.T) {
	srv := newTestServerWithStore(t)
	ctx := context.Background()
	username := mustRegister(t, srv, "mallory@example.com", "Mallory")
	serverID, err := srv.store.CreateServer(ctx, mustRegister(t, srv, "owner@example.com", "Owner"), "guild")
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if err := srv.store.InsertBan(ctx, username, "", "spam", "admin"); err != nil {
		t.Fatalf("insert ban: %v", err)
	}

	m := newTestSession(t, srv, username)
	m.dispatch(ctx, KindJoinServerRequest, mustJSON(t, joinServerRequest{ServerID: serverID}))

	joined, err := srv.store.ListServers(ctx, username)
	if err != nil {
		t.Fatalf("list servers: %v", err)
	}
	for _, sv := range joined {
		if sv.ID == serverID {
			t.Error("expected a banned user's Join_Server request to be rejected before store.JoinServer ran")
		}
	}
}
