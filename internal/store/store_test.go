package store

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegisterAndLogin(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	username, err := st.Register(ctx, "alice@example.com", "Alice", "hunter2hunter2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if username == "" {
		t.Fatal("expected non-empty username")
	}

	result, gotUser, err := st.Login(ctx, "alice@example.com", "hunter2hunter2", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result != LoginOk {
		t.Fatalf("expected LoginOk, got %v", result)
	}
	if gotUser != username {
		t.Fatalf("got username %q, want %q", gotUser, username)
	}
}

func TestLoginWrongPasswordFails(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Register(ctx, "bob@example.com", "Bob", "correct-password"); err != nil {
		t.Fatalf("register: %v", err)
	}
	result, _, err := st.Login(ctx, "bob@example.com", "wrong-password", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result != LoginFail {
		t.Fatalf("expected LoginFail, got %v", result)
	}
}

func TestSetUserRoleGrantsMatchingPermBits(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	username, err := st.Register(ctx, "dana@example.com", "Dana", "password123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	serverID, err := st.CreateServer(ctx, "owner#0001", "Dana's Place")
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if err := st.JoinServer(ctx, username, serverID, ""); err != nil {
		t.Fatalf("join server: %v", err)
	}

	before, err := st.Permissions(ctx, serverID, username)
	if err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if before&PermAdmin != 0 {
		t.Fatalf("expected a freshly joined member to lack PermAdmin, got %v", before)
	}

	if err := st.SetUserRole(ctx, serverID, username, "admin"); err != nil {
		t.Fatalf("set user role: %v", err)
	}

	after, err := st.Permissions(ctx, serverID, username)
	if err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if after&PermAdmin == 0 {
		t.Errorf("expected SetUserRole(\"admin\") to grant PermAdmin, got %v", after)
	}
}

func TestCreateServerAddsCreatorAsMember(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Register(ctx, "carol@example.com", "Carol", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}
	serverID, err := st.CreateServer(ctx, "Carol", "Carol's Place")
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	servers, err := st.ListServers(ctx, "Carol")
	if err != nil {
		t.Fatalf("list servers: %v", err)
	}
	found := false
	for _, sv := range servers {
		if sv.ID == serverID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected creator to be a member of the created server")
	}
}

func TestCreateChannelAndServerContent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Register(ctx, "dave@example.com", "Dave", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}
	serverID, err := st.CreateServer(ctx, "Dave", "Dave's Place")
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	channelID, err := st.CreateChannel(ctx, serverID, "general")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if channelID <= 0 {
		t.Fatalf("expected positive channel id, got %d", channelID)
	}

	channels, err := st.ServerContent(ctx, serverID)
	if err != nil {
		t.Fatalf("server content: %v", err)
	}
	if len(channels) != 1 || channels[0].Name != "general" {
		t.Fatalf("unexpected channel content: %+v", channels)
	}
}

func TestSaveMessageAndSlowMode(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	serverID, err := st.CreateServer(ctx, "erin", "Erin's Place")
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	channelID, err := st.CreateChannel(ctx, serverID, "general")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if err := st.SetChannelSlowMode(ctx, channelID, 60); err != nil {
		t.Fatalf("set slow mode: %v", err)
	}

	msg := StoredMessage{ChannelID: channelID, Username: "erin", Body: "hi"}
	if _, err := st.SaveMessage(ctx, msg, time.Time{}); err != nil {
		t.Fatalf("first message should not be rate limited: %v", err)
	}
	if _, err := st.SaveMessage(ctx, msg, time.Now()); err == nil {
		t.Fatal("expected slow mode to reject a second immediate message")
	}
}

func TestDeleteMessageRequiresAuthor(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	serverID, err := st.CreateServer(ctx, "frank", "Frank's Place")
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	channelID, err := st.CreateChannel(ctx, serverID, "general")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	msgID, err := st.SaveMessage(ctx, StoredMessage{ChannelID: channelID, Username: "frank", Body: "hi"}, time.Time{})
	if err != nil {
		t.Fatalf("save message: %v", err)
	}

	ok, err := st.DeleteMessage(ctx, msgID, channelID, "not-frank")
	if err != nil {
		t.Fatalf("delete message: %v", err)
	}
	if ok {
		t.Fatal("expected delete to fail for a non-author")
	}

	ok, err = st.DeleteMessage(ctx, msgID, channelID, "frank")
	if err != nil {
		t.Fatalf("delete message: %v", err)
	}
	if !ok {
		t.Fatal("expected delete to succeed for the author")
	}
}

func TestAddAndRemoveReaction(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	serverID, _ := st.CreateServer(ctx, "gail", "Gail's Place")
	channelID, _ := st.CreateChannel(ctx, serverID, "general")
	msgID, err := st.SaveMessage(ctx, StoredMessage{ChannelID: channelID, Username: "gail", Body: "hi"}, time.Time{})
	if err != nil {
		t.Fatalf("save message: %v", err)
	}

	if err := st.AddReaction(ctx, msgID, "gail", "👍"); err != nil {
		t.Fatalf("add reaction: %v", err)
	}
	if err := st.RemoveReaction(ctx, msgID, "gail", "👍"); err != nil {
		t.Fatalf("remove reaction: %v", err)
	}
}
