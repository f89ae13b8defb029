package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"talkme/server/internal/store"
)

// Session owns one client's stream socket and acts as the serialization
// point for all outbound bytes on that socket (§2.2, §4.2).
//
// The "strand" of the design spec — a single-writer key into the runtime —
// is realized here as a dedicated writePump goroutine draining outbox: it
// is the only goroutine that ever calls conn.Write, giving every other
// goroutine in the process the appearance that enqueuing is fire-and-forget
// while guaranteeing FIFO, non-overlapping delivery on the wire (§5).
type Session struct {
	conn       net.Conn
	remoteAddr string
	server     *Server

	outbox     chan outboundFrame
	closeOnce  sync.Once
	closed     chan struct{}

	usernameMu sync.RWMutex
	username   string

	voiceCID       atomic.Int64
	textChannelID  atomic.Int64 // last channel named in a Select_Text_Channel
	healthy        atomic.Bool
	lastActivityMs atomic.Int64

	voiceWindowStartMs atomic.Int64
	voiceWindowCount   atomic.Int32

	lastVoicePacketMs atomic.Int64 // for the voice-idle liveness check

	assignedBitrateKbps      atomic.Int32
	consecutiveStableReports atomic.Int32
	lastJitterMs             atomic.Int32

	uploadMu sync.Mutex
	upload   *uploadSink

	pendingMu     sync.Mutex
	pending2FA    string // email awaiting Submit_2FA_Login
	pending2FASecret string
	pendingHWID   string
}

type outboundFrame struct {
	data    []byte
	isVoice bool
}

func newSession(conn net.Conn, server *Server) *Session {
	s := &Session{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		server:     server,
		outbox:     make(chan outboundFrame, controlQueueThreshold),
		closed:     make(chan struct{}),
	}
	s.healthy.Store(true)
	s.assignedBitrateKbps.Store(48)
	s.lastActivityMs.Store(nowMillis())
	return s
}

func (s *Session) getUsername() string {
	s.usernameMu.RLock()
	defer s.usernameMu.RUnlock()
	return s.username
}

func (s *Session) setUsername(u string) {
	s.usernameMu.Lock()
	s.username = u
	s.usernameMu.Unlock()
}

func (s *Session) voiceChannelID() int64              { return s.voiceCID.Load() }
func (s *Session) setVoiceChannelID(cid int64)        { s.voiceCID.Store(cid) }
func (s *Session) isHealthy() bool                    { return s.healthy.Load() }
func (s *Session) markUnhealthy()                     { s.healthy.Store(false) }
func (s *Session) touchActivity()                     { s.lastActivityMs.Store(nowMillis()) }
func (s *Session) lastActivity() int64                { return s.lastActivityMs.Load() }
func (s *Session) touchVoiceActivity()                { s.lastVoicePacketMs.Store(nowMillis()) }
func (s *Session) lastVoiceActivity() int64           { return s.lastVoicePacketMs.Load() }

// send enqueues a pre-encoded packet on the writer, applying the outbound
// queue admission rules of §4.2. Never removes an element already at the
// front: queue entries are only ever appended or drained by writePump.
func (s *Session) send(buf []byte, isVoice bool) {
	threshold := controlQueueThreshold
	if isVoice {
		load := s.server.registry.channelLoad(s.voiceChannelID())
		threshold = voiceQueueThreshold(load)
	}
	if len(s.outbox) >= threshold {
		return // OverloadDrop (§7): silently drop, no reply.
	}
	select {
	case s.outbox <- outboundFrame{data: buf, isVoice: isVoice}:
	default:
		// Raced past the depth check against a concurrent sender; still an
		// overload drop, not an error.
	}
}

func (s *Session) sendRaw(kind PacketKind, body []byte, isVoice bool) {
	s.send(encodePacket(kind, body), isVoice)
}

func (s *Session) sendJSON(kind PacketKind, v any, isVoice bool) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal outbound json", "kind", kind, "err", err)
		return
	}
	s.sendRaw(kind, body, isVoice)
}

// writePump is the session's strand: the sole goroutine permitted to write
// to conn.
func (s *Session) writePump() {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case frame, ok := <-s.outbox:
			if !ok {
				return
			}
			if _, err := w.Write(frame.data); err != nil {
				s.markUnhealthy()
				s.disconnect()
				return
			}
			// Flush eagerly: queue depth (not buffering) is the backpressure
			// mechanism per §4.2, so batching writes here would just add
			// latency without changing the drop policy.
			if err := w.Flush(); err != nil {
				s.markUnhealthy()
				s.disconnect()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// disconnect is idempotent: closes the socket, deletes any partial upload.
func (s *Session) disconnect() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		s.abandonUpload()
		s.server.registry.leaveClient(s)
		slog.Info("session disconnected", "username", s.getUsername(), "remote", s.remoteAddr)
	})
}

// serve runs the inbound pipeline: read exactly the 5-byte header, validate
// size, read exactly size body bytes, dispatch. Never overlapping reads on
// a single session. Any read error tears the session down (§4.2).
func (s *Session) serve(ctx context.Context) {
	go s.writePump()
	defer s.disconnect()

	r := bufio.NewReader(s.conn)
	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return
		}
		header, err := decodeHeader(hdr[:])
		if err != nil {
			slog.Debug("malformed header, tearing down session", "remote", s.remoteAddr, "err", err)
			return
		}
		body := make([]byte, header.Size)
		if header.Size > 0 {
			if _, err := io.ReadFull(r, body); err != nil {
				return
			}
		}
		s.touchActivity()
		s.dispatch(ctx, header.Type, body)
	}
}

// dispatch has the three forms described in §4.2: voice, echo, receiver
// report, plus the JSON-bodied control packets.
func (s *Session) dispatch(ctx context.Context, kind PacketKind, body []byte) {
	switch kind {
	case KindVoiceDataLegacy, KindVoiceDataOpus:
		s.dispatchVoiceStream(body)
		return
	case KindEchoRequest:
		s.sendRaw(KindEchoResponse, body, false)
		return
	case KindReceiverReport:
		s.dispatchReceiverReport(body)
		return
	}

	// Every other packet has a JSON body and, except for the authentication
	// set, requires a prior-authenticated username (§4.2, AuthorizationError
	// §7: silently drop).
	authRequired := true
	switch kind {
	case KindRegisterRequest, KindLoginRequest, KindValidateSessionRequest, KindSubmit2FALoginRequest:
		authRequired = false
	}
	if authRequired && s.getUsername() == "" {
		return
	}

	switch kind {
	case KindRegisterRequest:
		s.handleRegister(ctx, body)
	case KindLoginRequest:
		s.handleLogin(ctx, body)
	case KindValidateSessionRequest:
		s.handleValidateSession(ctx, body)
	case KindSubmit2FALoginRequest:
		s.handleSubmit2FA(ctx, body)
	case KindCreateServerRequest:
		s.handleCreateServer(ctx, body)
	case KindJoinServerRequest:
		s.handleJoinServer(ctx, body)
	case KindGetServerContentRequest:
		s.handleServerContent(ctx, body)
	case KindCreateChannelRequest:
		s.handleCreateChannel(ctx, body)
	case KindSelectTextChannel:
		s.handleSelectTextChannel(body)
	case KindJoinVoiceChannel:
		s.handleJoinVoiceChannel(body)
	case KindMessageText:
		s.handleMessageText(ctx, body)
	case KindDeleteChannelRequest:
		s.handleDeleteChannel(body)
	case KindDeleteMessageRequest:
		s.handleDeleteMessage(ctx, body)
	case KindEditMessageRequest:
		s.handleEditMessage(ctx, body)
	case KindPinMessageRequest:
		s.handlePinMessage(ctx, body)
	case KindReactionAddRequest:
		s.handleReactionAdd(ctx, body)
	case KindReactionRemoveRequest:
		s.handleReactionRemove(ctx, body)
	case KindFriendAddRequest:
		s.handleFriendAdd(ctx, body)
	case KindDirectMessageSend:
		s.handleDirectMessageSend(ctx, body)
	case KindSetSlowModeRequest:
		s.handleSetSlowMode(ctx, body)
	case KindSetUserRoleRequest:
		s.handleSetUserRole(ctx, body)
	case KindBanUserRequest:
		s.handleBanUser(ctx, body)
	case KindFileTransferRequest:
		s.handleFileTransferRequest(body)
	case KindFileTransferChunk:
		s.handleFileTransferChunk(body)
	case KindFileTransferComplete:
		s.handleFileTransferComplete()
	default:
		slog.Debug("unhandled packet kind", "kind", kind)
	}
}

// dispatchVoiceStream implements §4.2's voice dispatch: the 1-second /
// 100-packet rate window, forwarding via the stream-path broadcast of §4.5
// on admission.
//
// Ordering note (§4.2, §9): the window start must be read and compared
// *before* it is reset, and must not be reset on every packet — resetting
// on every packet disables the limiter entirely, a known defect this
// implementation avoids by only ever assigning voiceWindowStartMs inside
// the "window elapsed" branch.
func (s *Session) dispatchVoiceStream(body []byte) {
	cid := s.voiceChannelID()
	if cid == 0 {
		return
	}

	now := nowMillis()
	windowStart := s.voiceWindowStartMs.Load()
	elapsed := now - windowStart
	if elapsed >= voiceStreamWindowMs {
		s.voiceWindowStartMs.Store(now)
		s.voiceWindowCount.Store(0)
	}
	count := s.voiceWindowCount.Add(1)
	if count > voiceStreamWindowCap {
		// RateLimited (§7): drop, log, no reply.
		slog.Debug("voice stream rate window exceeded, dropping packet", "username", s.getUsername(), "count", count)
		return
	}

	payload, err := decodeVoicePayload(body)
	if err != nil {
		return
	}
	s.server.fanout.broadcastStreamPath(s, payload)
}

func (s *Session) dispatchReceiverReport(body []byte) {
	report, err := decodeReceiverReport(body)
	if err != nil {
		return
	}
	sr := s.server.controlLoop.ingestReceiverReport(s, report)
	s.server.supervisor.recordReport(s.getUsername(), report)
	s.sendRaw(KindSenderReport, encodeSenderReport(sr), false)
}

// --- Authentication handlers (§4.2) ---

func (s *Session) handleRegister(ctx context.Context, body []byte) {
	var req registerRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	username, err := withStorage(s.server, func() (string, error) {
		return s.server.store.Register(ctx, req.Email, req.Display, req.Pass)
	})
	if err != nil {
		slog.Debug("register failed", "email", req.Email, "err", err)
		s.sendRaw(KindRegisterFailed, nil, false)
		return
	}
	s.sendJSON(KindRegisterSuccess, registerSuccess{Username: username}, false)
}

func (s *Session) handleLogin(ctx context.Context, body []byte) {
	var req loginRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	type loginOutcome struct {
		result   store.LoginResult
		username string
	}
	outcome, err := withStorage(s.server, func() (loginOutcome, error) {
		result, username, err := s.server.store.Login(ctx, req.Email, req.Pass, req.HWID)
		return loginOutcome{result, username}, err
	})
	result, username := outcome.result, outcome.username
	if err != nil {
		slog.Error("login storage error", "err", err)
		s.sendRaw(KindLoginFailed, nil, false)
		return
	}
	switch result {
	case store.LoginOk:
		if s.isBanned(ctx, username) {
			s.sendRaw(KindLoginFailed, nil, false)
			return
		}
		twoFA, err := withStorage(s.server, func() (bool, error) {
			return s.server.store.TwoFAEnabled(ctx, req.Email)
		})
		if err != nil {
			slog.Error("check 2fa enabled", "err", err)
		}
		s.sendJSON(KindLoginSuccess, loginSuccess{Username: username, TwoFAEnabled: twoFA}, false)
		s.finalizeAuthentication(ctx, username)
	case store.LoginNeeds2FA:
		s.pendingMu.Lock()
		s.pending2FA = req.Email
		s.pendingHWID = req.HWID
		s.pendingMu.Unlock()
		s.sendJSON(KindLoginRequires2FA, loginRequires2FA{Username: username}, false)
	default:
		s.sendRaw(KindLoginFailed, nil, false)
	}
}

func (s *Session) handleSubmit2FA(ctx context.Context, body []byte) {
	var req submit2FALoginRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	type submitOutcome struct {
		ok       bool
		username string
	}
	outcome, err := withStorage(s.server, func() (submitOutcome, error) {
		ok, username, err := s.server.store.SubmitTOTP(ctx, req.Email, req.Code, req.HWID)
		return submitOutcome{ok, username}, err
	})
	ok, username := outcome.ok, outcome.username
	if err != nil {
		slog.Error("submit 2fa storage error", "err", err)
		s.sendRaw(KindLoginFailed, nil, false)
		return
	}
	if !ok {
		s.sendRaw(KindLoginFailed, nil, false)
		return
	}
	if s.isBanned(ctx, username) {
		s.sendRaw(KindLoginFailed, nil, false)
		return
	}
	s.sendJSON(KindLoginSuccess, loginSuccess{Username: username, TwoFAEnabled: true}, false)
	s.finalizeAuthentication(ctx, username)
}

func (s *Session) handleValidateSession(ctx context.Context, body []byte) {
	var req validateSessionRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	type validateOutcome struct {
		username string
		ok       bool
	}
	outcome, err := withStorage(s.server, func() (validateOutcome, error) {
		username, ok, err := s.server.store.ValidateSession(ctx, req.Email, req.PasswordHash)
		return validateOutcome{username, ok}, err
	})
	username, ok := outcome.username, outcome.ok
	if err != nil {
		slog.Error("validate session storage error", "err", err)
		s.sendJSON(KindValidateSessionResponse, validateSessionResponse{Valid: false}, false)
		return
	}
	if !ok {
		s.sendJSON(KindValidateSessionResponse, validateSessionResponse{Valid: false}, false)
		return
	}
	if s.isBanned(ctx, username) {
		s.sendJSON(KindValidateSessionResponse, validateSessionResponse{Valid: false}, false)
		return
	}
	s.sendJSON(KindValidateSessionResponse, validateSessionResponse{Valid: true, Username: username}, false)
	s.finalizeAuthentication(ctx, username)
}

// isBanned reports whether username is banned, failing closed on a storage
// error so a broken ban lookup can't be used to bypass a ban (§6.5's bans
// table backs Permissions-adjacent enforcement, but nothing previously
// consulted it at authentication time).
func (s *Session) isBanned(ctx context.Context, username string) bool {
	banned, err := withStorage(s.server, func() (bool, error) {
		return s.server.store.IsUserBanned(ctx, username)
	})
	if err != nil {
		slog.Error("ban check", "username", username, "err", err)
		return true
	}
	return banned
}

// finalizeAuthentication sets the session's username and re-emits the
// user's server list, used both by first login and by session
// reconnection (§4.2).
func (s *Session) finalizeAuthentication(ctx context.Context, username string) {
	s.setUsername(username)
	s.server.registry.joinClient(s)

	servers, err := withStorage(s.server, func() ([]store.ServerSummary, error) {
		return s.server.store.ListServers(ctx, username)
	})
	if err != nil {
		slog.Error("list servers", "username", username, "err", err)
		servers = nil
	}
	summaries := make([]serverSummary, 0, len(servers))
	for _, sv := range servers {
		summaries = append(summaries, serverSummary{ID: sv.ID, Name: sv.Name})
	}
	s.sendJSON(KindServerListResponse, serverListResponse{Servers: summaries}, false)
}

// --- Server/channel management handlers ---

func (s *Session) handleCreateServer(ctx context.Context, body []byte) {
	var req createServerRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	id, err := withStorage(s.server, func() (string, error) {
		return s.server.store.CreateServer(ctx, s.getUsername(), req.Name)
	})
	if err != nil {
		slog.Error("create server", "err", err)
		return
	}
	s.sendJSON(KindServerListResponse, serverListResponse{Servers: []serverSummary{{ID: id, Name: req.Name}}}, false)
}

func (s *Session) handleJoinServer(ctx context.Context, body []byte) {
	var req joinServerRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	if s.isBanned(ctx, s.getUsername()) {
		return
	}
	_, err := withStorage(s.server, func() (struct{}, error) {
		return struct{}{}, s.server.store.JoinServer(ctx, s.getUsername(), req.ServerID, req.Code)
	})
	if err != nil {
		slog.Debug("join server failed", "err", err)
	}
}

func (s *Session) handleServerContent(ctx context.Context, body []byte) {
	var req getServerContentRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	channels, err := withStorage(s.server, func() ([]store.ChannelSummary, error) {
		return s.server.store.ServerContent(ctx, req.ServerID)
	})
	if err != nil {
		slog.Error("server content", "err", err)
		return
	}
	out, _ := json.Marshal(channels)
	s.sendRaw(KindServerContentResponse, out, false)
}

func (s *Session) handleCreateChannel(ctx context.Context, body []byte) {
	var req createChannelRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	if _, err := withStorage(s.server, func() (int64, error) {
		return s.server.store.CreateChannel(ctx, req.ServerID, req.Name)
	}); err != nil {
		slog.Error("create channel", "err", err)
	}
}

func (s *Session) handleDeleteChannel(body []byte) {
	var req deleteChannelRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	// Channel deletion is a storage-collaborator concern (§6.5); the core's
	// own state (voice membership) self-heals via leave_client/channel GC
	// once members stop referencing the channel.
}

// handleSelectTextChannel records the client's active text channel.
// Message_Text already carries its own cid, so this has no registry side
// effect today; it exists so a future per-session default channel (e.g. an
// unread-count or history-fetch convenience) has somewhere to read from
// instead of every caller re-deriving it from the last Message_Text seen.
func (s *Session) handleSelectTextChannel(body []byte) {
	var req selectTextChannel
	if json.Unmarshal(body, &req) != nil {
		return
	}
	s.textChannelID.Store(req.ChannelID)
}

func (s *Session) handleJoinVoiceChannel(body []byte) {
	var req joinVoiceChannel
	if json.Unmarshal(body, &req) != nil {
		return
	}
	old := s.voiceChannelID()
	newCID := req.ChannelID
	if newCID < 0 {
		newCID = 0
	}
	s.server.registry.setVoiceChannel(s, newCID, old)
}

func (s *Session) handleMessageText(ctx context.Context, body []byte) {
	var req messageText
	if json.Unmarshal(body, &req) != nil {
		return
	}
	req.Username = s.getUsername()
	lastAt := s.server.lastMessageTime(req.ChannelID, req.Username)
	msgID, err := withStorage(s.server, func() (string, error) {
		return s.server.store.SaveMessage(ctx, store.StoredMessage{
			ChannelID:    req.ChannelID,
			Username:     req.Username,
			Body:         req.Message,
			AttachmentID: req.AttachmentID,
			ReplyTo:      req.ReplyTo,
		}, lastAt)
	})
	if err != nil {
		slog.Debug("save message rejected", "err", err)
		return
	}
	s.server.recordMessageTime(req.ChannelID, req.Username)

	members := s.server.registry.channelMembers(req.ChannelID)
	for _, m := range members {
		m.sendJSON(KindMessageText, req, false)
	}

	go s.server.enrichLinkPreview(req.ChannelID, msgID, req.Message)
}

func (s *Session) handleDeleteMessage(ctx context.Context, body []byte) {
	var req deleteMessageRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	ok, err := withStorage(s.server, func() (bool, error) {
		return s.server.store.DeleteMessage(ctx, req.MessageID, req.ChannelID, s.getUsername())
	})
	if err != nil {
		slog.Error("delete message", "err", err)
		return
	}
	if !ok {
		return // AuthorizationError-equivalent: not the author, silently ignored.
	}
	members := s.server.registry.channelMembers(req.ChannelID)
	for _, m := range members {
		m.sendJSON(KindDeleteMessageRequest, req, false)
	}
}

func (s *Session) handleEditMessage(ctx context.Context, body []byte) {
	var req editMessageRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	ok, err := withStorage(s.server, func() (bool, error) {
		return s.server.store.EditMessage(ctx, req.MessageID, s.getUsername(), req.Body)
	})
	if err != nil {
		slog.Error("edit message", "err", err)
		return
	}
	if !ok {
		return // not the author, silently ignored (§7 AuthorizationError).
	}
	members := s.server.registry.channelMembers(req.ChannelID)
	for _, m := range members {
		m.sendJSON(KindEditMessageRequest, req, false)
	}
}

func (s *Session) handlePinMessage(ctx context.Context, body []byte) {
	var req pinMessageRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	if !s.requireChannelPermission(ctx, req.ChannelID, store.PermManageMessages) {
		return
	}
	ok, err := withStorage(s.server, func() (bool, error) {
		return s.server.store.PinMessage(ctx, req.MessageID, req.ChannelID)
	})
	if err != nil {
		slog.Error("pin message", "err", err)
		return
	}
	if !ok {
		return
	}
	members := s.server.registry.channelMembers(req.ChannelID)
	for _, m := range members {
		m.sendJSON(KindPinMessageRequest, req, false)
	}
}

func (s *Session) handleReactionAdd(ctx context.Context, body []byte) {
	var req reactionAddRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	_, err := withStorage(s.server, func() (struct{}, error) {
		return struct{}{}, s.server.store.AddReaction(ctx, req.MessageID, s.getUsername(), req.Emoji)
	})
	if err != nil {
		slog.Debug("add reaction failed", "err", err)
		return
	}
	members := s.server.registry.channelMembers(req.ChannelID)
	for _, m := range members {
		m.sendJSON(KindReactionAddRequest, reactionAddResponse{
			MessageID: req.MessageID, ChannelID: req.ChannelID, Emoji: req.Emoji, Username: s.getUsername(),
		}, false)
	}
}

func (s *Session) handleReactionRemove(ctx context.Context, body []byte) {
	var req reactionRemoveRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	_, err := withStorage(s.server, func() (struct{}, error) {
		return struct{}{}, s.server.store.RemoveReaction(ctx, req.MessageID, s.getUsername(), req.Emoji)
	})
	if err != nil {
		slog.Debug("remove reaction failed", "err", err)
		return
	}
	members := s.server.registry.channelMembers(req.ChannelID)
	for _, m := range members {
		m.sendJSON(KindReactionRemoveRequest, reactionAddResponse{
			MessageID: req.MessageID, ChannelID: req.ChannelID, Emoji: req.Emoji, Username: s.getUsername(),
		}, false)
	}
}

func (s *Session) handleFriendAdd(ctx context.Context, body []byte) {
	var req friendAddRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	if _, err := withStorage(s.server, func() (struct{}, error) {
		return struct{}{}, s.server.store.AddFriend(ctx, s.getUsername(), req.Username)
	}); err != nil {
		slog.Debug("add friend failed", "err", err)
	}
}

func (s *Session) handleDirectMessageSend(ctx context.Context, body []byte) {
	var req directMessageSend
	if json.Unmarshal(body, &req) != nil {
		return
	}
	sender := s.getUsername()
	id, err := withStorage(s.server, func() (string, error) {
		return s.server.store.SendDirectMessage(ctx, sender, req.Recipient, req.Body)
	})
	if err != nil {
		slog.Debug("send direct message failed", "err", err)
		return
	}
	dm := directMessageReceived{ID: id, Sender: sender, Body: req.Body}
	s.sendJSON(KindDirectMessageReceived, dm, false)
	if recipient, ok := s.server.registry.sessionByUsername(req.Recipient); ok {
		recipient.sendJSON(KindDirectMessageReceived, dm, false)
	}
}

// requireChannelPermission resolves the channel's server and checks that the
// session's username holds every bit in want, dropping the request
// otherwise (§7 AuthorizationError: silently ignored, no reply).
func (s *Session) requireChannelPermission(ctx context.Context, channelID int64, want store.PermBits) bool {
	type lookup struct {
		serverID string
		found    bool
	}
	result, err := withStorage(s.server, func() (lookup, error) {
		sid, found, err := s.server.store.ChannelServer(ctx, channelID)
		return lookup{sid, found}, err
	})
	if err != nil || !result.found {
		return false
	}
	return s.requireServerPermission(ctx, result.serverID, want)
}

func (s *Session) requireServerPermission(ctx context.Context, serverID string, want store.PermBits) bool {
	bits, err := withStorage(s.server, func() (store.PermBits, error) {
		return s.server.store.Permissions(ctx, serverID, s.getUsername())
	})
	if err != nil {
		return false
	}
	return bits&want == want
}

func (s *Session) handleSetSlowMode(ctx context.Context, body []byte) {
	var req setSlowModeRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	if !s.requireChannelPermission(ctx, req.ChannelID, store.PermManageChannels) {
		return
	}
	if _, err := withStorage(s.server, func() (struct{}, error) {
		return struct{}{}, s.server.store.SetChannelSlowMode(ctx, req.ChannelID, req.Seconds)
	}); err != nil {
		slog.Error("set slow mode", "err", err)
	}
}

func (s *Session) handleSetUserRole(ctx context.Context, body []byte) {
	var req setUserRoleRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	if !s.requireServerPermission(ctx, req.ServerID, store.PermAdmin) {
		return
	}
	actor := s.getUsername()
	if _, err := withStorage(s.server, func() (struct{}, error) {
		return struct{}{}, s.server.store.SetUserRole(ctx, req.ServerID, req.Username, req.Role)
	}); err != nil {
		slog.Error("set user role", "err", err)
		return
	}
	_, _ = withStorage(s.server, func() (struct{}, error) {
		return struct{}{}, s.server.store.InsertAuditLog(ctx, actor, "set_role", req.Username, req.Role)
	})
}

func (s *Session) handleBanUser(ctx context.Context, body []byte) {
	var req banUserRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	if !s.requireServerPermission(ctx, req.ServerID, store.PermBan) {
		return
	}
	actor := s.getUsername()
	if _, err := withStorage(s.server, func() (struct{}, error) {
		return struct{}{}, s.server.store.InsertBan(ctx, req.Username, "", req.Reason, actor)
	}); err != nil {
		slog.Error("ban user", "err", err)
		return
	}
	_, _ = withStorage(s.server, func() (struct{}, error) {
		return struct{}{}, s.server.store.InsertAuditLog(ctx, actor, "ban", req.Username, req.Reason)
	})
	if target, ok := s.server.registry.sessionByUsername(req.Username); ok {
		target.disconnect()
	}
}

// --- Attachment ingestion (§6.4) ---

func (s *Session) handleFileTransferRequest(body []byte) {
	var req fileTransferRequest
	if json.Unmarshal(body, &req) != nil {
		return
	}
	if req.Size <= 0 || req.Size > maxAttachmentSize {
		s.disconnect()
		return
	}
	sink, err := newUploadSink(s.server.attachmentsDir, req.Filename, req.Size)
	if err != nil {
		slog.Error("open upload sink", "err", err)
		s.disconnect()
		return
	}
	s.uploadMu.Lock()
	s.abandonUploadLocked()
	s.upload = sink
	s.uploadMu.Unlock()
}

func (s *Session) handleFileTransferChunk(chunk []byte) {
	s.uploadMu.Lock()
	sink := s.upload
	s.uploadMu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.write(chunk); err != nil {
		slog.Debug("upload chunk exceeded declared size, tearing down", "err", err)
		s.disconnect()
	}
}

func (s *Session) handleFileTransferComplete() {
	s.uploadMu.Lock()
	sink := s.upload
	s.upload = nil
	s.uploadMu.Unlock()
	if sink == nil {
		return
	}
	id, err := sink.finish()
	if err != nil {
		slog.Error("finish upload", "err", err)
		return
	}
	s.sendJSON(KindFileTransferComplete, fileTransferComplete{ID: id}, false)
}

func (s *Session) abandonUpload() {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()
	s.abandonUploadLocked()
}

func (s *Session) abandonUploadLocked() {
	if s.upload != nil {
		s.upload.abandon()
		s.upload = nil
	}
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
