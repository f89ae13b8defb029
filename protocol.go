package main

import (
	"encoding/binary"
	"fmt"
)

// PacketKind is the exhaustive set of packet types that can appear on the
// stream port (§6.3). An unknown discriminant closes the session (§4.1).
type PacketKind uint8

const (
	KindRegisterRequest PacketKind = iota
	KindRegisterSuccess
	KindRegisterFailed
	KindLoginRequest
	KindLoginSuccess
	KindLoginRequires2FA
	KindLoginFailed
	KindValidateSessionRequest
	KindValidateSessionResponse
	KindSubmit2FALoginRequest

	KindCreateServerRequest
	KindJoinServerRequest
	KindServerListResponse
	KindGetServerContentRequest
	KindServerContentResponse
	KindCreateChannelRequest

	KindSelectTextChannel
	KindJoinVoiceChannel

	KindMessageText
	KindMessageHistoryResponse
	KindMessageLinkPreview

	KindVoiceDataLegacy // deprecated, kept for wire compatibility
	KindVoiceDataOpus
	KindVoiceStateUpdate
	KindVoiceConfig
	KindVoiceStatsReport

	KindReceiverReport
	KindSenderReport

	KindDeleteChannelRequest
	KindDeleteMessageRequest
	KindEditMessageRequest
	KindPinMessageRequest
	KindReactionAddRequest
	KindReactionRemoveRequest

	KindFriendAddRequest
	KindDirectMessageSend
	KindDirectMessageReceived

	KindSetSlowModeRequest
	KindSetUserRoleRequest
	KindBanUserRequest

	KindEchoRequest
	KindEchoResponse

	KindFileTransferRequest
	KindFileTransferChunk
	KindFileTransferComplete

	kindCount // sentinel; not a valid wire value
)

// Header is the decoded form of the 5-byte wire header (§3): type(1) +
// size(4, big-endian). size counts body bytes only.
type Header struct {
	Type PacketKind
	Size uint32
}

// ProtocolError signals a malformed wire artifact. The session that produced
// it is torn down; the error never propagates beyond that session (§7).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

func protoErr(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// decodeHeader parses exactly 5 bytes into a Header, validating the type and
// the declared size (§4.1).
func decodeHeader(b []byte) (Header, error) {
	if len(b) != headerSize {
		return Header{}, protoErr("truncated header: %d bytes", len(b))
	}
	kind := PacketKind(b[0])
	if kind >= kindCount {
		return Header{}, protoErr("unknown packet type %d", b[0])
	}
	size := binary.BigEndian.Uint32(b[1:5])
	if size > maxBodySize {
		return Header{}, protoErr("oversize declared body: %d bytes", size)
	}
	return Header{Type: kind, Size: size}, nil
}

// encodePacket prepends the 5-byte big-endian header to body.
func encodePacket(kind PacketKind, body []byte) []byte {
	out := make([]byte, headerSize+len(body))
	out[0] = byte(kind)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[5:], body)
	return out
}

// VoicePayload is the decoded form of a Voice_Data_Opus body (§3):
// seq(4, BE) ‖ ulen(1) ‖ username(ulen bytes) ‖ opus(remainder).
type VoicePayload struct {
	Seq      uint32
	Sender   string
	Opus     []byte
}

// decodeVoicePayload enforces len >= 7 and ulen > 0 (§3, §4.1).
func decodeVoicePayload(body []byte) (VoicePayload, error) {
	if len(body) < 7 {
		return VoicePayload{}, protoErr("voice payload too short: %d bytes", len(body))
	}
	seq := binary.BigEndian.Uint32(body[0:4])
	ulen := int(body[4])
	if ulen == 0 {
		return VoicePayload{}, protoErr("voice payload has empty sender")
	}
	if 5+ulen > len(body) {
		return VoicePayload{}, protoErr("voice payload sender length exceeds body")
	}
	sender := string(body[5 : 5+ulen])
	opus := body[5+ulen:]
	if len(opus) < 1 {
		return VoicePayload{}, protoErr("voice payload has empty opus frame")
	}
	return VoicePayload{Seq: seq, Sender: sender, Opus: opus}, nil
}

// encodeVoicePayload is the inverse of decodeVoicePayload.
func encodeVoicePayload(seq uint32, sender string, opus []byte) ([]byte, error) {
	if len(sender) == 0 || len(sender) > 255 {
		return nil, protoErr("sender length %d out of range", len(sender))
	}
	out := make([]byte, 5+len(sender)+len(opus))
	binary.BigEndian.PutUint32(out[0:4], seq)
	out[4] = byte(len(sender))
	copy(out[5:5+len(sender)], sender)
	copy(out[5+len(sender):], opus)
	return out, nil
}

// seqGreaterThan implements wrap-aware "greater-than" for modulo-2^32
// sequence numbers: the higher half-space is newer (§3).
func seqGreaterThan(a, b uint32) bool {
	return int32(a-b) > 0
}

// ReceiverReport is the decoded body of a Receiver_Report packet (§3).
type ReceiverReport struct {
	HighestSeq   uint32
	PacketsLost  uint32
	JitterMs     uint32
	FractionLost uint8 // 0..255 representing 0..100%
}

func decodeReceiverReport(body []byte) (ReceiverReport, error) {
	if len(body) != 13 {
		return ReceiverReport{}, protoErr("receiver report wrong size: %d bytes", len(body))
	}
	return ReceiverReport{
		HighestSeq:   binary.BigEndian.Uint32(body[0:4]),
		PacketsLost:  binary.BigEndian.Uint32(body[4:8]),
		JitterMs:     binary.BigEndian.Uint32(body[8:12]),
		FractionLost: body[12],
	}, nil
}

// SenderReport is the body the server sends back in response to a
// Receiver_Report (§3, §4.6).
type SenderReport struct {
	SuggestedBitrateKbps uint32
	EstimatedRTTMs       uint32
	NetworkState         byte
}

func encodeSenderReport(r SenderReport) []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[0:4], r.SuggestedBitrateKbps)
	binary.BigEndian.PutUint32(out[4:8], r.EstimatedRTTMs)
	out[8] = r.NetworkState
	// out[9:12] reserved, left zero.
	return out
}

// Datagram tag bytes on the voice/link-probe UDP port (§4.5).
const (
	dgramTagVoice      byte = 0x00
	dgramTagHello      byte = 0x01
	dgramTagPing       byte = 0x02
	dgramTagPong       byte = 0x03
	dgramTagLinkProbe  byte = 0xEE
)

// HelloPayload announces (username, claimed_channel_id) on the voice port
// so the server can bind the sender's datagram endpoint (§4.4).
//
// Wire form: ulen(1) ‖ username(ulen) ‖ channel_id(8, BE, signed-as-uint64).
func decodeHelloPayload(body []byte) (username string, channelID int64, err error) {
	if len(body) < 1 {
		return "", 0, protoErr("hello payload empty")
	}
	ulen := int(body[0])
	if ulen == 0 || 1+ulen+8 != len(body) {
		return "", 0, protoErr("hello payload malformed")
	}
	username = string(body[1 : 1+ulen])
	channelID = int64(binary.BigEndian.Uint64(body[1+ulen : 1+ulen+8]))
	return username, channelID, nil
}

func encodeHelloPayload(username string, channelID int64) []byte {
	out := make([]byte, 1+len(username)+8)
	out[0] = byte(len(username))
	copy(out[1:], username)
	binary.BigEndian.PutUint64(out[1+len(username):], uint64(channelID))
	return out
}
