package main

import "errors"

// Error kinds (§7). These are local to the session that produced them: none
// of them propagate past the component that raised them. The voice fan-out
// engine in particular must catch every parse/lookup error and drop the
// datagram rather than fail the receive loop.

// AuthError covers bad credentials, unknown email, and invalid 2FA codes.
// Disposition: send the corresponding *_Failed response, keep the session
// alive.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth error: " + e.Reason }

// AuthorizationError is raised when a session without a username sends a
// packet that requires one. Disposition: silently drop the packet.
type AuthorizationError struct {
	Kind PacketKind
}

func (e *AuthorizationError) Error() string { return "authorization error: unauthenticated packet" }

// ErrRateLimited means the token bucket was empty or the voice-window count
// was exceeded. Disposition: drop the packet, log, no reply.
var ErrRateLimited = errors.New("rate limited")

// ErrOverloadDrop means the destination's outbound queue was at or above its
// admission threshold. Disposition: drop the packet, no reply.
var ErrOverloadDrop = errors.New("overload drop")

// StorageError wraps any failure from the external storage collaborator.
// Disposition: log, return a generic failure response, never retry in the
// hot path.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage error during " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// ErrLivenessTimeout marks an eviction decided by the supervisor's liveness
// sweep.
var ErrLivenessTimeout = errors.New("liveness timeout")

// ErrPartialUpload marks a session that died mid-upload; its partial file is
// deleted on disconnect.
var ErrPartialUpload = errors.New("partial upload abandoned")
