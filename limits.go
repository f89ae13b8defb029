package main

import "time"

// Wire limits (§3/§6.2 of the design spec).
const (
	headerSize  = 5                // type(1) + size(4, BE)
	maxBodySize = 10 * 1024 * 1024 // 10 MiB
)

// Session outbound queue admission thresholds (§4.2). Control-plane packets
// use controlQueueThreshold; voice packets use voiceQueueThreshold scaled by
// the destination channel's current voice load.
const controlQueueThreshold = 200

// voiceQueueThreshold returns the admission threshold for a voice frame
// given the current member count ("voice load") of the destination channel.
// Never remove an element already at the front of the queue: a write may be
// in progress against it.
func voiceQueueThreshold(load int) int {
	switch {
	case load > 80:
		return 12
	case load > 30:
		return 24
	case load > 8:
		return 32
	case load > 4:
		return 48
	default:
		return 100
	}
}

// Session idle / rate-window limits (§3, §4.2, §9).
const (
	sessionIdleTimeout   = 300 * time.Second
	voiceIdleTimeout     = 60 * time.Second
	voiceStreamWindowMs  = int64(1000)
	voiceStreamWindowCap = 100
)

// UDP binding table limits (§4.4).
const (
	udpBindingTTL       = 60 * time.Second
	tokenBucketCapacity = 150
	tokenBucketRefillHz = 150 // tokens minted per second
)

// Active-speaker map limits (§3).
const (
	activeSpeakerWindowMs = int64(2000)
	activeSpeakerCap      = 32
)

// Adaptive control loop limits (§4.6).
const (
	minAssignedBitrateKbps = 16
	maxAssignedBitrateKbps = 64
	bitrateStepKbps        = 4
	stableReportsForRaise  = 3
	channelCeilingBudget   = 512
	channelCeilingMin      = 24
	channelCeilingMax      = 64
)

// Supervisor timer periods (§4.7).
const (
	livenessSweepPeriod   = 5 * time.Second
	channelGCPeriod       = 30 * time.Second
	telemetryWritePeriod  = 10 * time.Second
	telemetryRingCapacity = 360 // ~1 hour of samples at a 10s period
)

// maxWorkerPoolSize caps the blocking-storage-bridge pool irrespective of
// hardware parallelism (§5, §9): the workload is I/O-bound, and a larger
// pool only adds context-switch overhead and registry lock contention.
const maxWorkerPoolSize = 16

// Network state values carried in Sender_Report (§3, §4.6).
const (
	networkStateStable   byte = 0
	networkStateDegraded byte = 1
	networkStateCritical byte = 2
)

// Attachment ingestion limits (§6.4).
const maxAttachmentSize = 10 * 1024 * 1024

// maxMsgOwners bounds Server.msgTimes, the last-message-time map behind
// slow mode (an arbitrary entry is evicted once it is full).
// maxPinnedPerChannel and maxMsgBuffer are not referenced in this package;
// internal/store declares its own pin limit of the same value.
const (
	maxMsgOwners        = 10000
	maxPinnedPerChannel = 25
	maxMsgBuffer        = 500
)
