package main

// ControlLoop is the adaptive voice control loop (§2.6, §4.6): ingests
// receiver reports, updates per-sender target bitrate, computes the
// per-channel bitrate ceiling, and (via the registry) drives the periodic
// channel-configuration push.
type ControlLoop struct {
	registry *ChannelRegistry
}

func newControlLoop(registry *ChannelRegistry) *ControlLoop {
	return &ControlLoop{registry: registry}
}

// ingestReceiverReport implements the per-sender state machine of §4.6.
func (c *ControlLoop) ingestReceiverReport(s *Session, report ReceiverReport) SenderReport {
	lastJitter := int32(s.lastJitterMs.Load())
	jitterGradient := int32(report.JitterMs) - lastJitter
	s.lastJitterMs.Store(int32(report.JitterMs))

	assigned := s.assignedBitrateKbps.Load()
	var networkState byte

	switch {
	case int(report.FractionLost) > 10 || jitterGradient > 30:
		assigned /= 2
		if assigned < minAssignedBitrateKbps {
			assigned = minAssignedBitrateKbps
		}
		s.consecutiveStableReports.Store(0)
		networkState = networkStateCritical

	case report.FractionLost == 0 && jitterGradient < 10 && report.JitterMs < 60:
		stable := s.consecutiveStableReports.Add(1)
		if stable >= stableReportsForRaise {
			assigned += bitrateStepKbps
			if assigned > maxAssignedBitrateKbps {
				assigned = maxAssignedBitrateKbps
			}
			s.consecutiveStableReports.Store(0)
		}
		networkState = networkStateStable

	default:
		s.consecutiveStableReports.Store(0)
		networkState = networkStateDegraded
	}
	s.assignedBitrateKbps.Store(assigned)

	cid := s.voiceChannelID()
	active := c.registry.speakers.countActive(cid, nowMillis())
	ceiling := channelCeiling(active)

	suggested := assigned
	if suggested > int32(ceiling) {
		suggested = int32(ceiling)
	}

	return SenderReport{
		SuggestedBitrateKbps: uint32(suggested),
		EstimatedRTTMs:       0, // no RTT probe in the core wire protocol; left at 0.
		NetworkState:         networkState,
	}
}

// channelCeiling computes the channel-wide bitrate ceiling of §4.6 step 3:
// fair-shares channelCeilingBudget kbps across concurrent active speakers.
func channelCeiling(activeSpeakers int) int {
	if activeSpeakers < 1 {
		activeSpeakers = 1
	}
	ceiling := channelCeilingBudget / activeSpeakers
	if ceiling > channelCeilingMax {
		ceiling = channelCeilingMax
	}
	if ceiling < channelCeilingMin {
		ceiling = channelCeilingMin
	}
	return ceiling
}

// voiceConfigForLoad computes the Voice_Config values of §4.6, which scale
// with member count n.
func voiceConfigForLoad(cid int64, n int) voiceConfig {
	return voiceConfig{
		ChannelID:       cid,
		JitterMinMs:     clampInt(30+2*n, 30, 100),
		JitterTargetMs:  clampInt(50+5*n, 50, 200),
		JitterMaxMs:     clampInt(120+10*n, 120, 400),
		CodecTargetKbps: maxInt(24, 64-2*n),
		KeepaliveMs:     clampInt(2000+100*n, 2000, 6000),
		PreferDatagram:  true,
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
