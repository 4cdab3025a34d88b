// Package ratelimit paces packet transmission: a software timer service with
// per-owner timeout queues, a busy-polling Pacer built on it, and a
// packets-per-second Throttle.
package ratelimit

import "time"

// Throttle limits to pps packets per second on average.
// Not safe for concurrent use.
type Throttle struct {
	clock       Clock
	nsPerPacket int64
	packetsSent uint64
	start       int64
	checkEvery  uint64
}

// NewThrottle creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled and nil is returned.
func NewThrottle(pps uint64, clock Clock) *Throttle {
	if pps == 0 {
		return nil
	}
	if clock == nil {
		clock = Monotonic
	}
	return &Throttle{
		clock:       clock,
		nsPerPacket: int64(time.Second) / int64(pps),
		start:       clock.Nanotime(),

		// Check time every ~10ms of packets to balance accuracy vs overhead
		// At least every 32 packets. At most every 1024 packets.
		checkEvery: min(max(pps/100, 32), 1024),
	}
}

// ThrottleN spins until n more packets are allowed.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) ThrottleN(n uint64) {
	if l == nil || n == 0 {
		return
	}

	before := l.packetsSent / l.checkEvery
	l.packetsSent += n
	if l.packetsSent/l.checkEvery == before {
		return // Fast path: only check time periodically.
	}

	expected := l.start + int64(l.packetsSent)*l.nsPerPacket
	SpinUntil(l.clock, expected)
	// If behind schedule, naturally catch up by not waiting.
}

// SpinUntil busy-polls clock until deadline.
func SpinUntil(clock Clock, deadline int64) {
	for clock.Nanotime() < deadline {
	}
}
