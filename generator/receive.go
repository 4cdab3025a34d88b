package generator

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/romshark/afxdp-gen-go/pktio"
	"github.com/romshark/afxdp-gen-go/ratelimit"
)

// classifier drains input queues and classifies what it receives.
type classifier struct {
	id    int
	sched *pktio.Scheduler
	pool  *pktio.Pool
	clock ratelimit.Clock
	log   *zap.SugaredLogger
	c     *Counters

	pkts []*pktio.Packet

	// Warnings about damaged packets are emitted at most this often.
	warn rate.Sometimes
}

func newClassifier(
	id int,
	sched *pktio.Scheduler,
	pool *pktio.Pool,
	clock ratelimit.Clock,
	log *zap.SugaredLogger,
	c *Counters,
) *classifier {
	return &classifier{
		id:    id,
		sched: sched,
		pool:  pool,
		clock: clock,
		log:   log,
		c:     c,
		pkts:  make([]*pktio.Packet, MaxRxBurst),
		warn:  rate.Sometimes{First: 10, Interval: time.Second},
	}
}

// poll receives and classifies at most one burst without blocking.
// It returns the number of packets received.
func (r *classifier) poll() int {
	n := r.sched.Recv(r.pkts)
	if n == 0 {
		return 0
	}

	keep := r.pkts[:0]
	for _, pkt := range r.pkts[:n] {
		f := pkt.Flags()
		if f.Has(pktio.FlagL3ChecksumBad) {
			r.warn.Do(func() { r.log.Warnw("L3 checksum error detected", "worker", r.id) })
		}
		if f.Has(pktio.FlagL4ChecksumBad) {
			r.warn.Do(func() { r.log.Warnw("L4 checksum error detected", "worker", r.id) })
		}
		if f.Has(pktio.FlagError) {
			r.pool.Free(pkt)
			continue
		}
		keep = append(keep, pkt)
	}

	for _, pkt := range keep {
		r.classify(pkt)
	}
	r.pool.Free(keep...)
	clear(r.pkts[:n])
	return n
}

func (r *classifier) classify(pkt *pktio.Packet) {
	f := pkt.Flags()
	if !f.Has(pktio.FlagIPv4) {
		return
	}
	add(&r.c.Received, 1)

	switch {
	case f.Has(pktio.FlagUDP):
		add(&r.c.UDPReceived, 1)
	case f.Has(pktio.FlagICMP):
		typ, seq, payload, ok := pktio.ICMPEcho(pkt)
		if !ok {
			return
		}
		switch typ {
		case pktio.ICMPEchoReply:
			add(&r.c.Replies, 1)
			if len(payload) < 8 {
				return
			}
			sent := int64(binary.BigEndian.Uint64(payload))
			rtt := time.Duration(r.clock.Nanotime() - sent)
			r.log.Infof("[%02d] ICMP Echo Reply seq %d time %s", r.id, seq, formatRTT(rtt))
		case pktio.ICMPEchoRequest:
			r.log.Debugf("[%02d] ICMP Echo Request seq %d", r.id, seq)
		}
	}
}

// formatRTT renders d as milliseconds with microsecond precision.
func formatRTT(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d / time.Millisecond
	us := (d - ms*time.Millisecond) / time.Microsecond
	return fmt.Sprintf("%d.%03d ms", ms, us)
}
