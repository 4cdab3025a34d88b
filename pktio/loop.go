package pktio

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"
	"sync/atomic"
)

const (
	DefaultLoopQueueDepth = 1024
	loopMaxQueues         = 64
)

type LoopConfig struct {
	// QueueDepth bounds every input ring. A full ring rejects sends.
	QueueDepth int
	// Reflect answers ICMP echo requests with echo replies.
	Reflect bool
	// HardwareAddr defaults to a locally administered address derived
	// from the device name.
	HardwareAddr net.HardwareAddr
}

// Loop is an in-memory device delivering every transmitted frame to one of
// its own input queues, round-robin per output queue. Outbound checksum
// offload is emulated in software.
type Loop struct {
	name string
	mac  net.HardwareAddr
	pool *Pool
	conf LoopConfig

	dev     DeviceConfig
	out     []*loopOut
	in      []*loopIn
	started atomic.Bool
	closed  bool
}

var _ Device = (*Loop)(nil)

// NewLoop returns an unconfigured loop device allocating inbound copies
// from pool.
func NewLoop(name string, pool *Pool, conf LoopConfig) *Loop {
	if conf.QueueDepth <= 0 {
		conf.QueueDepth = DefaultLoopQueueDepth
	}
	mac := conf.HardwareAddr
	if mac == nil {
		h := fnv.New32a()
		h.Write([]byte(name))
		mac = make(net.HardwareAddr, 6)
		mac[0] = 0x02
		binary.BigEndian.PutUint32(mac[2:], h.Sum32())
	}
	return &Loop{name: name, mac: mac, pool: pool, conf: conf}
}

func (l *Loop) Name() string                   { return l.name }
func (l *Loop) HardwareAddr() net.HardwareAddr { return l.mac }

func (l *Loop) Capabilities() Capabilities {
	all := ChecksumIPv4 | ChecksumUDP | ChecksumICMP
	return Capabilities{
		MaxInQueues:  loopMaxQueues,
		MaxOutQueues: loopMaxQueues,
		InChecksum:   all,
		OutChecksum:  all,
	}
}

func (l *Loop) Configure(conf DeviceConfig) error {
	if l.closed {
		return ErrDeviceClosed
	}
	if l.started.Load() {
		return fmt.Errorf("configuring %s: device is running", l.name)
	}
	if conf.InQueues > loopMaxQueues || conf.OutQueues > loopMaxQueues {
		return fmt.Errorf("configuring %s: %w", l.name, ErrTooManyQueues)
	}

	l.dev = conf
	l.out = make([]*loopOut, conf.OutQueues)
	for i := range l.out {
		l.out[i] = &loopOut{loop: l, next: uint32(i)}
	}
	l.in = make([]*loopIn, conf.InQueues)
	for i := range l.in {
		l.in[i] = &loopIn{
			loop:   l,
			ring:   make(chan *Packet, l.conf.QueueDepth),
			parser: NewParser(conf.InChecksum),
		}
	}
	return nil
}

func (l *Loop) Start() error {
	if l.closed {
		return ErrDeviceClosed
	}
	if l.out == nil && l.in == nil {
		return ErrNotConfigured
	}
	l.started.Store(true)
	return nil
}

func (l *Loop) Stop() error {
	l.started.Store(false)
	return nil
}

// Close stops the device and frees every undelivered packet.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.started.Store(false)
	l.closed = true
	for _, q := range l.in {
		for {
			select {
			case pkt := <-q.ring:
				l.pool.Free(pkt)
				continue
			default:
			}
			break
		}
	}
	return nil
}

func (l *Loop) OutQueues() []OutQueue {
	qs := make([]OutQueue, len(l.out))
	for i, q := range l.out {
		qs[i] = q
	}
	return qs
}

func (l *Loop) InQueues() []InQueue {
	qs := make([]InQueue, len(l.in))
	for i, q := range l.in {
		qs[i] = q
	}
	return qs
}

type loopOut struct {
	loop *Loop
	next uint32
}

func (q *loopOut) Send(pkts []*Packet) (int, error) {
	l := q.loop
	if !l.started.Load() {
		return 0, ErrNotStarted
	}

	for i, pkt := range pkts {
		if len(l.in) == 0 {
			l.pool.Free(pkt)
			continue
		}

		cp := l.pool.Alloc(pkt.Len())
		if cp == nil {
			return i, nil
		}
		copy(cp.buf, pkt.Data())
		cp.SetOffsets(pkt.l2, pkt.l3, pkt.l4)
		l.offload(cp)
		if l.conf.Reflect {
			reflectEcho(cp)
		}

		in := l.in[q.next%uint32(len(l.in))]
		select {
		case in.ring <- cp:
		default:
			l.pool.Free(cp)
			return i, nil
		}
		q.next++
		l.pool.Free(pkt)
	}
	return len(pkts), nil
}

func (l *Loop) offload(pkt *Packet) {
	if pkt.l3 == OffsetUnset {
		return
	}
	if l.dev.OutChecksum.Has(ChecksumUDP) {
		FillUDPChecksum(pkt)
	}
	if l.dev.OutChecksum.Has(ChecksumICMP) {
		FillICMPChecksum(pkt)
	}
	if l.dev.OutChecksum.Has(ChecksumIPv4) {
		FillIPv4Checksum(pkt)
	}
}

const (
	ethHeaderLen = 14
	etherTypeIP4 = 0x0800
)

// reflectEcho turns an ICMP echo request into the matching echo reply.
func reflectEcho(pkt *Packet) {
	b := pkt.Data()
	if len(b) < ethHeaderLen+20 || binary.BigEndian.Uint16(b[12:]) != etherTypeIP4 {
		return
	}
	pkt.l3 = ethHeaderLen
	hdr, seg, ok := ipv4(pkt)
	if !ok || hdr[9] != ipProtoICMP || len(seg) < icmpHeaderLen || seg[0] != ICMPEchoRequest {
		return
	}

	var tmp [6]byte
	copy(tmp[:], b[0:6])
	copy(b[0:6], b[6:12])
	copy(b[6:12], tmp[:])

	var ip [4]byte
	copy(ip[:], hdr[12:16])
	copy(hdr[12:16], hdr[16:20])
	copy(hdr[16:20], ip[:])

	seg[0] = ICMPEchoReply
	FillICMPChecksum(pkt)
	FillIPv4Checksum(pkt)
}

type loopIn struct {
	loop   *Loop
	ring   chan *Packet
	parser *Parser
}

func (q *loopIn) Recv(pkts []*Packet) int {
	if !q.loop.started.Load() {
		return 0
	}
	n := 0
	for n < len(pkts) {
		select {
		case pkt := <-q.ring:
			q.parser.Parse(pkt)
			pkts[n] = pkt
			n++
		default:
			return n
		}
	}
	return n
}
