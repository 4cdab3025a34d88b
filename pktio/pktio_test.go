package pktio

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSrcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	testDstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	testSrcIP  = net.IP{192, 168, 0, 1}
	testDstIP  = net.IP{192, 168, 0, 2}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func udpFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: testSrcIP, DstIP: testDstIP,
	}
	udp := &layers.UDP{SrcPort: 10000, DstPort: 20000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload(payload))
}

func echoFrame(t *testing.T, typ uint8, seq uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: testSrcIP, DstIP: testDstIP,
	}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, 0), Seq: seq}
	return serialize(t, eth, ip, icmp, gopacket.Payload(payload))
}

func newTestPool(t *testing.T, n int) *Pool {
	t.Helper()
	pool, err := NewPool(PoolConfig{Packets: n, FrameSize: 256})
	require.NoError(t, err)
	return pool
}

func packetFrom(t *testing.T, pool *Pool, frame []byte) *Packet {
	t.Helper()
	pkt := pool.Alloc(len(frame))
	require.NotNil(t, pkt)
	copy(pkt.Data(), frame)
	return pkt
}

func TestPoolAllocExhaustion(t *testing.T) {
	pool := newTestPool(t, 2)

	a := pool.Alloc(64)
	b := pool.Alloc(64)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.Nil(t, pool.Alloc(64))
	require.Equal(t, 2, pool.InUse())

	require.Nil(t, pool.Alloc(257), "larger than frame size")

	pool.Free(a, nil, b)
	require.Equal(t, 0, pool.InUse())
	require.NotNil(t, pool.Alloc(64))
}

func TestPoolRef(t *testing.T) {
	pool := newTestPool(t, 1)

	pkt := pool.Alloc(60)
	alias := pool.Ref(pkt)
	require.Same(t, pkt, alias)
	require.EqualValues(t, 2, pkt.Refs())

	pool.Free(alias)
	require.Equal(t, 1, pool.InUse())
	pool.Free(pkt)
	require.Equal(t, 0, pool.InUse())

	require.Nil(t, pool.Ref(pkt), "freed packet")
	require.Nil(t, pool.Ref(nil))
}

func TestPoolRefLimit(t *testing.T) {
	pool, err := NewPool(PoolConfig{Packets: 1, FrameSize: 64, MaxRefs: 2})
	require.NoError(t, err)

	pkt := pool.Alloc(60)
	require.NotNil(t, pool.Ref(pkt))
	require.Nil(t, pool.Ref(pkt))
}

func TestPoolDoubleFreePanics(t *testing.T) {
	pool := newTestPool(t, 1)
	pkt := pool.Alloc(60)
	pool.Free(pkt)
	require.Panics(t, func() { pool.Free(pkt) })
}

func TestParserUDP(t *testing.T) {
	pool := newTestPool(t, 4)
	pkt := packetFrom(t, pool, udpFrame(t, make([]byte, 32)))

	NewParser(ChecksumIPv4 | ChecksumUDP).Parse(pkt)

	assert.Equal(t, FlagIPv4|FlagUDP, pkt.Flags())
	assert.Equal(t, 0, pkt.L2Offset())
	assert.Equal(t, 14, pkt.L3Offset())
	assert.Equal(t, 34, pkt.L4Offset())
}

func TestParserChecksumBad(t *testing.T) {
	pool := newTestPool(t, 4)
	frame := udpFrame(t, make([]byte, 32))
	frame[14+10] ^= 0xff // IPv4 checksum
	frame[34+6] ^= 0xff  // UDP checksum
	pkt := packetFrom(t, pool, frame)

	NewParser(ChecksumIPv4 | ChecksumUDP).Parse(pkt)
	assert.True(t, pkt.Flags().Has(FlagIPv4|FlagUDP|FlagL3ChecksumBad|FlagL4ChecksumBad))
	assert.False(t, pkt.Flags().Has(FlagError))

	NewParser(0).Parse(pkt)
	assert.Equal(t, FlagIPv4|FlagUDP, pkt.Flags(), "validation disabled")
}

func TestParserICMP(t *testing.T) {
	pool := newTestPool(t, 4)
	pkt := packetFrom(t, pool, echoFrame(t, ICMPEchoReply, 7, make([]byte, 56)))

	NewParser(ChecksumIPv4 | ChecksumICMP).Parse(pkt)
	require.Equal(t, FlagIPv4|FlagICMP, pkt.Flags())

	typ, seq, payload, ok := ICMPEcho(pkt)
	require.True(t, ok)
	assert.Equal(t, ICMPEchoReply, typ)
	assert.EqualValues(t, 7, seq)
	assert.Len(t, payload, 56)
}

func TestParserTruncated(t *testing.T) {
	pool := newTestPool(t, 4)
	frame := udpFrame(t, make([]byte, 64))

	for _, n := range []int{10, 14 + 12, 14 + 20 + 4, 14 + 20 + 30} {
		pkt := packetFrom(t, pool, frame[:n])
		NewParser(0).Parse(pkt)
		assert.True(t, pkt.Flags().Has(FlagError), "len %d", n)
		pool.Free(pkt)
	}
}

func TestFillChecksums(t *testing.T) {
	pool := newTestPool(t, 4)
	want := udpFrame(t, []byte("abcdefghijklmnopqrstuvwxyz"))

	pkt := packetFrom(t, pool, want)
	b := pkt.Data()
	b[14+10], b[14+11] = 0, 0
	b[34+6], b[34+7] = 0, 0
	pkt.SetOffsets(0, 14, 34)

	require.True(t, FillUDPChecksum(pkt))
	require.True(t, FillIPv4Checksum(pkt))
	require.Equal(t, want, pkt.Data())

	require.False(t, FillICMPChecksum(pkt), "not an ICMP packet")
}

func TestLoopPartialAcceptance(t *testing.T) {
	pool := newTestPool(t, 16)
	loop := NewLoop("loop0", pool, LoopConfig{QueueDepth: 4})
	require.NoError(t, loop.Configure(DeviceConfig{InQueues: 1, OutQueues: 1}))

	frame := udpFrame(t, make([]byte, 32))
	burst := make([]*Packet, 6)
	for i := range burst {
		burst[i] = packetFrom(t, pool, frame)
	}

	_, err := loop.OutQueues()[0].Send(burst)
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, loop.Start())
	n, err := loop.OutQueues()[0].Send(burst)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	// Four copies queued, two rejected originals still owned by the caller.
	require.Equal(t, 6, pool.InUse())
	pool.Free(burst[n:]...)

	rx := make([]*Packet, 32)
	got := loop.InQueues()[0].Recv(rx)
	require.Equal(t, 4, got)
	for _, pkt := range rx[:got] {
		require.Equal(t, FlagIPv4|FlagUDP, pkt.Flags())
	}
	pool.Free(rx[:got]...)
	require.Equal(t, 0, pool.InUse())

	require.NoError(t, loop.Stop())
	require.NoError(t, loop.Close())
}

func TestLoopChecksumOffload(t *testing.T) {
	pool := newTestPool(t, 8)
	loop := NewLoop("loop0", pool, LoopConfig{})
	require.NoError(t, loop.Configure(DeviceConfig{
		InQueues:    1,
		OutQueues:   1,
		InChecksum:  ChecksumIPv4 | ChecksumUDP,
		OutChecksum: ChecksumIPv4 | ChecksumUDP,
	}))
	require.NoError(t, loop.Start())

	frame := udpFrame(t, make([]byte, 32))
	frame[14+10] ^= 0xff
	frame[34+6] ^= 0xff
	pkt := packetFrom(t, pool, frame)
	pkt.SetOffsets(0, 14, 34)

	n, err := loop.OutQueues()[0].Send([]*Packet{pkt})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rx := make([]*Packet, 1)
	require.Equal(t, 1, loop.InQueues()[0].Recv(rx))
	require.Equal(t, FlagIPv4|FlagUDP, rx[0].Flags())
	pool.Free(rx[0])
	require.NoError(t, loop.Close())
}

func TestLoopReflectsEchoRequest(t *testing.T) {
	pool := newTestPool(t, 8)
	loop := NewLoop("loop0", pool, LoopConfig{Reflect: true})
	require.NoError(t, loop.Configure(DeviceConfig{
		InQueues:   1,
		OutQueues:  1,
		InChecksum: ChecksumIPv4 | ChecksumICMP,
	}))
	require.NoError(t, loop.Start())

	pkt := packetFrom(t, pool, echoFrame(t, ICMPEchoRequest, 42, make([]byte, 56)))
	n, err := loop.OutQueues()[0].Send([]*Packet{pkt})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rx := make([]*Packet, 1)
	require.Equal(t, 1, loop.InQueues()[0].Recv(rx))
	require.Equal(t, FlagIPv4|FlagICMP, rx[0].Flags())

	typ, seq, _, ok := ICMPEcho(rx[0])
	require.True(t, ok)
	require.Equal(t, ICMPEchoReply, typ)
	require.EqualValues(t, 42, seq)

	data := rx[0].Data()
	require.Equal(t, []byte(testDstMAC), data[0:6])
	require.Equal(t, []byte(testSrcMAC), data[6:12])
	require.Equal(t, []byte(testDstIP), data[26:30])
	pool.Free(rx[0])
	require.NoError(t, loop.Close())
}

func TestLoopCloseFreesQueued(t *testing.T) {
	pool := newTestPool(t, 8)
	loop := NewLoop("loop0", pool, LoopConfig{})
	require.NoError(t, loop.Configure(DeviceConfig{InQueues: 2, OutQueues: 1}))
	require.NoError(t, loop.Start())

	frame := udpFrame(t, make([]byte, 32))
	burst := []*Packet{packetFrom(t, pool, frame), packetFrom(t, pool, frame), packetFrom(t, pool, frame)}
	n, err := loop.OutQueues()[0].Send(burst)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, pool.InUse())

	require.NoError(t, loop.Close())
	require.Equal(t, 0, pool.InUse())
	require.ErrorIs(t, loop.Start(), ErrDeviceClosed)
}

func TestLoopTooManyQueues(t *testing.T) {
	loop := NewLoop("loop0", newTestPool(t, 1), LoopConfig{})
	err := loop.Configure(DeviceConfig{InQueues: loop.Capabilities().MaxInQueues + 1})
	require.ErrorIs(t, err, ErrTooManyQueues)
}

type countQueue struct {
	left  int
	polls int
}

func (q *countQueue) Recv(pkts []*Packet) int {
	q.polls++
	n := min(q.left, len(pkts))
	q.left -= n
	return n
}

func TestSchedulerRoundRobin(t *testing.T) {
	a := &countQueue{left: 1}
	b := &countQueue{left: 2}
	s := NewScheduler([]InQueue{a, b})
	pkts := make([]*Packet, 1)

	require.Equal(t, 1, s.Recv(pkts)) // a
	require.Equal(t, 1, s.Recv(pkts)) // b
	require.Equal(t, 1, s.Recv(pkts)) // a is empty, b
	require.Equal(t, 0, s.Recv(pkts))
	require.Equal(t, 3, a.polls)
	require.Equal(t, 3, b.polls)
}
