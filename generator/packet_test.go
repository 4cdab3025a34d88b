package generator

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/afxdp-gen-go/pktio"
	"github.com/romshark/afxdp-gen-go/ratelimit"
)

var testSrcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}

const checkAll = pktio.ChecksumIPv4 | pktio.ChecksumUDP | pktio.ChecksumICMP

func resolve(t *testing.T, mutate func(f *File)) *Config {
	t.Helper()
	f := validFile()
	if mutate != nil {
		mutate(&f)
	}
	conf, err := f.Resolve()
	require.NoError(t, err)
	return conf
}

func newTestPool(t *testing.T, n int, maxRefs int32) *pktio.Pool {
	t.Helper()
	pool, err := pktio.NewPool(pktio.PoolConfig{Packets: n, FrameSize: 256, MaxRefs: maxRefs})
	require.NoError(t, err)
	return pool
}

func decode(t *testing.T, pkt *pktio.Packet) gopacket.Packet {
	t.Helper()
	p := gopacket.NewPacket(pkt.Data(), layers.LayerTypeEthernet, gopacket.Default)
	require.Nil(t, p.ErrorLayer(), "decoding frame")
	return p
}

// requireChecksumsValid parses a copy of pkt and fails on any bad checksum.
func requireChecksumsValid(t *testing.T, pool *pktio.Pool, pkt *pktio.Packet) {
	t.Helper()
	cp := pool.Alloc(pkt.Len())
	require.NotNil(t, cp)
	defer pool.Free(cp)
	copy(cp.Data(), pkt.Data())

	pktio.NewParser(checkAll).Parse(cp)
	f := cp.Flags()
	require.False(t, f.Has(pktio.FlagError))
	require.False(t, f.Has(pktio.FlagL3ChecksumBad), "ipv4 checksum")
	require.False(t, f.Has(pktio.FlagL4ChecksumBad), "l4 checksum")
}

func TestTemplateUDP(t *testing.T) {
	conf := resolve(t, func(f *File) { f.PayloadSize = 18 })
	pool := newTestPool(t, 4, 0)
	tpl := templates{pool: pool, conf: conf, srcMAC: testSrcMAC}

	pkt := tpl.udp()
	require.NotNil(t, pkt)
	require.Equal(t, conf.FrameLen(), pkt.Len())
	require.Equal(t, l3Offset, pkt.L3Offset())
	require.Equal(t, l4Offset, pkt.L4Offset())

	p := decode(t, pkt)
	eth := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	assert.Equal(t, testSrcMAC, eth.SrcMAC)
	assert.Equal(t, conf.DstMAC, eth.DstMAC)

	ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, uint8(4), ip.Version)
	assert.Equal(t, uint8(64), ip.TTL)
	assert.Equal(t, layers.IPProtocolUDP, ip.Protocol)
	assert.Equal(t, uint16(20+8+18), ip.Length)
	assert.Equal(t, "10.0.0.1", ip.SrcIP.String())
	assert.Equal(t, "10.0.0.2", ip.DstIP.String())
	assert.Zero(t, ip.Checksum, "filled per send")

	udp := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	assert.Equal(t, layers.UDPPort(DefaultSrcPort), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(DefaultDstPort), udp.DstPort)
	assert.Equal(t, uint16(8+18), udp.Length)
	assert.NotZero(t, udp.Checksum)
	for i, b := range udp.Payload {
		require.Equal(t, byte(i), b)
	}

	pktio.FillIPv4Checksum(pkt)
	requireChecksumsValid(t, pool, pkt)
	pool.Free(pkt)
	require.Zero(t, pool.InUse())
}

func TestTemplateUDPOffloaded(t *testing.T) {
	conf := resolve(t, nil)
	pool := newTestPool(t, 1, 0)
	tpl := templates{pool: pool, conf: conf, srcMAC: testSrcMAC, offload: pktio.ChecksumUDP}

	pkt := tpl.udp()
	require.NotNil(t, pkt)
	udp := decode(t, pkt).Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.Zero(t, udp.Checksum)
	pool.Free(pkt)
}

func TestTemplatePing(t *testing.T) {
	conf := resolve(t, func(f *File) { f.Mode = ModePing })
	pool := newTestPool(t, 1, 0)
	tpl := templates{pool: pool, conf: conf, srcMAC: testSrcMAC}

	pkt := tpl.ping()
	require.NotNil(t, pkt)
	require.Equal(t, 14+20+8+PingPayloadSize, pkt.Len())

	p := decode(t, pkt)
	icmp := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.Equal(t, uint8(layers.ICMPv4TypeEchoRequest), icmp.TypeCode.Type())
	require.Zero(t, icmp.Id)
	require.Zero(t, icmp.Seq)
	pool.Free(pkt)
}

func TestBuildReferenceSetRollback(t *testing.T) {
	conf := resolve(t, nil)
	pool := newTestPool(t, 3, 0)
	tpl := templates{pool: pool, conf: conf, srcMAC: testSrcMAC}

	set, err := buildReferenceSet(pool, 4, tpl.udp)
	require.ErrorIs(t, err, ErrSetup)
	require.Nil(t, set)
	require.Zero(t, pool.InUse())

	set, err = buildReferenceSet(pool, 3, tpl.udp)
	require.NoError(t, err)
	require.Len(t, set, 3)
	require.Equal(t, 3, pool.InUse())
	pool.Free(set...)
}

func TestRefreshUDPSequence(t *testing.T) {
	conf := resolve(t, func(f *File) { f.Burst = 4 })
	pool := newTestPool(t, 8, 0)
	tpl := templates{pool: pool, conf: conf, srcMAC: testSrcMAC}
	refs, err := buildReferenceSet(pool, conf.Burst, tpl.udp)
	require.NoError(t, err)
	defer pool.Free(refs...)

	r := refresher{pool: pool, clock: ratelimit.Monotonic}
	burst := make([]*pktio.Packet, len(refs))

	next, err := r.udp(refs, burst, 65534)
	require.NoError(t, err)
	require.Equal(t, uint64(65538), next)

	var ids []uint16
	for i, pkt := range burst {
		require.Same(t, refs[i], pkt)
		require.Equal(t, int32(2), pkt.Refs())
		ip := decode(t, pkt).Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		ids = append(ids, ip.Id)
		requireChecksumsValid(t, pool, pkt)
	}
	require.Equal(t, []uint16{65534, 65535, 0, 1}, ids)

	pool.Free(burst...)
	for _, ref := range refs {
		require.Equal(t, int32(1), ref.Refs())
	}
}

func TestRefreshUDPOffloadSkipsIPv4Checksum(t *testing.T) {
	conf := resolve(t, func(f *File) { f.Burst = 1 })
	pool := newTestPool(t, 2, 0)
	tpl := templates{pool: pool, conf: conf, srcMAC: testSrcMAC, offload: pktio.ChecksumIPv4}
	refs, err := buildReferenceSet(pool, 1, tpl.udp)
	require.NoError(t, err)

	r := refresher{pool: pool, offload: pktio.ChecksumIPv4, clock: ratelimit.Monotonic}
	burst := make([]*pktio.Packet, 1)
	_, err = r.udp(refs, burst, 7)
	require.NoError(t, err)

	ip := decode(t, burst[0]).Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.Equal(t, uint16(7), ip.Id)
	require.Zero(t, ip.Checksum)
	pool.Free(burst...)
	pool.Free(refs...)
	require.Zero(t, pool.InUse())
}

func TestRefreshPing(t *testing.T) {
	conf := resolve(t, func(f *File) { f.Mode = ModePing })
	pool := newTestPool(t, 2, 0)
	tpl := templates{pool: pool, conf: conf, srcMAC: testSrcMAC}
	refs, err := buildReferenceSet(pool, 1, tpl.ping)
	require.NoError(t, err)
	defer pool.Free(refs...)

	const now = int64(1_234_567_890)
	r := refresher{pool: pool, clock: ratelimit.ClockFunc(func() int64 { return now })}
	burst := make([]*pktio.Packet, 1)

	next, err := r.ping(refs, burst, 41)
	require.NoError(t, err)
	require.Equal(t, uint64(42), next)

	p := decode(t, burst[0])
	ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	icmp := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.Equal(t, uint16(41), ip.Id)
	require.Equal(t, uint16(41), icmp.Seq)
	require.Len(t, icmp.Payload, PingPayloadSize)
	require.Equal(t, uint64(now), binary.BigEndian.Uint64(icmp.Payload))
	requireChecksumsValid(t, pool, burst[0])
	pool.Free(burst...)
}

func TestRefreshAliasFailureFreesBurst(t *testing.T) {
	conf := resolve(t, func(f *File) { f.Burst = 2 })
	pool := newTestPool(t, 2, 2)
	tpl := templates{pool: pool, conf: conf, srcMAC: testSrcMAC}
	refs, err := buildReferenceSet(pool, 2, tpl.udp)
	require.NoError(t, err)

	// Hold the second reference at its limit.
	held := pool.Ref(refs[1])
	require.NotNil(t, held)

	r := refresher{pool: pool, clock: ratelimit.Monotonic}
	burst := make([]*pktio.Packet, 2)
	_, err = r.udp(refs, burst, 0)
	require.Error(t, err)
	require.Equal(t, []*pktio.Packet{nil, nil}, burst)
	require.Equal(t, int32(1), refs[0].Refs())
	require.Equal(t, int32(2), refs[1].Refs())

	pool.Free(held)
	pool.Free(refs...)
	require.Zero(t, pool.InUse())
}

// fakeOut accepts at most accept packets per call.
type fakeOut struct {
	pool   *pktio.Pool
	accept int
	err    error
	sent   int
}

func (q *fakeOut) Send(pkts []*pktio.Packet) (int, error) {
	if q.err != nil {
		return 0, q.err
	}
	k := min(q.accept, len(pkts))
	q.pool.Free(pkts[:k]...)
	q.sent += k
	return k, nil
}

func TestTransmit(t *testing.T) {
	conf := resolve(t, func(f *File) { f.Burst = 4 })
	pool := newTestPool(t, 4, 0)
	tpl := templates{pool: pool, conf: conf, srcMAC: testSrcMAC}
	refs, err := buildReferenceSet(pool, 4, tpl.udp)
	require.NoError(t, err)
	defer pool.Free(refs...)

	r := refresher{pool: pool, clock: ratelimit.Monotonic}
	burst := make([]*pktio.Packet, 4)

	var c Counters
	q := &fakeOut{pool: pool, accept: 3}

	t.Run("partial", func(t *testing.T) {
		_, err := r.udp(refs, burst, 0)
		require.NoError(t, err)
		transmit(q, pool, burst, &c)

		require.Equal(t, uint64(3), c.Sent.Load())
		require.Equal(t, uint64(1), c.Dropped.Load())
		for _, ref := range refs {
			require.Equal(t, int32(1), ref.Refs(), "every alias released")
		}
	})

	t.Run("error", func(t *testing.T) {
		_, err := r.udp(refs, burst, 4)
		require.NoError(t, err)
		q.err = errors.New("link down")
		transmit(q, pool, burst, &c)

		require.Equal(t, uint64(3), c.Sent.Load())
		require.Equal(t, uint64(5), c.Dropped.Load())
		for _, ref := range refs {
			require.Equal(t, int32(1), ref.Refs())
		}
	})

	require.Equal(t, 4, pool.InUse())
}
