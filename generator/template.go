package generator

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/romshark/afxdp-gen-go/pktio"
)

const (
	ethHeaderLen  = 14
	ipv4HeaderLen = 20
	udpHeaderLen  = 8
	icmpHeaderLen = 8

	etherTypeIPv4 = 0x0800
	ipVersionIHL  = 0x45
	ipTTL         = 64
	ipProtoICMP   = 1
	ipProtoUDP    = 17

	icmpEchoRequest = 8

	l3Offset = ethHeaderLen
	l4Offset = ethHeaderLen + ipv4HeaderLen
)

// templates builds the reference packets of one sender.
type templates struct {
	pool    *pktio.Pool
	conf    *Config
	srcMAC  net.HardwareAddr
	offload pktio.ChecksumOffload
}

// ethIPv4 allocates a frame of the configured length and fills its Ethernet
// and IPv4 headers. The IPv4 checksum is left to the refresher.
func (t *templates) ethIPv4(proto uint8) *pktio.Packet {
	pkt := t.pool.Alloc(t.conf.FrameLen())
	if pkt == nil {
		return nil
	}
	b := pkt.Data()

	copy(b[0:6], t.conf.DstMAC)
	copy(b[6:12], t.srcMAC)
	binary.BigEndian.PutUint16(b[12:], etherTypeIPv4)

	ip := b[l3Offset:]
	ip[0] = ipVersionIHL
	binary.BigEndian.PutUint16(ip[2:], uint16(len(b)-ethHeaderLen))
	ip[8] = ipTTL
	ip[9] = proto
	src, dst := t.conf.SrcIP.As4(), t.conf.DstIP.As4()
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])

	pkt.SetOffsets(0, l3Offset, l4Offset)
	return pkt
}

// udp returns a UDP reference packet, or nil if the pool is exhausted.
func (t *templates) udp() *pktio.Packet {
	pkt := t.ethIPv4(ipProtoUDP)
	if pkt == nil {
		return nil
	}
	b := pkt.Data()

	udp := b[l4Offset:]
	binary.BigEndian.PutUint16(udp[0:], t.conf.SrcPort)
	binary.BigEndian.PutUint16(udp[2:], t.conf.DstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpHeaderLen+t.conf.PayloadSize))

	payload := udp[udpHeaderLen:]
	for i := range payload {
		payload[i] = byte(i)
	}

	if !t.offload.Has(pktio.ChecksumUDP) {
		pktio.FillUDPChecksum(pkt)
	}
	return pkt
}

// ping returns an ICMP echo request reference packet, or nil if the pool
// is exhausted. Identifier, sequence and payload stay zero.
func (t *templates) ping() *pktio.Packet {
	pkt := t.ethIPv4(ipProtoICMP)
	if pkt == nil {
		return nil
	}
	pkt.Data()[l4Offset] = icmpEchoRequest
	return pkt
}

// buildReferenceSet fills a set of n reference packets. If any packet can't
// be built, every packet of the set is freed.
func buildReferenceSet(pool *pktio.Pool, n int, build func() *pktio.Packet) ([]*pktio.Packet, error) {
	set := make([]*pktio.Packet, n)
	for i := range set {
		if set[i] = build(); set[i] == nil {
			pool.Free(set[:i]...)
			clear(set)
			return nil, fmt.Errorf("%w: allocating reference packet %d of %d", ErrSetup, i+1, n)
		}
	}
	return set, nil
}
