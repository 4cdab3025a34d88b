package pktio

import (
	"encoding/binary"

	"github.com/romshark/afxdp-gen-go/csum"
)

const (
	ipProtoICMP = 1
	ipProtoUDP  = 17
)

// ipv4 returns the IPv4 header and the L4 segment of pkt.
func ipv4(pkt *Packet) (hdr, seg []byte, ok bool) {
	l3 := pkt.L3()
	if len(l3) < 20 {
		return nil, nil, false
	}
	ihl := int(l3[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(l3[2:]))
	if ihl < 20 || total < ihl || total > len(l3) {
		return nil, nil, false
	}
	return l3[:ihl], l3[ihl:total], true
}

// FillIPv4Checksum computes the IPv4 header checksum of pkt in place.
// The L3 offset must be programmed.
func FillIPv4Checksum(pkt *Packet) bool {
	hdr, _, ok := ipv4(pkt)
	if !ok {
		return false
	}
	hdr[10], hdr[11] = 0, 0
	binary.NativeEndian.PutUint16(hdr[10:], csum.Checksum(hdr))
	return true
}

// FillUDPChecksum computes the UDP checksum of pkt in place.
// The L3 offset must be programmed.
func FillUDPChecksum(pkt *Packet) bool {
	hdr, seg, ok := ipv4(pkt)
	if !ok || len(seg) < 8 || hdr[9] != ipProtoUDP {
		return false
	}
	seg[6], seg[7] = 0, 0
	sum := csum.PseudoHeaderIPv4(hdr[12:16], hdr[16:20], ipProtoUDP, uint16(len(seg)))
	c := ^csum.Finalize(sum + csum.Partial(seg, 0))
	if c == 0 {
		c = 0xffff
	}
	binary.NativeEndian.PutUint16(seg[6:], c)
	return true
}

// FillICMPChecksum computes the ICMP checksum of pkt in place.
// The L3 offset must be programmed.
func FillICMPChecksum(pkt *Packet) bool {
	hdr, seg, ok := ipv4(pkt)
	if !ok || len(seg) < icmpHeaderLen || hdr[9] != ipProtoICMP {
		return false
	}
	seg[2], seg[3] = 0, 0
	binary.NativeEndian.PutUint16(seg[2:], csum.Checksum(seg))
	return true
}
