package pktio

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/romshark/afxdp-gen-go/csum"
)

// Parser classifies inbound Ethernet frames and programs their layer
// offsets. A Parser is not safe for concurrent use.
type Parser struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	udp     layers.UDP
	icmp    layers.ICMPv4
	payload gopacket.Payload

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	check ChecksumOffload
}

// NewParser returns a parser validating the given set of checksums.
func NewParser(check ChecksumOffload) *Parser {
	p := &Parser{check: check}
	p.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&p.eth, &p.ip4, &p.udp, &p.icmp, &p.payload,
	)
	p.parser.IgnoreUnsupported = true
	p.decoded = make([]gopacket.LayerType, 0, 5)
	return p
}

// Parse sets the flags and offsets of pkt.
func (p *Parser) Parse(pkt *Packet) {
	data := pkt.Data()
	pkt.SetOffsets(0, OffsetUnset, OffsetUnset)
	pkt.flags = 0

	err := p.parser.DecodeLayers(data, &p.decoded)
	if err != nil || p.parser.Truncated {
		pkt.flags |= FlagError
		return
	}

	var l3, l4 int
	for _, typ := range p.decoded {
		switch typ {
		case layers.LayerTypeIPv4:
			l3 = len(p.eth.Contents)
			l4 = l3 + len(p.ip4.Contents)
			pkt.l3, pkt.l4 = l3, l4
			pkt.flags |= FlagIPv4
			if p.check.Has(ChecksumIPv4) && !csum.Valid(p.ip4.Contents) {
				pkt.flags |= FlagL3ChecksumBad
			}
		case layers.LayerTypeUDP:
			pkt.flags |= FlagUDP
			if p.check.Has(ChecksumUDP) && p.udp.Checksum != 0 &&
				!p.validL4(data[l4:l3+int(p.ip4.Length)], uint8(layers.IPProtocolUDP)) {
				pkt.flags |= FlagL4ChecksumBad
			}
		case layers.LayerTypeICMPv4:
			pkt.flags |= FlagICMP
			if p.check.Has(ChecksumICMP) && !csum.Valid(data[l4:l3+int(p.ip4.Length)]) {
				pkt.flags |= FlagL4ChecksumBad
			}
		}
	}
}

func (p *Parser) validL4(seg []byte, proto uint8) bool {
	sum := csum.PseudoHeaderIPv4(p.ip4.SrcIP.To4(), p.ip4.DstIP.To4(), proto, uint16(len(seg)))
	return csum.Finalize(sum+csum.Partial(seg, 0)) == 0xffff
}

// ICMPEcho returns the ICMP type, sequence number and payload of a packet
// flagged FlagICMP.
func ICMPEcho(pkt *Packet) (typ uint8, seq uint16, payload []byte, ok bool) {
	l4 := pkt.L4()
	if len(l4) < icmpHeaderLen {
		return 0, 0, nil, false
	}
	typ = l4[0]
	seq = uint16(l4[6])<<8 | uint16(l4[7])
	return typ, seq, l4[icmpHeaderLen:], true
}

const icmpHeaderLen = 8

const (
	ICMPEchoReply   = uint8(layers.ICMPv4TypeEchoReply)
	ICMPEchoRequest = uint8(layers.ICMPv4TypeEchoRequest)
)
