package generator

import (
	"encoding/binary"
	"fmt"

	"github.com/romshark/afxdp-gen-go/pktio"
	"github.com/romshark/afxdp-gen-go/ratelimit"
)

// refresher rewrites the per send fields of reference packets and produces
// the aliases that are sent.
type refresher struct {
	pool    *pktio.Pool
	offload pktio.ChecksumOffload
	clock   ratelimit.Clock
}

// refreshFunc fills burst with aliases of refs and returns the advanced
// sequence cursor.
type refreshFunc func(refs, burst []*pktio.Packet, seq uint64) (uint64, error)

func (r *refresher) forMode(m Mode) refreshFunc {
	switch m {
	case ModeUDP:
		return r.udp
	case ModePing:
		return r.ping
	}
	return nil
}

func (r *refresher) udp(refs, burst []*pktio.Packet, seq uint64) (uint64, error) {
	for i, ref := range refs {
		ip := ref.Data()[l3Offset:]
		binary.BigEndian.PutUint16(ip[4:], uint16(seq))
		seq++

		if !r.offload.Has(pktio.ChecksumIPv4) {
			pktio.FillIPv4Checksum(ref)
		}
		if err := r.alias(refs, burst, i); err != nil {
			return seq, err
		}
	}
	return seq, nil
}

func (r *refresher) ping(refs, burst []*pktio.Packet, seq uint64) (uint64, error) {
	for i, ref := range refs {
		b := ref.Data()
		s := uint16(seq)
		seq++

		binary.BigEndian.PutUint16(b[l3Offset+4:], s)
		icmp := b[l4Offset:]
		binary.BigEndian.PutUint16(icmp[6:], s)
		binary.BigEndian.PutUint64(icmp[icmpHeaderLen:], uint64(r.clock.Nanotime()))
		pktio.FillICMPChecksum(ref)

		if !r.offload.Has(pktio.ChecksumIPv4) {
			pktio.FillIPv4Checksum(ref)
		}
		if err := r.alias(refs, burst, i); err != nil {
			return seq, err
		}
	}
	return seq, nil
}

// alias stores an alias of refs[i] in burst[i]. On failure every alias of
// the burst is freed.
func (r *refresher) alias(refs, burst []*pktio.Packet, i int) error {
	if r.offload != 0 {
		refs[i].SetOffsets(0, l3Offset, l4Offset)
	}
	if burst[i] = r.pool.Ref(refs[i]); burst[i] == nil {
		r.pool.Free(burst[:i]...)
		clear(burst)
		return fmt.Errorf("aliasing reference packet %d", i)
	}
	return nil
}
