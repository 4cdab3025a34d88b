package generator

import "github.com/romshark/afxdp-gen-go/pktio"

// transmit sends burst and accounts for the outcome. Packets the queue did
// not accept are freed and counted as dropped; they are never retried.
func transmit(q pktio.OutQueue, pool *pktio.Pool, burst []*pktio.Packet, c *Counters) {
	n, err := q.Send(burst)
	if err != nil {
		pool.Free(burst...)
		add(&c.Dropped, uint64(len(burst)))
		return
	}
	add(&c.Sent, uint64(n))
	if n < len(burst) {
		pool.Free(burst[n:]...)
		add(&c.Dropped, uint64(len(burst)-n))
	}
}
