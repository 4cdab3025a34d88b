package generator

import "sync/atomic"

// Counters are written by the owning worker only and read by the reporter.
// Reads may lag behind writes; only reporting precision depends on them.
type Counters struct {
	Sent     atomic.Uint64
	Dropped  atomic.Uint64
	Received atomic.Uint64
	// Seq is the sequence cursor of the next packet sent.
	Seq         atomic.Uint64
	UDPReceived atomic.Uint64
	Replies     atomic.Uint64
}

// add increments a counter with a single writer, avoiding a locked add.
func add(c *atomic.Uint64, n uint64) {
	c.Store(c.Load() + n)
}

// Totals is a point in time sum of counters.
type Totals struct {
	Sent        uint64
	Dropped     uint64
	Received    uint64
	UDPReceived uint64
	Replies     uint64
}

func sumCounters(workers []*Worker) (t Totals) {
	for _, w := range workers {
		c := &w.Counters
		t.Sent += c.Sent.Load()
		t.Dropped += c.Dropped.Load()
		t.Received += c.Received.Load()
		t.UDPReceived += c.UDPReceived.Load()
		t.Replies += c.Replies.Load()
	}
	return t
}
