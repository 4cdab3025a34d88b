package pktio

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrInvalidPoolConfig = errors.New("invalid pool config")

const (
	DefaultPoolPackets = 2048
	DefaultFrameSize   = 1856
)

type PoolConfig struct {
	// Packets is the number of buffers in the pool.
	Packets int
	// FrameSize is the size of each buffer in bytes.
	FrameSize int
	// MaxRefs caps the reference count of a single packet.
	// Zero means no limit.
	MaxRefs int32
}

func (c *PoolConfig) ValidateAndSetDefaults() error {
	if c.Packets == 0 {
		c.Packets = DefaultPoolPackets
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.Packets < 0 || c.FrameSize < 0 || c.MaxRefs < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidPoolConfig)
	}
	return nil
}

// Pool is a fixed set of equally sized packet buffers.
// All methods are safe for concurrent use.
type Pool struct {
	conf  PoolConfig
	free  chan *Packet
	inUse atomic.Int64
}

func NewPool(conf PoolConfig) (*Pool, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	p := &Pool{
		conf: conf,
		free: make(chan *Packet, conf.Packets),
	}
	mem := make([]byte, conf.Packets*conf.FrameSize)
	for i := range conf.Packets {
		off := i * conf.FrameSize
		p.free <- &Packet{
			buf:  mem[off : off+conf.FrameSize : off+conf.FrameSize],
			pool: p,
		}
	}
	return p, nil
}

// FrameSize returns the buffer size of every packet in the pool.
func (p *Pool) FrameSize() int { return p.conf.FrameSize }

// Alloc returns a zeroed packet of the given length,
// or nil when the pool is exhausted or size exceeds the frame size.
func (p *Pool) Alloc(size int) *Packet {
	if size < 0 || size > p.conf.FrameSize {
		return nil
	}
	select {
	case pkt := <-p.free:
		pkt.reset(size)
		pkt.refs.Store(1)
		p.inUse.Add(1)
		return pkt
	default:
		return nil
	}
}

// Ref returns an alias of pkt sharing its buffer. The alias must be freed
// like any other packet. Returns nil if pkt is not live or its reference
// limit is reached.
func (p *Pool) Ref(pkt *Packet) *Packet {
	if pkt == nil || pkt.pool != p {
		return nil
	}
	for {
		n := pkt.refs.Load()
		if n < 1 || (p.conf.MaxRefs > 0 && n >= p.conf.MaxRefs) {
			return nil
		}
		if pkt.refs.CompareAndSwap(n, n+1) {
			return pkt
		}
	}
}

// Free drops one reference of each packet. Nil entries are skipped.
func (p *Pool) Free(pkts ...*Packet) {
	for _, pkt := range pkts {
		if pkt == nil {
			continue
		}
		if pkt.pool != p {
			panic("pktio: packet freed to a foreign pool")
		}
		switch n := pkt.refs.Add(-1); {
		case n == 0:
			p.inUse.Add(-1)
			p.free <- pkt
		case n < 0:
			panic("pktio: double free")
		}
	}
}

// InUse returns the number of allocated buffers.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }
