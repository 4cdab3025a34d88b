// Package pktio is the packet input/output layer shared by the generator and
// the device backends: pooled packet buffers, device and queue interfaces,
// an inbound frame parser and an in-memory loopback device.
package pktio

import (
	"sync/atomic"
)

// Flags describe the result of parsing an inbound frame.
type Flags uint32

const (
	FlagIPv4 Flags = 1 << iota
	FlagUDP
	FlagICMP
	// FlagError marks a frame that could not be parsed.
	FlagError
	FlagL3ChecksumBad
	FlagL4ChecksumBad
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// OffsetUnset marks a layer offset that was never programmed.
const OffsetUnset = -1

// Packet is a pooled frame buffer.
//
// A Packet is reference counted. Pool.Ref produces an alias sharing the same
// buffer; the buffer returns to its pool once every reference was freed.
type Packet struct {
	buf    []byte
	length int

	l2, l3, l4 int
	flags      Flags

	refs atomic.Int32
	pool *Pool
}

// Data returns the frame bytes.
func (p *Packet) Data() []byte { return p.buf[:p.length] }

// Len returns the frame length.
func (p *Packet) Len() int { return p.length }

// Flags returns the parse flags of an inbound packet.
func (p *Packet) Flags() Flags { return p.flags }

// SetFlags replaces the parse flags.
func (p *Packet) SetFlags(f Flags) { p.flags = f }

// SetOffsets programs the L2, L3 and L4 header offsets.
func (p *Packet) SetOffsets(l2, l3, l4 int) {
	p.l2, p.l3, p.l4 = l2, l3, l4
}

func (p *Packet) L2Offset() int { return p.l2 }
func (p *Packet) L3Offset() int { return p.l3 }
func (p *Packet) L4Offset() int { return p.l4 }

// L3 returns the frame bytes starting at the L3 header,
// or nil if the offset is unset.
func (p *Packet) L3() []byte {
	if p.l3 == OffsetUnset || p.l3 > p.length {
		return nil
	}
	return p.buf[p.l3:p.length]
}

// L4 returns the frame bytes starting at the L4 header,
// or nil if the offset is unset.
func (p *Packet) L4() []byte {
	if p.l4 == OffsetUnset || p.l4 > p.length {
		return nil
	}
	return p.buf[p.l4:p.length]
}

// Refs returns the current reference count.
func (p *Packet) Refs() int32 { return p.refs.Load() }

func (p *Packet) reset(size int) {
	p.length = size
	p.l2, p.l3, p.l4 = OffsetUnset, OffsetUnset, OffsetUnset
	p.flags = 0
	clear(p.buf[:size])
}
