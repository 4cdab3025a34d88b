package pktio

import (
	"errors"
	"net"
)

var (
	ErrNotStarted     = errors.New("device not started")
	ErrNotConfigured  = errors.New("device not configured")
	ErrTooManyQueues  = errors.New("queue count exceeds device capability")
	ErrDeviceClosed   = errors.New("device closed")
	ErrPacketTooLarge = errors.New("packet exceeds frame size")
)

// ChecksumOffload is a set of checksums computed or validated by the device.
type ChecksumOffload uint8

const (
	ChecksumIPv4 ChecksumOffload = 1 << iota
	ChecksumUDP
	ChecksumICMP
)

func (c ChecksumOffload) Has(c2 ChecksumOffload) bool { return c&c2 == c2 }

// Capabilities describe what a device supports.
type Capabilities struct {
	MaxInQueues  int
	MaxOutQueues int
	// InChecksum is the set of inbound checksums the device can validate.
	InChecksum ChecksumOffload
	// OutChecksum is the set of outbound checksums the device can insert.
	OutChecksum ChecksumOffload
}

type DeviceConfig struct {
	InQueues    int
	OutQueues   int
	InChecksum  ChecksumOffload
	OutChecksum ChecksumOffload
}

// Device is an opened network interface.
//
// Configure must be called before Start. Queues returned by OutQueues and
// InQueues are each meant to be used by a single goroutine.
type Device interface {
	Name() string
	HardwareAddr() net.HardwareAddr
	Capabilities() Capabilities
	Configure(DeviceConfig) error
	Start() error
	Stop() error
	Close() error
	OutQueues() []OutQueue
	InQueues() []InQueue
}

// OutQueue transmits packets.
type OutQueue interface {
	// Send transmits a prefix of pkts and returns its length. Ownership of
	// the accepted prefix passes to the queue; the rest stays with the
	// caller. On error no packet was accepted.
	Send(pkts []*Packet) (int, error)
}

// InQueue receives packets.
type InQueue interface {
	// Recv fills pkts with received packets without blocking and returns
	// how many were stored. The caller owns and must free them.
	Recv(pkts []*Packet) int
}
