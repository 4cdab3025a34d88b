//go:build linux

package afxdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/afxdp-gen-go/pktio"
)

const (
	DefaultLinkUpTimeout = 10 * time.Second
	rxBatch              = 64
)

var ErrAlreadyConfigured = errors.New("device already configured")

type DeviceConfig struct {
	PreferZerocopy bool
	// Socket is the template of every queue's socket. QueueID is ignored.
	Socket SocketConfig
	// LinkUpTimeout bounds how long Start waits for the link to come back
	// after the XDP program was attached.
	LinkUpTimeout time.Duration
	Log           *zap.SugaredLogger
}

// Device is a pktio.Device backed by one AF_XDP socket per queue. Frames
// are copied between UMEM and the packet pool.
type Device struct {
	iface *Interface
	pool  *pktio.Pool
	conf  DeviceConfig
	log   *zap.SugaredLogger

	socks   []*Socket
	out     []*outQueue
	in      []*inQueue
	started atomic.Bool
}

var _ pktio.Device = (*Device)(nil)

// OpenDevice attaches the redirect program to the named interface.
// Received packets are allocated from pool.
func OpenDevice(name string, pool *pktio.Pool, conf DeviceConfig) (*Device, error) {
	if conf.LinkUpTimeout == 0 {
		conf.LinkUpTimeout = DefaultLinkUpTimeout
	}
	log := conf.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	iface, err := MakeInterface(name, InterfaceConfig{PreferZerocopy: conf.PreferZerocopy})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	return &Device{iface: iface, pool: pool, conf: conf, log: log}, nil
}

func (d *Device) Name() string                   { return d.iface.Name() }
func (d *Device) HardwareAddr() net.HardwareAddr { return d.iface.HardwareAddr() }

func (d *Device) Capabilities() pktio.Capabilities {
	rx, tx := d.iface.Queues()
	return pktio.Capabilities{MaxInQueues: rx, MaxOutQueues: tx}
}

// Configure opens one socket per queue. A socket serves both the input and
// the output queue of the same index.
func (d *Device) Configure(conf pktio.DeviceConfig) error {
	if d.socks != nil {
		return ErrAlreadyConfigured
	}
	caps := d.Capabilities()
	if conf.InQueues > caps.MaxInQueues || conf.OutQueues > caps.MaxOutQueues {
		return fmt.Errorf("configuring %s: %w", d.Name(), pktio.ErrTooManyQueues)
	}

	n := max(conf.InQueues, conf.OutQueues)
	socks := make([]*Socket, 0, n)
	for q := range n {
		sc := d.conf.Socket
		sc.QueueID = uint32(q)
		s, err := d.iface.Open(sc)
		if err != nil {
			for _, s := range socks {
				err = errors.Join(err, s.Close())
			}
			return fmt.Errorf("opening socket on %s queue %d: %w", d.Name(), q, err)
		}
		d.log.Debugw("opened socket", "interface", d.Name(), "queue", q, "zerocopy", s.IsZerocopy())
		socks = append(socks, s)
	}

	d.socks = socks
	d.out = make([]*outQueue, conf.OutQueues)
	for q := range d.out {
		d.out[q] = &outQueue{dev: d, sock: socks[q]}
	}
	d.in = make([]*inQueue, conf.InQueues)
	for q := range d.in {
		d.in[q] = &inQueue{
			dev:    d,
			sock:   socks[q],
			parser: pktio.NewParser(conf.InChecksum),
			frames: make([]Frame, rxBatch),
		}
	}
	return nil
}

// Start waits for the link to be up. Attaching an XDP program resets the
// link on some drivers.
func (d *Device) Start() error {
	if d.socks == nil {
		return pktio.ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.conf.LinkUpTimeout)
	defer cancel()
	if err := waitLinkUp(ctx, d.iface.Index(), d.log); err != nil {
		return fmt.Errorf("starting %s: %w", d.Name(), err)
	}
	d.started.Store(true)
	return nil
}

func (d *Device) Stop() error {
	d.started.Store(false)
	return nil
}

// Close closes every socket, then detaches the XDP program.
func (d *Device) Close() error {
	d.started.Store(false)
	var errs []error
	for _, s := range d.socks {
		errs = append(errs, s.Close())
	}
	d.socks, d.out, d.in = nil, nil, nil
	errs = append(errs, d.iface.Close())
	return errors.Join(errs...)
}

func (d *Device) OutQueues() []pktio.OutQueue {
	qs := make([]pktio.OutQueue, len(d.out))
	for i, q := range d.out {
		qs[i] = q
	}
	return qs
}

func (d *Device) InQueues() []pktio.InQueue {
	qs := make([]pktio.InQueue, len(d.in))
	for i, q := range d.in {
		qs[i] = q
	}
	return qs
}

type outQueue struct {
	dev  *Device
	sock *Socket
}

// Send copies a prefix of pkts into TX frames. It stops at the first packet
// for which no frame or TX descriptor is free. A failed doorbell is rung
// again by the next Send.
func (q *outQueue) Send(pkts []*pktio.Packet) (int, error) {
	if !q.dev.started.Load() {
		return 0, pktio.ErrNotStarted
	}

	n := 0
	for _, pkt := range pkts {
		if pkt.Len() > q.sock.FrameSize() {
			if n == 0 {
				return 0, pktio.ErrPacketTooLarge
			}
			break
		}
		f := q.sock.NextFrame()
		if f.Buf == nil {
			break
		}
		copy(f.Buf, pkt.Data())
		if !q.sock.TrySubmit(f.Addr, uint32(pkt.Len())) {
			q.sock.ReturnFrame(f)
			break
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}

	if err := q.sock.FlushTx(); err != nil {
		q.dev.log.Debugw("TX doorbell failed", "interface", q.dev.Name(), zap.Error(err))
	}
	q.dev.pool.Free(pkts[:n]...)
	return n, nil
}

type inQueue struct {
	dev    *Device
	sock   *Socket
	parser *pktio.Parser
	frames []Frame
}

// Recv copies received frames into pool packets. Frames arriving while
// the pool is exhausted are dropped.
func (q *inQueue) Recv(pkts []*pktio.Packet) int {
	if !q.dev.started.Load() {
		return 0
	}

	n := q.sock.Receive(q.frames[:min(len(pkts), len(q.frames))])
	out := 0
	for _, f := range q.frames[:n] {
		if pkt := q.dev.pool.Alloc(len(f.Buf)); pkt != nil {
			copy(pkt.Data(), f.Buf)
			q.parser.Parse(pkt)
			pkts[out] = pkt
			out++
		}
		q.sock.Release(f)
	}
	return out
}
