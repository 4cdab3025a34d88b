//go:build linux

// Package afxdp implements AF_XDP sockets and a packet device on top of
// them. Interface owns the XDP program and its eBPF objects. Socket is an
// AF_XDP socket bound to one queue of an Interface.
//
// Ring terminology (kernel ↔ userspace):
//
//   - RX ring: frames delivered from the NIC to userspace.
//   - FQ ring: UMEM addresses userspace lends the kernel for RX.
//   - TX ring: descriptors userspace hands to the NIC.
//   - CQ ring: TX frames the kernel is done with.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"unsafe"

	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/romshark/afxdp-gen-go/afxdp/xdp"
)

var (
	ErrRegionIsEmpty       = errors.New("ring region is empty")
	ErrNumFramesTooSmall   = errors.New("NumFrames must be > RxSize")
	ErrRingSizeNotPowerOf2 = errors.New("ring sizes must be powers of two")
)

const (
	DefaultNumFrames          = 4096
	DefaultFrameSize          = 2048
	DefaultTxQueueSize        = 2048
	DefaultRxQueueSize        = DefaultTxQueueSize
	DefaultCompletionRingSize = 2048
	DefaultBatchSize          = 64
)

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	PreferZerocopy bool
}

type SocketConfig struct {
	// QueueID identifies the NIC queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames. The first RxSize frames
	// are lent to the fill ring, the rest are used for TX.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// RxSize sets the number of descriptors in the RX and fill rings.
	RxSize uint32
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32
	// CqSize sets the number of entries in the completion ring.
	CqSize uint32
	// BatchSize caps how many completions are reclaimed at once.
	BatchSize uint32
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxQueueSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxQueueSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultCompletionRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	for _, n := range []uint32{c.RxSize, c.TxSize, c.CqSize} {
		if n&(n-1) != 0 {
			return ErrRingSizeNotPowerOf2
		}
	}
	if c.NumFrames <= c.RxSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

// Interface is a NIC with the redirect program attached. It opens AF_XDP
// sockets bound to its queues.
type Interface struct {
	name           string
	index          int
	mac            net.HardwareAddr
	rxQueues       int
	txQueues       int
	preferZerocopy bool

	link link.Link
	objs *xdp.Objects
}

// MakeInterface attaches the redirect program to the named interface.
// The program is attached once per Interface.
func MakeInterface(name string, conf InterfaceConfig) (*Interface, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("looking up link: %w", err)
	}
	attrs := l.Attrs()

	i := &Interface{
		name:           name,
		index:          attrs.Index,
		mac:            attrs.HardwareAddr,
		rxQueues:       max(attrs.NumRxQueues, 1),
		txQueues:       max(attrs.NumTxQueues, 1),
		preferZerocopy: conf.PreferZerocopy,
	}

	if i.objs, err = xdp.Load(i.rxQueues); err != nil {
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}

	opts := link.XDPOptions{Program: i.objs.Prog, Interface: i.index}
	if conf.PreferZerocopy {
		opts.Flags = link.XDPDriverMode
	}
	if i.link, err = link.AttachXDP(opts); err != nil {
		return nil, errors.Join(fmt.Errorf("attaching XDP: %w", err), i.Close())
	}
	return i, nil
}

func (i *Interface) Name() string                   { return i.name }
func (i *Interface) Index() int                     { return i.index }
func (i *Interface) HardwareAddr() net.HardwareAddr { return i.mac }

// Queues returns the number of RX and TX queues of the interface.
func (i *Interface) Queues() (rx, tx int) { return i.rxQueues, i.txQueues }

// Close detaches the XDP program and frees the eBPF objects. Sockets must
// be closed before.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.objs != nil {
		if err := i.objs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP objs: %w", err))
		}
		i.objs = nil
	}
	return errors.Join(errs...)
}

/*---- Kernel structs ----*/

// sockaddr_xdp is defined in linux/if_xdp.h
type sockaddr_xdp struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdp_ring_offset is defined in linux/if_xdp.h
type xdp_ring_offset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// xdp_mmap_offsets is defined in linux/if_xdp.h
type xdp_mmap_offsets struct {
	Rx xdp_ring_offset
	Tx xdp_ring_offset
	Fr xdp_ring_offset
	Cr xdp_ring_offset
}

// xdp_umem_reg is defined in linux/if_xdp.h
type xdp_umem_reg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// xdp_desc is defined in linux/if_xdp.h
type xdp_desc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

/*---- Rings ----*/

// descRing is an RX or TX ring in shared memory. Producer and consumer
// indices are cached to reduce atomic traffic.
type descRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	descs      []xdp_desc
}

// addrRing is a fill or completion ring of raw UMEM offsets.
type addrRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	addrs      []uint64
}

func rawBind(fd int, sa *sockaddr_xdp) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func setsockoptUint32(fd, name int, v uint32) error {
	return setsockopt(fd, unix.SOL_XDP, name, unsafe.Pointer(&v), unsafe.Sizeof(v))
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

// mmapRing maps one of the socket's rings.
func mmapRing(fd int, length int, offset int64) ([]byte, error) {
	return unix.Mmap(fd, offset, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}

// mmapUmem maps an anonymous, page-backed region for UMEM.
func mmapUmem(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
}

func makeDescRing(region []byte, off xdp_ring_offset, size uint32, isTx bool) (*descRing, error) {
	if len(region) == 0 {
		return nil, ErrRegionIsEmpty
	}
	base := unsafe.Pointer(&region[0])

	r := &descRing{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		descs: unsafe.Slice((*xdp_desc)(unsafe.Add(base, off.Desc)), size),
	}
	if isTx {
		r.cachedCons = size
	}
	return r, nil
}

func makeAddrRing(region []byte, off xdp_ring_offset, size uint32) (*addrRing, error) {
	if len(region) == 0 {
		return nil, ErrRegionIsEmpty
	}
	base := unsafe.Pointer(&region[0])

	return &addrRing{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		addrs: unsafe.Slice((*uint64)(unsafe.Add(base, off.Desc)), size),
	}, nil
}

// rxAvailable returns the number of RX descriptors available to consume.
func rxAvailable(q *descRing) uint32 {
	if avail := q.cachedProd - q.cachedCons; avail > 0 {
		return avail
	}
	q.cachedProd = atomic.LoadUint32(q.prod)
	return q.cachedProd - q.cachedCons
}

// reserveTx reserves n TX descriptors and stores the first index in idx.
// Returns false if the ring is full.
func reserveTx(q *descRing, n uint32, idx *uint32) bool {
	if q.cachedCons-q.cachedProd < n {
		q.cachedCons = atomic.LoadUint32(q.cons) + q.size
		if q.cachedCons-q.cachedProd < n {
			return false
		}
	}
	*idx = q.cachedProd
	q.cachedProd += n
	return true
}

// completeFromKernel copies up to len(dst) completed UMEM addresses into dst
// and advances the consumer index.
func completeFromKernel(q *addrRing, dst []uint64) uint32 {
	entries := q.cachedProd - q.cachedCons
	if entries == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		entries = q.cachedProd - q.cachedCons
	}
	entries = min(entries, uint32(len(dst)))
	for i := range entries {
		dst[i] = q.addrs[q.cachedCons&q.mask]
		q.cachedCons++
	}
	if entries > 0 {
		atomic.StoreUint32(q.cons, q.cachedCons)
	}
	return entries
}

// wakeupTx rings the TX doorbell. AF_XDP treats a zero-length sendto as a
// kick, which XDP_USE_NEED_WAKEUP requires.
func wakeupTx(fd int) error {
	err := unix.Sendto(fd, nil, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY || err == unix.ENOBUFS {
		return nil
	}
	return err
}

// Socket is an AF_XDP socket.
//
// The TX methods (NextFrame, ReturnFrame, TrySubmit, FlushTx,
// PollCompletions) and the RX methods (Receive, Release) touch disjoint
// state: one goroutine may transmit while another receives. Neither side is
// safe for concurrent use.
type Socket struct {
	conf       SocketConfig
	isZerocopy bool

	fd int

	umem []byte
	tx   *descRing
	cq   *addrRing
	rx   *descRing
	fq   *addrRing

	regions [][]byte

	freeFrames []uint64
	freeCount  uint32
	compBuf    []uint64
}

// Open creates an AF_XDP socket bound to conf.QueueID. It allocates UMEM,
// maps the rings, lends the RX frames to the kernel and registers the
// socket with the redirect program. Nothing is leaked on error.
func (i *Interface) Open(conf SocketConfig) (_ *Socket, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	s := &Socket{conf: conf, fd: -1}
	defer func() {
		if err != nil {
			err = errors.Join(err, s.Close())
		}
	}()

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	s.fd = fd

	if s.umem, err = mmapUmem(int(conf.NumFrames) * int(conf.FrameSize)); err != nil {
		return nil, fmt.Errorf("mmap UMEM: %w", err)
	}
	reg := xdp_umem_reg{
		Addr:      uint64(uintptr(unsafe.Pointer(&s.umem[0]))),
		Len:       uint64(len(s.umem)),
		ChunkSize: conf.FrameSize,
	}
	if err := setsockopt(
		s.fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	for _, opt := range []struct {
		name int
		size uint32
		desc string
	}{
		{unix.XDP_UMEM_FILL_RING, conf.RxSize, "XDP_UMEM_FILL_RING"},
		{unix.XDP_UMEM_COMPLETION_RING, conf.CqSize, "XDP_UMEM_COMPLETION_RING"},
		{unix.XDP_TX_RING, conf.TxSize, "XDP_TX_RING"},
		{unix.XDP_RX_RING, conf.RxSize, "XDP_RX_RING"},
	} {
		if err := setsockoptUint32(s.fd, opt.name, opt.size); err != nil {
			return nil, fmt.Errorf("setsockopt %s: %w", opt.desc, err)
		}
	}

	var offs xdp_mmap_offsets
	if err := getsockopt(
		s.fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return nil, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	descSize := int(unsafe.Sizeof(xdp_desc{}))
	mapRing := func(off xdp_ring_offset, n uint32, elem int, pgoff int64, desc string) ([]byte, error) {
		region, err := mmapRing(s.fd, int(off.Desc)+int(n)*elem, pgoff)
		if err != nil {
			return nil, fmt.Errorf("mmap %s ring: %w", desc, err)
		}
		s.regions = append(s.regions, region)
		return region, nil
	}

	txRegion, err := mapRing(offs.Tx, conf.TxSize, descSize, unix.XDP_PGOFF_TX_RING, "TX")
	if err != nil {
		return nil, err
	}
	cqRegion, err := mapRing(offs.Cr, conf.CqSize, 8, unix.XDP_UMEM_PGOFF_COMPLETION_RING, "CQ")
	if err != nil {
		return nil, err
	}
	rxRegion, err := mapRing(offs.Rx, conf.RxSize, descSize, unix.XDP_PGOFF_RX_RING, "RX")
	if err != nil {
		return nil, err
	}
	fqRegion, err := mapRing(offs.Fr, conf.RxSize, 8, unix.XDP_UMEM_PGOFF_FILL_RING, "FQ")
	if err != nil {
		return nil, err
	}

	if s.tx, err = makeDescRing(txRegion, offs.Tx, conf.TxSize, true); err != nil {
		return nil, fmt.Errorf("making TX ring: %w", err)
	}
	if s.cq, err = makeAddrRing(cqRegion, offs.Cr, conf.CqSize); err != nil {
		return nil, fmt.Errorf("making CQ ring: %w", err)
	}
	if s.rx, err = makeDescRing(rxRegion, offs.Rx, conf.RxSize, false); err != nil {
		return nil, fmt.Errorf("making RX ring: %w", err)
	}
	if s.fq, err = makeAddrRing(fqRegion, offs.Fr, conf.RxSize); err != nil {
		return nil, fmt.Errorf("making FQ ring: %w", err)
	}

	// Lend the first RxSize frames to the kernel.
	prod := atomic.LoadUint32(s.fq.prod)
	for n := range s.fq.size {
		s.fq.addrs[(prod+n)&s.fq.mask] = uint64(n) * uint64(conf.FrameSize)
	}
	atomic.StoreUint32(s.fq.prod, prod+s.fq.size)

	// The remaining frames are free for TX.
	s.freeFrames = make([]uint64, 0, conf.NumFrames-conf.RxSize)
	for n := conf.RxSize; n < conf.NumFrames; n++ {
		s.freeFrames = append(s.freeFrames, uint64(n)*uint64(conf.FrameSize))
	}
	s.freeCount = uint32(len(s.freeFrames))
	s.compBuf = make([]uint64, conf.BatchSize)

	sa := &sockaddr_xdp{
		Family:  unix.AF_XDP,
		Ifindex: uint32(i.index),
		QueueID: conf.QueueID,
		Flags:   unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP,
	}
	if i.preferZerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
		s.isZerocopy = true
	}
	err = rawBind(s.fd, sa)
	if err != nil && s.isZerocopy && errors.Is(err, unix.EPROTONOSUPPORT) {
		// The queue does not support zero-copy.
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
		s.isZerocopy = false
		err = rawBind(s.fd, sa)
	}
	if err != nil {
		return nil, fmt.Errorf("binding socket: %w", err)
	}

	if err := i.objs.Register(conf.QueueID, s.fd); err != nil {
		return nil, fmt.Errorf("registering XSK: %w", err)
	}
	return s, nil
}

// IsZerocopy reports whether the socket operates in zero-copy mode. It may
// be false even with PreferZerocopy when the queue fell back to XDP_COPY.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// FrameSize returns the size of every UMEM frame.
func (s *Socket) FrameSize() int { return int(s.conf.FrameSize) }

// Close releases the socket, the rings and UMEM.
func (s *Socket) Close() error {
	var errs []error
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = -1
	}
	for _, r := range s.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, fmt.Errorf("unmapping ring: %w", err))
		}
	}
	s.regions = nil
	s.tx, s.cq, s.rx, s.fq = nil, nil, nil, nil
	if s.umem != nil {
		if err := unix.Munmap(s.umem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping UMEM: %w", err))
		}
		s.umem = nil
	}
	return errors.Join(errs...)
}

// Frame is a borrowed UMEM frame.
type Frame struct {
	// Buf points into UMEM.
	Buf []byte
	// Addr is the UMEM offset of the frame.
	Addr uint64
}

// Receive fills frames from the RX ring without blocking and returns how
// many were stored. Every frame must be given back with Release.
func (s *Socket) Receive(frames []Frame) int {
	avail := min(rxAvailable(s.rx), uint32(len(frames)))
	for n := range avail {
		d := s.rx.descs[s.rx.cachedCons&s.rx.mask]
		frames[n] = Frame{Buf: s.umem[d.Addr : d.Addr+uint64(d.Len)], Addr: d.Addr}
		s.rx.cachedCons++
	}
	if avail > 0 {
		atomic.StoreUint32(s.rx.cons, s.rx.cachedCons)
	}
	return int(avail)
}

// Release lends a received frame back to the kernel through the fill ring.
func (s *Socket) Release(frame Frame) {
	// One frame returned per frame received keeps the fill ring bounded.
	prod := atomic.LoadUint32(s.fq.prod)
	s.fq.addrs[prod&s.fq.mask] = frame.Addr
	atomic.StoreUint32(s.fq.prod, prod+1)
}

// NextFrame returns a writable TX frame. A zero Frame means none is free
// even after reclaiming completions.
func (s *Socket) NextFrame() Frame {
	if s.freeCount == 0 {
		if s.PollCompletions() == 0 {
			return Frame{}
		}
	}
	s.freeCount--
	addr := s.freeFrames[s.freeCount]
	return Frame{Buf: s.umem[addr : addr+uint64(s.conf.FrameSize)], Addr: addr}
}

// ReturnFrame gives back a frame from NextFrame that was not submitted.
func (s *Socket) ReturnFrame(f Frame) {
	s.freeFrames[s.freeCount] = f.Addr
	s.freeCount++
}

// TrySubmit places a descriptor on the TX ring. It returns false when the
// ring stays full after one completion pass. Descriptors are published by
// FlushTx.
func (s *Socket) TrySubmit(addr uint64, length uint32) bool {
	var idx uint32
	if !reserveTx(s.tx, 1, &idx) {
		s.PollCompletions()
		if !reserveTx(s.tx, 1, &idx) {
			return false
		}
	}
	d := &s.tx.descs[idx&s.tx.mask]
	d.Addr = addr
	d.Len = length
	d.Opts = 0
	return true
}

// FlushTx publishes submitted descriptors and rings the doorbell.
func (s *Socket) FlushTx() error {
	atomic.StoreUint32(s.tx.prod, s.tx.cachedProd)
	return wakeupTx(s.fd)
}

// PollCompletions reclaims at most BatchSize completed TX frames.
func (s *Socket) PollCompletions() uint32 {
	n := completeFromKernel(s.cq, s.compBuf)
	for i := range n {
		s.freeFrames[s.freeCount] = s.compBuf[i]
		s.freeCount++
	}
	return n
}
