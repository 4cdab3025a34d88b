package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/afxdp-gen-go/pktio"
	"github.com/romshark/afxdp-gen-go/ratelimit"
)

// Opener opens the device backing an interface name. Inbound packets are
// allocated from pool.
type Opener func(name string, pool *pktio.Pool) (pktio.Device, error)

// LoopOpener opens in-memory loop devices. When reflect is set, echo
// requests come back as echo replies.
func LoopOpener(reflect bool) Opener {
	return func(name string, pool *pktio.Pool) (pktio.Device, error) {
		return pktio.NewLoop(name, pool, pktio.LoopConfig{Reflect: reflect}), nil
	}
}

type options struct {
	Log   *zap.SugaredLogger
	Open  Opener
	Out   io.Writer
	Clock ratelimit.Clock
	Poll  time.Duration
	Grace time.Duration
}

func newOptions() *options {
	return &options{
		Log:   zap.NewNop().Sugar(),
		Out:   os.Stdout,
		Clock: ratelimit.Monotonic,
		Poll:  DefaultPollInterval,
		Grace: DefaultGraceInterval,
	}
}

type Option func(*options)

func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithOpener sets how interfaces are opened. Loop devices are used by
// default.
func WithOpener(open Opener) Option {
	return func(o *options) {
		o.Open = open
	}
}

// WithOutput sets where stats lines and the final report are written.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		o.Out = w
	}
}

func WithClock(clock ratelimit.Clock) Option {
	return func(o *options) {
		o.Clock = clock
	}
}

// WithPollInterval sets how often completion is checked and the length of
// one ping timeout step.
func WithPollInterval(poll, grace time.Duration) Option {
	return func(o *options) {
		o.Poll = poll
		o.Grace = grace
	}
}

// Generator runs one traffic generation session.
type Generator struct {
	conf *Config
	log  *zap.SugaredLogger
	open Opener
	out  io.Writer

	clock ratelimit.Clock
	poll  time.Duration
	grace time.Duration
}

func New(conf *Config, opts ...Option) *Generator {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Open == nil {
		o.Open = LoopOpener(conf.Mode == ModePing)
	}
	return &Generator{
		conf:  conf,
		log:   o.Log,
		open:  o.Open,
		out:   o.Out,
		clock: o.Clock,
		poll:  o.Poll,
		grace: o.Grace,
	}
}

// WorkerCount returns the number of workers a run asks for. A UDP run starts
// fewer when its devices are short of output queues.
func (g *Generator) WorkerCount() int {
	switch {
	case g.conf.Mode == ModePing:
		return 2
	case g.conf.Workers > 0:
		return g.conf.Workers
	case len(g.conf.CPUs) > 0:
		return len(g.conf.CPUs)
	}
	return min(max(runtime.NumCPU()-1, 1), MaxWorkers)
}

// Run opens the devices, starts every worker and reports until the run is
// complete or ctx is done. Devices are stopped and closed on return.
func (g *Generator) Run(ctx context.Context) (_ *Result, err error) {
	n := g.WorkerCount()

	pool, err := pktio.NewPool(pktio.PoolConfig{
		Packets:   g.conf.PoolPackets,
		FrameSize: int(g.conf.FrameSize.Bytes()),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	devs, err := g.openDevices(pool, n)
	defer func() {
		err = errors.Join(err, closeDevices(devs))
	}()
	if err != nil {
		return nil, err
	}

	workers, err := g.assign(devs, n)
	if err != nil {
		return nil, err
	}

	timers, err := allocTimers(g.clock, workers)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, timers.release(workers))
	}()

	for i, dev := range devs {
		if err := dev.Start(); err != nil {
			return nil, errors.Join(
				fmt.Errorf("%w: starting %s: %w", ErrSetup, dev.Name(), err),
				stopDevices(devs[:i]),
			)
		}
	}
	defer func() {
		err = errors.Join(err, stopDevices(devs))
	}()

	ready := newBarrier(len(workers) + 1)
	e := &env{conf: g.conf, pool: pool, log: g.log, clock: g.clock, ready: ready}

	grp, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		grp.Go(func() error { return w.run(e) })
	}

	rep := &reporter{
		conf:    g.conf,
		workers: workers,
		log:     g.log,
		out:     g.out,
		poll:    g.poll,
		grace:   g.grace,
	}
	elapsed := rep.run(gctx, ready)
	werr := grp.Wait()

	res := &Result{Totals: sumCounters(workers), Elapsed: elapsed}
	printFinal(g.out, g.conf.Mode, res)
	return res, werr
}

// device is an opened device and the configuration it was given.
type device struct {
	pktio.Device
	conf pktio.DeviceConfig
}

func (g *Generator) openDevices(pool *pktio.Pool, workers int) ([]*device, error) {
	ifaces := len(g.conf.Interfaces)

	// A flood has no receiver, so nothing would drain its input queues.
	inQueues, outQueues := 1, 1
	switch g.conf.Mode {
	case ModeReceive:
		inQueues = workers
	case ModeUDP:
		inQueues = 0
		outQueues = (workers + ifaces - 1) / ifaces
	}

	devs := make([]*device, 0, ifaces)
	for _, name := range g.conf.Interfaces {
		dev, err := g.open(name, pool)
		if err != nil {
			return devs, fmt.Errorf("%w: opening %s: %w", ErrSetup, name, err)
		}

		caps := dev.Capabilities()
		dc := pktio.DeviceConfig{
			InQueues:  min(inQueues, caps.MaxInQueues),
			OutQueues: min(outQueues, caps.MaxOutQueues),
		}
		if g.conf.Checksum {
			want := pktio.ChecksumIPv4 | pktio.ChecksumUDP
			dc.InChecksum = want & caps.InChecksum
			dc.OutChecksum = want & caps.OutChecksum
		}
		if g.conf.Mode != ModeReceive && dc.OutQueues == 0 {
			return devs, fmt.Errorf("%w: %s has no output queues", ErrSetup, name)
		}
		devs = append(devs, &device{Device: dev, conf: dc})
		if err := dev.Configure(dc); err != nil {
			return devs, fmt.Errorf("%w: configuring %s: %w", ErrSetup, name, err)
		}
		g.log.Infow("configured device",
			"interface", name,
			"mac", dev.HardwareAddr().String(),
			"rx_queues", dc.InQueues,
			"tx_queues", dc.OutQueues,
			"rx_offload", offloadString(dc.InChecksum),
			"tx_offload", offloadString(dc.OutChecksum),
		)
	}
	return devs, nil
}

// assign creates the workers and gives each one its role and CPU. A UDP run
// gets fewer than n workers when the devices have too few output queues for
// every sender to own one.
func (g *Generator) assign(devs []*device, n int) ([]*Worker, error) {
	if g.conf.Mode == ModeUDP {
		if slots := senderSlots(devs, n); slots < n {
			g.log.Warnw("not enough output queues, reducing worker count",
				"requested", n, "workers", slots)
			n = slots
		}
	}

	workers := make([]*Worker, n)
	for i := range workers {
		cpu := -1
		if len(g.conf.CPUs) > 0 {
			cpu = g.conf.CPUs[i%len(g.conf.CPUs)]
		}
		workers[i] = &Worker{ID: i, CPU: cpu}
	}

	var allIn []pktio.InQueue
	for _, dev := range devs {
		allIn = append(allIn, dev.InQueues()...)
	}

	switch g.conf.Mode {
	case ModePing:
		s := g.sender(devs[0], 0)
		s.Share = g.conf.Count
		workers[0].Role = s
		workers[1].Role = &Receiver{In: allIn}

	case ModeUDP:
		burst := uint64(g.conf.Burst)
		share := (g.conf.Count + uint64(n) - 1) / uint64(n)
		for i, w := range workers {
			dev := devs[i%len(devs)]
			s := g.sender(dev, i/len(devs))
			s.SeqStart = uint64(i) * burst
			s.SeqStep = burst * uint64(n-1)
			s.Share = share
			if g.conf.RatePPS > 0 {
				s.RatePPS = max(g.conf.RatePPS/uint64(n), 1)
			}
			w.Role = s
		}

	case ModeReceive:
		shards := make([][]pktio.InQueue, n)
		for i, q := range allIn {
			shards[i%n] = append(shards[i%n], q)
		}
		for i, w := range workers {
			w.Role = &Receiver{In: shards[i]}
		}

	default:
		return nil, fmt.Errorf("%w: unsupported mode %v", ErrSetup, g.conf.Mode)
	}
	return workers, nil
}

// senderSlots returns how many of the first n UDP senders get an output
// queue of their own. Sender i uses queue i/len(devs) of device i%len(devs).
func senderSlots(devs []*device, n int) int {
	for i := range n {
		if i/len(devs) >= len(devs[i%len(devs)].OutQueues()) {
			return i
		}
	}
	return n
}

func (g *Generator) sender(dev *device, queue int) *Sender {
	src := g.conf.SrcMAC
	if src == nil {
		src = dev.HardwareAddr()
	}
	return &Sender{
		Interface: dev.Name(),
		Queue:     queue,
		Out:       dev.OutQueues()[queue],
		Offload:   dev.conf.OutChecksum,
		SrcMAC:    src,
		RatePPS:   g.conf.RatePPS,
	}
}

// timerSet owns the timer service objects of one run.
type timerSet struct {
	timers   *ratelimit.TimerPool
	timeouts *ratelimit.TimeoutPool
}

// allocTimers gives every worker a timer, a private timeout queue and a
// timeout event. Nothing stays allocated on error.
func allocTimers(clock ratelimit.Clock, workers []*Worker) (*timerSet, error) {
	timers, err := ratelimit.NewTimerPool(ratelimit.TimerPoolConfig{
		MaxTimers: len(workers),
		Clock:     clock,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	s := &timerSet{timers: timers, timeouts: ratelimit.NewTimeoutPool(len(workers))}

	for _, w := range workers {
		q := ratelimit.NewTimeoutQueue(clock)
		timer, err := timers.Alloc(q)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("%w: allocating timer: %w", ErrSetup, err), s.release(workers))
		}
		w.timer, w.timeq = timer, q

		tmo, err := s.timeouts.Alloc()
		if err != nil {
			return nil, errors.Join(fmt.Errorf("%w: allocating timeout: %w", ErrSetup, err), s.release(workers))
		}
		w.timeout = tmo
	}
	return s, nil
}

// release cancels and frees every timer, then frees every timeout event.
func (s *timerSet) release(workers []*Worker) error {
	var errs []error
	for _, w := range workers {
		if w.timer == nil {
			continue
		}
		w.timer.Cancel()
		errs = append(errs, w.timer.Free())
		w.timer, w.timeq = nil, nil
	}
	for _, w := range workers {
		if w.timeout == nil {
			continue
		}
		errs = append(errs, s.timeouts.Free(w.timeout))
		w.timeout = nil
	}
	return errors.Join(errs...)
}

func stopDevices(devs []*device) error {
	var errs []error
	for _, dev := range devs {
		if err := dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", dev.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func closeDevices(devs []*device) error {
	var errs []error
	for _, dev := range devs {
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", dev.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func offloadString(c pktio.ChecksumOffload) string {
	var parts []string
	if c.Has(pktio.ChecksumIPv4) {
		parts = append(parts, "ipv4")
	}
	if c.Has(pktio.ChecksumUDP) {
		parts = append(parts, "udp")
	}
	if c.Has(pktio.ChecksumICMP) {
		parts = append(parts, "icmp")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
