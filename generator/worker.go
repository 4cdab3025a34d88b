package generator

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/afxdp-gen-go/pktio"
	"github.com/romshark/afxdp-gen-go/ratelimit"
)

// idleWait is how long a sender that reached its share of the packet count
// sleeps before checking its stop flag again.
const idleWait = 10 * time.Millisecond

// Role is either *Sender or *Receiver.
type Role interface {
	isRole()
}

// Sender transmits bursts on one output queue.
type Sender struct {
	Interface string
	Queue     int
	Out       pktio.OutQueue
	Offload   pktio.ChecksumOffload
	SrcMAC    net.HardwareAddr

	// SeqStart is the sequence cursor of the first packet sent.
	SeqStart uint64
	// SeqStep is added to the cursor after every burst so that workers
	// sending to the same destination interleave their sequence numbers.
	SeqStep uint64
	// Share is the number of packets this worker sends. Zero is unbounded.
	Share uint64
	// RatePPS caps the packet rate of this worker. Zero is unbounded.
	RatePPS uint64
}

// Receiver polls a shard of input queues.
type Receiver struct {
	In []pktio.InQueue
}

func (*Sender) isRole()   {}
func (*Receiver) isRole() {}

// Worker is the state of one data plane goroutine.
type Worker struct {
	ID int
	// CPU the worker's thread is pinned to, or -1.
	CPU      int
	Role     Role
	Counters Counters

	stop atomic.Bool

	timer   *ratelimit.Timer
	timeq   *ratelimit.TimeoutQueue
	timeout *ratelimit.Timeout
}

// Stop asks the worker to return after its current iteration.
func (w *Worker) Stop() { w.stop.Store(true) }

// Stopped reports whether Stop was called.
func (w *Worker) Stopped() bool { return w.stop.Load() }

// env is shared read-only by all workers of a run.
type env struct {
	conf  *Config
	pool  *pktio.Pool
	log   *zap.SugaredLogger
	clock ratelimit.Clock
	ready *barrier
}

func (w *Worker) run(e *env) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.CPU >= 0 {
		if err := pinToCPU(w.CPU); err != nil {
			e.log.Warnw("pinning worker", "worker", w.ID, "cpu", w.CPU, zap.Error(err))
		}
	}

	switch r := w.Role.(type) {
	case *Sender:
		return w.send(e, r)
	case *Receiver:
		return w.receive(e, r)
	}
	e.ready.wait()
	return fmt.Errorf("worker %d: unknown role %T", w.ID, w.Role)
}

func (w *Worker) send(e *env, s *Sender) error {
	tpl := templates{pool: e.pool, conf: e.conf, srcMAC: s.SrcMAC, offload: s.Offload}
	build := tpl.udp
	if e.conf.Mode == ModePing {
		build = tpl.ping
	}
	refs, err := buildReferenceSet(e.pool, e.conf.Burst, build)

	// Every party arrives, even on error.
	e.ready.wait()
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.ID, err)
	}
	defer e.pool.Free(refs...)

	e.log.Infof("[%02d] created mode: SEND on %s queue %d", w.ID, s.Interface, s.Queue)

	r := refresher{pool: e.pool, offload: s.Offload, clock: e.clock}
	refresh := r.forMode(e.conf.Mode)
	pacer := ratelimit.NewPacer(w.timer, w.timeq, w.timeout)
	throttle := ratelimit.NewThrottle(s.RatePPS, e.clock)
	burst := make([]*pktio.Packet, len(refs))

	seq := s.SeqStart
	w.Counters.Seq.Store(seq)

	for !w.stop.Load() {
		if s.Share > 0 && w.Counters.Sent.Load() >= s.Share {
			time.Sleep(idleWait)
			continue
		}

		if seq, err = refresh(refs, burst, seq); err != nil {
			return fmt.Errorf("worker %d: refreshing burst: %w", w.ID, err)
		}
		transmit(s.Out, e.pool, burst, &w.Counters)
		throttle.ThrottleN(uint64(len(burst)))

		if e.conf.Interval > 0 {
			e.log.Infof("[%02d] send pkt no:%d seq %d", w.ID, seq, uint16(seq))
			if err := pacer.Wait(e.conf.Interval); err != nil {
				return fmt.Errorf("worker %d: pacing: %w", w.ID, err)
			}
		}
		seq += s.SeqStep
		w.Counters.Seq.Store(seq)
	}
	return nil
}

func (w *Worker) receive(e *env, r *Receiver) error {
	cl := newClassifier(w.ID, pktio.NewScheduler(r.In), e.pool, e.clock, e.log, &w.Counters)

	e.log.Infof("[%02d] created mode: RECEIVE on %d queues", w.ID, len(r.In))
	e.ready.wait()

	for !w.stop.Load() {
		cl.poll()
	}
	return nil
}

// barrier releases every party once all of them arrived. It is single use.
type barrier struct {
	wg sync.WaitGroup
}

func newBarrier(parties int) *barrier {
	b := &barrier{}
	b.wg.Add(parties)
	return b
}

func (b *barrier) wait() {
	b.wg.Done()
	b.wg.Wait()
}
