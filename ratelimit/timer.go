package ratelimit

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	ErrTimersExhausted   = errors.New("timer pool exhausted")
	ErrTimeoutsExhausted = errors.New("timeout pool exhausted")
	ErrTimerBusy         = errors.New("timer has an outstanding timeout")
	ErrTimeoutBusy       = errors.New("timeout event is in use")
	ErrInvalidTimerPool  = errors.New("invalid timer pool config")
)

const (
	DefaultResolution = 10 * time.Microsecond
	DefaultMaxTimers  = 32
)

type TimerPoolConfig struct {
	// Resolution is the length of one tick.
	Resolution time.Duration
	// MaxTimers caps the number of allocated timers.
	MaxTimers int
	Clock     Clock
}

func (c *TimerPoolConfig) ValidateAndSetDefaults() error {
	if c.Resolution == 0 {
		c.Resolution = DefaultResolution
	}
	if c.MaxTimers == 0 {
		c.MaxTimers = DefaultMaxTimers
	}
	if c.Clock == nil {
		c.Clock = Monotonic
	}
	if c.Resolution < 0 || c.MaxTimers < 0 {
		return fmt.Errorf("%w: resolution %s, max timers %d",
			ErrInvalidTimerPool, c.Resolution, c.MaxTimers)
	}
	return nil
}

// TimerPool hands out timers sharing a tick resolution and a clock.
// Alloc and Free are safe for concurrent use; a Timer is not.
type TimerPool struct {
	conf      TimerPoolConfig
	res       int64
	allocated atomic.Int32
}

func NewTimerPool(conf TimerPoolConfig) (*TimerPool, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &TimerPool{conf: conf, res: int64(conf.Resolution)}, nil
}

// NsToTick converts nanoseconds to ticks, rounding up.
func (p *TimerPool) NsToTick(ns int64) uint64 {
	if ns <= 0 {
		return 0
	}
	return uint64((ns + p.res - 1) / p.res)
}

// TickToNs converts ticks to nanoseconds.
func (p *TimerPool) TickToNs(ticks uint64) int64 { return int64(ticks) * p.res }

// Allocated returns the number of timers not yet freed.
func (p *TimerPool) Allocated() int { return int(p.allocated.Load()) }

// Alloc returns a timer delivering its timeouts to q.
func (p *TimerPool) Alloc(q *TimeoutQueue) (*Timer, error) {
	for {
		n := p.allocated.Load()
		if int(n) >= p.conf.MaxTimers {
			return nil, ErrTimersExhausted
		}
		if p.allocated.CompareAndSwap(n, n+1) {
			break
		}
	}
	return &Timer{pool: p, q: q}, nil
}

// Timer delivers at most one outstanding Timeout to its queue.
type Timer struct {
	pool  *TimerPool
	q     *TimeoutQueue
	armed *Timeout
	freed bool
}

// SetRel arms the timer to deliver tmo to the timer's queue ticks from now.
func (t *Timer) SetRel(ticks uint64, tmo *Timeout) error {
	if t.armed != nil {
		return ErrTimerBusy
	}
	if tmo.timer != nil {
		return ErrTimeoutBusy
	}
	tmo.timer = t
	tmo.deadline = t.pool.conf.Clock.Nanotime() + t.pool.TickToNs(ticks)
	t.armed = tmo
	t.q.pending = append(t.q.pending, tmo)
	return nil
}

// Cancel disarms the timer and returns the undelivered timeout, if any.
func (t *Timer) Cancel() *Timeout {
	tmo := t.armed
	if tmo == nil {
		return nil
	}
	t.q.remove(tmo)
	t.disarm()
	return tmo
}

func (t *Timer) disarm() {
	t.armed.timer = nil
	t.armed = nil
}

// Free returns the timer to its pool. The timer must not be armed.
func (t *Timer) Free() error {
	if t.armed != nil {
		return ErrTimerBusy
	}
	if t.freed {
		return nil
	}
	t.freed = true
	t.pool.allocated.Add(-1)
	return nil
}

// Timeout is the event a timer delivers on expiry.
type Timeout struct {
	pool     *TimeoutPool
	timer    *Timer
	deadline int64
}

// Deadline returns the clock value the timeout fires at.
func (t *Timeout) Deadline() int64 { return t.deadline }

// TimeoutQueue collects the timeouts of the timers bound to it.
// It is owned by a single goroutine.
type TimeoutQueue struct {
	clock   Clock
	pending []*Timeout
}

func NewTimeoutQueue(clock Clock) *TimeoutQueue {
	if clock == nil {
		clock = Monotonic
	}
	return &TimeoutQueue{clock: clock}
}

// Deq returns an expired timeout or nil. It never blocks.
func (q *TimeoutQueue) Deq() *Timeout {
	if len(q.pending) == 0 {
		return nil
	}
	now := q.clock.Nanotime()
	for i, tmo := range q.pending {
		if tmo.deadline <= now {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			tmo.timer.disarm()
			return tmo
		}
	}
	return nil
}

// Len returns the number of undelivered timeouts.
func (q *TimeoutQueue) Len() int { return len(q.pending) }

func (q *TimeoutQueue) remove(tmo *Timeout) {
	for i, p := range q.pending {
		if p == tmo {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// TimeoutPool hands out timeout events. Safe for concurrent use.
type TimeoutPool struct {
	max       int
	allocated atomic.Int32
}

func NewTimeoutPool(max int) *TimeoutPool {
	return &TimeoutPool{max: max}
}

// Alloc returns a fresh timeout event.
func (p *TimeoutPool) Alloc() (*Timeout, error) {
	for {
		n := p.allocated.Load()
		if int(n) >= p.max {
			return nil, ErrTimeoutsExhausted
		}
		if p.allocated.CompareAndSwap(n, n+1) {
			return &Timeout{pool: p}, nil
		}
	}
}

// Free returns tmo to its pool. The timeout must not be armed.
func (p *TimeoutPool) Free(tmo *Timeout) error {
	if tmo.timer != nil {
		return ErrTimeoutBusy
	}
	if tmo.pool != p {
		return errors.New("freeing timeout to a foreign pool")
	}
	tmo.pool = nil
	p.allocated.Add(-1)
	return nil
}

// Allocated returns the number of timeouts not yet freed.
func (p *TimeoutPool) Allocated() int { return int(p.allocated.Load()) }
