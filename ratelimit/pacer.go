package ratelimit

import "time"

// Pacer delays its owner between bursts with one private timer,
// timeout queue and timeout event.
type Pacer struct {
	timer *Timer
	q     *TimeoutQueue
	tmo   *Timeout
}

// NewPacer returns a pacer arming timer with tmo and polling q.
// timer must deliver to q.
func NewPacer(timer *Timer, q *TimeoutQueue, tmo *Timeout) *Pacer {
	return &Pacer{timer: timer, q: q, tmo: tmo}
}

// Wait arms the timer d from now and busy-polls the queue until the
// timeout is delivered. It never sleeps the calling thread.
func (p *Pacer) Wait(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	ticks := p.timer.pool.NsToTick(d.Nanoseconds())
	if err := p.timer.SetRel(ticks, p.tmo); err != nil {
		return err
	}
	for p.q.Deq() == nil {
	}
	return nil
}
