package generator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	DefaultPollInterval  = time.Second
	DefaultGraceInterval = time.Second
)

// Result summarizes a finished run.
type Result struct {
	Totals
	Elapsed time.Duration
}

// reporter sums worker counters, prints rates and decides when a run is
// complete. It is the only writer of the workers' stop flags.
type reporter struct {
	conf    *Config
	workers []*Worker
	log     *zap.SugaredLogger
	out     io.Writer

	// poll is how often completion is checked between stats lines.
	poll time.Duration
	// grace is the length of one ping timeout step.
	grace time.Duration

	maxSendPPS uint64
	maxRecvPPS uint64
}

// run waits for the workers to be ready, then reports every stats period
// until the run is complete or ctx is done. On return every worker was
// asked to stop.
func (r *reporter) run(ctx context.Context, ready *barrier) time.Duration {
	ready.wait()
	start := time.Now()
	defer r.stopWorkers()

	period := r.conf.StatsPeriod
	last, next := start, start.Add(period)
	var prev Totals

	for {
		t := sumCounters(r.workers)
		if r.complete(t) {
			r.awaitReplies(ctx)
			return time.Since(start)
		}

		now := time.Now()
		if now.Before(next) {
			if !sleepCtx(ctx, min(next.Sub(now), r.poll)) {
				r.log.Infow("stopping run", "reason", context.Cause(ctx))
				return time.Since(start)
			}
			continue
		}

		r.printStats(t, prev, now.Sub(last))
		prev, last, next = t, now, now.Add(period)
	}
}

func (r *reporter) complete(t Totals) bool {
	if r.conf.Count == 0 {
		return false
	}
	if r.conf.Mode == ModeReceive {
		return t.Received >= r.conf.Count
	}
	return t.Sent >= r.conf.Count
}

// awaitReplies gives late ping replies time to arrive. The timeout is
// decremented once per grace step.
func (r *reporter) awaitReplies(ctx context.Context) {
	if r.conf.Mode != ModePing {
		return
	}
	for timeout := r.conf.Timeout; timeout >= 0; timeout-- {
		t := sumCounters(r.workers)
		if t.Replies >= t.Sent {
			return
		}
		if !sleepCtx(ctx, r.grace) {
			return
		}
	}
}

func (r *reporter) stopWorkers() {
	for _, w := range r.workers {
		w.Stop()
	}
}

func (r *reporter) printStats(t, prev Totals, dt time.Duration) {
	var sent, prevSent, drops, rcv, prevRcv uint64
	switch r.conf.Mode {
	case ModeReceive:
		rcv, prevRcv = t.Received, prev.Received
	case ModePing:
		sent, prevSent, drops = t.Sent, prev.Sent, t.Dropped
		rcv, prevRcv = t.Replies, prev.Replies
	case ModeUDP:
		sent, prevSent, drops = t.Sent, prev.Sent, t.Dropped
	}

	sendPPS := perSecond(sent-prevSent, dt)
	recvPPS := perSecond(rcv-prevRcv, dt)
	r.maxSendPPS = max(r.maxSendPPS, sendPPS)
	r.maxRecvPPS = max(r.maxRecvPPS, recvPPS)

	fmt.Fprintf(r.out,
		"sent: %s, drops: %s, send rate: %s pps, max send rate: %s pps, "+
			"rcv: %s, recv rate: %s pps, max recv rate: %s pps\n",
		humanize.Comma(int64(sent)), humanize.Comma(int64(drops)),
		humanize.Comma(int64(sendPPS)), humanize.Comma(int64(r.maxSendPPS)),
		humanize.Comma(int64(rcv)),
		humanize.Comma(int64(recvPPS)), humanize.Comma(int64(r.maxRecvPPS)),
	)
}

func perSecond(n uint64, dt time.Duration) uint64 {
	if dt <= 0 {
		return 0
	}
	return uint64(float64(n) / dt.Seconds())
}

// printFinal writes the end of run summary.
func printFinal(w io.Writer, mode Mode, res *Result) {
	elapsed := res.Elapsed.Seconds()
	avg := func(n uint64) uint64 {
		if elapsed <= 0 {
			return 0
		}
		return uint64(float64(n) / elapsed)
	}

	p := message.NewPrinter(language.English)

	p.Fprint(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Mode:              %s\n", mode)
	p.Fprintf(w, " Elapsed:           %.3f s\n", elapsed)
	switch mode {
	case ModeUDP, ModePing:
		p.Fprintf(w, " Sent:              %d packets\n", res.Sent)
		p.Fprintf(w, " Send Avg PPS:      %d\n", avg(res.Sent))
		total := res.Sent + res.Dropped
		var pct float64
		if total > 0 {
			pct = float64(res.Dropped) / float64(total) * 100
		}
		p.Fprintf(w, " Dropped:           %d (%.4f%%)\n", res.Dropped, pct)
	}
	switch mode {
	case ModePing:
		p.Fprintf(w, " Echo replies:      %d\n", res.Replies)
		if res.Sent > 0 {
			lost := res.Sent - min(res.Replies, res.Sent)
			p.Fprintf(w, " Reply loss:        %d (%.4f%%)\n",
				lost, float64(lost)/float64(res.Sent)*100)
		}
	case ModeReceive:
		p.Fprintf(w, " Received:          %d packets\n", res.Received)
		p.Fprintf(w, " Received UDP:      %d packets\n", res.UDPReceived)
		p.Fprintf(w, " Recv Avg PPS:      %d\n", avg(res.Received))
	}
}

// sleepCtx sleeps for d and reports whether ctx is still live.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
