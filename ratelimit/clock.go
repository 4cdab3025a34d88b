package ratelimit

import "time"

// Clock is a monotonic nanosecond clock.
type Clock interface {
	Nanotime() int64
}

type monoClock struct {
	base time.Time
}

func (c monoClock) Nanotime() int64 { return int64(time.Since(c.base)) }

// Monotonic reads the process monotonic clock. Values are comparable across
// goroutines.
var Monotonic Clock = monoClock{base: time.Now()}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() int64

func (f ClockFunc) Nanotime() int64 { return f() }
