//go:build linux

package generator

import "golang.org/x/sys/unix"

// pinToCPU binds the calling thread to cpu.
func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
