//go:build linux

// Package xdp builds the XDP program redirecting every received frame to
// the AF_XDP socket registered for its RX queue.
package xdp

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/rlimit"
)

var ErrNoQueues = errors.New("xsks map needs at least one entry")

// xdp_md.rx_queue_index, see linux/bpf.h.
const offRxQueueIndex = 16

// xdpPass is returned by bpf_redirect_map when no socket is registered for
// the queue.
const xdpPass = 2

// Objects are the eBPF objects attached to one interface.
type Objects struct {
	// XsksMap maps an RX queue id to an AF_XDP socket fd.
	XsksMap *ebpf.Map
	// Prog redirects frames through XsksMap.
	Prog *ebpf.Program
}

// Load creates an XSKMAP with maxQueues entries and the redirect program.
func Load(maxQueues int) (*Objects, error) {
	if maxQueues < 1 {
		return nil, ErrNoQueues
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(maxQueues),
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks_map: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:    "xdp_sock_prog",
		Type:    ebpf.XDP,
		License: "GPL",
		Instructions: asm.Instructions{
			asm.LoadMem(asm.R2, asm.R1, offRxQueueIndex, asm.Word),
			asm.LoadMapPtr(asm.R1, m.FD()),
			asm.Mov.Imm(asm.R3, xdpPass),
			asm.FnRedirectMap.Call(),
			asm.Return(),
		},
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("loading xdp_sock_prog: %w", err)
	}
	return &Objects{XsksMap: m, Prog: prog}, nil
}

// Register makes the program redirect frames of queue to the socket fd.
func (o *Objects) Register(queue uint32, fd int) error {
	return o.XsksMap.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func (o *Objects) Close() error {
	return errors.Join(o.Prog.Close(), o.XsksMap.Close())
}
