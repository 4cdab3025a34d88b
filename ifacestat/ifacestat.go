// Package ifacestat reads kernel interface counters from sysfs.
package ifacestat

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// DefaultRoot is where the kernel exposes network interfaces.
const DefaultRoot = "/sys/class/net"

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxDropped
	RxPackets
	RxBytes
	RxDropped
)

// AllCounters lists every counter Print knows how to render.
var AllCounters = []Counter{TxPackets, TxBytes, TxDropped, RxPackets, RxBytes, RxDropped}

// String returns the name of the counter's statistics file.
func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxDropped:
		return "tx_dropped"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	}
	return ""
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Reader reads counters below Root. The zero value reads DefaultRoot.
type Reader struct {
	Root string
}

// Snapshot reads the given counters of every interface.
func (r Reader) Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	root := r.Root
	if root == "" {
		root = DefaultRoot
	}
	s := make(Stats, len(ifaces))
	for _, iface := range ifaces {
		vals := make(IfaceStats, len(counters))
		for _, c := range counters {
			v, err := readCounter(filepath.Join(root, iface, "statistics", c.String()))
			if err != nil {
				return nil, fmt.Errorf("reading %s %s: %w", iface, c, err)
			}
			vals[c] = v
		}
		s[iface] = vals
	}
	return s, nil
}

// Snapshot reads counters from DefaultRoot.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	return Reader{}.Snapshot(ifaces, counters...)
}

func readCounter(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

// Print writes the counters of every interface in name order.
func Print(w io.Writer, s Stats) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]
		if _, err := fmt.Fprintf(w, "%s:\n", iface); err != nil {
			return err
		}
		for _, dir := range []struct {
			name                  string
			pkts, bytes, dropped Counter
		}{
			{"TX", TxPackets, TxBytes, TxDropped},
			{"RX", RxPackets, RxBytes, RxDropped},
		} {
			b := stats[dir.bytes]
			if _, err := fmt.Fprintf(w, "  %s   %-12s  ≈ %-8s (%s bytes), dropped %s\n",
				dir.name,
				humanize.Comma(int64(stats[dir.pkts])),
				humanize.Bytes(b), humanize.Comma(int64(b)),
				humanize.Comma(int64(stats[dir.dropped])),
			); err != nil {
				return err
			}
		}
	}
	return nil
}
