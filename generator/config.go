package generator

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrSetup         = errors.New("setup failed")
)

const (
	MaxWorkers = 32
	// MaxUDPTxBurst is the largest burst a sender submits at once.
	MaxUDPTxBurst = 512
	// MaxRxBurst is the largest burst a receiver drains at once.
	MaxRxBurst = 32

	DefaultUDPTxBurst  = 16
	DefaultPayloadSize = 56
	PingPayloadSize    = 56
	DefaultInterval    = time.Second
	DefaultStatsPeriod = 20 * time.Second
	DefaultPoolPackets = 2048
	DefaultFrameSize   = 1856 * datasize.B
	DefaultSrcPort     = 10000
	DefaultDstPort     = 20000

	// NoTimeout makes a ping run stop without waiting for late replies.
	NoTimeout = -1
)

// Mode selects what workers do.
type Mode int

const (
	ModeUnset Mode = iota
	ModeUDP
	ModePing
	ModeReceive
)

func (m Mode) String() string {
	switch m {
	case ModeUDP:
		return "udp"
	case ModePing:
		return "ping"
	case ModeReceive:
		return "receive"
	}
	return ""
}

// ParseMode accepts both the short (u, p, r) and the long mode names.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "u", "udp":
		return ModeUDP, nil
	case "p", "ping":
		return ModePing, nil
	case "r", "receive":
		return ModeReceive, nil
	}
	return ModeUnset, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// File is the user facing configuration, read from YAML and overridden by
// command line flags.
type File struct {
	Interfaces  []string          `yaml:"interfaces"`
	Mode        Mode              `yaml:"mode"`
	SrcMAC      string            `yaml:"src-mac"`
	DstMAC      string            `yaml:"dst-mac"`
	SrcIP       string            `yaml:"src-ip"`
	DstIP       string            `yaml:"dst-ip"`
	SrcPort     uint16            `yaml:"src-port"`
	DstPort     uint16            `yaml:"dst-port"`
	PayloadSize int               `yaml:"payload-size"`
	Burst       int               `yaml:"burst"`
	Interval    time.Duration     `yaml:"interval"`
	Count       uint64            `yaml:"count"`
	Timeout     int               `yaml:"timeout"`
	Workers     int               `yaml:"workers"`
	CPUMask     string            `yaml:"cpu-mask"`
	Checksum    bool              `yaml:"checksum-offload"`
	RatePPS     uint64            `yaml:"rate-pps"`
	PoolPackets int               `yaml:"pool-packets"`
	FrameSize   datasize.ByteSize `yaml:"frame-size"`
	StatsPeriod time.Duration     `yaml:"stats-period"`
}

// DefaultFile returns a File holding every default. Decode YAML on top of it
// to keep defaults for omitted keys.
func DefaultFile() File {
	return File{
		SrcPort:     DefaultSrcPort,
		DstPort:     DefaultDstPort,
		PayloadSize: DefaultPayloadSize,
		Burst:       DefaultUDPTxBurst,
		Interval:    DefaultInterval,
		Timeout:     NoTimeout,
		PoolPackets: DefaultPoolPackets,
		FrameSize:   DefaultFrameSize,
		StatsPeriod: DefaultStatsPeriod,
	}
}

// Config is the validated run configuration. It is never modified once
// workers are started.
type Config struct {
	Mode       Mode
	Interfaces []string

	// SrcMAC is nil when the first interface's address is to be used.
	SrcMAC net.HardwareAddr
	DstMAC net.HardwareAddr
	SrcIP  netip.Addr
	DstIP  netip.Addr

	SrcPort uint16
	DstPort uint16

	PayloadSize int
	// Burst is the number of packets a sender submits at once.
	Burst    int
	Interval time.Duration
	// Count is the number of packets to send. Zero sends until stopped.
	Count uint64
	// Timeout is the number of seconds a ping run waits for missing
	// replies, or NoTimeout.
	Timeout int

	// Workers is zero when it is derived from CPUs or the CPU count.
	Workers  int
	CPUs     []int
	Checksum bool
	RatePPS  uint64

	PoolPackets int
	FrameSize   datasize.ByteSize
	StatsPeriod time.Duration
}

// FrameLen returns the length of every generated frame.
func (c *Config) FrameLen() int {
	switch c.Mode {
	case ModeUDP:
		return ethHeaderLen + ipv4HeaderLen + udpHeaderLen + c.PayloadSize
	case ModePing:
		return ethHeaderLen + ipv4HeaderLen + icmpHeaderLen + c.PayloadSize
	}
	return 0
}

// Resolve validates f and returns the run configuration.
func (f *File) Resolve() (*Config, error) {
	c := &Config{
		Mode:        f.Mode,
		SrcPort:     f.SrcPort,
		DstPort:     f.DstPort,
		PayloadSize: f.PayloadSize,
		Burst:       f.Burst,
		Interval:    f.Interval,
		Count:       f.Count,
		Timeout:     f.Timeout,
		Workers:     f.Workers,
		Checksum:    f.Checksum,
		RatePPS:     f.RatePPS,
		PoolPackets: f.PoolPackets,
		FrameSize:   f.FrameSize,
		StatsPeriod: f.StatsPeriod,
	}

	invalid := func(format string, a ...any) (*Config, error) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, a...))
	}

	for _, name := range f.Interfaces {
		if name = strings.TrimSpace(name); name != "" {
			c.Interfaces = append(c.Interfaces, name)
		}
	}
	if len(c.Interfaces) == 0 {
		return invalid("at least one interface must be set (or use -I)")
	}
	if c.Mode == ModeUnset {
		return invalid("mode must be set (or use -m)")
	}

	if c.Mode != ModeReceive {
		var err error
		if f.SrcMAC != "" {
			if c.SrcMAC, err = net.ParseMAC(f.SrcMAC); err != nil {
				return invalid("src-mac %q: %v", f.SrcMAC, err)
			}
		}
		if f.DstMAC == "" {
			return invalid("dst-mac must be set (or use -b)")
		}
		if c.DstMAC, err = net.ParseMAC(f.DstMAC); err != nil {
			return invalid("dst-mac %q: %v", f.DstMAC, err)
		}
		if len(c.DstMAC) != 6 || (c.SrcMAC != nil && len(c.SrcMAC) != 6) {
			return invalid("only 48-bit MAC addresses are supported")
		}
		if c.SrcIP, err = parseIPv4("src-ip", f.SrcIP); err != nil {
			return nil, err
		}
		if c.DstIP, err = parseIPv4("dst-ip", f.DstIP); err != nil {
			return nil, err
		}
	}

	switch c.Mode {
	case ModeUDP:
		if c.Burst < 1 || c.Burst > MaxUDPTxBurst {
			return invalid("burst must be between 1 and %d, got %d", MaxUDPTxBurst, c.Burst)
		}
		if c.PayloadSize < 0 {
			return invalid("payload-size must not be negative")
		}
	case ModePing:
		c.Burst = 1
		c.PayloadSize = PingPayloadSize
	case ModeReceive:
		c.Burst = 0
	}

	if c.Interval < 0 {
		return invalid("interval must not be negative")
	}
	if c.Timeout < NoTimeout {
		return invalid("timeout must be %d or more", NoTimeout)
	}
	if c.Workers < 0 || c.Workers > MaxWorkers {
		return invalid("workers must be between 0 and %d", MaxWorkers)
	}
	cpus, err := ParseCPUSet(f.CPUMask)
	if err != nil {
		return invalid("cpu-mask: %v", err)
	}
	if len(cpus) > MaxWorkers {
		return invalid("cpu-mask selects %d cpus, at most %d are supported", len(cpus), MaxWorkers)
	}
	c.CPUs = cpus

	if c.StatsPeriod <= 0 {
		return invalid("stats-period must be positive")
	}
	if c.PoolPackets <= 0 {
		return invalid("pool-packets must be positive")
	}
	if n := c.FrameLen(); n > int(c.FrameSize.Bytes()) {
		return invalid("frame of %d bytes exceeds frame-size %s", n, c.FrameSize.HR())
	}

	return c, nil
}

func parseIPv4(key, s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, fmt.Errorf("%w: %s must be set", ErrInvalidConfig, key)
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %s %q is not an IPv4 address", ErrInvalidConfig, key, s)
	}
	return a, nil
}
