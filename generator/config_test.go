package generator

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validFile() File {
	f := DefaultFile()
	f.Interfaces = []string{"loop0"}
	f.Mode = ModeUDP
	f.DstMAC = "02:00:00:00:00:02"
	f.SrcIP = "10.0.0.1"
	f.DstIP = "10.0.0.2"
	return f
}

func TestResolveDefaults(t *testing.T) {
	f := validFile()
	conf, err := f.Resolve()
	require.NoError(t, err)

	require.Equal(t, ModeUDP, conf.Mode)
	require.Equal(t, []string{"loop0"}, conf.Interfaces)
	require.Nil(t, conf.SrcMAC)
	require.Equal(t, net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}, conf.DstMAC)
	require.Equal(t, "10.0.0.1", conf.SrcIP.String())
	require.Equal(t, uint16(DefaultSrcPort), conf.SrcPort)
	require.Equal(t, uint16(DefaultDstPort), conf.DstPort)
	require.Equal(t, DefaultUDPTxBurst, conf.Burst)
	require.Equal(t, DefaultInterval, conf.Interval)
	require.Equal(t, NoTimeout, conf.Timeout)
	require.Equal(t, 14+20+8+DefaultPayloadSize, conf.FrameLen())
}

func TestResolveModes(t *testing.T) {
	t.Run("ping forces burst and payload", func(t *testing.T) {
		f := validFile()
		f.Mode = ModePing
		f.Burst = 64
		f.PayloadSize = 1000
		conf, err := f.Resolve()
		require.NoError(t, err)
		require.Equal(t, 1, conf.Burst)
		require.Equal(t, PingPayloadSize, conf.PayloadSize)
		require.Equal(t, 14+20+8+PingPayloadSize, conf.FrameLen())
	})

	t.Run("receive needs no addresses", func(t *testing.T) {
		f := DefaultFile()
		f.Interfaces = []string{" loop0 ", ""}
		f.Mode = ModeReceive
		conf, err := f.Resolve()
		require.NoError(t, err)
		require.Equal(t, 0, conf.Burst)
		require.Equal(t, []string{"loop0"}, conf.Interfaces)
		require.Zero(t, conf.FrameLen())
	})

	t.Run("explicit source mac", func(t *testing.T) {
		f := validFile()
		f.SrcMAC = "02:00:00:00:00:01"
		conf, err := f.Resolve()
		require.NoError(t, err)
		require.Equal(t, net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}, conf.SrcMAC)
	})
}

func TestResolveInvalid(t *testing.T) {
	cases := map[string]func(f *File){
		"no interfaces":      func(f *File) { f.Interfaces = nil },
		"blank interfaces":   func(f *File) { f.Interfaces = []string{" "} },
		"no mode":            func(f *File) { f.Mode = ModeUnset },
		"no dst mac":         func(f *File) { f.DstMAC = "" },
		"bad dst mac":        func(f *File) { f.DstMAC = "02:00:00" },
		"eui64 dst mac":      func(f *File) { f.DstMAC = "02:00:00:00:00:00:00:02" },
		"bad src mac":        func(f *File) { f.SrcMAC = "nope" },
		"no src ip":          func(f *File) { f.SrcIP = "" },
		"ipv6 dst ip":        func(f *File) { f.DstIP = "::1" },
		"zero burst":         func(f *File) { f.Burst = 0 },
		"burst too large":    func(f *File) { f.Burst = MaxUDPTxBurst + 1 },
		"negative payload":   func(f *File) { f.PayloadSize = -1 },
		"payload too large":  func(f *File) { f.PayloadSize = 2000 },
		"negative interval":  func(f *File) { f.Interval = -time.Second },
		"timeout below -1":   func(f *File) { f.Timeout = -2 },
		"too many workers":   func(f *File) { f.Workers = MaxWorkers + 1 },
		"negative workers":   func(f *File) { f.Workers = -1 },
		"bad cpu mask":       func(f *File) { f.CPUMask = "1-x" },
		"too many cpus":      func(f *File) { f.CPUMask = "0-32" },
		"zero stats period":  func(f *File) { f.StatsPeriod = 0 },
		"zero pool":          func(f *File) { f.PoolPackets = 0 },
		"frame size too low": func(f *File) { f.FrameSize = 64 * datasize.B },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := validFile()
			mutate(&f)
			_, err := f.Resolve()
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"u": ModeUDP, "udp": ModeUDP, "UDP": ModeUDP,
		"p": ModePing, "ping": ModePing,
		"r": ModeReceive, "receive": ModeReceive,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseMode("x")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFileYAML(t *testing.T) {
	f := DefaultFile()
	err := yaml.Unmarshal([]byte(`
interfaces: [veth0, veth1]
mode: ping
dst-mac: "02:00:00:00:00:02"
src-ip: 10.0.0.1
dst-ip: 10.0.0.2
interval: 250ms
count: 4
timeout: 2
frame-size: 2KB
`), &f)
	require.NoError(t, err)

	require.Equal(t, []string{"veth0", "veth1"}, f.Interfaces)
	require.Equal(t, ModePing, f.Mode)
	require.Equal(t, 250*time.Millisecond, f.Interval)
	require.Equal(t, uint64(4), f.Count)
	require.Equal(t, 2, f.Timeout)
	require.Equal(t, 2*datasize.KB, f.FrameSize)
	// Keys absent from the document keep their defaults.
	require.Equal(t, uint16(DefaultSrcPort), f.SrcPort)
	require.Equal(t, DefaultStatsPeriod, f.StatsPeriod)

	out, err := yaml.Marshal(f)
	require.NoError(t, err)
	require.Contains(t, string(out), "mode: ping")
}

func TestParseCPUSet(t *testing.T) {
	cases := []struct {
		in   string
		want []int
	}{
		{"", nil},
		{"0x6", []int{1, 2}},
		{"0xf0", []int{4, 5, 6, 7}},
		{"12", []int{12}},
		{"0x12", []int{1, 4}},
		{"1023", []int{1023}},
		{"0X1", []int{0}},
		{"1-3,6", []int{1, 2, 3, 6}},
		{"3, 1,1", []int{1, 3}},
		{"0x100000000", []int{32}},
	}
	for _, c := range cases {
		got, err := ParseCPUSet(c.in)
		require.NoError(t, err, c.in)
		require.Equal(t, c.want, got, c.in)
	}

	for _, in := range []string{"0x0", "3-1", "-1", "a-b", "0xzz", "1,,2", "f0",
		"1024", "0-4000000000", "0x1" + strings.Repeat("0", 256),
	} {
		_, err := ParseCPUSet(in)
		require.Error(t, err, in)
	}
}
