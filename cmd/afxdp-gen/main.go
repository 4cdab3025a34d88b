//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/romshark/afxdp-gen-go/afxdp"
	"github.com/romshark/afxdp-gen-go/generator"
	"github.com/romshark/afxdp-gen-go/ifacestat"
	"github.com/romshark/afxdp-gen-go/logging"
	"github.com/romshark/afxdp-gen-go/pktio"
)

// loopPrefix selects the in-memory loop device instead of AF_XDP.
const loopPrefix = "loop"

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath string
	LogLevel   string
	IfStats    bool
	Zerocopy   bool

	Interfaces  []string
	Mode        string
	SrcMAC      string
	DstMAC      string
	SrcIP       string
	DstIP       string
	SrcPort     uint16
	DstPort     uint16
	PayloadSize int
	Count       uint64
	Timeout     int
	Interval    time.Duration
	Workers     int
	CPUMask     string
	Burst       int
	Checksum    bool
	RatePPS     uint64
}

var cmd Cmd

var rootCmd = &cobra.Command{
	Use:   "afxdp-gen",
	Short: "Synthetic UDP/ICMP traffic generator and receiver",
	Long: "afxdp-gen floods UDP, sends ICMP echo requests or receives and counts\n" +
		"packets on AF_XDP interfaces. Interfaces named loop* are in-memory\n" +
		"loop devices.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(c *cobra.Command, _ []string) error {
		return run(c.Context(), c.Flags(), cmd)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cmd.ConfigPath, "config", "", "Path to a YAML configuration file")
	f.StringVar(&cmd.LogLevel, "log-level", "info", "Logging level")
	f.BoolVar(&cmd.IfStats, "ifstats", false, "Print kernel interface counter deltas at exit")
	f.BoolVarP(&cmd.Zerocopy, "zerocopy", "z", false,
		"Prefer AF_XDP zero-copy (falls back to copy mode if not supported)")

	f.StringSliceVarP(&cmd.Interfaces, "interface", "I", nil, "Interfaces, comma separated, globs allowed")
	f.StringVarP(&cmd.Mode, "mode", "m", "", "Mode: u (udp), p (ping) or r (receive)")
	f.StringVarP(&cmd.SrcMAC, "srcmac", "a", "", "Source MAC (defaults to the interface's)")
	f.StringVarP(&cmd.DstMAC, "dstmac", "b", "", "Destination MAC")
	f.StringVarP(&cmd.SrcIP, "srcip", "s", "", "Source IPv4 address")
	f.StringVarP(&cmd.DstIP, "dstip", "d", "", "Destination IPv4 address")
	f.Uint16VarP(&cmd.SrcPort, "srcport", "e", generator.DefaultSrcPort, "UDP source port")
	f.Uint16VarP(&cmd.DstPort, "dstport", "f", generator.DefaultDstPort, "UDP destination port")
	f.IntVarP(&cmd.PayloadSize, "packetsize", "p", generator.DefaultPayloadSize, "UDP payload size")
	f.Uint64VarP(&cmd.Count, "count", "n", 0, "Packets to send (0 is unbounded)")
	f.IntVarP(&cmd.Timeout, "timeout", "t", generator.NoTimeout,
		"Seconds to wait for missing ping replies (-1 does not wait)")
	f.DurationVarP(&cmd.Interval, "interval", "i", generator.DefaultInterval, "Pause between bursts")
	f.IntVarP(&cmd.Workers, "workers", "w", 0, "Worker count (defaults to the CPU set size or CPUs-1)")
	f.StringVarP(&cmd.CPUMask, "cpumask", "c", "", "CPU set, 0x-prefixed hex mask (0xf0) or list (1-3,6)")
	f.IntVarP(&cmd.Burst, "udp_tx_burst", "x", generator.DefaultUDPTxBurst, "UDP packets per burst")
	f.BoolVarP(&cmd.Checksum, "csum", "y", false, "Use checksum offload where supported")
	f.Uint64Var(&cmd.RatePPS, "rate", 0, "Packet rate ceiling in pps (0 is unbounded)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, flags *pflag.FlagSet, cmd Cmd) error {
	level, err := zapcore.ParseLevel(cmd.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log := logging.Init(&logging.Config{Level: level})
	defer log.Sync()

	file, err := loadFile(cmd.ConfigPath)
	if err != nil {
		return err
	}
	if err := applyOverrides(&file, flags, cmd); err != nil {
		return err
	}
	if file.Interfaces, err = afxdp.ExpandInterfaces(file.Interfaces); err != nil {
		return fmt.Errorf("%w: %w", generator.ErrInvalidConfig, err)
	}

	conf, err := file.Resolve()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding final YAML config: %w", err)
	}
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var hw []string
	for _, name := range conf.Interfaces {
		if !strings.HasPrefix(name, loopPrefix) {
			hw = append(hw, name)
		}
	}
	var before ifacestat.Stats
	if cmd.IfStats && len(hw) > 0 {
		if before, err = ifacestat.Snapshot(hw, ifacestat.AllCounters...); err != nil {
			return fmt.Errorf("reading interface counters: %w", err)
		}
	}

	g := generator.New(conf,
		generator.WithLog(log),
		generator.WithOpener(opener(conf.Mode, cmd.Zerocopy, log)),
	)
	if _, err := g.Run(ctx); err != nil {
		return err
	}

	if before != nil {
		after, err := ifacestat.Snapshot(hw, ifacestat.AllCounters...)
		if err != nil {
			return fmt.Errorf("reading interface counters: %w", err)
		}
		fmt.Println("\nINTERFACE COUNTERS:")
		return ifacestat.Print(os.Stdout, after.Since(before))
	}
	return nil
}

func loadFile(path string) (generator.File, error) {
	f := generator.DefaultFile()
	if path == "" {
		return f, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parsing YAML: %w", err)
	}
	return f, nil
}

// applyOverrides copies every flag set on the command line into f.
func applyOverrides(f *generator.File, flags *pflag.FlagSet, cmd Cmd) error {
	set := flags.Changed

	if set("interface") {
		f.Interfaces = cmd.Interfaces
	}
	if set("mode") {
		m, err := generator.ParseMode(cmd.Mode)
		if err != nil {
			return err
		}
		f.Mode = m
	}
	if set("srcmac") {
		f.SrcMAC = cmd.SrcMAC
	}
	if set("dstmac") {
		f.DstMAC = cmd.DstMAC
	}
	if set("srcip") {
		f.SrcIP = cmd.SrcIP
	}
	if set("dstip") {
		f.DstIP = cmd.DstIP
	}
	if set("srcport") {
		f.SrcPort = cmd.SrcPort
	}
	if set("dstport") {
		f.DstPort = cmd.DstPort
	}
	if set("packetsize") {
		f.PayloadSize = cmd.PayloadSize
	}
	if set("count") {
		f.Count = cmd.Count
	}
	if set("timeout") {
		f.Timeout = cmd.Timeout
	}
	if set("interval") {
		f.Interval = cmd.Interval
	}
	if set("workers") {
		f.Workers = cmd.Workers
	}
	if set("cpumask") {
		f.CPUMask = cmd.CPUMask
	}
	if set("udp_tx_burst") {
		f.Burst = cmd.Burst
	}
	if set("csum") {
		f.Checksum = cmd.Checksum
	}
	if set("rate") {
		f.RatePPS = cmd.RatePPS
	}
	return nil
}

// opener opens loop devices for loop* names and AF_XDP devices otherwise.
func opener(mode generator.Mode, zerocopy bool, log *zap.SugaredLogger) generator.Opener {
	loop := generator.LoopOpener(mode == generator.ModePing)
	return func(name string, pool *pktio.Pool) (pktio.Device, error) {
		if strings.HasPrefix(name, loopPrefix) {
			return loop(name, pool)
		}
		dev, err := afxdp.OpenDevice(name, pool, afxdp.DeviceConfig{
			PreferZerocopy: zerocopy,
			Log:            log,
		})
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
}
