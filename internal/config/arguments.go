package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/tkjaer/hopwatch/internal/detect"
	"github.com/tkjaer/hopwatch/internal/flow"
	"github.com/tkjaer/hopwatch/internal/packet"
	"github.com/tkjaer/hopwatch/internal/session"
)

type Args struct {
	Targets []string

	// Protocol and ports
	Protocol        string
	ForceIPv4       bool
	ForceIPv6       bool
	DestinationPort uint
	SourcePort      uint
	Flows           uint
	DSCP            uint
	MaxTTL          uint

	// Timing
	Count         uint32
	Interval      time.Duration
	Timeout       time.Duration
	InterTTLDelay time.Duration

	// Path MTU discovery
	PMTUD          bool
	PMTUDImmediate bool

	NoResolve bool

	// Output
	Json           bool   // session document to stdout
	JsonFile       string // session document to file or directory
	Stream         bool   // NDJSON snapshots to stdout
	StreamFile     string // NDJSON snapshots to file
	OutputInterval time.Duration
	MetricsAddr    string
	Replay         string

	// Configuration file
	ConfigFile string

	// Logging
	Log       string // log file path, empty means stderr only
	LogLevel  string // log level: debug, info, warn, error
	LogFormat string // log format: auto, text, json

	// Detector thresholds, only settable in the configuration file
	Thresholds detect.Thresholds
}

// Usage prints the help text for fs.
func Usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintln(os.Stderr, "hopwatch - continuous multi-flow traceroute")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage:")
		fmt.Fprintln(os.Stderr, "  hopwatch [OPTIONS] TARGET...")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Examples:")
		fmt.Fprintln(os.Stderr, "  hopwatch <target>                         # ICMP probes every second")
		fmt.Fprintln(os.Stderr, "  hopwatch -P udp --flows 8 <target>        # 8 ECMP flows over UDP")
		fmt.Fprintln(os.Stderr, "  hopwatch -c 10 --pmtud -J <target>        # 10 rounds plus PMTUD, document to stdout")
		fmt.Fprintln(os.Stderr, "  hopwatch -j ./runs --ndjson <t1> <t2>     # stream snapshots, save document")
		fmt.Fprintln(os.Stderr, "  hopwatch --replay run.json                # re-emit a saved session")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Options:")
		fs.PrintDefaults()
	}
}

// RegisterFlags binds the hopwatch flags to fs.
func RegisterFlags(fs *flag.FlagSet, args *Args) {
	fs.StringVarP(&args.Protocol, "protocol", "P", "icmp", "Probe protocol: icmp, udp or tcp")
	fs.BoolVarP(&args.ForceIPv4, "ipv4", "4", false, "Force IPv4")
	fs.BoolVarP(&args.ForceIPv6, "ipv6", "6", false, "Force IPv6")
	fs.UintVarP(&args.DestinationPort, "dest-port", "p", 0, "Destination port (default: 443 for TCP, 33434 for UDP)")
	fs.UintVarP(&args.SourcePort, "source-port", "s", flow.DefaultBasePort, "Base source port; flow N uses base+N")
	fs.UintVarP(&args.Flows, "flows", "f", 1, "Number of ECMP flows per target")
	fs.UintVar(&args.DSCP, "dscp", 0, "DSCP value of probes (0-63)")
	fs.UintVarP(&args.MaxTTL, "max-ttl", "m", 30, "Maximum TTL hops")

	fs.Uint32VarP(&args.Count, "count", "c", 0, "Number of rounds (0 = infinite)")
	fs.DurationVarP(&args.Interval, "interval", "i", time.Second, "Delay between rounds")
	fs.DurationVarP(&args.Timeout, "timeout", "t", 3*time.Second, "Response timeout")
	fs.DurationVar(&args.InterTTLDelay, "inter-ttl-delay", 0, "Delay between each TTL within a round")

	fs.BoolVar(&args.PMTUD, "pmtud", false, "Discover the path MTU of every target")
	fs.BoolVar(&args.PMTUDImmediate, "pmtud-immediate", false, "Start PMTUD without waiting for the destination to answer")
	fs.BoolVarP(&args.NoResolve, "no-resolve", "n", false, "Do not resolve responder addresses to hostnames")

	fs.BoolVarP(&args.Json, "json", "J", false, "Write the session document to stdout on exit")
	fs.StringVarP(&args.JsonFile, "json-file", "j", "", "Write the session document to file (or directory) on exit")
	fs.BoolVar(&args.Stream, "ndjson", false, "Stream NDJSON snapshots to stdout")
	fs.StringVar(&args.StreamFile, "ndjson-file", "", "Stream NDJSON snapshots to file")
	fs.DurationVar(&args.OutputInterval, "output-interval", time.Second, "Interval between streamed snapshots")
	fs.StringVar(&args.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics and the control API on this address")
	fs.StringVar(&args.Replay, "replay", "", "Load a session document and re-emit it without probing")

	fs.StringVar(&args.ConfigFile, "config", "", "YAML configuration file; flags take precedence")
	fs.StringVarP(&args.Log, "log", "l", "", "Diagnostic log file (default: stderr)")
	fs.StringVar(&args.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	fs.StringVar(&args.LogFormat, "log-format", "auto", "Log format: auto, text or json")
}

// ParseArgs parses argv (without the program name).
func ParseArgs(argv []string) (Args, error) {
	var args Args
	fs := flag.NewFlagSet("hopwatch", flag.ContinueOnError)
	fs.Usage = Usage(fs)
	RegisterFlags(fs, &args)
	if err := fs.Parse(argv); err != nil {
		return args, err
	}
	args.Targets = fs.Args()
	if err := args.Complete(fs); err != nil {
		return args, err
	}
	return args, nil
}

// Complete applies the configuration file, validates the result and fills
// in protocol dependent defaults. fs tells which flags were set explicitly.
func (a *Args) Complete(fs *flag.FlagSet) error {
	if a.ConfigFile != "" {
		f, err := LoadFile(a.ConfigFile)
		if err != nil {
			return err
		}
		f.Apply(a, fs)
	}
	if a.Thresholds == (detect.Thresholds{}) {
		a.Thresholds = detect.Defaults()
	}
	if err := a.Validate(); err != nil {
		return err
	}

	// Set protocol-specific default destination port if not specified
	if a.DestinationPort == 0 {
		switch a.Protocol {
		case "udp":
			a.DestinationPort = 33434 // IANA allocated traceroute port
		case "tcp":
			a.DestinationPort = 443 // HTTPS port
		}
	}
	return nil
}

// Validate checks the arguments for consistency.
func (a *Args) Validate() error {
	proto, err := packet.ParseProtocol(a.Protocol)
	if err != nil {
		return errors.New("protocol must be one of icmp, udp or tcp")
	}
	a.Protocol = proto.String()

	switch {
	case len(a.Targets) == 0 && a.Replay == "":
		return errors.New("at least one target is required")
	case len(a.Targets) > 0 && a.Replay != "":
		return errors.New("cannot probe targets while replaying a session")
	case a.ForceIPv6 && a.ForceIPv4:
		return errors.New("cannot force both IPv4 and IPv6")
	case a.Json && a.JsonFile != "":
		return errors.New("cannot use both --json and --json-file")
	case a.Json && a.Stream:
		return errors.New("cannot write both --json and --ndjson to stdout")
	case a.Stream && a.StreamFile != "":
		return errors.New("cannot use both --ndjson and --ndjson-file")
	case a.DestinationPort > 65535:
		return errors.New("destination port must be between 0 and 65535")
	case a.Flows < 1 || a.Flows > flow.MaxFlows:
		return fmt.Errorf("flows must be between 1 and %d", flow.MaxFlows)
	case a.SourcePort+a.Flows > 65535:
		return errors.New("source port+flows must be below 65535")
	case a.MaxTTL < 1 || a.MaxTTL > 255:
		return errors.New("maximum TTL must be between 1 and 255")
	case proto == packet.ProtocolUDP && a.MaxTTL > packet.MaxUDPTTL:
		return fmt.Errorf("maximum TTL of UDP probes must not exceed %d", packet.MaxUDPTTL)
	case a.DSCP > 63:
		return errors.New("DSCP must be between 0 and 63")
	case a.Interval <= 0:
		return errors.New("interval must be positive")
	case a.Timeout <= 0:
		return errors.New("timeout must be positive")
	case a.Timeout >= packet.SeqWindow*a.Interval:
		return fmt.Errorf("timeout must be less than %d times the interval to prevent sequence wrapping issues", packet.SeqWindow)
	case a.OutputInterval <= 0:
		return errors.New("output interval must be positive")
	case a.LogFormat != "auto" && a.LogFormat != "text" && a.LogFormat != "json":
		return errors.New("log format must be one of auto, text or json")
	case a.Thresholds.NAT.MinRatio < 0 || a.Thresholds.NAT.MinRatio > 1:
		return errors.New("NAT min_ratio must be between 0 and 1")
	case a.Thresholds.RateLimit.MaxRateRatio < 0 || a.Thresholds.RateLimit.MaxRateRatio > 1:
		return errors.New("rate limit max_rate_ratio must be between 0 and 1")
	}
	return nil
}

// Family returns the address family targets are resolved to.
func (a Args) Family() session.Family {
	switch {
	case a.ForceIPv4:
		return session.IPv4Only
	case a.ForceIPv6:
		return session.IPv6Only
	}
	return session.AnyFamily
}

// SessionConfig returns the probing configuration. It assumes Validate
// succeeded.
func (a Args) SessionConfig() session.Config {
	proto, _ := packet.ParseProtocol(a.Protocol)
	return session.Config{
		Protocol: proto,
		Count:    a.Count,
		Interval: a.Interval,
		Timeout:  a.Timeout,
		PMTUD:    a.PMTUD,
		Flows:    int(a.Flows),
		DSCP:     uint8(a.DSCP),
		MaxTTL:   uint8(a.MaxTTL),
		DstPort:  uint16(a.DestinationPort),
		SrcPort:  uint16(a.SourcePort),
		Targets:  append([]string(nil), a.Targets...),
	}
}
