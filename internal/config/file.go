package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/tkjaer/hopwatch/internal/detect"
)

// File is the YAML configuration file. Unset keys leave the flag default
// in place; explicitly set flags override the file.
type File struct {
	Targets []string `yaml:"targets"`

	Protocol        *string `yaml:"protocol"`
	IPv4            *bool   `yaml:"ipv4"`
	IPv6            *bool   `yaml:"ipv6"`
	DestinationPort *uint   `yaml:"dest_port"`
	SourcePort      *uint   `yaml:"source_port"`
	Flows           *uint   `yaml:"flows"`
	DSCP            *uint   `yaml:"dscp"`
	MaxTTL          *uint   `yaml:"max_ttl"`

	Count         *uint32        `yaml:"count"`
	Interval      *time.Duration `yaml:"interval"`
	Timeout       *time.Duration `yaml:"timeout"`
	InterTTLDelay *time.Duration `yaml:"inter_ttl_delay"`

	PMTUD          *bool `yaml:"pmtud"`
	PMTUDImmediate *bool `yaml:"pmtud_immediate"`
	NoResolve      *bool `yaml:"no_resolve"`

	JsonFile       *string        `yaml:"json_file"`
	StreamFile     *string        `yaml:"ndjson_file"`
	OutputInterval *time.Duration `yaml:"output_interval"`
	MetricsAddr    *string        `yaml:"metrics_addr"`

	Log       *string `yaml:"log"`
	LogLevel  *string `yaml:"log_level"`
	LogFormat *string `yaml:"log_format"`

	// Detect tunes the anomaly detectors. Omitted keys keep their defaults.
	Detect detect.Thresholds `yaml:"detect"`
}

// LoadFile reads a configuration file.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a configuration file from r. Unknown keys are an error.
func Decode(r io.Reader) (*File, error) {
	f := File{Detect: detect.Defaults()}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &f, nil
}

// Apply copies the values of f into args, except for flags changed in fs.
// Targets from the file are used only when none were given on the command
// line.
func (f *File) Apply(args *Args, fs *flag.FlagSet) {
	if len(args.Targets) == 0 {
		args.Targets = append([]string(nil), f.Targets...)
	}
	apply(fs, "protocol", &args.Protocol, f.Protocol)
	apply(fs, "ipv4", &args.ForceIPv4, f.IPv4)
	apply(fs, "ipv6", &args.ForceIPv6, f.IPv6)
	apply(fs, "dest-port", &args.DestinationPort, f.DestinationPort)
	apply(fs, "source-port", &args.SourcePort, f.SourcePort)
	apply(fs, "flows", &args.Flows, f.Flows)
	apply(fs, "dscp", &args.DSCP, f.DSCP)
	apply(fs, "max-ttl", &args.MaxTTL, f.MaxTTL)
	apply(fs, "count", &args.Count, f.Count)
	apply(fs, "interval", &args.Interval, f.Interval)
	apply(fs, "timeout", &args.Timeout, f.Timeout)
	apply(fs, "inter-ttl-delay", &args.InterTTLDelay, f.InterTTLDelay)
	apply(fs, "pmtud", &args.PMTUD, f.PMTUD)
	apply(fs, "pmtud-immediate", &args.PMTUDImmediate, f.PMTUDImmediate)
	apply(fs, "no-resolve", &args.NoResolve, f.NoResolve)
	apply(fs, "json-file", &args.JsonFile, f.JsonFile)
	apply(fs, "ndjson-file", &args.StreamFile, f.StreamFile)
	apply(fs, "output-interval", &args.OutputInterval, f.OutputInterval)
	apply(fs, "metrics-addr", &args.MetricsAddr, f.MetricsAddr)
	apply(fs, "log", &args.Log, f.Log)
	apply(fs, "log-level", &args.LogLevel, f.LogLevel)
	apply(fs, "log-format", &args.LogFormat, f.LogFormat)
	if f.Detect != (detect.Thresholds{}) {
		args.Thresholds = f.Detect
	}
}

func apply[T any](fs *flag.FlagSet, name string, dst *T, v *T) {
	if v == nil || (fs != nil && fs.Changed(name)) {
		return
	}
	*dst = *v
}
