package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tkjaer/hopwatch/internal/api"
	"github.com/tkjaer/hopwatch/internal/config"
	"github.com/tkjaer/hopwatch/internal/metrics"
	"github.com/tkjaer/hopwatch/internal/output"
	"github.com/tkjaer/hopwatch/internal/probe"
	"github.com/tkjaer/hopwatch/internal/session"
	"github.com/tkjaer/hopwatch/pkg/ptr"
)

// controller is the part of the probe manager driven by signals.
type controller interface {
	Command(c session.Command) error
}

func run(ctx context.Context, args config.Args) error {
	// Setup logging
	logFile, err := config.SetupLogging(args)
	if err != nil {
		return fail(exitUsage, fmt.Errorf("failed to setup logging: %w", err))
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if args.Replay != "" {
		return replay(args)
	}

	targets, err := session.Resolve(ctx, net.DefaultResolver, args.Targets, args.Family())
	if err != nil {
		slog.Warn("Some targets could not be resolved", "error", err)
	}
	var addrs []netip.Addr
	first := ""
	for _, t := range targets {
		if t.Status == session.StatusOK {
			if len(addrs) == 0 {
				first = t.Input
			}
			addrs = append(addrs, t.Addr)
		}
	}
	if len(addrs) == 0 {
		if err == nil {
			err = session.ErrTargetUnresolvable
		}
		return fail(exitUnresolved, err)
	}

	om, err := buildOutputs(args, first, time.Now())
	if err != nil {
		return fail(exitUsage, err)
	}

	cfg := args.SessionConfig()
	slog.Debug("Starting hopwatch",
		"targets", args.Targets,
		"protocol", cfg.Protocol,
		"flows", cfg.Flows,
		"count", cfg.Count,
	)

	transport, err := probe.NewLiveTransport(addrs, probe.LiveOptions{
		Protocol: cfg.Protocol,
		SrcPort:  cfg.SrcPort,
		Flows:    cfg.Flows,
		DstPort:  cfg.DstPort,
	})
	if err != nil {
		om.Close()
		return transportError(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	opts := probe.Options{
		Config:         cfg,
		InterTTLDelay:  args.InterTTLDelay,
		Thresholds:     args.Thresholds,
		Transport:      transport,
		Source:         probe.LiveSource,
		Metrics:        m,
		PMTUDImmediate: args.PMTUDImmediate,
	}
	if !args.NoResolve {
		opts.Annotator = ptr.NewPtrManager()
	}
	mgr, err := probe.NewManager(opts, targets)
	if err != nil {
		transport.Close()
		om.Close()
		if errors.Is(err, probe.ErrNoTargets) {
			return fail(exitUnresolved, err)
		}
		return fail(exitUsage, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	watchControlSignals(ctx, mgr)

	var bg sync.WaitGroup
	apiCtx, stopAPI := context.WithCancel(context.Background())
	defer stopAPI()
	if args.MetricsAddr != "" {
		om.Register(m)
		srv, err := api.Listen(args.MetricsAddr, api.NewRouter(mgr, reg))
		if err != nil {
			slog.Error("Failed to start API", "addr", args.MetricsAddr, "error", err)
		} else {
			bg.Add(1)
			go func() {
				defer bg.Done()
				if err := srv.Run(apiCtx); err != nil {
					slog.Error("API server error", "error", err)
				}
			}()
		}
	}

	followCtx, stopFollow := context.WithCancel(ctx)
	bg.Add(1)
	go func() {
		defer bg.Done()
		om.Follow(followCtx, mgr, args.OutputInterval)
	}()

	runErr := mgr.Run(ctx)
	stopFollow()
	stopAPI()
	bg.Wait()

	om.Complete(mgr.Snapshot())
	if err := om.Close(); err != nil {
		slog.Warn("Error closing outputs", "error", err)
	}

	if runErr != nil {
		slog.Error("Probe manager error", "error", runErr)
		return transportError(runErr)
	}
	slog.Debug("hopwatch completed")
	return nil
}

func transportError(err error) error {
	switch {
	case errors.Is(err, probe.ErrSocketPermissionDenied):
		return fail(exitPermission, fmt.Errorf("%w (run as root or grant CAP_NET_RAW)", err))
	case errors.Is(err, probe.ErrUnsupportedPlatform):
		return fail(exitUnsupported, err)
	default:
		return fail(exitUsage, err)
	}
}

// buildOutputs registers the outputs selected by args. firstTarget names
// the document when --json-file is a directory.
func buildOutputs(args config.Args, firstTarget string, now time.Time) (*output.OutputManager, error) {
	om := &output.OutputManager{}
	if args.Json || args.JsonFile != "" {
		path := ""
		if args.JsonFile != "" {
			path = session.ExportPath(args.JsonFile, firstTarget, now)
		}
		j, err := output.NewJSONOutput(path)
		if err != nil {
			return nil, err
		}
		om.Register(j)
	}
	if args.Stream || args.StreamFile != "" {
		s, err := output.NewStreamOutput(args.StreamFile)
		if err != nil {
			om.Close()
			return nil, err
		}
		om.Register(s)
	}
	return om, nil
}

// replay re-emits a saved session document. Without an explicit output the
// document goes to stdout.
func replay(args config.Args) error {
	doc, err := session.LoadFile(args.Replay)
	if err != nil {
		return fail(exitUsage, err)
	}
	s, err := session.Replay(doc)
	if err != nil {
		return fail(exitUsage, fmt.Errorf("failed to replay %s: %w", args.Replay, err))
	}
	snap := s.Snapshot()

	if !args.Json && args.JsonFile == "" && !args.Stream && args.StreamFile == "" {
		args.Json = true
	}
	first := ""
	if len(snap.Targets) > 0 {
		first = snap.Targets[0].Target.Input
	}
	om, err := buildOutputs(args, first, time.Now())
	if err != nil {
		return fail(exitUsage, err)
	}
	om.Complete(snap)
	if err := om.Close(); err != nil {
		return fail(exitUsage, err)
	}
	return nil
}

// togglePause pauses a running session and resumes a paused one.
func togglePause(c controller) error {
	err := c.Command(session.Pause)
	if errors.Is(err, session.ErrInvalidTransition) {
		err = c.Command(session.Resume)
	}
	return err
}
