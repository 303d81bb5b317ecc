// Package probe runs the probe engine: it schedules TTL sweeps over every
// (target, flow), correlates replies with in-flight probes and feeds the
// results into the session aggregate.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/tkjaer/hopwatch/internal/detect"
	"github.com/tkjaer/hopwatch/internal/flow"
	"github.com/tkjaer/hopwatch/internal/metrics"
	"github.com/tkjaer/hopwatch/internal/pmtud"
	"github.com/tkjaer/hopwatch/internal/session"
	"github.com/tkjaer/hopwatch/internal/stats"
	"github.com/tkjaer/hopwatch/pkg/iface"
)

// Annotator looks up extra information about a responder address, such
// as its PTR name.
type Annotator interface {
	Annotate(ctx context.Context, addr netip.Addr) (map[string]string, error)
}

// Options configure a Manager.
type Options struct {
	Config        session.Config
	InterTTLDelay time.Duration
	Thresholds    detect.Thresholds

	Transport Transport
	Source    SourceFunc
	Metrics   *metrics.Metrics
	Annotator Annotator

	// ICMPID is the Echo identifier of ICMP probes. Zero uses the process
	// ID.
	ICMPID uint16
	// PMTUDImmediate starts path MTU discovery without waiting for flow 0
	// to reach the destination.
	PMTUDImmediate bool
}

// targetProbe is the per-target probing state not kept in the session.
type targetProbe struct {
	addr netip.Addr
	src  netip.Addr
	mtu  int
	mss  uint16

	// pending counts in-flight probes to this target.
	pending atomic.Int64

	reached     chan struct{}
	reachedOnce sync.Once
	results     chan pmtudResult
}

type pmtudResult struct {
	key   ProbeKey
	event pmtud.Event
}

// deliver hands a PMTUD result to the discovery loop. The loop waits for
// one probe at a time, so a full buffer only holds stale results.
func (t *targetProbe) deliver(key ProbeKey, ev pmtud.Event) {
	select {
	case t.results <- pmtudResult{key: key, event: ev}:
	default:
	}
}

func (t *targetProbe) markReached() {
	t.reachedOnce.Do(func() { close(t.reached) })
}

type commandRequest struct {
	command session.Command
	result  chan error
}

// Manager coordinates probing of all targets and flows of a session.
type Manager struct {
	// Coordination
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	halted   chan struct{}
	haltOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error
	runCtx   context.Context

	// Statistics aggregation
	statsChan chan ProbeEvent
	commands  chan commandRequest

	// Shared resources
	transmitChan chan TransmitEvent
	inflight     *ttlcache.Cache[ProbeKey, inflightProbe]
	matched      *ttlcache.Cache[ProbeKey, netip.Addr]
	pending      sync.WaitGroup
	annotations  sync.WaitGroup
	seen         map[netip.Addr]bool

	opts    Options
	icmpID  uint16
	session *session.Session
	flows   *flow.Manager
	targets map[netip.Addr]*targetProbe
	order   []*targetProbe
}

// NewManager creates a manager probing targets. Targets without a route
// are reported as unroutable and skipped. It returns ErrNoTargets when
// nothing is left to probe.
func NewManager(opts Options, targets []session.Target) (*Manager, error) {
	cfg := opts.Config
	if opts.Transport == nil || opts.Source == nil {
		return nil, fmt.Errorf("%w: transport and source are required", ErrInvalidOptions)
	}
	if cfg.Interval <= 0 || cfg.Timeout <= 0 {
		return nil, fmt.Errorf("%w: interval and timeout must be positive", ErrInvalidOptions)
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = stats.DefaultMaxTTL
	}
	if cfg.SrcPort == 0 {
		cfg.SrcPort = flow.DefaultBasePort
	}
	flows, err := flow.NewManager(cfg.Flows, cfg.SrcPort)
	if err != nil {
		return nil, err
	}
	opts.Config = cfg
	if opts.Thresholds == (detect.Thresholds{}) {
		opts.Thresholds = detect.Defaults()
	}

	m := &Manager{
		stop:         make(chan struct{}),
		halted:       make(chan struct{}),
		done:         make(chan struct{}),
		runCtx:       context.Background(),
		statsChan:    make(chan ProbeEvent, 1024),
		commands:     make(chan commandRequest),
		transmitChan: make(chan TransmitEvent, 256),
		seen:         make(map[netip.Addr]bool),
		opts:         opts,
		icmpID:       opts.ICMPID,
		flows:        flows,
		targets:      make(map[netip.Addr]*targetProbe),
	}
	if m.icmpID == 0 {
		m.icmpID = uint16(os.Getpid())
	}

	targets = append([]session.Target(nil), targets...)
	routes := make(map[netip.Addr]*targetProbe)
	for i := range targets {
		t := &targets[i]
		if t.Status != session.StatusOK {
			continue
		}
		if _, dup := routes[t.Addr]; dup {
			continue
		}
		src, mtu, err := opts.Source(t.Addr)
		if err != nil {
			slog.Warn("No route to target", "target", t.Input, "addr", t.Addr, "error", err)
			t.Status = session.StatusUnroutable
			t.Error = err.Error()
			continue
		}
		if mtu <= 0 {
			mtu = pmtud.DefaultCeiling
		}
		routes[t.Addr] = &targetProbe{
			addr:    t.Addr,
			src:     src,
			mtu:     mtu,
			mss:     iface.MSS(mtu, !t.Addr.Is4()),
			reached: make(chan struct{}),
			results: make(chan pmtudResult, 4),
		}
	}

	m.session = session.New(cfg, targets, opts.Thresholds, time.Now())
	for _, t := range m.session.Targets() {
		tp := routes[t.Addr]
		m.targets[t.Addr] = tp
		m.order = append(m.order, tp)
	}
	if len(m.order) == 0 {
		return nil, ErrNoTargets
	}

	m.initCaches()

	// Start stats processor
	go func() {
		defer close(m.done)
		m.statsProcessor()
	}()

	return m, nil
}

// Session returns the session aggregate.
func (m *Manager) Session() *session.Session {
	return m.session
}

// Snapshot returns a deep copy of the session.
func (m *Manager) Snapshot() *session.Snapshot {
	return m.session.Snapshot()
}

// Command applies a run mode command. Stop ends Run.
func (m *Manager) Command(c session.Command) error {
	req := commandRequest{command: c, result: make(chan error, 1)}
	select {
	case m.commands <- req:
	case <-m.done:
		return fmt.Errorf("%w: %s after the session ended", session.ErrInvalidTransition, c)
	}
	return <-req.result
}

// Run probes until the configured number of rounds is exhausted and every
// in-flight probe resolved, ctx is cancelled, Stop is commanded or a fatal
// transport error occurs. Probes still in flight when probing is cut short
// are retracted. Run returns the fatal error, if any.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.runCtx = ctx
	go func() {
		select {
		case <-m.halted:
			cancel()
		case <-ctx.Done():
		}
	}()

	go m.inflight.Start()
	go m.matched.Start()

	// Start transmit routine
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.transmitRoutine(ctx)
	}()

	// Start receiving routine
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.recvProbes()
	}()

	var roundsWg, discoveryWg sync.WaitGroup
	roundsDone := make(chan struct{})
	for _, t := range m.order {
		roundsWg.Add(1)
		go func(t *targetProbe) {
			defer roundsWg.Done()
			m.schedule(ctx, t)
		}(t)
		if m.opts.Config.PMTUD {
			discoveryWg.Add(1)
			go func(t *targetProbe) {
				defer discoveryWg.Done()
				m.discover(ctx, t, roundsDone)
			}(t)
		}
	}
	roundsWg.Wait()
	close(roundsDone)
	discoveryWg.Wait()
	slog.Debug("All probes completed, signaling stop for cleanup")

	reason := "count exhausted"
	if ctx.Err() != nil {
		reason = "cancelled"
	}
	m.shutdown()

	if _, err := m.session.Stop(reason, time.Now()); err == nil {
		slog.Debug("Session stopped", "reason", reason)
	}
	close(m.statsChan)
	<-m.done

	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// shutdown stops the transmit and receive routines, retracts whatever is
// still in flight and waits until every probe resolved.
func (m *Manager) shutdown() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
	if err := m.opts.Transport.Close(); err != nil {
		slog.Warn("Error closing transport", "error", err)
	}

	for _, key := range m.inflight.Keys() {
		m.retract(key)
	}
	m.pending.Wait()
	m.sync()
	m.annotations.Wait()
	m.sync()

	m.inflight.Stop()
	m.matched.Stop()
}

// Stop terminates probing; Run returns once in-flight probes are retracted.
func (m *Manager) Stop() {
	m.halt()
}

func (m *Manager) halt() {
	m.haltOnce.Do(func() {
		slog.Debug("Stopping probe manager")
		close(m.halted)
	})
}

// fail records a fatal error and stops probing.
func (m *Manager) fail(err error) {
	m.errMu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.errMu.Unlock()
	m.halt()
}

// sync returns once every event queued before it has been processed.
func (m *Manager) sync() {
	done := make(chan struct{})
	m.statsChan <- ProbeEvent{EventType: eventSync, Data: done}
	<-done
}
