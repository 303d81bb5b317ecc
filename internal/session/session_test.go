package session

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tkjaer/hopwatch/internal/detect"
	"github.com/tkjaer/hopwatch/internal/packet"
	"github.com/tkjaer/hopwatch/internal/pmtud"
	"github.com/tkjaer/hopwatch/internal/stats"
)

var (
	t0     = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	dst    = netip.MustParseAddr("198.51.100.1")
	dst2   = netip.MustParseAddr("2001:db8::1")
	router = netip.MustParseAddr("203.0.113.1")
)

func testConfig() Config {
	return Config{
		Protocol: packet.ProtocolICMP,
		Count:    3,
		Interval: time.Second,
		Timeout:  2 * time.Second,
		Flows:    2,
		MaxTTL:   30,
		Targets:  []string{"198.51.100.1", "2001:db8::1"},
	}
}

func newTestSession() *Session {
	targets := []Target{
		{Input: "198.51.100.1", Addr: dst, Status: StatusOK},
		{Input: "2001:db8::1", Addr: dst2, Status: StatusOK},
		{Input: "nowhere.invalid", Status: StatusUnresolvable, Error: "no such host"},
	}
	return New(testConfig(), targets, detect.Defaults(), t0)
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from    Mode
		cmd     Command
		want    Mode
		wantErr bool
	}{
		{Running{}, Pause, Paused{Since: t0}, false},
		{Running{}, Resume, Running{}, true},
		{Running{}, Reset, Running{}, false},
		{Running{}, Stop, Stopped{At: t0, Reason: "stopped"}, false},
		{Paused{Since: t0}, Resume, Running{}, false},
		{Paused{Since: t0}, Pause, Paused{Since: t0}, true},
		{Paused{Since: t0}, Reset, Paused{Since: t0}, false},
		{Paused{Since: t0}, Stop, Stopped{At: t0, Reason: "stopped"}, false},
		{Stopped{At: t0}, Resume, Stopped{At: t0}, true},
		{Stopped{At: t0}, Reset, Stopped{At: t0}, true},
		{Stopped{At: t0}, Stop, Stopped{At: t0}, true},
	}
	for _, tt := range tests {
		got, err := Transition(tt.from, tt.cmd, t0)
		if (err != nil) != tt.wantErr {
			t.Errorf("Transition(%v, %v) error = %v, wantErr %v", tt.from, tt.cmd, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%v, %v) error = %v, want ErrInvalidTransition", tt.from, tt.cmd, err)
		}
		if got != tt.want {
			t.Errorf("Transition(%v, %v) = %#v, want %#v", tt.from, tt.cmd, got, tt.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	for c := Pause; c <= Stop; c++ {
		got, err := ParseCommand(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCommand(%q) = %v, %v", c.String(), got, err)
		}
	}
	if _, err := ParseCommand("explode"); err == nil {
		t.Errorf("ParseCommand(explode) error = nil")
	}
}

func TestNewSkipsUnresolvableAndDuplicates(t *testing.T) {
	targets := []Target{
		{Input: "a", Addr: dst, Status: StatusOK},
		{Input: "b", Addr: dst, Status: StatusOK},
		{Input: "c", Status: StatusUnresolvable},
	}
	s := New(testConfig(), targets, detect.Defaults(), t0)
	if got := s.Targets(); len(got) != 1 || got[0].Input != "a" {
		t.Errorf("Targets() = %v, want only a", got)
	}
	snap := s.Snapshot()
	if len(snap.Targets) != 2 || snap.Targets[1].Target.Status != StatusUnresolvable {
		t.Errorf("snapshot targets = %+v", snap.Targets)
	}
	if len(snap.Targets[1].Flows) != 0 {
		t.Errorf("unresolvable target has %d flows", len(snap.Targets[1].Flows))
	}
}

func TestTerminalTruncatesPath(t *testing.T) {
	s := newTestSession()
	for ttl := uint8(1); ttl <= 8; ttl++ {
		k := Key{Target: dst, Flow: 1, TTL: ttl}
		if !s.Probed(k) {
			t.Fatalf("Probed(%v) = false", k)
		}
		s.RecordLoss(k)
	}
	if !s.RecordReply(Key{Target: dst, Flow: 1, TTL: 5}, dst, time.Millisecond, t0, stats.Evidence{}, true) {
		t.Fatalf("terminal reply not recorded")
	}
	if term, ttl := s.Terminal(dst, 1); !term || ttl != 5 {
		t.Errorf("Terminal() = %v, %d; want true, 5", term, ttl)
	}
	if s.Limit(dst, 1) != 5 || s.Limit(dst, 0) != 30 {
		t.Errorf("Limit() = %d / %d, want 5 / 30", s.Limit(dst, 1), s.Limit(dst, 0))
	}
	if s.RecordReply(Key{Target: dst, Flow: 1, TTL: 7}, dst, time.Millisecond, t0, stats.Evidence{}, true) {
		t.Errorf("reply beyond terminal recorded")
	}
	if s.RecordLoss(Key{Target: dst, Flow: 1, TTL: 6}) {
		t.Errorf("timeout beyond terminal recorded")
	}
	flow := s.Snapshot().Targets[0].Flows[1]
	if len(flow.Hops) != 5 {
		t.Errorf("hops = %d, want 5", len(flow.Hops))
	}
	if flow.Hops[4].Received != 1 || flow.Hops[4].Sent != 2 {
		t.Errorf("terminal hop = %+v", flow.Hops[4])
	}
}

func TestPauseResumeKeepsStats(t *testing.T) {
	s := newTestSession()
	k := Key{Target: dst, Flow: 0, TTL: 2}
	s.Probed(k)
	s.RecordReply(k, router, 3*time.Millisecond, t0, stats.Evidence{}, false)
	s.RecordLoss(k)
	before := s.Snapshot().Targets[0].Flows[0].Hops

	if _, err := s.Apply(Pause, t0); err != nil {
		t.Fatalf("Apply(Pause) error = %v", err)
	}
	if _, ok := s.Mode().(Paused); !ok {
		t.Errorf("Mode() = %v, want paused", s.Mode())
	}
	if _, err := s.Apply(Resume, t0); err != nil {
		t.Fatalf("Apply(Resume) error = %v", err)
	}
	after := s.Snapshot().Targets[0].Flows[0].Hops
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("pause/resume changed stats (-before +after):\n%s", diff)
	}
}

func TestResetZeroesStatsKeepsConfig(t *testing.T) {
	s := newTestSession()
	k := Key{Target: dst, Flow: 0, TTL: 2}
	s.Probed(k)
	s.RecordReply(k, router, 3*time.Millisecond, t0, stats.Evidence{}, false)
	s.RecordLoss(k)

	if _, err := s.Apply(Reset, t0); err != nil {
		t.Fatalf("Apply(Reset) error = %v", err)
	}
	if s.Epoch() != 1 {
		t.Errorf("Epoch() = %d, want 1", s.Epoch())
	}
	snap := s.Snapshot()
	h := snap.Targets[0].Flows[0].Hops[1]
	if h.Sent != 0 || h.Received != 0 || h.LossPct != 0 || h.AvgMs != 0 || len(h.Responders) != 0 {
		t.Errorf("hop after reset = %+v", h)
	}
	if diff := cmp.Diff(testConfig(), snap.Config); diff != "" {
		t.Errorf("reset changed config (-want +got):\n%s", diff)
	}
	if len(snap.Targets[0].Flows) != 2 {
		t.Errorf("reset changed flow count")
	}

	// Counts recover consistently after a reset.
	s.RecordReply(k, router, 3*time.Millisecond, t0, stats.Evidence{}, false)
	s.RecordLoss(k)
	s.RecordLoss(k)
	h = s.Snapshot().Targets[0].Flows[0].Hops[1]
	if h.Sent != 3 || h.Received != 1 || h.LossPct != 66.667 {
		t.Errorf("hop after reset and probing = %+v", h)
	}
}

func TestAnnotate(t *testing.T) {
	s := newTestSession()
	k := Key{Target: dst2, Flow: 1, TTL: 4}
	s.Probed(k)
	s.RecordReply(k, router, time.Millisecond, t0, stats.Evidence{}, false)
	s.Annotate(router, "ptr", "r1.example.net")
	p := s.Snapshot().Targets[1].Flows[1].Path
	if got := p.Hops[3].Annotations[router.String()]["ptr"]; got != "r1.example.net" {
		t.Errorf("annotation = %q", got)
	}
	if p.Hops[0].Annotations != nil {
		t.Errorf("annotation leaked to hop without the responder")
	}
}

func TestAnnotateCarriesToLaterHops(t *testing.T) {
	s := newTestSession()
	late := Key{Target: dst, Flow: 0, TTL: 3}
	s.Probed(late)
	s.RecordReply(late, dst, 3*time.Millisecond, t0, stats.Evidence{}, true)
	s.Annotate(dst, "ptr", "dst.example.net")

	early := Key{Target: dst, Flow: 0, TTL: 2}
	s.Probed(early)
	s.RecordReply(early, dst, 2*time.Millisecond, t0.Add(time.Second), stats.Evidence{}, true)
	dup := Key{Target: dst, Flow: 1, TTL: 5}
	s.Probed(dup)
	s.RecordDuplicate(dup, dst, t0)

	if ok, ttl := s.Terminal(dst, 0); !ok || ttl != 2 {
		t.Fatalf("Terminal() = %v, %d, want true, 2", ok, ttl)
	}
	snap := s.Snapshot().Targets[0]
	if got := snap.Flows[0].Path.Hops[1].Annotations[dst.String()]["ptr"]; got != "dst.example.net" {
		t.Errorf("terminal hop annotation = %q, want dst.example.net", got)
	}
	if got := snap.Flows[1].Path.Hops[4].Annotations[dst.String()]["ptr"]; got != "dst.example.net" {
		t.Errorf("duplicate responder annotation = %q, want dst.example.net", got)
	}
}

func populate(s *Session) {
	for flow := uint16(0); flow < 2; flow++ {
		for round := 0; round < 3; round++ {
			for ttl := uint8(1); ttl <= 4; ttl++ {
				k := Key{Target: dst, Flow: flow, TTL: ttl}
				s.Probed(k)
				if ttl == 2 && round == 1 {
					s.RecordLoss(k)
					continue
				}
				from := netip.AddrFrom4([4]byte{203, 0, 113, ttl*10 + uint8(flow)})
				if ttl == 4 {
					from = dst
				}
				rtt := time.Duration(ttl)*time.Millisecond + time.Duration(round*137+int(flow)*31)*time.Microsecond
				s.RecordReply(k, from, rtt, t0.Add(time.Duration(round)*time.Second), stats.Evidence{Quoted: ttl < 4, QuotedTTL: 1, CheckTTL: true}, ttl == 4)
			}
		}
	}
	s.RecordDuplicate(Key{Target: dst, Flow: 0, TTL: 3}, netip.MustParseAddr("203.0.113.99"), t0)
	s.Count(CounterUnmatched)
	s.AddRound(dst)
	s.SetPMTUD(dst, pmtud.Converged{MTU: 1492, Probes: 11})
	s.SetPMTUD(dst2, pmtud.Failed{Reason: "destination never responded", Probes: 33})
	s.Annotate(dst, "ptr", "dst.example.net")
}

func TestReplayIsByteIdentical(t *testing.T) {
	s := newTestSession()
	populate(s)
	if _, err := s.Apply(Stop, t0.Add(time.Minute)); err != nil {
		t.Fatalf("Apply(Stop) error = %v", err)
	}

	var first bytes.Buffer
	if err := s.Snapshot().Save(&first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	doc, err := Load(bytes.NewReader(first.Bytes()))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	replayed, err := Replay(doc)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	var second bytes.Buffer
	if err := replayed.Snapshot().Save(&second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if diff := cmp.Diff(first.String(), second.String()); diff != "" {
		t.Errorf("replayed document differs (-live +replay):\n%s", diff)
	}

	live := s.Snapshot().Targets[0].Flows[0].Hops
	again := replayed.Snapshot().Targets[0].Flows[0].Hops
	if diff := cmp.Diff(live, again); diff != "" {
		t.Errorf("replayed hop statistics differ (-live +replay):\n%s", diff)
	}
	if _, ok := replayed.Mode().(Stopped); !ok {
		t.Errorf("replayed Mode() = %v, want stopped", replayed.Mode())
	}
	if got := replayed.PMTUD(dst); got != pmtud.State(pmtud.Converged{MTU: 1492, Probes: 11}) {
		t.Errorf("replayed PMTUD = %v", got)
	}
	if got := replayed.annotations[dst]["ptr"]; got != "dst.example.net" {
		t.Errorf("replayed annotation = %q, want dst.example.net", got)
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	if _, err := Load(strings.NewReader(`{"version": 99}`)); err == nil {
		t.Errorf("Load() of version 99 error = nil")
	}
	if _, err := Load(strings.NewReader(`{`)); err == nil {
		t.Errorf("Load() of truncated JSON error = nil")
	}
}

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, network, host string) ([]netip.Addr, error) {
	addrs, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestResolve(t *testing.T) {
	r := fakeResolver{
		"dual.example":   {netip.MustParseAddr("2001:db8::5"), netip.MustParseAddr("192.0.2.5")},
		"v6only.example": {netip.MustParseAddr("2001:db8::6")},
	}
	targets, err := Resolve(context.Background(), r, []string{"192.0.2.1", "dual.example", "v6only.example", "missing.example"}, AnyFamily)
	if !errors.Is(err, ErrTargetUnresolvable) {
		t.Errorf("Resolve() error = %v, want ErrTargetUnresolvable", err)
	}
	want := []Target{
		{Input: "192.0.2.1", Addr: netip.MustParseAddr("192.0.2.1"), Status: StatusOK},
		{Input: "dual.example", Addr: netip.MustParseAddr("192.0.2.5"), Status: StatusOK},
		{Input: "v6only.example", Addr: netip.MustParseAddr("2001:db8::6"), Status: StatusOK},
		{Input: "missing.example", Status: StatusUnresolvable, Error: "no such host"},
	}
	if diff := cmp.Diff(want, targets, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
	}

	targets, err = Resolve(context.Background(), r, []string{"dual.example", "192.0.2.1"}, IPv6Only)
	if !errors.Is(err, ErrTargetUnresolvable) || targets[0].Addr != netip.MustParseAddr("2001:db8::5") {
		t.Errorf("Resolve(IPv6Only) = %v, %v", targets, err)
	}
}

func TestExportPath(t *testing.T) {
	dir := t.TempDir()
	got := ExportPath(dir, "2001:db8::1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if want := filepath.Join(dir, "hopwatch-2001_db8__1-20260102-030405.json"); got != want {
		t.Errorf("ExportPath(dir) = %q, want %q", got, want)
	}
	file := filepath.Join(dir, "out.json")
	if got := ExportPath(file, "x", t0); got != file {
		t.Errorf("ExportPath(file) = %q, want %q", got, file)
	}
}
