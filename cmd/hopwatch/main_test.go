package main

import (
	"bytes"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tkjaer/hopwatch/internal/detect"
	"github.com/tkjaer/hopwatch/internal/packet"
	"github.com/tkjaer/hopwatch/internal/probe"
	"github.com/tkjaer/hopwatch/internal/session"
	"github.com/tkjaer/hopwatch/internal/stats"
)

func execute(t *testing.T, argv ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(argv, "--log", filepath.Join(t.TempDir(), "hopwatch.log")))
	err := cmd.Execute()
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("unknown flag"), exitUsage},
		{fail(exitUnresolved, session.ErrTargetUnresolvable), exitUnresolved},
		{transportError(probe.ErrSocketPermissionDenied), exitPermission},
		{transportError(probe.ErrUnsupportedPlatform), exitUnsupported},
		{transportError(errors.New("boom")), exitUsage},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
	if err := transportError(probe.ErrSocketPermissionDenied); !errors.Is(err, probe.ErrSocketPermissionDenied) {
		t.Errorf("transportError() = %v, should wrap the cause", err)
	}
}

func TestUsageErrors(t *testing.T) {
	_, err := execute(t)
	if exitCode(err) != exitUsage || !strings.Contains(err.Error(), "at least one target is required") {
		t.Errorf("no targets: err = %v, code %d", err, exitCode(err))
	}

	_, err = execute(t, "--no-such-flag", "192.0.2.1")
	if exitCode(err) != exitUsage {
		t.Errorf("unknown flag: code = %d, want %d", exitCode(err), exitUsage)
	}
}

func TestUnresolvableTargets(t *testing.T) {
	// An IPv4 literal with --ipv6 fails without touching the network.
	_, err := execute(t, "--ipv6", "192.0.2.1")
	if exitCode(err) != exitUnresolved {
		t.Errorf("code = %d, want %d (err %v)", exitCode(err), exitUnresolved, err)
	}
	if !errors.Is(err, session.ErrTargetUnresolvable) {
		t.Errorf("err = %v, want ErrTargetUnresolvable", err)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "hopwatch ") {
		t.Errorf("version output = %q", out.String())
	}
}

func writeDocument(t *testing.T) (string, *session.Snapshot) {
	t.Helper()
	dst := netip.MustParseAddr("198.51.100.1")
	cfg := session.Config{
		Protocol: packet.ProtocolUDP,
		Count:    1,
		Interval: time.Second,
		Timeout:  time.Second,
		Flows:    1,
		MaxTTL:   30,
		DstPort:  33434,
		Targets:  []string{"198.51.100.1"},
	}
	s := session.New(cfg, []session.Target{{Input: "198.51.100.1", Addr: dst, Status: session.StatusOK}}, detect.Defaults(), time.Now())
	k := session.Key{Target: dst, TTL: 1}
	s.Probed(k)
	s.RecordReply(k, dst, 5*time.Millisecond, time.Now(), stats.Evidence{}, true)
	s.Stop("count exhausted", time.Now())
	snap := s.Snapshot()

	path := filepath.Join(t.TempDir(), "run.json")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer f.Close()
	if err := snap.Save(f); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return path, snap
}

func TestReplay(t *testing.T) {
	in, _ := writeDocument(t)
	want, err := os.ReadFile(in)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	out := filepath.Join(t.TempDir(), "replayed.json")
	if _, err := execute(t, "--replay", in, "--json-file", out); err != nil {
		t.Fatalf("replay error = %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Errorf("replayed document differs:\nwant %s\ngot  %s", want, got)
	}
}

func TestReplayIntoDirectory(t *testing.T) {
	in, _ := writeDocument(t)
	dir := t.TempDir()
	if _, err := execute(t, "--replay", in, "--json-file", dir); err != nil {
		t.Fatalf("replay error = %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "hopwatch-198.51.100.1-*.json"))
	if len(matches) != 1 {
		t.Errorf("documents in directory = %v, want one named after the target", matches)
	}
}

func TestReplayMissingFile(t *testing.T) {
	_, err := execute(t, "--replay", filepath.Join(t.TempDir(), "missing.json"))
	if exitCode(err) != exitUsage {
		t.Errorf("code = %d, want %d", exitCode(err), exitUsage)
	}
}

type fakeController struct {
	s *session.Session
}

func (f *fakeController) Command(c session.Command) error {
	_, err := f.s.Apply(c, time.Now())
	return err
}

func TestTogglePause(t *testing.T) {
	c := &fakeController{s: session.New(session.Config{Interval: time.Second, Timeout: time.Second, Flows: 1}, nil, detect.Defaults(), time.Now())}

	for i, want := range []string{"paused", "running", "paused"} {
		if err := togglePause(c); err != nil {
			t.Fatalf("togglePause() #%d error = %v", i+1, err)
		}
		if got := c.s.Snapshot().ModeName(); got != want {
			t.Errorf("after toggle #%d mode = %q, want %q", i+1, got, want)
		}
	}

	c.Command(session.Stop)
	if err := togglePause(c); !errors.Is(err, session.ErrInvalidTransition) {
		t.Errorf("togglePause() when stopped = %v, want ErrInvalidTransition", err)
	}
}
