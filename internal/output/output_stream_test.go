package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tkjaer/hopwatch/internal/session"
)

func TestNewLine(t *testing.T) {
	snap := newTestSession().Snapshot()
	l := NewLine(snap, t0, true)

	if l.Mode != "running" || !l.Final || !l.Time.Equal(t0) {
		t.Errorf("line header = %q/%v/%v, want running/final/t0", l.Mode, l.Final, l.Time)
	}
	if len(l.Targets) != 2 {
		t.Fatalf("targets = %d, want 2", len(l.Targets))
	}
	lt := l.Targets[0]
	if lt.Addr != dst.String() || lt.Rounds != 1 {
		t.Errorf("target = %+v, want addr %s and 1 round", lt, dst)
	}
	if len(lt.Flows) != 1 || !lt.Flows[0].Terminal || lt.Flows[0].TerminalTTL != 2 {
		t.Fatalf("flows = %+v, want one terminal flow at TTL 2", lt.Flows)
	}
	hops := lt.Flows[0].Hops
	if len(hops) != 2 || hops[0].Primary != router.String() || hops[1].Primary != dst.String() {
		t.Errorf("hops = %+v, want router then destination", hops)
	}
	if u := l.Targets[1]; u.Addr != "" || u.Status != session.StatusUnresolvable || len(u.Flows) != 0 {
		t.Errorf("unresolvable target = %+v", u)
	}
}

func TestStreamOutput_WritesOneLinePerSnapshot(t *testing.T) {
	var buf bytes.Buffer
	out := newStreamOutput(&buf, nil)
	out.now = func() time.Time { return t0 }

	s := newTestSession()
	out.Update(s.Snapshot())
	out.Update(s.Snapshot())
	if _, err := s.Stop("count exhausted", t0); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	out.Complete(s.Snapshot())
	if err := out.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var lines []Line
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var l Line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("line %d: %v", len(lines)+1, err)
		}
		lines = append(lines, l)
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if lines[0].Final || lines[1].Final || !lines[2].Final {
		t.Errorf("final flags = %v %v %v, want only the last", lines[0].Final, lines[1].Final, lines[2].Final)
	}
	if lines[2].Mode != "stopped" {
		t.Errorf("last mode = %q, want stopped", lines[2].Mode)
	}
}

func TestNewStreamOutput_File(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "stream.ndjson")
	out, err := NewStreamOutput(filename)
	if err != nil {
		t.Fatalf("NewStreamOutput() error = %v", err)
	}
	out.Update(newTestSession().Snapshot())
	if err := out.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if n := bytes.Count(data, []byte("\n")); n != 1 {
		t.Errorf("file has %d lines, want 1", n)
	}
}
