package session

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tkjaer/hopwatch/internal/detect"
	"github.com/tkjaer/hopwatch/internal/pmtud"
	"github.com/tkjaer/hopwatch/internal/stats"
)

// DocumentVersion is the version of the persisted session document.
const DocumentVersion = 1

// Snapshot is a deep copy of a session. It carries the raw aggregator state
// needed to rebuild every HopRecord as well as the derived statistics.
type Snapshot struct {
	Version    int               `json:"version"`
	Started    time.Time         `json:"started"`
	Mode       modeDoc           `json:"mode"`
	Epoch      uint64            `json:"epoch"`
	Config     Config            `json:"config"`
	Thresholds detect.Thresholds `json:"thresholds"`
	Counters   Counters          `json:"counters"`
	Targets    []TargetSnapshot  `json:"targets"`
}

// TargetSnapshot is the state of one target.
type TargetSnapshot struct {
	Target Target         `json:"target"`
	Rounds uint64         `json:"rounds"`
	PMTUD  pmtud.Result   `json:"pmtud"`
	Flows  []FlowSnapshot `json:"flows"`
}

// FlowSnapshot is the state of one (target, flow).
type FlowSnapshot struct {
	Flow        uint16           `json:"flow"`
	Terminal    bool             `json:"terminal"`
	TerminalTTL uint8            `json:"terminal_ttl,omitempty"`
	Hops        []stats.Summary  `json:"hops"`
	Path        *stats.PathState `json:"path"`
}

// ModeName returns the run mode of the snapshot.
func (s *Snapshot) ModeName() string {
	return s.Mode.State
}

// Snapshot returns a deep copy of the session, safe to use while probing
// continues.
func (s *Session) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{
		Version:    DocumentVersion,
		Started:    s.started,
		Mode:       describeMode(s.mode),
		Epoch:      s.epoch,
		Config:     s.config,
		Thresholds: s.thresholds,
		Counters:   s.counters,
		Targets:    make([]TargetSnapshot, 0, len(s.targets)),
	}
	snap.Config.Targets = append([]string(nil), s.config.Targets...)
	for _, ts := range s.targets {
		t := TargetSnapshot{
			Target: ts.target,
			Rounds: ts.rounds,
			PMTUD:  pmtud.Describe(ts.pmtud),
			Flows:  make([]FlowSnapshot, 0, len(ts.paths)),
		}
		for _, p := range ts.paths {
			t.Flows = append(t.Flows, FlowSnapshot{
				Flow:        p.Flow,
				Terminal:    p.Terminal,
				TerminalTTL: p.TerminalTTL,
				Hops:        p.Summaries(),
				Path:        p.Clone(),
			})
		}
		snap.Targets = append(snap.Targets, t)
	}
	return snap
}

// Save writes the session document as indented JSON.
func (s *Snapshot) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode session document: %w", err)
	}
	return nil
}

// Load reads a session document.
func Load(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode session document: %w", err)
	}
	if snap.Version != DocumentVersion {
		return nil, fmt.Errorf("unsupported session document version %d (want %d)", snap.Version, DocumentVersion)
	}
	return &snap, nil
}

// LoadFile reads a session document from path.
func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Replay rebuilds a session from a document without probing. The derived
// statistics are recomputed from the raw state, so a replayed session
// serializes to the same document.
func Replay(snap *Snapshot) (*Session, error) {
	mode, err := snap.Mode.restore()
	if err != nil {
		return nil, err
	}
	s := &Session{
		config:      snap.Config,
		thresholds:  snap.Thresholds,
		started:     snap.Started,
		mode:        mode,
		epoch:       snap.Epoch,
		counters:    snap.Counters,
		byAddr:      make(map[netip.Addr]*targetState),
		annotations: make(map[netip.Addr]map[string]string),
	}
	for i, t := range snap.Targets {
		st, err := t.PMTUD.Restore()
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		ts := &targetState{target: t.Target, rounds: t.Rounds, pmtud: st}
		for j, f := range t.Flows {
			if f.Path == nil {
				return nil, fmt.Errorf("target %s flow %d: missing path state", t.Target.Input, j)
			}
			ts.paths = append(ts.paths, f.Path.Clone())
			s.collectAnnotations(f.Path)
		}
		if t.Target.Status == StatusOK {
			s.byAddr[t.Target.Addr] = ts
		}
		s.targets = append(s.targets, ts)
	}
	return s, nil
}

// ExportPath returns path, or when path is a directory, a file in it named
// after the first target and the given time.
func ExportPath(path string, target string, now time.Time) string {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return path
	}
	name := strings.NewReplacer(":", "_", "/", "_", "%", "_").Replace(target)
	return filepath.Join(path, fmt.Sprintf("hopwatch-%s-%s.json", name, now.Format("20060102-150405")))
}

// collectAnnotations rebuilds the per-address annotations from the hops of
// a replayed path.
func (s *Session) collectAnnotations(p *stats.PathState) {
	for _, h := range p.Hops {
		for a, kv := range h.Annotations {
			addr, err := netip.ParseAddr(a)
			if err != nil {
				continue
			}
			if s.annotations[addr] == nil {
				s.annotations[addr] = make(map[string]string)
			}
			maps.Copy(s.annotations[addr], kv)
		}
	}
}
