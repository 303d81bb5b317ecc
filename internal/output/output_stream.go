package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tkjaer/hopwatch/internal/pmtud"
	"github.com/tkjaer/hopwatch/internal/session"
	"github.com/tkjaer/hopwatch/internal/stats"
)

// Line is one record of the live stream. It carries the derived hop
// statistics only; the raw aggregator state is left to the session
// document.
type Line struct {
	Time     time.Time        `json:"time"`
	Mode     string           `json:"mode"`
	Epoch    uint64           `json:"epoch"`
	Final    bool             `json:"final,omitempty"`
	Counters session.Counters `json:"counters"`
	Targets  []LineTarget     `json:"targets"`
}

// LineTarget is the state of one target in a Line.
type LineTarget struct {
	Target string       `json:"target"`
	Addr   string       `json:"addr,omitempty"`
	Status string       `json:"status"`
	Rounds uint64       `json:"rounds"`
	PMTUD  pmtud.Result `json:"pmtud"`
	Flows  []LineFlow   `json:"flows,omitempty"`
}

// LineFlow is the state of one (target, flow) in a Line.
type LineFlow struct {
	Flow        uint16          `json:"flow"`
	Terminal    bool            `json:"terminal"`
	TerminalTTL uint8           `json:"terminal_ttl,omitempty"`
	Hops        []stats.Summary `json:"hops"`
}

// NewLine condenses a snapshot into a stream record.
func NewLine(snap *session.Snapshot, now time.Time, final bool) Line {
	l := Line{
		Time:     now,
		Mode:     snap.ModeName(),
		Epoch:    snap.Epoch,
		Final:    final,
		Counters: snap.Counters,
		Targets:  make([]LineTarget, 0, len(snap.Targets)),
	}
	for _, t := range snap.Targets {
		lt := LineTarget{
			Target: t.Target.Input,
			Status: t.Target.Status,
			Rounds: t.Rounds,
			PMTUD:  t.PMTUD,
		}
		if t.Target.Addr.IsValid() {
			lt.Addr = t.Target.Addr.String()
		}
		for _, f := range t.Flows {
			lt.Flows = append(lt.Flows, LineFlow{
				Flow:        f.Flow,
				Terminal:    f.Terminal,
				TerminalTTL: f.TerminalTTL,
				Hops:        f.Hops,
			})
		}
		l.Targets = append(l.Targets, lt)
	}
	return l
}

// StreamOutput writes one JSON line per snapshot (NDJSON).
type StreamOutput struct {
	mu     sync.Mutex
	closer io.Closer
	w      *bufio.Writer
	enc    *json.Encoder
	now    func() time.Time
}

// NewStreamOutput creates a stream writing to filename, or to stdout if
// filename is empty.
func NewStreamOutput(filename string) (*StreamOutput, error) {
	if filename == "" {
		return newStreamOutput(os.Stdout, nil), nil
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream output file: %w", err)
	}
	return newStreamOutput(f, f), nil
}

func newStreamOutput(w io.Writer, closer io.Closer) *StreamOutput {
	bw := bufio.NewWriter(w)
	return &StreamOutput{
		closer: closer,
		w:      bw,
		enc:    json.NewEncoder(bw),
		now:    time.Now,
	}
}

func (s *StreamOutput) Update(snap *session.Snapshot) {
	s.write(snap, false)
}

func (s *StreamOutput) Complete(snap *session.Snapshot) {
	s.write(snap, true)
}

func (s *StreamOutput) write(snap *session.Snapshot, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(NewLine(snap, s.now(), final)); err != nil {
		slog.Warn("Failed to encode stream line", "error", err)
		return
	}
	if err := s.w.Flush(); err != nil {
		slog.Warn("Failed to write stream line", "error", err)
	}
}

func (s *StreamOutput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
