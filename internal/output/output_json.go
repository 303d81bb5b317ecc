package output

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tkjaer/hopwatch/internal/session"
)

// JSONOutput writes the final session document. Live updates are ignored.
type JSONOutput struct {
	mu       sync.Mutex
	file     *os.File
	toStdout bool
	written  bool
}

// NewJSONOutput creates a JSON output writing to filename, or to stdout if
// filename is empty.
func NewJSONOutput(filename string) (*JSONOutput, error) {
	if filename == "" {
		return &JSONOutput{file: os.Stdout, toStdout: true}, nil
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create JSON output file: %w", err)
	}
	return &JSONOutput{file: f}, nil
}

func (j *JSONOutput) Update(*session.Snapshot) {}

// Complete writes snap as the session document. Only the first call
// writes.
func (j *JSONOutput) Complete(snap *session.Snapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.written {
		return
	}
	j.written = true
	if err := snap.Save(j.file); err != nil {
		slog.Error("Failed to write session document", "file", j.file.Name(), "error", err)
	}
}

func (j *JSONOutput) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.toStdout {
		return nil
	}
	return j.file.Close()
}
