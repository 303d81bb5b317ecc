// Package output writes session snapshots: a live stream while probing
// and a session document once it ends.
package output

import (
	"context"
	"errors"
	"time"

	"github.com/tkjaer/hopwatch/internal/session"
)

// Output interface for different output types
type Output interface {
	// Update receives a live snapshot, once per output interval.
	Update(snap *session.Snapshot)
	// Complete receives the final snapshot after the session stopped.
	Complete(snap *session.Snapshot)
	Close() error
}

// Source provides snapshots. *probe.Manager satisfies it.
type Source interface {
	Snapshot() *session.Snapshot
}

// OutputManager manages multiple outputs
type OutputManager struct {
	outputs []Output
}

func (om *OutputManager) Register(o Output) {
	om.outputs = append(om.outputs, o)
}

// Len returns the number of registered outputs.
func (om *OutputManager) Len() int {
	return len(om.outputs)
}

func (om *OutputManager) Update(snap *session.Snapshot) {
	for _, o := range om.outputs {
		o.Update(snap)
	}
}

func (om *OutputManager) Complete(snap *session.Snapshot) {
	for _, o := range om.outputs {
		o.Complete(snap)
	}
}

// Close closes every output and returns their errors joined.
func (om *OutputManager) Close() error {
	var errs []error
	for _, o := range om.outputs {
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Follow takes a snapshot from src every interval and hands it to the
// outputs until ctx is done. Observers run on their own schedule and never
// block probing.
func (om *OutputManager) Follow(ctx context.Context, src Source, interval time.Duration) {
	if len(om.outputs) == 0 || interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			om.Update(src.Snapshot())
		}
	}
}
