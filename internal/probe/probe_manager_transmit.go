package probe

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tkjaer/hopwatch/internal/packet"
	"github.com/tkjaer/hopwatch/internal/pmtud"
)

// TransmitEvent is a serialized probe waiting to be sent.
type TransmitEvent struct {
	Key    ProbeKey
	Buffer []byte
}

// transmitRoutine sends packets via the transport. It listens for
// TransmitEvent messages on the transmitChan channel until stopped.
// Probes left in the channel are retracted on shutdown.
func (m *Manager) transmitRoutine(ctx context.Context) {
	for {
		select {
		case event := <-m.transmitChan:
			if err := m.opts.Transport.Send(ctx, event.Buffer); err != nil {
				m.sendFailed(ctx, event.Key, err)
			}
		case <-m.stop:
			slog.Debug("Stopping transmit routine")
			return
		}
	}
}

func (m *Manager) sendFailed(ctx context.Context, key ProbeKey, err error) {
	switch {
	case errors.Is(err, ErrSocketPermissionDenied):
		slog.Error("Error sending probe", "probe", key, "error", err)
		m.fail(err)
	case key.PMTUD && errors.Is(err, packet.ErrMessageTooLong):
		// Rejected locally: the interface MTU is below the probe size.
		if item, ok := m.inflight.GetAndDelete(key); ok {
			if t := m.targets[key.Target]; t != nil {
				t.deliver(key, pmtud.TooBig{Size: item.Value().Size})
			}
		}
		return
	case ctx.Err() != nil:
		return
	default:
		slog.Warn("Error sending probe", "probe", key, "error", err)
	}
	m.retract(key)
}
