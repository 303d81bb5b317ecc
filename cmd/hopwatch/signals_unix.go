//go:build !windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tkjaer/hopwatch/internal/session"
)

// watchControlSignals maps SIGUSR1 to pause/resume and SIGUSR2 to reset
// until ctx is done.
func watchControlSignals(ctx context.Context, c controller) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				var err error
				if sig == syscall.SIGUSR2 {
					err = c.Command(session.Reset)
				} else {
					err = togglePause(c)
				}
				if err != nil {
					slog.Warn("Control signal ignored", "signal", sig, "error", err)
				}
			}
		}
	}()
}
